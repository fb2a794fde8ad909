package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
)

// PaymentMethodRef is a reusable payment method reference persisted from
// setup.completed webhooks. The provider-side token is stored, never card
// data.
type PaymentMethodRef struct {
	ID          int       `gorm:"primary_key" json:"id"`
	Provider    string    `gorm:"size:50;not null;index:uniq_payment_method,unique" json:"provider"`
	CustomerRef string    `gorm:"size:255;not null;index:uniq_payment_method,unique" json:"customer_ref"`
	MethodRef   string    `gorm:"size:255;not null;index:uniq_payment_method,unique" json:"method_ref"`
	Brand       string    `gorm:"size:50" json:"brand"`
	Last4       string    `gorm:"size:4" json:"last4"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SavePaymentMethodRef upserts by (provider, customer, method). A repeated
// setup webhook for the same method is a no-op.
func SavePaymentMethodRef(ctx context.Context, provider string, setup SetupCompleted) (*PaymentMethodRef, error) {
	db := config.GetDB()

	ref := PaymentMethodRef{
		Provider:    provider,
		CustomerRef: setup.CustomerRef,
		MethodRef:   setup.MethodRef,
		Brand:       setup.Brand,
		Last4:       setup.Last4,
	}
	if err := db.WithContext(ctx).Create(&ref).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			var existing PaymentMethodRef
			if err := db.WithContext(ctx).
				Where("provider = ? AND customer_ref = ? AND method_ref = ?", provider, setup.CustomerRef, setup.MethodRef).
				First(&existing).Error; err != nil {
				return nil, err
			}
			return &existing, nil
		}
		return nil, err
	}
	return &ref, nil
}

func ListPaymentMethodRefs(ctx context.Context) ([]*PaymentMethodRef, error) {
	return utils.FetchAllModels[PaymentMethodRef](ctx)
}

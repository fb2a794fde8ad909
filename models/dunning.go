package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
)

// DunningLog records payment failures reported by the provider. No invoice
// or order state changes; the rows feed the follow-up process.
type DunningLog struct {
	ID        int       `gorm:"primary_key" json:"id"`
	InvoiceId *int      `gorm:"index" json:"invoice_id"`
	Provider  string    `gorm:"size:50;not null" json:"provider"`
	EventID   string    `gorm:"size:255;not null" json:"event_id"`
	Reason    string    `gorm:"size:500" json:"reason"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateDunningLog(ctx context.Context, provider string, eventID string, invoiceId *int, reason string) (*DunningLog, error) {
	db := config.GetDB()

	entry := DunningLog{
		InvoiceId: invoiceId,
		Provider:  provider,
		EventID:   eventID,
		Reason:    reason,
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListDunningLogs returns the payment-failure history for one invoice.
func ListDunningLogs(ctx context.Context, invoiceId int) ([]*DunningLog, error) {
	if err := utils.ValidateResourceId[Invoice](ctx, invoiceId); err != nil {
		return nil, err
	}
	return utils.FetchModelsWhere[DunningLog](ctx, "invoice_id = ?", invoiceId)
}

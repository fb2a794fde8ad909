package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WebhookRetryCeiling is the fixed retry budget; events past it are terminal
// and require manual intervention.
const WebhookRetryCeiling = 5

// webhookClaimWindow bounds how long one delivery may hold an event. A claim
// older than this is treated as abandoned (worker crash) and may be retaken.
const webhookClaimWindow = 5 * time.Minute

// WebhookEvent is the durable log of every externally received event. The
// unique (provider, event_id) constraint is the authoritative idempotency
// guard; the row is inserted before any business logic runs.
type WebhookEvent struct {
	ID           int        `gorm:"primary_key" json:"id"`
	Provider     string     `gorm:"size:50;not null;index:uniq_webhook_event,unique" json:"provider"`
	EventID      string     `gorm:"size:255;not null;index:uniq_webhook_event,unique" json:"event_id"`
	EventType    string     `gorm:"size:100;not null;index" json:"event_type"`
	Payload      []byte     `gorm:"type:blob" json:"payload"`
	Processed    bool       `gorm:"not null;index" json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	// ClaimedAt marks the event as being handled by one delivery. Set on
	// insert and by the conditional claim update, cleared on every outcome.
	ClaimedAt *time.Time `gorm:"index" json:"claimed_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e *WebhookEvent) IsRetriable() bool {
	return e.RetryCount < WebhookRetryCeiling
}

// NormalizedEvent is the webhook ingress contract. Signature verification
// and payload normalization happen upstream; event_id uniqueness per
// provider is trusted as supplied.
type NormalizedEvent struct {
	Provider string                 `json:"provider" binding:"required"`
	EventID  string                 `json:"event_id" binding:"required"`
	Type     string                 `json:"type" binding:"required"`
	Data     map[string]interface{} `json:"data"`
}

// Closed variant over the normalized payload. New provider event types fall
// into UnknownEvent and are acknowledged without side effect.
type WebhookVariant interface {
	webhookVariant()
}

type CheckoutCompleted struct {
	InvoiceId   int
	AmountTotal decimal.Decimal
}

type PaymentFailed struct {
	InvoiceId int
	Reason    string
}

type RefundCreated struct {
	InvoiceId int
	Amount    decimal.Decimal
}

type SetupCompleted struct {
	CustomerRef string
	MethodRef   string
	Brand       string
	Last4       string
}

type UnknownEvent struct {
	Type string
}

func (CheckoutCompleted) webhookVariant() {}
func (PaymentFailed) webhookVariant()     {}
func (RefundCreated) webhookVariant()     {}
func (SetupCompleted) webhookVariant()    {}
func (UnknownEvent) webhookVariant()      {}

func dataInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

func dataString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// DecodeWebhookVariant maps a normalized event to its closed variant.
// Monetary fields arrive as integer minor units (cents).
func DecodeWebhookVariant(eventType string, data map[string]interface{}) WebhookVariant {
	switch eventType {
	case "checkout.completed":
		return CheckoutCompleted{
			InvoiceId:   dataInt(data, "invoice_id"),
			AmountTotal: CentsToAmount(int64(dataInt(data, "amount_total"))),
		}
	case "payment.failed":
		return PaymentFailed{
			InvoiceId: dataInt(data, "invoice_id"),
			Reason:    dataString(data, "reason"),
		}
	case "refund.created":
		return RefundCreated{
			InvoiceId: dataInt(data, "invoice_id"),
			Amount:    CentsToAmount(int64(dataInt(data, "amount"))),
		}
	case "setup.completed":
		return SetupCompleted{
			CustomerRef: dataString(data, "customer"),
			MethodRef:   dataString(data, "payment_method"),
			Brand:       dataString(data, "brand"),
			Last4:       dataString(data, "last4"),
		}
	default:
		return UnknownEvent{Type: eventType}
	}
}

// InsertWebhookEvent logs the event and claims it before any business logic
// runs. A processed or terminal-failed existing row short-circuits as
// ErrDuplicateEvent. A failed-but-retriable row is handed back for
// reprocessing (provider redelivery is the retry mechanism) only after a
// conditional claim update wins; a redelivery racing an in-flight handling
// loses the claim and is acknowledged as a duplicate. The SELECT pre-check
// is an optimization; the unique key violation is the guard of record.
func InsertWebhookEvent(ctx context.Context, event NormalizedEvent) (*WebhookEvent, error) {
	db := config.GetDB()
	now := time.Now().UTC()

	var existing WebhookEvent
	err := db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", event.Provider, event.EventID).
		First(&existing).Error
	if err == nil {
		if existing.Processed || !existing.IsRetriable() {
			return nil, ErrDuplicateEvent
		}
		res := db.WithContext(ctx).Model(&WebhookEvent{}).
			Where("id = ? AND processed = ? AND retry_count < ? AND (claimed_at IS NULL OR claimed_at < ?)",
				existing.ID, false, WebhookRetryCeiling, now.Add(-webhookClaimWindow)).
			Update("claimed_at", &now)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrDuplicateEvent
		}
		existing.ClaimedAt = &now
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, err
	}
	row := WebhookEvent{
		Provider:  event.Provider,
		EventID:   event.EventID,
		EventType: event.Type,
		Payload:   payload,
		Processed: false,
		ClaimedAt: &now,
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, err
	}
	return &row, nil
}

func MarkWebhookProcessed(ctx context.Context, id int) error {
	db := config.GetDB()
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":     true,
			"processed_at":  &now,
			"error_message": nil,
			"claimed_at":    nil,
		}).Error
}

func MarkWebhookFailed(ctx context.Context, id int, handleErr error) error {
	db := config.GetDB()
	msg := ""
	if handleErr != nil {
		msg = handleErr.Error()
	}
	return db.WithContext(ctx).Model(&WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":     false,
			"error_message": &msg,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"claimed_at":    nil,
		}).Error
}

func GetWebhookEvent(ctx context.Context, id int) (*WebhookEvent, error) {
	return GetResource[WebhookEvent](ctx, id)
}

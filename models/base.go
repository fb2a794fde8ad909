package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reference types stored on outbox rows.
const (
	ReferenceTypeOrder       = "order"
	ReferenceTypeInvoice     = "invoice"
	ReferenceTypeTransaction = "transaction"
)

// IsDuplicateKeyErr reports MySQL error 1062 (duplicate entry). The unique
// constraints on webhook events and number series rows are the authoritative
// guards; this is how their violations are recognized.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// publishDomainEvent writes the outbox row inside the caller's DB transaction
// but does NOT publish to Pub/Sub. Publishing is performed asynchronously by
// the outbox dispatcher after commit.
func publishDomainEvent(ctx context.Context, tx *gorm.DB, eventName string, refType string, refId int, obj interface{}) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	record := DomainEventRecord{
		EventName:     eventName,
		ReferenceType: refType,
		ReferenceId:   refId,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// GetResource fetches a single model by id with optional preloads.
func GetResource[T any](ctx context.Context, id int, associations ...string) (*T, error) {
	return utils.FetchModel[T](ctx, id, associations...)
}

package models

import (
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
)

// Outbox publish statuses for DomainEventRecord.PublishStatus.
// Keep these as strings (DB values) for backwards compatibility.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// DomainEventRecord is the transactional outbox row for billing events.
// Rows are written inside the mutating DB transaction; the dispatcher
// publishes them to Pub/Sub after commit.
type DomainEventRecord struct {
	ID            int       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventName     string    `gorm:"size:100;not null;index" json:"event_name"`
	ReferenceType string    `gorm:"size:30;not null" json:"reference_type"`
	ReferenceId   int       `gorm:"not null;index" json:"reference_id"`
	OccurredAt    time.Time `gorm:"index;not null" json:"occurred_at"`
	Payload       []byte    `gorm:"type:blob" json:"payload"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToDomainEventMessage(record DomainEventRecord) config.DomainEventMessage {
	return config.DomainEventMessage{
		ID:            record.ID,
		EventName:     record.EventName,
		ReferenceType: record.ReferenceType,
		ReferenceId:   record.ReferenceId,
		OccurredAt:    record.OccurredAt,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

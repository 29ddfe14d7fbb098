package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
)

// BillingEventRecord is the transactional outbox row behind the reporting
// sink. Writers insert it inside the same DB transaction as the ledger
// mutation; the outbox dispatcher publishes after commit.
type BillingEventRecord struct {
	ID            int              `gorm:"primary_key" json:"id"`
	EventType     BillingEventType `gorm:"size:50;not null;index" json:"event_type"`
	CenterId      int              `gorm:"index;not null" json:"center_id"`
	ReferenceId   int              `gorm:"not null" json:"reference_id"`
	ReferenceType string           `gorm:"size:50;not null" json:"reference_type"`
	Payload       []byte           `gorm:"type:json" json:"payload"`
	OccurredAt    time.Time        `gorm:"not null" json:"occurred_at"`
	CorrelationId string           `gorm:"size:64;index" json:"correlation_id"`

	PublishStatus    OutboxPublishStatus `gorm:"size:20;not null;default:PENDING;index" json:"publish_status"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"default:null;index" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"default:null" json:"locked_at"`
	LockedBy         *string             `gorm:"size:64;default:null" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text;default:null" json:"last_publish_error"`
	PublishedAt      *time.Time          `gorm:"default:null" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:64;default:null" json:"pub_sub_message_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EmitBillingEvent writes the outbox row inside the caller's transaction but
// does NOT publish. Publishing happens asynchronously after commit.
func EmitBillingEvent(ctx context.Context, tx *gorm.DB, eventType BillingEventType, centerId int, refId int, refType string, payload interface{}) error {
	payloadInByte, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	record := BillingEventRecord{
		EventType:     eventType,
		CenterId:      centerId,
		ReferenceId:   refId,
		ReferenceType: refType,
		Payload:       payloadInByte,
		OccurredAt:    time.Now().UTC(),
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

func ConvertToBillingEvent(rec BillingEventRecord) config.BillingEvent {
	return config.BillingEvent{
		ID:            rec.ID,
		EventType:     string(rec.EventType),
		CenterId:      rec.CenterId,
		ReferenceId:   rec.ReferenceId,
		ReferenceType: rec.ReferenceType,
		OccurredAt:    rec.OccurredAt,
		Payload:       rec.Payload,
		CorrelationId: rec.CorrelationId,
	}
}

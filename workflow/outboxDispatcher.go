package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxPublishBackoff = 10 * time.Minute

// OutboxDispatcher drains billing_event_records to Pub/Sub. Multiple
// instances may run concurrently; SKIP LOCKED keeps them from fighting over
// the same rows, and stale PROCESSING claims are reclaimed after LockTimeout.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch := d.claimBatch(ctx)
		d.publishBatch(ctx, batch)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// claimBatch locks a page of publishable rows and stamps them PROCESSING.
// Rows that already burned MaxAttempts are flipped to DEAD inside the same
// transaction and returned with that status so the publish loop skips them.
func (d *OutboxDispatcher) claimBatch(ctx context.Context) []models.BillingEventRecord {
	if d.DB == nil {
		return nil
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)

	var batch []models.BillingEventRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		retryable := tx.
			Where("publish_status IN ?", []models.OutboxPublishStatus{
				models.OutboxPublishStatusPending,
				models.OutboxPublishStatusFailed,
			}).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now)
		abandoned := tx.
			Where("publish_status = ?", models.OutboxPublishStatusProcessing).
			Where("locked_at IS NOT NULL AND locked_at <= ?", staleBefore)

		err := tx.
			Where(retryable).Or(abandoned).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&batch).Error
		if err != nil {
			return err
		}

		for i := range batch {
			rec := &batch[i]
			if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
				rec.PublishStatus = models.OutboxPublishStatusDead
				reason := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				if err := tx.Model(&models.BillingEventRecord{}).Where("id = ?", rec.ID).
					Updates(deadColumns(reason)).Error; err != nil {
					return err
				}
				continue
			}

			rec.PublishStatus = models.OutboxPublishStatusProcessing
			rec.PublishAttempts++
			if err := tx.Model(&models.BillingEventRecord{}).Where("id = ?", rec.ID).
				Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusProcessing,
					"locked_at":          &now,
					"locked_by":          &d.DispatcherID,
					"publish_attempts":   gorm.Expr("publish_attempts + 1"),
					"last_publish_error": nil,
					"next_attempt_at":    nil,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if d.Logger != nil {
			config.LogError(d.Logger, "workflow", "claimBatch", "outbox claim failed", nil, err)
		}
		return nil
	}
	return batch
}

func (d *OutboxDispatcher) publishBatch(ctx context.Context, batch []models.BillingEventRecord) {
	for _, rec := range batch {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		pubID, err := config.PublishBillingEventWithResult(ctx, models.ConvertToBillingEvent(rec))
		if err != nil {
			d.markFailed(ctx, rec, err)
			continue
		}
		d.markPublished(ctx, rec.ID, pubID)
	}
}

func (d *OutboxDispatcher) markPublished(ctx context.Context, recordID int, pubsubMsgID string) {
	now := time.Now().UTC()
	_ = d.DB.WithContext(ctx).Model(&models.BillingEventRecord{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusPublished,
			"published_at":       &now,
			"pub_sub_message_id": &pubsubMsgID,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (d *OutboxDispatcher) markFailed(ctx context.Context, rec models.BillingEventRecord, pubErr error) {
	db := d.DB.WithContext(ctx)
	reason := pubErr.Error()

	if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
		_ = db.Model(&models.BillingEventRecord{}).
			Where("id = ?", rec.ID).
			Updates(deadColumns(reason)).Error
		if d.Logger != nil {
			config.LogError(d.Logger, "workflow", "markFailed",
				"outbox publish moved to DEAD after max attempts",
				map[string]interface{}{"record_id": rec.ID, "attempt": rec.PublishAttempts}, pubErr)
		}
		return
	}

	next := time.Now().UTC().Add(d.backoffFor(rec.PublishAttempts))
	_ = db.Model(&models.BillingEventRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &reason,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
	if d.Logger != nil {
		config.LogError(d.Logger, "workflow", "markFailed", "outbox publish failed",
			map[string]interface{}{
				"record_id":       rec.ID,
				"attempt":         rec.PublishAttempts,
				"next_attempt_at": next.Format(time.RFC3339Nano),
			}, pubErr)
	}
}

// backoffFor doubles InitialBackoff per prior attempt, capped at 10 minutes.
func (d *OutboxDispatcher) backoffFor(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxPublishBackoff {
			return maxPublishBackoff
		}
	}
	return backoff
}

func deadColumns(reason string) map[string]interface{} {
	return map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusDead,
		"last_publish_error": &reason,
		"next_attempt_at":    nil,
		"locked_at":          nil,
		"locked_by":          nil,
	}
}

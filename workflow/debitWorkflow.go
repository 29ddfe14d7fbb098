package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/nicepay"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMaxRetries     = 3
	defaultChargeTimeout  = 30 * time.Second
	transactionLockTTL    = 2 * time.Minute
	handlerDebitSubmit    = "debit.submit"
	handlerDebitRetry     = "debit.retry"
	handlerDebitReconcile = "debit.reconcile"

	failureReasonTimeout = "processor timeout"
)

// MaxRetries is the retry budget per transaction. Configurable so operations
// can tighten it without a deploy.
func MaxRetries() int {
	if v := strings.TrimSpace(os.Getenv("BILLING_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return defaultMaxRetries
}

func chargeTimeout() time.Duration {
	if v := strings.TrimSpace(os.Getenv("BILLING_CHARGE_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultChargeTimeout
}

// SubmitTransaction drives one SCHEDULED transaction through the processor.
// Safe to call twice for the same attempt: the DB idempotency key short-
// circuits a completed handler, and the deterministic charge key lets the
// processor deduplicate the money movement itself.
func SubmitTransaction(ctx context.Context, db *gorm.DB, logger *logrus.Logger, processor nicepay.Processor, transactionId int) (nicepay.Outcome, error) {
	lock, err := utils.ObtainLock(ctx, fmt.Sprintf("debit:txn:%d", transactionId), transactionLockTTL, "debitWorkflow.go", "SubmitTransaction")
	if err != nil {
		return nicepay.Outcome{}, err
	}
	defer utils.ReleaseLock(ctx, lock)

	txn, err := models.GetTransactionById(db, transactionId)
	if err != nil {
		return nicepay.Outcome{}, err
	}
	if txn.Status != models.TransactionStatusScheduled {
		return nicepay.Outcome{}, fmt.Errorf("%w: submit requires SCHEDULED, transaction %d is %s", utils.ErrInvalidTransition, txn.ID, txn.Status)
	}

	return chargeAndApply(ctx, db, logger, processor, txn, handlerDebitSubmit)
}

// RetryTransaction re-submits a FAILED transaction with the same scheduled
// amount. The retry counter moves first so the charge key names this attempt.
func RetryTransaction(ctx context.Context, db *gorm.DB, logger *logrus.Logger, processor nicepay.Processor, transactionId int) (nicepay.Outcome, error) {
	lock, err := utils.ObtainLock(ctx, fmt.Sprintf("debit:txn:%d", transactionId), transactionLockTTL, "debitWorkflow.go", "RetryTransaction")
	if err != nil {
		return nicepay.Outcome{}, err
	}
	defer utils.ReleaseLock(ctx, lock)

	maxRetries := MaxRetries()
	var txn *models.Transaction
	err = db.Transaction(func(tx *gorm.DB) error {
		var inner models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&inner, transactionId).Error; err != nil {
			return err
		}
		if inner.Status != models.TransactionStatusFailed {
			return fmt.Errorf("%w: retry requires FAILED, transaction %d is %s", utils.ErrInvalidTransition, inner.ID, inner.Status)
		}
		if inner.PendingReconcile() {
			return fmt.Errorf("%w: transaction %d", utils.ErrReconcilePending, inner.ID)
		}
		if !inner.CanRetry(maxRetries) {
			return fmt.Errorf("%w: transaction %d at %d/%d", utils.ErrRetriesExhausted, inner.ID, inner.RetryCount, maxRetries)
		}
		inner.RetryCount++
		if err := tx.Save(&inner).Error; err != nil {
			return err
		}
		txn = &inner
		return nil
	})
	if err != nil {
		return nicepay.Outcome{}, err
	}

	return chargeAndApply(ctx, db, logger, processor, txn, handlerDebitRetry)
}

// chargeAndApply is the shared half of submit/retry: claim the idempotency
// key, call the processor outside any DB transaction, then apply the outcome
// atomically.
func chargeAndApply(ctx context.Context, db *gorm.DB, logger *logrus.Logger, processor nicepay.Processor, txn *models.Transaction, handlerName string) (nicepay.Outcome, error) {
	idemKey := txn.IdempotencyKey()

	var skip bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		skip, err = BeginIdempotency(tx, handlerName, idemKey)
		return err
	})
	if err != nil {
		return nicepay.Outcome{}, err
	}
	if skip {
		// A prior invocation completed; report the recorded outcome.
		fresh, err := models.GetTransactionById(db, txn.ID)
		if err != nil {
			return nicepay.Outcome{}, err
		}
		return outcomeFromTransaction(fresh), nil
	}

	payer, err := models.GetPayerById(db, txn.PayerId)
	if err != nil {
		return nicepay.Outcome{}, err
	}

	chargeCtx, cancel := context.WithTimeout(ctx, chargeTimeout())
	defer cancel()
	outcome, chargeErr := processor.Charge(chargeCtx, idemKey, payer.AccountRef(), txn.ScheduledAmount)

	if chargeErr != nil {
		if errors.Is(chargeErr, utils.ErrProcessorTimeout) {
			if err := markTimedOut(ctx, db, logger, txn.ID, handlerName, idemKey); err != nil {
				return nicepay.Outcome{}, err
			}
			return nicepay.Outcome{}, chargeErr
		}
		_ = db.Transaction(func(tx *gorm.DB) error {
			return MarkIdempotencyFailed(tx, handlerName, idemKey, chargeErr)
		})
		return nicepay.Outcome{}, chargeErr
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		var fresh models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&fresh, txn.ID).Error; err != nil {
			return err
		}
		if err := applyOutcome(ctx, tx, logger, payer, &fresh, outcome); err != nil {
			return err
		}
		return MarkIdempotencySucceeded(tx, handlerName, idemKey)
	})
	if err != nil {
		config.LogError(logger, "debitWorkflow.go", "chargeAndApply", "applyOutcome", txn.ID, err)
		return nicepay.Outcome{}, err
	}
	return outcome, nil
}

// applyOutcome moves the transaction to its processor-reported state and fans
// out to the settlement aggregator or the unpaid reconciler. Caller holds the
// row lock.
func applyOutcome(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, payer *models.Payer, txn *models.Transaction, outcome nicepay.Outcome) error {
	now := time.Now().UTC()
	raw, _ := json.Marshal(outcome)
	from := txn.Status

	if outcome.Approved {
		if err := txn.Transition(models.TransactionStatusSuccess, now); err != nil {
			return err
		}
		actual := txn.ScheduledAmount
		txn.ActualAmount = &actual
		txn.ProcessorTxId = outcome.ProcessorTxId
		txn.RawResponse = raw
		txn.FailureReason = ""
		txn.NeedsReconcile = utils.NewFalse()
		if err := tx.Save(txn).Error; err != nil {
			return err
		}
		// A retry landing converts a counted failure into a success.
		if from == models.TransactionStatusFailed {
			if err := RecordSettlementRecovery(ctx, tx, logger, payer, txn); err != nil {
				return err
			}
		} else {
			if err := RecordSettlementSuccess(ctx, tx, logger, payer, txn); err != nil {
				return err
			}
		}
		return models.EmitBillingEvent(ctx, tx, models.BillingEventPaymentSuccess, payer.CenterId, txn.ID, "transaction", txn)
	}

	// Declined. An initial attempt transitions SCHEDULED→FAILED and counts
	// against the settlement; a declined retry only updates audit fields.
	if from == models.TransactionStatusScheduled {
		if err := txn.Transition(models.TransactionStatusFailed, now); err != nil {
			return err
		}
	} else {
		processedAt := now
		txn.ProcessedAt = &processedAt
	}
	txn.FailureReason = outcome.ResultMessage
	if txn.FailureReason == "" {
		txn.FailureReason = "declined (" + outcome.ResultCode + ")"
	}
	txn.ProcessorTxId = outcome.ProcessorTxId
	txn.RawResponse = raw
	txn.NeedsReconcile = utils.NewFalse()
	if err := tx.Save(txn).Error; err != nil {
		return err
	}
	if from == models.TransactionStatusScheduled {
		if err := RecordSettlementFailure(ctx, tx, logger, payer, txn); err != nil {
			return err
		}
	}
	if err := models.EmitBillingEvent(ctx, tx, models.BillingEventPaymentFailed, payer.CenterId, txn.ID, "transaction", txn); err != nil {
		return err
	}
	if txn.Exhausted(MaxRetries()) {
		return OnTransactionExhausted(ctx, tx, logger, payer, txn)
	}
	return nil
}

// markTimedOut parks an ambiguous attempt as FAILED-pending-reconciliation.
// The money may or may not have moved; only the status query decides.
func markTimedOut(ctx context.Context, db *gorm.DB, logger *logrus.Logger, transactionId int, handlerName, idemKey string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, transactionId).Error; err != nil {
			return err
		}
		if txn.Status == models.TransactionStatusScheduled {
			if err := txn.Transition(models.TransactionStatusFailed, time.Now().UTC()); err != nil {
				return err
			}
			payer, err := models.GetPayerById(tx, txn.PayerId)
			if err != nil {
				return err
			}
			if err := RecordSettlementFailure(ctx, tx, logger, payer, &txn); err != nil {
				return err
			}
		}
		txn.FailureReason = failureReasonTimeout
		txn.NeedsReconcile = utils.NewTrue()
		if err := tx.Save(&txn).Error; err != nil {
			return err
		}
		return MarkIdempotencyFailed(tx, handlerName, idemKey, utils.ErrProcessorTimeout)
	})
}

// CancelTransaction withdraws a SCHEDULED attempt before the processor runs,
// typically because the payer was cancelled.
func CancelTransaction(ctx context.Context, db *gorm.DB, logger *logrus.Logger, transactionId int) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, transactionId).Error; err != nil {
			return err
		}
		if err := txn.Transition(models.TransactionStatusCancelled, time.Now().UTC()); err != nil {
			return err
		}
		return tx.Save(&txn).Error
	})
}

// RefundTransaction reverses a successful debit. The settlement side follows
// the period's state: open periods are decremented, completed periods get a
// carried adjustment.
func RefundTransaction(ctx context.Context, db *gorm.DB, logger *logrus.Logger, transactionId int, amount decimal.Decimal) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&txn, transactionId).Error; err != nil {
			return err
		}
		if !amount.IsPositive() {
			return fmt.Errorf("%w: refund of %s", utils.ErrInvalidAmount, amount)
		}
		if txn.ActualAmount == nil || amount.GreaterThan(*txn.ActualAmount) {
			return fmt.Errorf("%w: refund %s exceeds collected amount", utils.ErrInvalidAmount, amount)
		}
		if err := txn.Transition(models.TransactionStatusRefunded, time.Now().UTC()); err != nil {
			return err
		}
		refunded := amount
		txn.RefundedAmount = &refunded
		if err := tx.Save(&txn).Error; err != nil {
			return err
		}

		payer, err := models.GetPayerById(tx, txn.PayerId)
		if err != nil {
			return err
		}
		if err := ReverseSettlementCollection(ctx, tx, logger, payer, &txn, amount); err != nil {
			return err
		}
		return models.EmitBillingEvent(ctx, tx, models.BillingEventPaymentRefunded, payer.CenterId, txn.ID, "transaction", txn)
	})
}

// ReconcileTimeouts resolves parked ambiguous attempts through the status
// query. After maxPolls unanswered polls a row is finalized as FAILED; money
// movement is never assumed from silence.
func ReconcileTimeouts(ctx context.Context, db *gorm.DB, logger *logrus.Logger, processor nicepay.Processor, maxPolls int, batchSize int) error {
	if maxPolls <= 0 {
		maxPolls = 5
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	var pending []models.Transaction
	if err := db.Where("needs_reconcile = 1").Order("id ASC").Limit(batchSize).Find(&pending).Error; err != nil {
		return err
	}

	for i := range pending {
		if err := reconcileOne(ctx, db, logger, processor, pending[i].ID, maxPolls); err != nil {
			// Per-transaction isolation: log and keep going.
			config.LogError(logger, "debitWorkflow.go", "ReconcileTimeouts", "reconcileOne", pending[i].ID, err)
		}
	}
	return nil
}

func reconcileOne(ctx context.Context, db *gorm.DB, logger *logrus.Logger, processor nicepay.Processor, transactionId int, maxPolls int) error {
	lock, err := utils.ObtainLock(ctx, fmt.Sprintf("debit:txn:%d", transactionId), transactionLockTTL, "debitWorkflow.go", "reconcileOne")
	if err != nil {
		return err
	}
	defer utils.ReleaseLock(ctx, lock)

	txn, err := models.GetTransactionById(db, transactionId)
	if err != nil {
		return err
	}
	if txn.NeedsReconcile == nil || !*txn.NeedsReconcile {
		return nil
	}

	queryRef := txn.ProcessorTxId
	if queryRef == "" {
		// The charge never answered, so the order id is the only handle.
		queryRef = txn.IdempotencyKey()
	}

	queryCtx, cancel := context.WithTimeout(ctx, chargeTimeout())
	defer cancel()
	outcome, queryErr := processor.Query(queryCtx, queryRef)

	if queryErr != nil {
		return db.Transaction(func(tx *gorm.DB) error {
			var fresh models.Transaction
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&fresh, transactionId).Error; err != nil {
				return err
			}
			fresh.ReconcileCount++
			if fresh.ReconcileCount < maxPolls {
				return tx.Save(&fresh).Error
			}
			// Poll budget spent: finalize as a plain decline.
			payer, err := models.GetPayerById(tx, fresh.PayerId)
			if err != nil {
				return err
			}
			return applyOutcome(ctx, tx, logger, payer, &fresh, nicepay.Outcome{
				Approved:      false,
				ResultCode:    "TIMEOUT",
				ResultMessage: failureReasonTimeout,
			})
		})
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var fresh models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&fresh, transactionId).Error; err != nil {
			return err
		}
		payer, err := models.GetPayerById(tx, fresh.PayerId)
		if err != nil {
			return err
		}
		return applyOutcome(ctx, tx, logger, payer, &fresh, outcome)
	})
}

func outcomeFromTransaction(txn *models.Transaction) nicepay.Outcome {
	out := nicepay.Outcome{
		Approved:      txn.Status == models.TransactionStatusSuccess,
		ProcessorTxId: txn.ProcessorTxId,
	}
	if len(txn.RawResponse) > 0 {
		_ = json.Unmarshal(txn.RawResponse, &out)
	}
	return out
}

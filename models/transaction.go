package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
)

// Transaction is one month's debit attempt for one payer. Retries mutate the
// same row; the (payer_id, billing_month) pair is unique so a payer can never
// hold two live attempts for a cycle.
type Transaction struct {
	ID              int               `gorm:"primary_key" json:"id"`
	PayerId         int               `gorm:"not null;index:uniq_txn_cycle,unique" json:"payer_id"`
	BillingMonth    time.Time         `gorm:"not null;index:uniq_txn_cycle,unique" json:"billing_month"`
	TransactionDate time.Time         `gorm:"not null;index" json:"transaction_date"`
	ScheduledAmount decimal.Decimal   `gorm:"type:decimal(10,0);not null" json:"scheduled_amount"`
	ActualAmount    *decimal.Decimal  `gorm:"type:decimal(10,0);default:null" json:"actual_amount"`
	Status          TransactionStatus `gorm:"type:enum('SCHEDULED','SUCCESS','FAILED','CANCELLED','REFUNDED');not null;default:SCHEDULED;index" json:"status"`
	FailureReason   string            `gorm:"size:200" json:"failure_reason"`
	RetryCount      int               `gorm:"not null;default:0" json:"retry_count"`
	ProcessorTxId   string            `gorm:"size:100;index" json:"processor_tx_id"`
	RawResponse     []byte            `gorm:"type:json" json:"raw_response"`

	// NeedsReconcile marks a FAILED row whose processor outcome is ambiguous
	// (timeout); resolved by ReconcileTimeouts, never assumed-success.
	NeedsReconcile *bool `gorm:"not null;default:false;index" json:"needs_reconcile"`
	ReconcileCount int   `gorm:"not null;default:0" json:"reconcile_count"`

	RefundedAmount *decimal.Decimal `gorm:"type:decimal(10,0);default:null" json:"refunded_amount"`

	ProcessedAt *time.Time `gorm:"default:null" json:"processed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// transactionMoves is the full transition table. Anything absent here is an
// invalid move. A declined retry stays FAILED without transitioning.
var transactionMoves = map[TransactionStatus][]TransactionStatus{
	TransactionStatusScheduled: {TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled},
	TransactionStatusFailed:    {TransactionStatusSuccess},
	TransactionStatusSuccess:   {TransactionStatusRefunded},
}

func (t *Transaction) CanTransition(to TransactionStatus) bool {
	for _, allowed := range transactionMoves[t.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition applies a guarded status move. ProcessedAt is stamped on the
// first terminal move; a later FAILED→SUCCESS (retry) re-stamps it with the
// retry time, which is the time money actually moved.
func (t *Transaction) Transition(to TransactionStatus, at time.Time) error {
	if !t.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (transaction %d)", utils.ErrInvalidTransition, t.Status, to, t.ID)
	}
	from := t.Status
	t.Status = to
	if to.IsTerminal() {
		if t.ProcessedAt == nil || from == TransactionStatusFailed {
			processedAt := at
			t.ProcessedAt = &processedAt
		}
	}
	return nil
}

// PendingReconcile reports whether the last charge attempt timed out and its
// processor outcome is still unknown. Such rows belong to ReconcileTimeouts;
// a retry would charge a fresh key while the parked attempt may have landed.
func (t *Transaction) PendingReconcile() bool {
	return t.NeedsReconcile != nil && *t.NeedsReconcile
}

// CanRetry guards the retry entry point: only FAILED rows with attempts left
// and no unresolved timeout.
func (t *Transaction) CanRetry(maxRetries int) bool {
	return t.Status == TransactionStatusFailed && t.RetryCount < maxRetries && !t.PendingReconcile()
}

// Exhausted reports whether the row failed through every permitted retry and
// belongs to the unpaid ledger now.
func (t *Transaction) Exhausted(maxRetries int) bool {
	return t.Status == TransactionStatusFailed && t.RetryCount >= maxRetries
}

// IdempotencyKey is deterministic per (payer, cycle, attempt) so the
// processor itself can deduplicate a re-sent charge. Never derived from
// wall-clock time or row ids.
func (t *Transaction) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s:%d", t.PayerId, t.BillingMonth.Format("200601"), t.RetryCount)
}

func GetTransactionById(tx *gorm.DB, id int) (*Transaction, error) {
	var txn Transaction
	if err := tx.First(&txn, id).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// HasLiveTransactionForMonth reports whether the payer already holds a
// non-CANCELLED transaction for the billing month. Used by the scheduler to
// guarantee at most one scheduled attempt per payer per cycle.
func HasLiveTransactionForMonth(tx *gorm.DB, payerId int, billingMonth time.Time) (bool, error) {
	var count int64
	err := tx.Model(&Transaction{}).
		Where("payer_id = ? AND billing_month = ? AND status <> ?", payerId, billingMonth, TransactionStatusCancelled).
		Count(&count).Error
	return count > 0, err
}

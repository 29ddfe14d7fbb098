package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newScheduledTxn() *Transaction {
	return &Transaction{
		ID:              1,
		PayerId:         42,
		BillingMonth:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		TransactionDate: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		ScheduledAmount: decimal.NewFromInt(120000),
		Status:          TransactionStatusScheduled,
	}
}

func TestTransactionTransitionTable(t *testing.T) {
	cases := []struct {
		from    TransactionStatus
		to      TransactionStatus
		allowed bool
	}{
		{TransactionStatusScheduled, TransactionStatusSuccess, true},
		{TransactionStatusScheduled, TransactionStatusFailed, true},
		{TransactionStatusScheduled, TransactionStatusCancelled, true},
		{TransactionStatusScheduled, TransactionStatusRefunded, false},
		{TransactionStatusFailed, TransactionStatusSuccess, true},
		{TransactionStatusFailed, TransactionStatusCancelled, false},
		{TransactionStatusFailed, TransactionStatusScheduled, false},
		{TransactionStatusSuccess, TransactionStatusRefunded, true},
		{TransactionStatusSuccess, TransactionStatusFailed, false},
		{TransactionStatusCancelled, TransactionStatusSuccess, false},
		{TransactionStatusRefunded, TransactionStatusSuccess, false},
	}

	for _, c := range cases {
		txn := newScheduledTxn()
		txn.Status = c.from
		if got := txn.CanTransition(c.to); got != c.allowed {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.allowed)
		}
	}
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	txn := newScheduledTxn()
	txn.Status = TransactionStatusCancelled
	if err := txn.Transition(TransactionStatusSuccess, time.Now()); err == nil {
		t.Fatal("expected error for CANCELLED -> SUCCESS")
	}
	if txn.Status != TransactionStatusCancelled {
		t.Fatalf("status mutated on rejected transition: %s", txn.Status)
	}
}

func TestProcessedAtStampedOnFirstTerminalMove(t *testing.T) {
	txn := newScheduledTxn()
	at := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if err := txn.Transition(TransactionStatusFailed, at); err != nil {
		t.Fatal(err)
	}
	if txn.ProcessedAt == nil || !txn.ProcessedAt.Equal(at) {
		t.Fatalf("ProcessedAt = %v, want %v", txn.ProcessedAt, at)
	}
}

func TestProcessedAtRestampedOnRetrySuccess(t *testing.T) {
	txn := newScheduledTxn()
	failedAt := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if err := txn.Transition(TransactionStatusFailed, failedAt); err != nil {
		t.Fatal(err)
	}
	retriedAt := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	if err := txn.Transition(TransactionStatusSuccess, retriedAt); err != nil {
		t.Fatal(err)
	}
	if txn.ProcessedAt == nil || !txn.ProcessedAt.Equal(retriedAt) {
		t.Fatalf("ProcessedAt = %v, want retry time %v", txn.ProcessedAt, retriedAt)
	}
}

func TestRetryBudget(t *testing.T) {
	const maxRetries = 2

	txn := newScheduledTxn()
	if err := txn.Transition(TransactionStatusFailed, time.Now()); err != nil {
		t.Fatal(err)
	}
	// Initial failure, no retries consumed yet.
	if !txn.CanRetry(maxRetries) {
		t.Fatal("expected retry allowed at count 0")
	}
	if txn.Exhausted(maxRetries) {
		t.Fatal("not exhausted at count 0")
	}

	// First retry declines.
	txn.RetryCount++
	if !txn.CanRetry(maxRetries) {
		t.Fatal("expected retry allowed at count 1")
	}

	// Second retry declines: budget spent.
	txn.RetryCount++
	if txn.CanRetry(maxRetries) {
		t.Fatal("expected no retry at count 2 with max 2")
	}
	if !txn.Exhausted(maxRetries) {
		t.Fatal("expected exhausted at count 2 with max 2")
	}
}

func TestRetryBlockedWhileTimeoutUnresolved(t *testing.T) {
	const maxRetries = 3

	txn := newScheduledTxn()
	if err := txn.Transition(TransactionStatusFailed, time.Now()); err != nil {
		t.Fatal(err)
	}
	txn.RetryCount = 1

	// Timed-out attempt: the processor may have collected, so a new charge
	// key must not be issued until the status query settles it.
	pending := true
	txn.NeedsReconcile = &pending
	if !txn.PendingReconcile() {
		t.Fatal("expected PendingReconcile with flag set")
	}
	if txn.CanRetry(maxRetries) {
		t.Fatal("expected no retry while the previous attempt is unresolved")
	}

	// Reconciliation finalized the attempt: retries resume.
	pending = false
	if txn.CanRetry(maxRetries) != true {
		t.Fatal("expected retry allowed once the flag is cleared")
	}
}

func TestExhaustedRequiresFailedStatus(t *testing.T) {
	txn := newScheduledTxn()
	txn.RetryCount = 5
	if txn.Exhausted(3) {
		t.Fatal("SCHEDULED row must not count as exhausted")
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	txn := newScheduledTxn()
	if got := txn.IdempotencyKey(); got != "42:202608:0" {
		t.Fatalf("key = %q, want 42:202608:0", got)
	}
	txn.RetryCount = 2
	if got := txn.IdempotencyKey(); got != "42:202608:2" {
		t.Fatalf("key = %q, want 42:202608:2", got)
	}
}

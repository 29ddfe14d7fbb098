package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// State-machine and ledger error taxonomy. Callers match with errors.Is; the
// workflow layer wraps these with contextual detail via fmt.Errorf("...: %w").
var (
	// ErrInvalidTransition is an illegal state-machine move. Always a caller
	// bug; never retried.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrProcessorTimeout is a transient gateway condition resolved via the
	// out-of-band status query, never assumed-success.
	ErrProcessorTimeout = errors.New("processor timeout")

	// ErrOverpayment rejects a payment that would push paid_amount past
	// unpaid_amount. No partial mutation happens.
	ErrOverpayment = errors.New("payment exceeds remaining unpaid amount")

	// ErrInvalidAmount rejects non-positive monetary inputs.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrRecordClosed rejects payment application against PAID or EXEMPTED
	// unpaid records.
	ErrRecordClosed = errors.New("unpaid record is closed")

	// ErrDuplicateSchedule marks a payer that already holds a live transaction
	// for the billing month. Logged and skipped, not fatal to the batch.
	ErrDuplicateSchedule = errors.New("transaction already scheduled for billing month")

	// ErrIncompletePeriod rejects settlement completion while transactions of
	// the period are still non-terminal.
	ErrIncompletePeriod = errors.New("settlement period has unresolved transactions")

	// ErrRetriesExhausted rejects a retry once retry_count reached the limit.
	ErrRetriesExhausted = errors.New("retry limit reached")

	// ErrReconcilePending rejects a retry while the previous attempt's
	// processor outcome is still unresolved.
	ErrReconcilePending = errors.New("previous attempt awaits reconciliation")
)

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}

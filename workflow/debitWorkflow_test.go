package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/nicepay"
)

// NOTE: These tests are intentionally DB-free. They validate the intended
// debit semantics:
// - the charge key is deterministic per (payer, cycle, attempt), so a re-sent
//   charge is deduplicated by the processor itself
// - a full billing cycle with the configured retry budget ends in exactly one
//   exhaustion handoff
//
// Full DB integration tests require MySQL; see the INTEGRATION_TESTS-gated
// suite.

type fakeProcessor struct {
	mu       sync.Mutex
	outcomes map[string]nicepay.Outcome
	calls    map[string]int
	charges  int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		outcomes: map[string]nicepay.Outcome{},
		calls:    map[string]int{},
	}
}

func (p *fakeProcessor) Charge(ctx context.Context, idempotencyKey, accountRef string, amount decimal.Decimal) (nicepay.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[idempotencyKey]++
	// Same key charges money at most once, whatever the call count.
	if out, ok := p.outcomes[idempotencyKey]; ok {
		return out, nil
	}
	p.charges++
	out := nicepay.Outcome{Approved: true, ProcessorTxId: "tid-" + idempotencyKey, ResultCode: "0000"}
	p.outcomes[idempotencyKey] = out
	return out, nil
}

func (p *fakeProcessor) Query(ctx context.Context, processorTxId string) (nicepay.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, out := range p.outcomes {
		if out.ProcessorTxId == processorTxId {
			return out, nil
		}
	}
	return nicepay.Outcome{Approved: false, ResultCode: "404"}, nil
}

func TestChargeKeyDeduplicatesResubmission(t *testing.T) {
	p := newFakeProcessor()
	txn := &models.Transaction{
		PayerId:      42,
		BillingMonth: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Charge(context.Background(), txn.IdempotencyKey(), "member-42", decimal.NewFromInt(120000))
		}()
	}
	wg.Wait()

	if p.charges != 1 {
		t.Fatalf("expected exactly 1 money movement, got %d", p.charges)
	}
	if p.calls[txn.IdempotencyKey()] != 25 {
		t.Fatalf("expected 25 calls on one key, got %d", p.calls[txn.IdempotencyKey()])
	}
}

func TestChargeKeyChangesPerAttempt(t *testing.T) {
	p := newFakeProcessor()
	txn := &models.Transaction{
		PayerId:      42,
		BillingMonth: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}

	seen := map[string]bool{}
	for attempt := 0; attempt <= 2; attempt++ {
		txn.RetryCount = attempt
		key := txn.IdempotencyKey()
		if seen[key] {
			t.Fatalf("attempt %d reused key %q", attempt, key)
		}
		seen[key] = true
		_, _ = p.Charge(context.Background(), key, "member-42", decimal.NewFromInt(120000))
	}

	if p.charges != 3 {
		t.Fatalf("expected 3 distinct money movements across attempts, got %d", p.charges)
	}
}

func TestExhaustionScenario(t *testing.T) {
	const maxRetries = 2

	txn := &models.Transaction{
		PayerId:      42,
		BillingMonth: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Status:       models.TransactionStatusScheduled,
	}

	// Initial attempt declines.
	if err := txn.Transition(models.TransactionStatusFailed, time.Now()); err != nil {
		t.Fatal(err)
	}
	if txn.Exhausted(maxRetries) {
		t.Fatal("exhausted before any retry")
	}

	// Retry 1 declines.
	if !txn.CanRetry(maxRetries) {
		t.Fatal("retry 1 should be allowed")
	}
	txn.RetryCount++
	if txn.Exhausted(maxRetries) {
		t.Fatal("exhausted after retry 1 of 2")
	}

	// Retry 2 declines: budget spent, unpaid handoff fires.
	if !txn.CanRetry(maxRetries) {
		t.Fatal("retry 2 should be allowed")
	}
	txn.RetryCount++
	if !txn.Exhausted(maxRetries) {
		t.Fatal("expected exhausted after retry 2 of 2")
	}
	if txn.CanRetry(maxRetries) {
		t.Fatal("no further retry after exhaustion")
	}
}

func TestOutcomeFromTransactionFallsBackToStatus(t *testing.T) {
	txn := &models.Transaction{
		Status:        models.TransactionStatusSuccess,
		ProcessorTxId: "tid-1",
	}
	out := outcomeFromTransaction(txn)
	if !out.Approved || out.ProcessorTxId != "tid-1" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	txn.Status = models.TransactionStatusFailed
	if out := outcomeFromTransaction(txn); out.Approved {
		t.Fatal("FAILED row reported as approved")
	}
}

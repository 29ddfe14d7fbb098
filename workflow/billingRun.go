package workflow

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/nicepay"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
)

const (
	defaultRunConcurrency = 8
	billingRunLockTTL     = 30 * time.Minute
)

var (
	billingRunProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_run_transactions_processed_total",
		Help: "Transactions submitted to the processor during billing runs.",
	})
	billingRunSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_run_transactions_succeeded_total",
		Help: "Transactions approved by the processor during billing runs.",
	})
	billingRunFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_run_transactions_failed_total",
		Help: "Transactions declined or errored during billing runs.",
	})
	billingRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "billing_run_duration_seconds",
		Help:    "Wall time of a full billing run.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func runConcurrency() int {
	if v := strings.TrimSpace(os.Getenv("BILLING_RUN_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultRunConcurrency
}

// BillingRunResult summarizes one run for the operator log line.
type BillingRunResult struct {
	AsOf      time.Time `json:"as_of"`
	Scheduled int       `json:"scheduled"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

// RunBillingDay materializes the day's SCHEDULED transactions and pushes each
// through the processor with a bounded worker pool. One payer blowing up never
// stops the run; the per-day redis lock stops two instances from racing the
// same day.
func RunBillingDay(ctx context.Context, db *gorm.DB, logger *logrus.Logger, processor nicepay.Processor, asOf time.Time) (*BillingRunResult, error) {
	start := time.Now()
	defer func() { billingRunDuration.Observe(time.Since(start).Seconds()) }()

	lockKey := fmt.Sprintf("billing:run:%s", asOf.UTC().Format("20060102"))
	lock, err := utils.ObtainLock(ctx, lockKey, billingRunLockTTL, "billingRun.go", "RunBillingDay")
	if err != nil {
		return nil, err
	}
	defer utils.ReleaseLock(ctx, lock)

	var created []models.Transaction
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = ScheduleDue(tx, logger, asOf)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Pick up strays from earlier partial runs too, not just today's inserts.
	var due []models.Transaction
	if err := db.
		Where("status = ? AND transaction_date <= ?", models.TransactionStatusScheduled, asOf).
		Order("id ASC").
		Find(&due).Error; err != nil {
		return nil, err
	}

	result := &BillingRunResult{AsOf: asOf, Scheduled: len(created)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, runConcurrency())

	for i := range due {
		txn := due[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					config.LogError(logger, "billingRun.go", "RunBillingDay", "worker panic", txn.ID, fmt.Errorf("panic: %v", r))
				}
			}()

			outcome, err := SubmitTransaction(ctx, db, logger, processor, txn.ID)
			billingRunProcessed.Inc()

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch {
			case err != nil:
				billingRunFailed.Inc()
				result.Failed++
				config.LogError(logger, "billingRun.go", "RunBillingDay", "SubmitTransaction", txn.ID, err)
			case outcome.Approved:
				billingRunSucceeded.Inc()
				result.Succeeded++
			default:
				billingRunFailed.Inc()
				result.Failed++
			}
		}()
	}
	wg.Wait()

	logger.WithFields(logrus.Fields{
		"as_of":     asOf.Format("2006-01-02"),
		"scheduled": result.Scheduled,
		"processed": result.Processed,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"duration":  time.Since(start).String(),
	}).Info("billing run finished")

	return result, nil
}

// RetryFailedTransactions sweeps FAILED-but-retryable rows for the month and
// re-submits them, oldest first. Used by the scheduled retry window (D+3, D+7).
func RetryFailedTransactions(ctx context.Context, db *gorm.DB, logger *logrus.Logger, processor nicepay.Processor, month time.Time) (*BillingRunResult, error) {
	maxRetries := MaxRetries()
	monthStart := utils.MonthOf(month)

	var failed []models.Transaction
	if err := db.
		Where("status = ? AND billing_month = ? AND retry_count < ? AND (needs_reconcile IS NULL OR needs_reconcile = 0)",
			models.TransactionStatusFailed, monthStart, maxRetries).
		Order("id ASC").
		Find(&failed).Error; err != nil {
		return nil, err
	}

	result := &BillingRunResult{AsOf: monthStart}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, runConcurrency())

	for i := range failed {
		txn := failed[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := RetryTransaction(ctx, db, logger, processor, txn.ID)
			billingRunProcessed.Inc()

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch {
			case err != nil:
				billingRunFailed.Inc()
				result.Failed++
				config.LogError(logger, "billingRun.go", "RetryFailedTransactions", "RetryTransaction", txn.ID, err)
			case outcome.Approved:
				billingRunSucceeded.Inc()
				result.Succeeded++
			default:
				billingRunFailed.Inc()
				result.Failed++
			}
		}()
	}
	wg.Wait()

	logger.WithFields(logrus.Fields{
		"month":     monthStart.Format("2006-01"),
		"processed": result.Processed,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("retry sweep finished")

	return result, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/nicepay"
	"github.com/thesikpan/billing_backend/workflow"
)

func main() {
	date := flag.String("date", "", "Billing date (YYYY-MM-DD). Defaults to today UTC.")
	retryMonth := flag.String("retry-month", "", "Run a retry sweep for this month (YYYY-MM) instead of a billing run.")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	config.ConnectRedis()
	models.MigrateTable()

	processor, err := nicepay.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "payment processor init failed: %v\n", err)
		os.Exit(1)
	}

	if strings.TrimSpace(*retryMonth) != "" {
		month, err := time.Parse("2006-01", strings.TrimSpace(*retryMonth))
		if err != nil {
			fmt.Fprintln(os.Stderr, "retry-month must be YYYY-MM")
			os.Exit(1)
		}
		result, err := workflow.RetryFailedTransactions(ctx, db, logger, processor, month)
		if err != nil {
			fmt.Fprintf(os.Stderr, "retry sweep failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("retry sweep %s: processed=%d succeeded=%d failed=%d\n",
			month.Format("2006-01"), result.Processed, result.Succeeded, result.Failed)
		return
	}

	asOf := time.Now().UTC()
	if strings.TrimSpace(*date) != "" {
		asOf, err = time.Parse("2006-01-02", strings.TrimSpace(*date))
		if err != nil {
			fmt.Fprintln(os.Stderr, "date must be YYYY-MM-DD")
			os.Exit(1)
		}
	}

	result, err := workflow.RunBillingDay(ctx, db, logger, processor, asOf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "billing run failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("billing run %s: scheduled=%d processed=%d succeeded=%d failed=%d\n",
		asOf.Format("2006-01-02"), result.Scheduled, result.Processed, result.Succeeded, result.Failed)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/nicepay"
	"github.com/thesikpan/billing_backend/workflow"
)

func main() {
	maxPolls := flag.Int("max-polls", 5, "Status polls before a timed-out transaction is finalized as FAILED.")
	batch := flag.Int("batch", 50, "Max transactions to reconcile per run.")
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

	processor, err := nicepay.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "payment processor init failed: %v\n", err)
		os.Exit(1)
	}

	if err := workflow.ReconcileTimeouts(ctx, db, logger, processor, *maxPolls, *batch); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("reconcile pass finished")
}

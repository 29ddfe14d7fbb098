package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/utils"
	"github.com/thesikpan/billing_backend/workflow"
)

// Opens next month's periods and completes the given month's, center by
// center. Centers whose month still has unresolved transactions are reported
// and skipped, not failed.
func main() {
	monthArg := flag.String("month", "", "Settlement month to close (YYYY-MM). Defaults to last month.")
	openOnly := flag.Bool("open-only", false, "Only open periods for the month, do not complete them.")
	centerID := flag.Int("center-id", 0, "Optional: restrict to one delivery center.")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	month := utils.MonthOf(time.Now().UTC().AddDate(0, -1, 0))
	if strings.TrimSpace(*monthArg) != "" {
		parsed, err := time.Parse("2006-01", strings.TrimSpace(*monthArg))
		if err != nil {
			fmt.Fprintln(os.Stderr, "month must be YYYY-MM")
			os.Exit(1)
		}
		month = utils.MonthOf(parsed)
	}

	var centers []models.Center
	q := db.Where("center_type = ?", models.CenterTypeDelivery)
	if *centerID > 0 {
		q = q.Where("id = ?", *centerID)
	}
	if err := q.Find(&centers).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list centers: %v\n", err)
		os.Exit(1)
	}
	if len(centers) == 0 {
		fmt.Fprintln(os.Stderr, "no delivery centers found")
		return
	}

	var opened, completed, skipped int
	for _, center := range centers {
		settlement, err := workflow.OpenPeriod(ctx, db, logger, center.ID, month)
		if err != nil {
			fmt.Fprintf(os.Stderr, "center %d: open failed: %v\n", center.ID, err)
			continue
		}
		opened++

		if *openOnly {
			continue
		}
		err = workflow.CompletePeriod(ctx, db, logger, settlement.ID)
		switch {
		case err == nil:
			completed++
		case errors.Is(err, utils.ErrIncompletePeriod):
			skipped++
			fmt.Printf("center %d: period %s has unresolved transactions, skipped\n", center.ID, month.Format("2006-01"))
		default:
			fmt.Fprintf(os.Stderr, "center %d: complete failed: %v\n", center.ID, err)
		}
	}

	fmt.Printf("settlement close %s: opened=%d completed=%d skipped=%d\n",
		month.Format("2006-01"), opened, completed, skipped)
}

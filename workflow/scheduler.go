package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
)

// DueOn selects every ACTIVE payer whose clamped payment day lands on asOf.
// Payment days 29-31 fire on the month's last day when the month is shorter;
// a cycle is never silently skipped. Payers that already hold a non-CANCELLED
// transaction for the billing month are excluded, which makes the selection
// idempotent across repeated runs of the same day.
func DueOn(tx *gorm.DB, asOf time.Time) ([]int, error) {
	day := asOf.Day()
	lastDay := utils.LastDayOfMonth(asOf)
	billingMonth := utils.MonthOf(asOf)

	q := tx.Model(&models.Payer{}).Where("status = ?", models.PayerStatusActive)
	if day == lastDay {
		// Month-end run also picks up every configured day past the end of
		// this month (29/30/31 in a shorter month).
		q = q.Where("payment_day >= ?", day)
	} else {
		q = q.Where("payment_day = ?", day)
	}

	var payerIds []int
	if err := q.Order("id ASC").Pluck("id", &payerIds).Error; err != nil {
		return nil, err
	}

	due := make([]int, 0, len(payerIds))
	for _, id := range payerIds {
		exists, err := models.HasLiveTransactionForMonth(tx, id, billingMonth)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		due = append(due, id)
	}
	return due, nil
}

// ScheduleDue creates one SCHEDULED transaction per due payer, copying the
// payer's monthly amount into the row so later payer edits never retroactively
// change an attempt. A racing duplicate insert is logged and skipped; one
// payer's bad row never aborts the batch.
func ScheduleDue(tx *gorm.DB, logger *logrus.Logger, asOf time.Time) ([]models.Transaction, error) {
	due, err := DueOn(tx, asOf)
	if err != nil {
		return nil, err
	}

	billingMonth := utils.MonthOf(asOf)
	scheduled := make([]models.Transaction, 0, len(due))
	for _, payerId := range due {
		payer, err := models.GetPayerById(tx, payerId)
		if err != nil {
			config.LogError(logger, "scheduler.go", "ScheduleDue", "GetPayerById", payerId, err)
			continue
		}

		txn := models.Transaction{
			PayerId:         payer.ID,
			BillingMonth:    billingMonth,
			TransactionDate: asOf,
			ScheduledAmount: payer.MonthlyAmount,
			Status:          models.TransactionStatusScheduled,
		}
		if err := tx.Create(&txn).Error; err != nil {
			if isDuplicateKeyErr(err) {
				dupErr := fmt.Errorf("%w: payer %d month %s", utils.ErrDuplicateSchedule, payer.ID, billingMonth.Format("2006-01"))
				config.LogError(logger, "scheduler.go", "ScheduleDue", "Create", payer.ID, dupErr)
				continue
			}
			return scheduled, err
		}
		scheduled = append(scheduled, txn)
	}
	return scheduled, nil
}

// NextDueDate resolves a payer's clamped debit date within the given month.
func NextDueDate(paymentDay int, month time.Time) (time.Time, error) {
	if paymentDay < 1 || paymentDay > 31 {
		return time.Time{}, errors.New("payment day out of range")
	}
	m := utils.MonthOf(month)
	day := utils.ClampPaymentDay(paymentDay, m)
	return time.Date(m.Year(), m.Month(), day, 0, 0, 0, 0, time.UTC), nil
}

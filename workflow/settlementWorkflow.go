package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenPeriod creates the PENDING settlement for (center, month) with a
// point-in-time snapshot of the center's active payers. Re-opening an already
// open month returns the existing row unchanged. Pending adjustments carried
// over from earlier completed periods are consumed here.
func OpenPeriod(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, centerId int, month time.Time) (*models.Settlement, error) {
	month = utils.MonthOf(month)

	var existing models.Settlement
	err := tx.Where("center_id = ? AND settlement_month = ?", centerId, month).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	type snapshot struct {
		TotalChildren int
		Expected      decimal.Decimal
	}
	var snap snapshot
	err = tx.Model(&models.Payer{}).
		Select("COUNT(*) AS total_children, COALESCE(SUM(monthly_amount), 0) AS expected").
		Where("center_id = ? AND status = ?", centerId, models.PayerStatusActive).
		Scan(&snap).Error
	if err != nil {
		return nil, err
	}

	settlement := models.Settlement{
		CenterId:        centerId,
		SettlementMonth: month,
		TotalChildren:   snap.TotalChildren,
		ExpectedAmount:  snap.Expected,
		CommissionRate:  models.DefaultCommissionRate,
		Status:          models.SettlementStatusPending,
	}
	if err := tx.Create(&settlement).Error; err != nil {
		if isDuplicateKeyErr(err) {
			// Concurrent open; the other writer's row wins.
			err = tx.Where("center_id = ? AND settlement_month = ?", centerId, month).First(&existing).Error
			if err != nil {
				return nil, err
			}
			return &existing, nil
		}
		return nil, err
	}

	if err := applyCarriedAdjustments(tx, logger, &settlement); err != nil {
		return nil, err
	}
	return &settlement, nil
}

// applyCarriedAdjustments folds every unapplied adjustment for the center
// (refunds against completed periods, manual corrections) into the freshly
// opened settlement and stamps them applied. The carried total may drive the
// new period's collected figure negative until collections accrue; commission
// and net stay derived from it either way.
func applyCarriedAdjustments(tx *gorm.DB, logger *logrus.Logger, settlement *models.Settlement) error {
	var pending []models.SettlementAdjustment
	err := tx.Where("center_id = ? AND applied_at IS NULL AND settlement_id <> ?", settlement.CenterId, settlement.ID).
		Find(&pending).Error
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	now := time.Now().UTC()
	total := decimal.Zero
	ids := make([]int, 0, len(pending))
	for _, adj := range pending {
		total = total.Add(adj.DeltaAmount)
		ids = append(ids, adj.ID)
	}

	settlement.CollectedAmount = settlement.CollectedAmount.Add(total)
	settlement.RecalculateCommission()
	if err := tx.Save(settlement).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.SettlementAdjustment{}).
		Where("id IN ?", ids).
		Update("applied_at", &now).Error; err != nil {
		return err
	}
	config.LogInfo(config.GetLogger(), "settlementWorkflow.go", "applyCarriedAdjustments", "carried adjustments applied", map[string]interface{}{
		"settlement_id": settlement.ID,
		"total_delta":   total.String(),
		"count":         len(pending),
	})
	return nil
}

// lockSettlementForMonth loads the settlement row FOR UPDATE, opening the
// period on first use. Counter updates against one settlement serialize on
// this row lock; a lost update here is a financial-correctness bug.
func lockSettlementForMonth(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, centerId int, month time.Time) (*models.Settlement, error) {
	month = utils.MonthOf(month)
	var settlement models.Settlement
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("center_id = ? AND settlement_month = ?", centerId, month).
		First(&settlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, err := OpenPeriod(ctx, tx, logger, centerId, month); err != nil {
			return nil, err
		}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("center_id = ? AND settlement_month = ?", centerId, month).
			First(&settlement).Error
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// RecordSettlementSuccess credits one successful debit to the open settlement.
// This is the only path that mutates CollectedAmount while a period is open.
func RecordSettlementSuccess(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, payer *models.Payer, txn *models.Transaction) error {
	settlement, err := lockSettlementForMonth(ctx, tx, logger, payer.CenterId, txn.BillingMonth)
	if err != nil {
		return err
	}
	if !settlement.Mutable() {
		// The period closed before this late success landed; carry it over.
		adj := models.SettlementAdjustment{
			SettlementId: settlement.ID,
			CenterId:     settlement.CenterId,
			DeltaAmount:  *txn.ActualAmount,
			Reason:       fmt.Sprintf("late collection for transaction %d", txn.ID),
		}
		return tx.Create(&adj).Error
	}

	if err := settlement.AddCollected(*txn.ActualAmount); err != nil {
		return err
	}
	settlement.SuccessCount++
	if settlement.Status == models.SettlementStatusPending {
		settlement.Status = models.SettlementStatusProcessing
	}
	return tx.Save(settlement).Error
}

// RecordSettlementRecovery moves a previously failed transaction into the
// success column after a retry lands: the row stops being a failure, so both
// counters move together with the collected credit.
func RecordSettlementRecovery(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, payer *models.Payer, txn *models.Transaction) error {
	settlement, err := lockSettlementForMonth(ctx, tx, logger, payer.CenterId, txn.BillingMonth)
	if err != nil {
		return err
	}
	if !settlement.Mutable() {
		adj := models.SettlementAdjustment{
			SettlementId: settlement.ID,
			CenterId:     settlement.CenterId,
			DeltaAmount:  *txn.ActualAmount,
			Reason:       fmt.Sprintf("late collection for transaction %d", txn.ID),
		}
		return tx.Create(&adj).Error
	}

	if err := settlement.AddCollected(*txn.ActualAmount); err != nil {
		return err
	}
	settlement.SuccessCount++
	if settlement.FailedCount > 0 {
		settlement.FailedCount--
	}
	return tx.Save(settlement).Error
}

// RecordSettlementFailure bumps the period's failure counter. Called on the
// first decline of a transaction only; declined retries change nothing here.
// No monetary effect.
func RecordSettlementFailure(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, payer *models.Payer, txn *models.Transaction) error {
	settlement, err := lockSettlementForMonth(ctx, tx, logger, payer.CenterId, txn.BillingMonth)
	if err != nil {
		return err
	}
	if !settlement.Mutable() {
		return nil
	}
	settlement.FailedCount++
	if settlement.Status == models.SettlementStatusPending {
		settlement.Status = models.SettlementStatusProcessing
	}
	return tx.Save(settlement).Error
}

// ReverseSettlementCollection backs a refund out of the settlement. Open
// periods are decremented in place; a completed period gets a pending
// adjustment for the next open one instead; completed totals are immutable.
func ReverseSettlementCollection(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, payer *models.Payer, txn *models.Transaction, amount decimal.Decimal) error {
	settlement, err := lockSettlementForMonth(ctx, tx, logger, payer.CenterId, txn.BillingMonth)
	if err != nil {
		return err
	}
	if settlement.Mutable() {
		if err := settlement.AddCollected(amount.Neg()); err != nil {
			return err
		}
		return tx.Save(settlement).Error
	}

	adj := models.SettlementAdjustment{
		SettlementId: settlement.ID,
		CenterId:     settlement.CenterId,
		DeltaAmount:  amount.Neg(),
		Reason:       fmt.Sprintf("refund of transaction %d", txn.ID),
	}
	return tx.Create(&adj).Error
}

// CompletePeriod closes the settlement once every transaction of the month is
// resolved. Completing early fails loudly with IncompletePeriod.
func CompletePeriod(ctx context.Context, db *gorm.DB, logger *logrus.Logger, settlementId int) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var settlement models.Settlement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&settlement, settlementId).Error; err != nil {
			return err
		}
		if !settlement.Mutable() {
			return fmt.Errorf("%w: settlement %d is %s", utils.ErrInvalidTransition, settlement.ID, settlement.Status)
		}

		var unresolved int64
		err := tx.Model(&models.Transaction{}).
			Joins("JOIN payers ON payers.id = transactions.payer_id").
			Where("payers.center_id = ? AND transactions.billing_month = ?", settlement.CenterId, settlement.SettlementMonth).
			Where("transactions.status = ? OR transactions.needs_reconcile = 1", models.TransactionStatusScheduled).
			Count(&unresolved).Error
		if err != nil {
			return err
		}
		if unresolved > 0 {
			return fmt.Errorf("%w: %d unresolved transactions for settlement %d", utils.ErrIncompletePeriod, unresolved, settlement.ID)
		}

		now := time.Now().UTC()
		settlement.Status = models.SettlementStatusCompleted
		if settlement.CompletedAt == nil {
			settlement.CompletedAt = &now
		}
		if err := tx.Save(&settlement).Error; err != nil {
			return err
		}

		return models.EmitBillingEvent(ctx, tx, models.BillingEventSettlementCompleted, settlement.CenterId, settlement.ID, "settlement", settlement)
	})
}

// AdjustSettlement records a manual delta against a completed settlement.
// Totals of the closed period are never rewritten; the delta lives in the
// audit trail and is consumed by the next period open.
func AdjustSettlement(ctx context.Context, db *gorm.DB, logger *logrus.Logger, settlementId int, delta decimal.Decimal, reason string) error {
	if reason == "" {
		return errors.New("adjustment reason is required")
	}
	if delta.IsZero() {
		return fmt.Errorf("%w: zero adjustment", utils.ErrInvalidAmount)
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var settlement models.Settlement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&settlement, settlementId).Error; err != nil {
			return err
		}
		if settlement.Mutable() {
			return fmt.Errorf("%w: settlement %d is still %s; adjust applies to completed periods", utils.ErrInvalidTransition, settlement.ID, settlement.Status)
		}

		adj := models.SettlementAdjustment{
			SettlementId: settlement.ID,
			CenterId:     settlement.CenterId,
			DeltaAmount:  delta,
			Reason:       reason,
		}
		if err := tx.Create(&adj).Error; err != nil {
			return err
		}

		settlement.Status = models.SettlementStatusAdjusted
		if err := tx.Save(&settlement).Error; err != nil {
			return err
		}

		if err := models.EmitBillingEvent(ctx, tx, models.BillingEventSettlementAdjusted, settlement.CenterId, settlement.ID, "settlement", adj); err != nil {
			config.LogError(logger, "settlementWorkflow.go", "AdjustSettlement", "EmitBillingEvent", settlement.ID, err)
			return err
		}
		return nil
	})
}

package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OnTransactionExhausted rolls a transaction that failed through all retries
// into the unpaid ledger. Keyed (child, month) with a unique index, so a
// re-entrant call is a no-op: the insert loses the race and nothing changes.
func OnTransactionExhausted(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, payer *models.Payer, txn *models.Transaction) error {
	unpaidMonth := utils.MonthOf(txn.TransactionDate)

	record := models.UnpaidRecord{
		ChildId:      payer.ChildId,
		UnpaidMonth:  unpaidMonth,
		UnpaidAmount: txn.ScheduledAmount,
		PaidAmount:   decimal.Zero,
		Status:       models.UnpaidStatusUnpaid,
	}
	if err := tx.Create(&record).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil
		}
		return err
	}

	if err := models.EmitBillingEvent(ctx, tx, models.BillingEventUnpaidCreated, payer.CenterId, record.ID, "unpaid_record", record); err != nil {
		config.LogError(logger, "unpaidWorkflow.go", "OnTransactionExhausted", "EmitBillingEvent", record.ID, err)
		return err
	}
	return nil
}

// ApplyUnpaidPayment credits a later out-of-band payment (bank transfer,
// counter payment) against an unpaid month. Validation errors reject the call
// with no partial mutation.
func ApplyUnpaidPayment(ctx context.Context, db *gorm.DB, logger *logrus.Logger, recordId int, amount decimal.Decimal, date time.Time) (*models.UnpaidRecord, error) {
	var record models.UnpaidRecord
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, recordId).Error; err != nil {
			return err
		}
		if err := record.ApplyPayment(amount, date); err != nil {
			return err
		}
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		if record.Status == models.UnpaidStatusPaid {
			centerId, err := centerIdForChild(tx, record.ChildId)
			if err != nil {
				return err
			}
			if err := models.EmitBillingEvent(ctx, tx, models.BillingEventUnpaidPaid, centerId, record.ID, "unpaid_record", record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "unpaidWorkflow.go", "ApplyUnpaidPayment", "Transaction", recordId, err)
		return nil, err
	}
	return &record, nil
}

// ExemptUnpaid applies the administrative override and freezes the record.
func ExemptUnpaid(ctx context.Context, db *gorm.DB, logger *logrus.Logger, recordId int, reason string) (*models.UnpaidRecord, error) {
	var record models.UnpaidRecord
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, recordId).Error; err != nil {
			return err
		}
		if err := record.Exempt(reason); err != nil {
			return err
		}
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		centerId, err := centerIdForChild(tx, record.ChildId)
		if err != nil {
			return err
		}
		return models.EmitBillingEvent(ctx, tx, models.BillingEventUnpaidExempted, centerId, record.ID, "unpaid_record", record)
	})
	if err != nil {
		config.LogError(logger, "unpaidWorkflow.go", "ExemptUnpaid", "Transaction", recordId, err)
		return nil, err
	}
	return &record, nil
}

// centerIdForChild attributes a child to its delivery center via the live
// payer when one exists, falling back to the classroom/institution chain.
func centerIdForChild(tx *gorm.DB, childId int) (int, error) {
	var payer models.Payer
	err := tx.Where("child_id = ? AND status <> ?", childId, models.PayerStatusCancelled).
		Order("id DESC").First(&payer).Error
	if err == nil {
		return payer.CenterId, nil
	}

	var centerId int
	err = tx.Model(&models.Child{}).
		Select("institutions.delivery_center_id").
		Joins("JOIN classrooms ON classrooms.id = children.classroom_id").
		Joins("JOIN institutions ON institutions.id = classrooms.institution_id").
		Where("children.id = ?", childId).
		Scan(&centerId).Error
	return centerId, err
}

package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RegisterPayer creates a CMS membership for a child. The child's delivery
// center is resolved through institution and snapshotted onto the payer so
// settlement never walks the hierarchy again. At most one non-CANCELLED payer
// may exist per child.
func RegisterPayer(ctx context.Context, db *gorm.DB, logger *logrus.Logger, input *models.NewPayer) (*models.Payer, error) {
	var payer *models.Payer
	err := db.Transaction(func(tx *gorm.DB) error {
		live, err := models.HasLivePayer(tx, input.ChildId)
		if err != nil {
			return err
		}
		if live {
			return fmt.Errorf("child %d already has a live payer", input.ChildId)
		}

		centerId, err := centerIdForChild(tx, input.ChildId)
		if err != nil {
			return err
		}

		p := models.Payer{
			ChildId:          input.ChildId,
			CenterId:         centerId,
			MemberId:         input.MemberId,
			RegistrationDate: time.Now().UTC(),
			BankCode:         input.BankCode,
			BankName:         input.BankName,
			AccountNumber:    input.AccountNumber,
			AccountHolder:    input.AccountHolder,
			PaymentDay:       input.PaymentDay,
			MonthlyAmount:    input.MonthlyAmount,
			Status:           models.PayerStatusPending,
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		payer = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payer, nil
}

// ActivatePayer turns a PENDING or PAUSED membership on. Bank credentials are
// re-validated because ACTIVE is the only status the scheduler picks up.
func ActivatePayer(ctx context.Context, db *gorm.DB, logger *logrus.Logger, payerId int) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var payer models.Payer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payer, payerId).Error; err != nil {
			return err
		}
		if payer.Status == models.PayerStatusCancelled {
			return fmt.Errorf("%w: payer %d is CANCELLED", utils.ErrInvalidTransition, payerId)
		}
		payer.Status = models.PayerStatusActive
		if err := payer.Validate(); err != nil {
			return err
		}
		return tx.Save(&payer).Error
	})
}

// PausePayer suspends billing without tearing down the membership.
func PausePayer(ctx context.Context, db *gorm.DB, logger *logrus.Logger, payerId int) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var payer models.Payer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payer, payerId).Error; err != nil {
			return err
		}
		if payer.Status != models.PayerStatusActive {
			return fmt.Errorf("%w: pause requires ACTIVE, payer %d is %s", utils.ErrInvalidTransition, payerId, payer.Status)
		}
		payer.Status = models.PayerStatusPaused
		return tx.Save(&payer).Error
	})
}

// CancelPayer ends the membership and withdraws every still-SCHEDULED
// transaction; history stays untouched.
func CancelPayer(ctx context.Context, db *gorm.DB, logger *logrus.Logger, payerId int) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var payer models.Payer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payer, payerId).Error; err != nil {
			return err
		}
		if payer.Status == models.PayerStatusCancelled {
			return nil
		}
		payer.Status = models.PayerStatusCancelled
		if err := tx.Save(&payer).Error; err != nil {
			return err
		}

		var scheduled []models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payer_id = ? AND status = ?", payerId, models.TransactionStatusScheduled).
			Find(&scheduled).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range scheduled {
			if err := scheduled[i].Transition(models.TransactionStatusCancelled, now); err != nil {
				return err
			}
			if err := tx.Save(&scheduled[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

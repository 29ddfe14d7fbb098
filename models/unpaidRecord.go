package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
)

// UnpaidRecord is one month of unresolved dues for one child. UnpaidAmount is
// fixed at creation (the failed scheduled amount); PaidAmount only ever grows.
type UnpaidRecord struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ChildId      int             `gorm:"not null;index:uniq_unpaid_month,unique" json:"child_id"`
	UnpaidMonth  time.Time       `gorm:"not null;index:uniq_unpaid_month,unique" json:"unpaid_month"`
	UnpaidAmount decimal.Decimal `gorm:"type:decimal(10,0);not null" json:"unpaid_amount"`
	PaidAmount   decimal.Decimal `gorm:"type:decimal(10,0);not null;default:0" json:"paid_amount"`
	Status       UnpaidStatus    `gorm:"type:enum('UNPAID','PARTIAL','PAID','EXEMPTED');not null;default:UNPAID;index" json:"status"`
	PaidDate     *time.Time      `gorm:"default:null" json:"paid_date"`
	ExemptReason string          `gorm:"size:200" json:"exempt_reason"`
	Notes        string          `gorm:"type:text" json:"notes"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *UnpaidRecord) RemainingAmount() decimal.Decimal {
	return u.UnpaidAmount.Sub(u.PaidAmount)
}

func (u *UnpaidRecord) closed() bool {
	return u.Status == UnpaidStatusPaid || u.Status == UnpaidStatusExempted
}

// ApplyPayment credits amount against the record and recomputes the derived
// status. Rejections leave the record untouched.
func (u *UnpaidRecord) ApplyPayment(amount decimal.Decimal, date time.Time) error {
	if u.closed() {
		return fmt.Errorf("%w: unpaid record %d is %s", utils.ErrRecordClosed, u.ID, u.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", utils.ErrInvalidAmount, amount)
	}
	if u.PaidAmount.Add(amount).GreaterThan(u.UnpaidAmount) {
		return fmt.Errorf("%w: remaining %s, got %s", utils.ErrOverpayment, u.RemainingAmount(), amount)
	}

	u.PaidAmount = u.PaidAmount.Add(amount)
	if u.PaidAmount.Equal(u.UnpaidAmount) {
		u.Status = UnpaidStatusPaid
		paidDate := date
		u.PaidDate = &paidDate
	} else {
		u.Status = UnpaidStatusPartial
	}
	return nil
}

// Exempt is the administrative override; it freezes the record against any
// further payment application.
func (u *UnpaidRecord) Exempt(reason string) error {
	if u.closed() {
		return fmt.Errorf("%w: unpaid record %d is %s", utils.ErrRecordClosed, u.ID, u.Status)
	}
	u.Status = UnpaidStatusExempted
	u.ExemptReason = reason
	return nil
}

func GetUnpaidRecordById(tx *gorm.DB, id int) (*UnpaidRecord, error) {
	var record UnpaidRecord
	if err := tx.First(&record, id).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

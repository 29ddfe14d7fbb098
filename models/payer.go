package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payer is one recurring-debit authorization (CMS membership) binding exactly
// one child to a bank account and a monthly amount. CenterId is the child's
// delivery center, snapshotted at registration so settlement attribution does
// not need the hierarchy walk on the hot path.
type Payer struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ChildId          int             `gorm:"index;not null" json:"child_id" binding:"required"`
	CenterId         int             `gorm:"index;not null" json:"center_id"`
	MemberId         string          `gorm:"size:50;not null;unique" json:"member_id" binding:"required"`
	RegistrationDate time.Time       `gorm:"not null" json:"registration_date"`
	BankCode         string          `gorm:"size:10" json:"bank_code"`
	BankName         string          `gorm:"size:50" json:"bank_name"`
	AccountNumber    string          `gorm:"size:50" json:"account_number"`
	AccountHolder    string          `gorm:"size:50" json:"account_holder"`
	PaymentDay       int             `gorm:"not null;default:25" json:"payment_day" binding:"required"`
	MonthlyAmount    decimal.Decimal `gorm:"type:decimal(10,0);not null" json:"monthly_amount" binding:"required"`
	Status           PayerStatus     `gorm:"type:enum('PENDING','ACTIVE','PAUSED','CANCELLED');not null;default:PENDING;index" json:"status"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPayer struct {
	ChildId       int             `json:"child_id" binding:"required"`
	MemberId      string          `json:"member_id" binding:"required"`
	BankCode      string          `json:"bank_code" binding:"required"`
	BankName      string          `json:"bank_name" binding:"required"`
	AccountNumber string          `json:"account_number" binding:"required"`
	AccountHolder string          `json:"account_holder" binding:"required"`
	PaymentDay    int             `json:"payment_day" binding:"required,min=1,max=31"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount" binding:"required"`
}

// AccountRef is the opaque reference handed to the debit processor.
func (p *Payer) AccountRef() string {
	return p.MemberId
}

// Validate enforces the field invariants that hold for every status; bank
// credentials become mandatory once the payer is ACTIVE.
func (p *Payer) Validate() error {
	if p.PaymentDay < 1 || p.PaymentDay > 31 {
		return fmt.Errorf("payment day %d out of range [1,31]", p.PaymentDay)
	}
	if !p.MonthlyAmount.IsPositive() {
		return errors.New("monthly amount must be positive")
	}
	if p.Status == PayerStatusActive {
		if p.BankCode == "" || p.AccountNumber == "" || p.AccountHolder == "" {
			return errors.New("active payer requires bank code, account number and account holder")
		}
	}
	return nil
}

// GetPayerById loads one payer or utils-level not-found semantics via gorm.
func GetPayerById(tx *gorm.DB, id int) (*Payer, error) {
	var payer Payer
	if err := tx.First(&payer, id).Error; err != nil {
		return nil, err
	}
	return &payer, nil
}

// HasLivePayer reports whether the child already holds a non-CANCELLED payer.
// A child has at most one live billing relationship at a time.
func HasLivePayer(tx *gorm.DB, childId int) (bool, error) {
	var count int64
	err := tx.Model(&Payer{}).
		Where("child_id = ? AND status <> ?", childId, PayerStatusCancelled).
		Count(&count).Error
	return count > 0, err
}

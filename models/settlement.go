package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCommissionRate is the operator fee in percent, 2 decimal places.
var DefaultCommissionRate = decimal.NewFromFloat(10.00)

// Settlement is one center's monthly roll-up of collected funds. Expected
// figures are a point-in-time snapshot taken at period open; commission and
// net are derived from CollectedAmount and never written independently.
type Settlement struct {
	ID               int              `gorm:"primary_key" json:"id"`
	CenterId         int              `gorm:"not null;index:uniq_settlement_month,unique" json:"center_id"`
	SettlementMonth  time.Time        `gorm:"not null;index:uniq_settlement_month,unique" json:"settlement_month"`
	TotalChildren    int              `gorm:"not null;default:0" json:"total_children"`
	ExpectedAmount   decimal.Decimal  `gorm:"type:decimal(12,0);not null;default:0" json:"expected_amount"`
	CollectedAmount  decimal.Decimal  `gorm:"type:decimal(12,0);not null;default:0" json:"collected_amount"`
	CommissionRate   decimal.Decimal  `gorm:"type:decimal(5,2);not null;default:10.00" json:"commission_rate"`
	CommissionAmount decimal.Decimal  `gorm:"type:decimal(10,0);not null;default:0" json:"commission_amount"`
	NetAmount        decimal.Decimal  `gorm:"type:decimal(12,0);not null;default:0" json:"net_amount"`
	SuccessCount     int              `gorm:"not null;default:0" json:"success_count"`
	FailedCount      int              `gorm:"not null;default:0" json:"failed_count"`
	Status           SettlementStatus `gorm:"type:enum('PENDING','PROCESSING','COMPLETED','ADJUSTED');not null;default:PENDING;index" json:"status"`
	Notes            string           `gorm:"type:text" json:"notes"`
	CompletedAt      *time.Time       `gorm:"default:null" json:"completed_at"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// SettlementAdjustment is the audit trail for every post-completion delta:
// refunds against a closed period and manual corrections. Unapplied rows are
// consumed by the next period open for the same center.
type SettlementAdjustment struct {
	ID           int             `gorm:"primary_key" json:"id"`
	SettlementId int             `gorm:"index;not null" json:"settlement_id"`
	CenterId     int             `gorm:"index;not null" json:"center_id"`
	DeltaAmount  decimal.Decimal `gorm:"type:decimal(12,0);not null" json:"delta_amount"`
	Reason       string          `gorm:"size:200;not null" json:"reason"`
	AppliedAt    *time.Time      `gorm:"default:null;index" json:"applied_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (s *Settlement) Mutable() bool {
	return s.Status == SettlementStatusPending || s.Status == SettlementStatusProcessing
}

// RecalculateCommission rederives commission and net from CollectedAmount.
// The two always move together; money columns carry zero fractional digits.
func (s *Settlement) RecalculateCommission() {
	s.CommissionAmount = s.CollectedAmount.Mul(s.CommissionRate).Div(decimal.NewFromInt(100)).Round(0)
	s.NetAmount = s.CollectedAmount.Sub(s.CommissionAmount)
}

// AddCollected is the only mutation path for CollectedAmount while the period
// is open. delta may be negative (refund reversal) but never drives the total
// below zero.
func (s *Settlement) AddCollected(delta decimal.Decimal) error {
	if !s.Mutable() {
		return fmt.Errorf("%w: settlement %d is %s", utils.ErrInvalidTransition, s.ID, s.Status)
	}
	next := s.CollectedAmount.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: collected amount would become %s", utils.ErrInvalidAmount, next)
	}
	s.CollectedAmount = next
	s.RecalculateCommission()
	return nil
}

func GetSettlementById(tx *gorm.DB, id int) (*Settlement, error) {
	var settlement Settlement
	if err := tx.First(&settlement, id).Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}

// GetOpenSettlement loads the PENDING/PROCESSING settlement for the center
// and month, locking the row for update so concurrent completions serialize.
func GetOpenSettlement(tx *gorm.DB, centerId int, month time.Time, forUpdate bool) (*Settlement, error) {
	q := tx.Where("center_id = ? AND settlement_month = ?", centerId, month)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var settlement Settlement
	if err := q.First(&settlement).Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}

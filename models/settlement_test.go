package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/utils"
)

func openSettlement(collected int64) *Settlement {
	return &Settlement{
		ID:              1,
		CenterId:        7,
		CollectedAmount: decimal.NewFromInt(collected),
		CommissionRate:  DefaultCommissionRate,
		Status:          SettlementStatusProcessing,
	}
}

func TestRecalculateCommission(t *testing.T) {
	cases := []struct {
		collected  int64
		rate       string
		commission string
		net        string
	}{
		{30000, "10.00", "3000", "27000"},
		{0, "10.00", "0", "0"},
		{120000, "10.00", "12000", "108000"},
		// Rounding: 15.5% of 99999 = 15499.845 rounds to 15500.
		{99999, "15.50", "15500", "84499"},
		// Half-up at the boundary: 12.5% of 100 = 12.5 rounds to 13.
		{100, "12.50", "13", "87"},
	}

	for _, c := range cases {
		s := openSettlement(c.collected)
		s.CommissionRate = decimal.RequireFromString(c.rate)
		s.RecalculateCommission()
		if s.CommissionAmount.String() != c.commission {
			t.Errorf("collected=%d rate=%s: commission = %s, want %s",
				c.collected, c.rate, s.CommissionAmount, c.commission)
		}
		if s.NetAmount.String() != c.net {
			t.Errorf("collected=%d rate=%s: net = %s, want %s",
				c.collected, c.rate, s.NetAmount, c.net)
		}
	}
}

func TestCommissionAndNetAlwaysSum(t *testing.T) {
	s := openSettlement(0)
	for _, amount := range []int64{120000, 95000, 33333, 1} {
		if err := s.AddCollected(decimal.NewFromInt(amount)); err != nil {
			t.Fatal(err)
		}
		if !s.CommissionAmount.Add(s.NetAmount).Equal(s.CollectedAmount) {
			t.Fatalf("commission %s + net %s != collected %s",
				s.CommissionAmount, s.NetAmount, s.CollectedAmount)
		}
	}
}

func TestAddCollectedRejectsNegativeTotal(t *testing.T) {
	s := openSettlement(1000)
	err := s.AddCollected(decimal.NewFromInt(-2000))
	if !errors.Is(err, utils.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if !s.CollectedAmount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("collected mutated on rejected delta: %s", s.CollectedAmount)
	}
}

func TestAddCollectedRejectsClosedPeriod(t *testing.T) {
	s := openSettlement(1000)
	s.Status = SettlementStatusCompleted
	err := s.AddCollected(decimal.NewFromInt(500))
	if !errors.Is(err, utils.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMutable(t *testing.T) {
	cases := map[SettlementStatus]bool{
		SettlementStatusPending:    true,
		SettlementStatusProcessing: true,
		SettlementStatusCompleted:  false,
		SettlementStatusAdjusted:   false,
	}
	for status, want := range cases {
		s := openSettlement(0)
		s.Status = status
		if got := s.Mutable(); got != want {
			t.Errorf("Mutable() for %s = %v, want %v", status, got, want)
		}
	}
}

package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/utils"
)

func openUnpaid(amount int64) *UnpaidRecord {
	return &UnpaidRecord{
		ID:           1,
		ChildId:      9,
		UnpaidMonth:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		UnpaidAmount: decimal.NewFromInt(amount),
		PaidAmount:   decimal.Zero,
		Status:       UnpaidStatusUnpaid,
	}
}

func TestApplyPaymentPartialThenFull(t *testing.T) {
	u := openUnpaid(120000)
	paidOn := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

	if err := u.ApplyPayment(decimal.NewFromInt(50000), paidOn); err != nil {
		t.Fatal(err)
	}
	if u.Status != UnpaidStatusPartial {
		t.Fatalf("status = %s, want PARTIAL", u.Status)
	}
	if !u.RemainingAmount().Equal(decimal.NewFromInt(70000)) {
		t.Fatalf("remaining = %s, want 70000", u.RemainingAmount())
	}
	if u.PaidDate != nil {
		t.Fatal("PaidDate must stay nil while PARTIAL")
	}

	if err := u.ApplyPayment(decimal.NewFromInt(70000), paidOn); err != nil {
		t.Fatal(err)
	}
	if u.Status != UnpaidStatusPaid {
		t.Fatalf("status = %s, want PAID", u.Status)
	}
	if u.PaidDate == nil || !u.PaidDate.Equal(paidOn) {
		t.Fatalf("PaidDate = %v, want %v", u.PaidDate, paidOn)
	}
}

func TestApplyPaymentRejectsOverpayment(t *testing.T) {
	u := openUnpaid(120000)
	err := u.ApplyPayment(decimal.NewFromInt(120001), time.Now())
	if !errors.Is(err, utils.ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	if !u.PaidAmount.IsZero() || u.Status != UnpaidStatusUnpaid {
		t.Fatal("record mutated on rejected payment")
	}
}

func TestApplyPaymentRejectsNonPositiveAmount(t *testing.T) {
	u := openUnpaid(120000)
	for _, amount := range []int64{0, -100} {
		err := u.ApplyPayment(decimal.NewFromInt(amount), time.Now())
		if !errors.Is(err, utils.ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestApplyPaymentRejectsClosedRecord(t *testing.T) {
	u := openUnpaid(120000)
	if err := u.ApplyPayment(decimal.NewFromInt(120000), time.Now()); err != nil {
		t.Fatal(err)
	}
	err := u.ApplyPayment(decimal.NewFromInt(1), time.Now())
	if !errors.Is(err, utils.ErrRecordClosed) {
		t.Fatalf("expected ErrRecordClosed, got %v", err)
	}
}

func TestExempt(t *testing.T) {
	u := openUnpaid(120000)
	if err := u.Exempt("withdrew mid-month"); err != nil {
		t.Fatal(err)
	}
	if u.Status != UnpaidStatusExempted {
		t.Fatalf("status = %s, want EXEMPTED", u.Status)
	}
	if err := u.ApplyPayment(decimal.NewFromInt(100), time.Now()); !errors.Is(err, utils.ErrRecordClosed) {
		t.Fatalf("expected ErrRecordClosed after exemption, got %v", err)
	}
	if err := u.Exempt("again"); !errors.Is(err, utils.ErrRecordClosed) {
		t.Fatalf("expected ErrRecordClosed on double exempt, got %v", err)
	}
}

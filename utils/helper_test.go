package utils

import (
	"testing"
	"time"
)

func TestMonthOf(t *testing.T) {
	in := time.Date(2026, 8, 25, 13, 45, 12, 0, time.UTC)
	got := MonthOf(in)
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("MonthOf(%v) = %v, want %v", in, got, want)
	}
}

func TestLastDayOfMonth(t *testing.T) {
	cases := []struct {
		year  int
		month time.Month
		want  int
	}{
		{2026, time.January, 31},
		{2026, time.February, 28},
		{2028, time.February, 29},
		{2026, time.April, 30},
		{2026, time.December, 31},
	}
	for _, c := range cases {
		in := time.Date(c.year, c.month, 15, 0, 0, 0, 0, time.UTC)
		if got := LastDayOfMonth(in); got != c.want {
			t.Errorf("LastDayOfMonth(%d-%02d) = %d, want %d", c.year, c.month, got, c.want)
		}
	}
}

func TestClampPaymentDay(t *testing.T) {
	cases := []struct {
		day   int
		year  int
		month time.Month
		want  int
	}{
		{25, 2026, time.August, 25},
		{31, 2026, time.April, 30},
		{31, 2026, time.February, 28},
		{30, 2028, time.February, 29},
		{1, 2026, time.February, 1},
		{31, 2026, time.August, 31},
	}
	for _, c := range cases {
		month := time.Date(c.year, c.month, 1, 0, 0, 0, 0, time.UTC)
		if got := ClampPaymentDay(c.day, month); got != c.want {
			t.Errorf("ClampPaymentDay(%d, %d-%02d) = %d, want %d", c.day, c.year, c.month, got, c.want)
		}
	}
}

func TestParseDecimal(t *testing.T) {
	if _, err := ParseDecimal(""); err == nil {
		t.Fatal("expected error for empty string")
	}
	if _, err := ParseDecimal("abc"); err == nil {
		t.Fatal("expected error for garbage")
	}
	d, err := ParseDecimal(" 120000 ")
	if err != nil {
		t.Fatal(err)
	}
	if d.String() != "120000" {
		t.Fatalf("got %s, want 120000", d)
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"parent@example.com", "a.b+c@kids.co.kr"}
	invalid := []string{"", "no-at-sign", "x@", "@y.com"}
	for _, e := range valid {
		if !IsValidEmail(e) {
			t.Errorf("IsValidEmail(%q) = false, want true", e)
		}
	}
	for _, e := range invalid {
		if IsValidEmail(e) {
			t.Errorf("IsValidEmail(%q) = true, want false", e)
		}
	}
}

package workflow

import (
	"testing"
	"time"
)

func TestNextDueDateClampsShortMonths(t *testing.T) {
	cases := []struct {
		paymentDay int
		year       int
		month      time.Month
		wantDay    int
	}{
		{25, 2026, time.August, 25},
		{31, 2026, time.April, 30},
		{31, 2026, time.February, 28},
		{29, 2028, time.February, 29},
		{1, 2026, time.June, 1},
	}
	for _, c := range cases {
		month := time.Date(c.year, c.month, 10, 0, 0, 0, 0, time.UTC)
		got, err := NextDueDate(c.paymentDay, month)
		if err != nil {
			t.Fatalf("NextDueDate(%d, %d-%02d): %v", c.paymentDay, c.year, c.month, err)
		}
		if got.Day() != c.wantDay {
			t.Errorf("NextDueDate(%d, %d-%02d) = day %d, want %d",
				c.paymentDay, c.year, c.month, got.Day(), c.wantDay)
		}
		if got.Year() != c.year || got.Month() != c.month {
			t.Errorf("NextDueDate(%d, %d-%02d) landed in %v", c.paymentDay, c.year, c.month, got)
		}
	}
}

func TestNextDueDateRejectsBadDay(t *testing.T) {
	month := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for _, day := range []int{0, -1, 32} {
		if _, err := NextDueDate(day, month); err == nil {
			t.Errorf("NextDueDate(%d) accepted an out-of-range day", day)
		}
	}
}

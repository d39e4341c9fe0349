package scheduling

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRecurrenceNext(t *testing.T) {
	base := time.Date(2026, 1, 31, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		rec  Recurrence
		from time.Time
		want time.Time
	}{
		{RecurrenceDaily, base, time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)},
		{RecurrenceWeekly, base, time.Date(2026, 2, 7, 9, 30, 0, 0, time.UTC)},
		{RecurrenceMonthly, base, time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)},
		{RecurrenceMonthly, time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC), time.Date(2026, 4, 15, 9, 30, 0, 0, time.UTC)},
		{RecurrenceMonthly, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)},
		{RecurrenceYearly, time.Date(2028, 2, 29, 8, 0, 0, 0, time.UTC), time.Date(2029, 2, 28, 8, 0, 0, 0, time.UTC)},
		{RecurrenceNone, base, base},
	}
	for _, tc := range cases {
		if got := tc.rec.Next(tc.from); !got.Equal(tc.want) {
			t.Fatalf("%s from %s: expected %s, got %s", tc.rec, tc.from, tc.want, got)
		}
	}
}

func TestParseRecurrence(t *testing.T) {
	if r, err := ParseRecurrence(""); err != nil || r != RecurrenceNone {
		t.Fatalf("empty recurrence: %v %v", r, err)
	}
	if r, err := ParseRecurrence(" weekly "); err != nil || r != RecurrenceWeekly {
		t.Fatalf("weekly: %v %v", r, err)
	}
	if _, err := ParseRecurrence("hourly"); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("expected invalid schedule, got %v", err)
	}
}

func TestNextOccurrence(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	first := Transfer{
		ID:                "first",
		SenderID:          "alice",
		ReceiverID:        "bob",
		Amount:            decimal.RequireFromString("25.00"),
		ScheduledAt:       now,
		Status:            StatusExecuted,
		Processed:         true,
		RetryCount:        2,
		Recurrence:        RecurrenceWeekly,
		TotalOccurrences:  3,
		CurrentOccurrence: 1,
	}

	next, ok := first.NextOccurrence(now)
	if !ok {
		t.Fatalf("expected a second occurrence")
	}
	if next.ParentID != "first" || next.CurrentOccurrence != 2 || next.Status != StatusPending || next.Processed {
		t.Fatalf("unexpected next occurrence %+v", next)
	}
	if next.RetryCount != 0 || !next.ScheduledAt.Equal(now.AddDate(0, 0, 7)) {
		t.Fatalf("next occurrence must start fresh a week later: %+v", next)
	}

	next.ID = "second"
	third, ok := next.NextOccurrence(now)
	if !ok || third.ParentID != "first" || third.CurrentOccurrence != 3 {
		t.Fatalf("third occurrence must inherit the chain parent: %+v", third)
	}
	if _, ok := third.NextOccurrence(now); ok {
		t.Fatalf("total occurrences must stop the chain")
	}

	end := now.AddDate(0, 0, 10)
	bounded := first
	bounded.TotalOccurrences = 0
	bounded.RecurrenceEnd = &end
	second, ok := bounded.NextOccurrence(now)
	if !ok {
		t.Fatalf("second occurrence is before the end date")
	}
	if _, ok := second.NextOccurrence(now); ok {
		t.Fatalf("occurrence after the end date must not be created")
	}

	single := first
	single.Recurrence = RecurrenceNone
	if _, ok := single.NextOccurrence(now); ok {
		t.Fatalf("non-recurring transfer must not chain")
	}
}

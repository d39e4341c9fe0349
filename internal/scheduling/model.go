// Package scheduling stores future-dated transfers and drives them through
// PENDING → PROCESSING → EXECUTED/FAILED, chaining recurring occurrences.
package scheduling

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a scheduled transfer.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusExecuted   Status = "EXECUTED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Recurrence is the interval between occurrences of a recurring transfer.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "NONE"
	RecurrenceDaily   Recurrence = "DAILY"
	RecurrenceWeekly  Recurrence = "WEEKLY"
	RecurrenceMonthly Recurrence = "MONTHLY"
	RecurrenceYearly  Recurrence = "YEARLY"
)

var (
	// ErrNotFound indicates the scheduled transfer does not exist.
	ErrNotFound = errors.New("scheduled transfer not found")
	// ErrAlreadyProcessing rejects a cancel once the transfer has left PENDING.
	ErrAlreadyProcessing = errors.New("scheduled transfer is already being processed")
	// ErrNotClaimable indicates another executor or a cancel got to the row first.
	ErrNotClaimable = errors.New("scheduled transfer cannot be claimed")
	// ErrNotProcessing indicates an outcome was recorded for a row that is not PROCESSING.
	ErrNotProcessing = errors.New("scheduled transfer is not processing")
	// ErrDuplicateOccurrence indicates the next occurrence of a chain already exists.
	ErrDuplicateOccurrence = errors.New("occurrence already scheduled")
	// ErrInvalidSchedule rejects malformed scheduling requests.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrNotRepublishable rejects re-publication of rows that are terminal or not yet due.
	ErrNotRepublishable = errors.New("scheduled transfer is not eligible for re-publication")
)

// ParseRecurrence accepts a case-insensitive recurrence name; empty means NONE.
func ParseRecurrence(s string) (Recurrence, error) {
	r := Recurrence(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case "":
		return RecurrenceNone, nil
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceYearly:
		return r, nil
	default:
		return "", errors.Join(ErrInvalidSchedule, errors.New("unknown recurrence "+s))
	}
}

// Next advances t by one interval. Monthly and yearly steps clamp to the last
// day of the target month, so Jan 31 is followed by Feb 28 (or 29).
func (r Recurrence) Next(t time.Time) time.Time {
	switch r {
	case RecurrenceDaily:
		return t.AddDate(0, 0, 1)
	case RecurrenceWeekly:
		return t.AddDate(0, 0, 7)
	case RecurrenceMonthly:
		return addMonths(t, 1)
	case RecurrenceYearly:
		return addMonths(t, 12)
	default:
		return t
	}
}

func addMonths(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	target := first.AddDate(0, months, 0)
	lastDay := target.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return target.AddDate(0, 0, day-1)
}

// Transfer is a scheduled transfer row. Processed=true is terminal.
type Transfer struct {
	ID                string          `json:"id"`
	SenderID          string          `json:"sender_id"`
	ReceiverID        string          `json:"receiver_id"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description,omitempty"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	Status            Status          `json:"status"`
	Processed         bool            `json:"processed"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	RetryCount        int             `json:"retry_count"`
	LastRetryAt       *time.Time      `json:"last_retry_at,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	Recurrence        Recurrence      `json:"recurrence"`
	RecurrenceEnd     *time.Time      `json:"recurrence_end,omitempty"`
	TotalOccurrences  int             `json:"total_occurrences,omitempty"`
	CurrentOccurrence int             `json:"current_occurrence"`
	ParentID          string          `json:"parent_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Terminal reports whether the row can never move funds again.
func (t Transfer) Terminal() bool {
	return t.Processed || t.Status == StatusExecuted || t.Status == StatusCancelled
}

// ChainID is the id shared by every occurrence of a recurring transfer.
func (t Transfer) ChainID() string {
	if t.ParentID != "" {
		return t.ParentID
	}
	return t.ID
}

// NextOccurrence builds the row that follows t in its chain, if any. The
// returned row has no id yet.
func (t Transfer) NextOccurrence(now time.Time) (Transfer, bool) {
	if t.Recurrence == "" || t.Recurrence == RecurrenceNone {
		return Transfer{}, false
	}
	if t.TotalOccurrences > 0 && t.CurrentOccurrence >= t.TotalOccurrences {
		return Transfer{}, false
	}
	nextAt := t.Recurrence.Next(t.ScheduledAt)
	if t.RecurrenceEnd != nil && nextAt.After(*t.RecurrenceEnd) {
		return Transfer{}, false
	}
	return Transfer{
		SenderID:          t.SenderID,
		ReceiverID:        t.ReceiverID,
		Amount:            t.Amount,
		Description:       t.Description,
		ScheduledAt:       nextAt,
		Status:            StatusPending,
		Recurrence:        t.Recurrence,
		RecurrenceEnd:     t.RecurrenceEnd,
		TotalOccurrences:  t.TotalOccurrences,
		CurrentOccurrence: t.CurrentOccurrence + 1,
		ParentID:          t.ChainID(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, true
}

// Outcome is the result recorded when a PROCESSING row is released.
type Outcome struct {
	Status        Status
	Processed     bool
	RetryCount    int
	LastRetryAt   *time.Time
	ExecutedAt    *time.Time
	FailureReason string
	At            time.Time
}

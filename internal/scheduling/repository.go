package scheduling

import (
	"context"
	"time"
)

// Repository persists scheduled transfers. Claim, Finish and Cancel are
// compare-and-set transitions; scans never mutate rows.
type Repository interface {
	Create(ctx context.Context, t Transfer) error
	Get(ctx context.Context, id string) (Transfer, error)
	// Claim moves an unprocessed row in one of the from states to PROCESSING.
	Claim(ctx context.Context, id string, from []Status, at time.Time) (Transfer, error)
	// Finish records the outcome of a PROCESSING row.
	Finish(ctx context.Context, id string, out Outcome) (Transfer, error)
	// Cancel moves a PENDING row to CANCELLED.
	Cancel(ctx context.Context, id string, at time.Time) (Transfer, error)
	FindDue(ctx context.Context, from, to time.Time) ([]Transfer, error)
	FindRetryable(ctx context.Context, maxRetry int, lastRetryBefore time.Time) ([]Transfer, error)
	// FindOverdue pages PENDING rows scheduled before the cutoff in id order.
	FindOverdue(ctx context.Context, before time.Time, afterID string, limit int) ([]Transfer, error)
	ListBySender(ctx context.Context, senderID string, limit int) ([]Transfer, error)
}

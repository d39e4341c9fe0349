package scheduling

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryRepository struct {
	mu          sync.RWMutex
	rows        map[string]Transfer
	occurrences map[string]struct{}
}

// NewMemoryRepository returns an in-memory repository for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		rows:        make(map[string]Transfer),
		occurrences: make(map[string]struct{}),
	}
}

func occurrenceKey(parentID string, occurrence int) string {
	return parentID + "#" + strconv.Itoa(occurrence)
}

func (r *memoryRepository) Create(_ context.Context, t Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[t.ID]; exists {
		return ErrDuplicateOccurrence
	}
	if t.ParentID != "" {
		key := occurrenceKey(t.ParentID, t.CurrentOccurrence)
		if _, exists := r.occurrences[key]; exists {
			return ErrDuplicateOccurrence
		}
		r.occurrences[key] = struct{}{}
	}
	r.rows[t.ID] = t
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.rows[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return t, nil
}

func (r *memoryRepository) Claim(_ context.Context, id string, from []Status, at time.Time) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	if t.Processed || !slices.Contains(from, t.Status) {
		return Transfer{}, ErrNotClaimable
	}
	t.Status = StatusProcessing
	t.UpdatedAt = at
	r.rows[id] = t
	return t, nil
}

func (r *memoryRepository) Finish(_ context.Context, id string, out Outcome) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	if t.Status != StatusProcessing {
		return Transfer{}, ErrNotProcessing
	}
	applyOutcome(&t, out)
	r.rows[id] = t
	return t, nil
}

func applyOutcome(t *Transfer, out Outcome) {
	t.Status = out.Status
	t.Processed = out.Processed
	if out.Processed {
		at := out.At
		t.ProcessedAt = &at
	}
	t.RetryCount = out.RetryCount
	if out.LastRetryAt != nil {
		t.LastRetryAt = out.LastRetryAt
	}
	if out.ExecutedAt != nil {
		t.ExecutedAt = out.ExecutedAt
	}
	t.FailureReason = out.FailureReason
	t.UpdatedAt = out.At
}

func (r *memoryRepository) Cancel(_ context.Context, id string, at time.Time) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	if t.Processed || t.Status != StatusPending {
		return Transfer{}, ErrAlreadyProcessing
	}
	t.Status = StatusCancelled
	t.Processed = true
	t.ProcessedAt = &at
	t.UpdatedAt = at
	r.rows[id] = t
	return t, nil
}

func (r *memoryRepository) FindDue(_ context.Context, from, to time.Time) ([]Transfer, error) {
	out := r.filter(func(t Transfer) bool {
		return t.Status == StatusPending && !t.Processed && !t.ScheduledAt.Before(from) && !t.ScheduledAt.After(to)
	})
	sortBySchedule(out)
	return out, nil
}

func (r *memoryRepository) FindRetryable(_ context.Context, maxRetry int, before time.Time) ([]Transfer, error) {
	out := r.filter(func(t Transfer) bool {
		return t.Status == StatusFailed && !t.Processed && t.RetryCount < maxRetry &&
			(t.LastRetryAt == nil || !t.LastRetryAt.After(before))
	})
	sortBySchedule(out)
	return out, nil
}

func (r *memoryRepository) FindOverdue(_ context.Context, before time.Time, afterID string, limit int) ([]Transfer, error) {
	out := r.filter(func(t Transfer) bool {
		return t.Status == StatusPending && !t.Processed && t.ScheduledAt.Before(before) && t.ID > afterID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) ListBySender(_ context.Context, senderID string, limit int) ([]Transfer, error) {
	sender := strings.ToLower(strings.TrimSpace(senderID))
	out := r.filter(func(t Transfer) bool {
		return strings.ToLower(t.SenderID) == sender
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) filter(keep func(Transfer) bool) []Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Transfer
	for _, t := range r.rows {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func sortBySchedule(rows []Transfer) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ScheduledAt.Equal(rows[j].ScheduledAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].ScheduledAt.Before(rows[j].ScheduledAt)
	})
}

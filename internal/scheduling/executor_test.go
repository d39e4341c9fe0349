package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/congo-pay/transferd/internal/notification"
	"github.com/congo-pay/transferd/internal/queue"
)

func TestExecutorMovesFundsOnceUnderCompetingConsumers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice", "100.00")
	row := f.schedule(t, "40.00", nil)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := queue.TypePublish
			if i%2 == 1 {
				typ = queue.TypeRecovery
			}
			if err := f.executor.Handle(ctx, hint(row.ID, typ)); err != nil {
				t.Errorf("handle: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if calls := f.backend.calls.Load(); calls != 1 {
		t.Fatalf("expected one backend call, got %d", calls)
	}
	if !f.balance(t, "alice").Equal(dec("60.00")) || !f.balance(t, "bob").Equal(dec("40.00")) {
		t.Fatalf("unexpected balances alice=%s bob=%s", f.balance(t, "alice"), f.balance(t, "bob"))
	}
	got := f.get(t, row.ID)
	if got.Status != StatusExecuted || !got.Processed || got.ExecutedAt == nil {
		t.Fatalf("expected executed row, got %+v", got)
	}
	if n := len(f.notifier.named(notification.EventTransferExecuted)); n != 1 {
		t.Fatalf("expected one executed notification, got %d", n)
	}
}

func TestExecutorLeavesTerminalRowsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice", "100.00")

	executed := f.schedule(t, "10.00", func(r *Transfer) { r.Status = StatusExecuted; r.Processed = true })
	cancelled := f.schedule(t, "10.00", func(r *Transfer) { r.Status = StatusCancelled; r.Processed = true })
	exhausted := f.schedule(t, "10.00", func(r *Transfer) { r.Status = StatusFailed; r.Processed = true; r.RetryCount = 3 })
	rejected := f.schedule(t, "10.00", func(r *Transfer) { r.Status = StatusFailed; r.Processed = true })
	processing := f.schedule(t, "10.00", func(r *Transfer) { r.Status = StatusProcessing })

	for _, row := range []Transfer{executed, cancelled, exhausted, rejected, processing} {
		for _, typ := range []queue.MessageType{queue.TypePublish, queue.TypeRetry, queue.TypeRecovery} {
			if err := f.executor.Handle(ctx, hint(row.ID, typ)); err != nil {
				t.Fatalf("handle %s %s: %v", row.Status, typ, err)
			}
		}
	}
	if err := f.executor.Handle(ctx, hint("unknown", queue.TypePublish)); err != nil {
		t.Fatalf("unknown id must be dropped, got %v", err)
	}
	if calls := f.backend.calls.Load(); calls != 0 {
		t.Fatalf("terminal rows must not reach the backend, got %d calls", calls)
	}
	if !f.balance(t, "alice").Equal(dec("100.00")) {
		t.Fatalf("balance changed: %s", f.balance(t, "alice"))
	}
}

func TestExecutorIgnoresRowsNotYetDue(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100.00")
	row := f.schedule(t, "10.00", func(r *Transfer) { r.ScheduledAt = r.ScheduledAt.Add(24 * time.Hour) })

	if err := f.executor.Handle(context.Background(), hint(row.ID, queue.TypePublish)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.backend.calls.Load() != 0 || f.get(t, row.ID).Status != StatusPending {
		t.Fatalf("future row must stay pending")
	}
}

func TestExecutorBusinessRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice", "5.00")
	row := f.schedule(t, "50.00", nil)

	if err := f.executor.Handle(ctx, hint(row.ID, queue.TypePublish)); err != nil {
		t.Fatalf("business rejection must not be redelivered, got %v", err)
	}
	got := f.get(t, row.ID)
	if got.Status != StatusFailed || !got.Processed || got.FailureReason == "" || got.RetryCount != 0 {
		t.Fatalf("expected terminal failure, got %+v", got)
	}
	if n := len(f.notifier.named(notification.EventTransferFailed)); n != 1 {
		t.Fatalf("expected one failure notification, got %d", n)
	}

	f.clock.Advance(time.Hour)
	if err := f.executor.Handle(ctx, hint(row.ID, queue.TypeRetry)); err != nil {
		t.Fatalf("retry hint: %v", err)
	}
	if calls := f.backend.calls.Load(); calls != 1 {
		t.Fatalf("business rejection must never be retried, got %d calls", calls)
	}
	if !f.balance(t, "alice").Equal(dec("5.00")) {
		t.Fatalf("balance changed: %s", f.balance(t, "alice"))
	}
}

func TestExecutorTechnicalFailuresRetryUntilTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice", "100.00")
	f.backend.failures.Store(10)
	row := f.schedule(t, "30.00", nil)

	err := f.executor.Handle(ctx, hint(row.ID, queue.TypePublish))
	if !errors.Is(err, errUnavailable) {
		t.Fatalf("technical failure must propagate, got %v", err)
	}
	got := f.get(t, row.ID)
	if got.Status != StatusFailed || got.Processed || got.RetryCount != 1 || got.LastRetryAt == nil {
		t.Fatalf("expected retryable failure, got %+v", got)
	}

	// Inside the backoff the hint is ignored.
	if err := f.executor.Handle(ctx, hint(row.ID, queue.TypeRetry)); err != nil {
		t.Fatalf("early retry: %v", err)
	}
	if calls := f.backend.calls.Load(); calls != 1 {
		t.Fatalf("retry inside backoff must not execute, got %d calls", calls)
	}
	// A publish hint never picks up a failed row.
	if err := f.executor.Handle(ctx, hint(row.ID, queue.TypePublish)); err != nil {
		t.Fatalf("publish on failed row: %v", err)
	}

	for attempt := 2; attempt <= 3; attempt++ {
		f.clock.Advance(15 * time.Minute)
		if err := f.executor.Handle(ctx, hint(row.ID, queue.TypeRetry)); !errors.Is(err, errUnavailable) {
			t.Fatalf("attempt %d: expected technical failure, got %v", attempt, err)
		}
		got = f.get(t, row.ID)
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: retry count %d", attempt, got.RetryCount)
		}
	}
	if !got.Processed || got.Status != StatusFailed {
		t.Fatalf("third technical failure must be terminal, got %+v", got)
	}
	if n := len(f.notifier.named(notification.EventTransferFailed)); n != 1 {
		t.Fatalf("expected one failure notification, got %d", n)
	}

	f.clock.Advance(time.Hour)
	if err := f.executor.Handle(ctx, hint(row.ID, queue.TypeRetry)); err != nil {
		t.Fatalf("retry after terminal: %v", err)
	}
	if calls := f.backend.calls.Load(); calls != 3 {
		t.Fatalf("expected 3 backend calls, got %d", calls)
	}
	if !f.balance(t, "alice").Equal(dec("100.00")) {
		t.Fatalf("balance changed: %s", f.balance(t, "alice"))
	}
}

func TestExecutorRetryRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice", "100.00")
	f.backend.failures.Store(1)
	row := f.schedule(t, "30.00", nil)

	if err := f.executor.Handle(ctx, hint(row.ID, queue.TypePublish)); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	f.clock.Advance(15 * time.Minute)
	if err := f.executor.Handle(ctx, hint(row.ID, queue.TypeRetry)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got := f.get(t, row.ID)
	if got.Status != StatusExecuted || !got.Processed || got.RetryCount != 1 {
		t.Fatalf("expected executed after retry, got %+v", got)
	}
	if !f.balance(t, "bob").Equal(dec("30.00")) {
		t.Fatalf("unexpected bob balance %s", f.balance(t, "bob"))
	}
}

func TestWeeklyRecurrenceRunsExactlyThreeTimes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice", "100.00")
	first := f.schedule(t, "10.00", func(r *Transfer) {
		r.Recurrence = RecurrenceWeekly
		r.TotalOccurrences = 3
	})

	direct := queue.HandlerFunc(f.executor.Handle)
	pub := NewPublisher(f.repo, publishFunc(func(ctx context.Context, h queue.Hint) error {
		return direct.Handle(ctx, h)
	}), f.clock, PublisherConfig{}, nil)

	for week := 0; week < 5; week++ {
		if _, err := pub.ScanDue(ctx); err != nil {
			t.Fatalf("week %d scan: %v", week, err)
		}
		f.clock.Advance(7 * 24 * time.Hour)
	}

	rows, err := f.repo.ListBySender(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Status != StatusExecuted {
			t.Fatalf("occurrence %d not executed: %s", r.CurrentOccurrence, r.Status)
		}
		if r.ChainID() != first.ID {
			t.Fatalf("occurrence %d escaped the chain: %+v", r.CurrentOccurrence, r)
		}
	}
	if !f.balance(t, "alice").Equal(dec("70.00")) {
		t.Fatalf("expected three debits, alice=%s", f.balance(t, "alice"))
	}

	// Redelivering an executed hint does not create a duplicate occurrence.
	if err := f.executor.Handle(ctx, hint(first.ID, queue.TypePublish)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	rows, _ = f.repo.ListBySender(ctx, "alice", 0)
	if len(rows) != 3 || f.backend.calls.Load() != 3 {
		t.Fatalf("redelivery must be a no-op: rows=%d calls=%d", len(rows), f.backend.calls.Load())
	}
}

func TestExecutorChainsAfterInterruptedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.schedule(t, "10.00", func(r *Transfer) {
		r.Status = StatusExecuted
		r.Processed = true
		r.Recurrence = RecurrenceDaily
	})

	if err := f.executor.Handle(ctx, hint(row.ID, queue.TypeRecovery)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	rows, _ := f.repo.ListBySender(ctx, "alice", 0)
	if len(rows) != 2 {
		t.Fatalf("expected the missing occurrence to be created, got %d rows", len(rows))
	}
	if f.backend.calls.Load() != 0 {
		t.Fatalf("executed row must not move funds again")
	}
}

func TestRecoveredChainCatchesUpAfterDowntime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "alice", "100.00")
	start := f.clock.Now().Add(-72 * time.Hour)
	first := f.schedule(t, "10.00", func(r *Transfer) {
		r.ScheduledAt = start
		r.Recurrence = RecurrenceDaily
	})

	pub := NewPublisher(f.repo, f.hints, f.clock, PublisherConfig{}, nil)
	if _, err := pub.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	for handled := 0; handled < len(f.hints.sent()); handled++ {
		h := f.hints.sent()[handled]
		if err := f.executor.Handle(ctx, h); err != nil {
			t.Fatalf("handle %s: %v", h.Type, err)
		}
		if handled > 20 {
			t.Fatalf("chain did not settle")
		}
	}

	rows, err := f.repo.ListBySender(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected four executed occurrences and one upcoming, got %d rows", len(rows))
	}
	executed := 0
	var upcoming Transfer
	for _, r := range rows {
		if r.ChainID() != first.ID {
			t.Fatalf("occurrence %d escaped the chain", r.CurrentOccurrence)
		}
		switch r.Status {
		case StatusExecuted:
			executed++
		case StatusPending:
			upcoming = r
		default:
			t.Fatalf("unexpected status %s for occurrence %d", r.Status, r.CurrentOccurrence)
		}
	}
	if executed != 4 {
		t.Fatalf("expected 4 executions, got %d", executed)
	}
	if !upcoming.ScheduledAt.Equal(start.Add(96*time.Hour)) || !upcoming.ScheduledAt.After(f.clock.Now()) {
		t.Fatalf("upcoming occurrence must wait for the due scan, scheduled at %s", upcoming.ScheduledAt)
	}
	if !f.balance(t, "alice").Equal(dec("60.00")) {
		t.Fatalf("expected four debits, alice=%s", f.balance(t, "alice"))
	}
}

type publishFunc func(ctx context.Context, h queue.Hint) error

func (f publishFunc) Publish(ctx context.Context, h queue.Hint) error { return f(ctx, h) }

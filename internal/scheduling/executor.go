package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/notification"
	"github.com/congo-pay/transferd/internal/payments"
	"github.com/congo-pay/transferd/internal/queue"
)

// ExecutorConfig bounds technical retries.
type ExecutorConfig struct {
	MaxRetry     int
	RetryBackoff time.Duration
	// Lookahead is the earliest a PUBLISH or RECOVERY hint may run a row
	// ahead of its scheduled time.
	Lookahead time.Duration
	// HintTimeout bounds publishing a hint for a next occurrence that is
	// already due.
	HintTimeout time.Duration
}

// Executor turns hints into at most one money movement per row.
type Executor struct {
	repo     Repository
	backend  payments.Backend
	hints    queue.Publisher
	cache    Cache
	notifier notification.Notifier
	clock    clock.Clock
	cfg      ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor builds an Executor. hints receives a PUBLISH hint for every
// next occurrence created inside the lookahead; it may be nil.
func NewExecutor(repo Repository, backend payments.Backend, hints queue.Publisher, cache Cache, notifier notification.Notifier, c clock.Clock, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cache == nil {
		cache = NopCache{}
	}
	if c == nil {
		c = clock.Real()
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 15 * time.Minute
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 2 * time.Minute
	}
	if cfg.HintTimeout <= 0 {
		cfg.HintTimeout = 5 * time.Second
	}
	return &Executor{
		repo:     repo,
		backend:  backend,
		hints:    hints,
		cache:    cache,
		notifier: notifier,
		clock:    c,
		cfg:      cfg,
		logger:   logging.Component(logger, "executor"),
	}
}

var _ queue.Handler = (*Executor)(nil)

// Handle processes one hint. Stale or duplicate hints are no-ops. A
// technical failure is returned so the transport can redeliver.
func (e *Executor) Handle(ctx context.Context, hint queue.Hint) error {
	logger := e.logger.With(slog.String("transfer_id", hint.TransferID), slog.String("message_type", string(hint.Type)))

	t, err := e.repo.Get(ctx, hint.TransferID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("hint for unknown transfer dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scheduled transfer: %w", err)
	}

	if t.Status == StatusExecuted {
		// A previous run may have stopped before chaining.
		return e.chain(ctx, t, logger)
	}
	if t.Processed {
		return nil
	}

	now := e.clock.Now()
	var from []Status
	switch hint.Type {
	case queue.TypeRetry:
		if t.Status != StatusFailed || t.RetryCount >= e.cfg.MaxRetry {
			return nil
		}
		if t.LastRetryAt != nil && now.Before(t.LastRetryAt.Add(e.cfg.RetryBackoff)) {
			return nil
		}
		from = []Status{StatusFailed}
	default:
		if t.Status != StatusPending || t.ScheduledAt.After(now.Add(e.cfg.Lookahead)) {
			return nil
		}
		from = []Status{StatusPending}
	}

	claimed, err := e.repo.Claim(ctx, t.ID, from, now)
	if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim scheduled transfer: %w", err)
	}
	e.cache.Evict(ctx, claimed.ID)

	res, execErr := e.backend.Execute(ctx, claimed.SenderID, claimed.ReceiverID, claimed.Amount, claimed.Description)
	if execErr != nil {
		return e.fail(ctx, claimed, execErr, logger)
	}

	executedAt := e.clock.Now()
	done, err := e.repo.Finish(ctx, claimed.ID, Outcome{
		Status:     StatusExecuted,
		Processed:  true,
		RetryCount: claimed.RetryCount,
		ExecutedAt: &executedAt,
		At:         executedAt,
	})
	if err != nil {
		// Funds moved; the row stays PROCESSING and is never claimed again.
		logger.Error("record execution failed", slog.String("transaction_id", res.TransactionID), slog.Any("error", err))
		return nil
	}
	logger.Info("scheduled transfer executed",
		slog.String("transaction_id", res.TransactionID),
		slog.String("amount", done.Amount.StringFixed(2)),
		slog.Int("occurrence", done.CurrentOccurrence),
	)
	payload := eventPayload(done)
	payload["transaction_id"] = res.TransactionID
	notification.Emit(ctx, e.notifier, logger, notification.Event{
		Name:        notification.EventTransferExecuted,
		Destination: done.SenderID,
		Payload:     payload,
	})
	e.cache.Evict(ctx, done.ID, done.ParentID)
	return e.chain(ctx, done, logger)
}

func (e *Executor) fail(ctx context.Context, t Transfer, cause error, logger *slog.Logger) error {
	now := e.clock.Now()
	out := Outcome{
		Status:        StatusFailed,
		RetryCount:    t.RetryCount,
		FailureReason: cause.Error(),
		At:            now,
	}
	business := payments.IsBusinessRejection(cause)
	if business {
		out.Processed = true
	} else {
		out.RetryCount++
		out.LastRetryAt = &now
		out.Processed = out.RetryCount >= e.cfg.MaxRetry
	}

	failed, err := e.repo.Finish(ctx, t.ID, out)
	e.cache.Evict(ctx, t.ID, t.ParentID)
	if err != nil {
		return errors.Join(fmt.Errorf("record failure: %w", err), cause)
	}

	if failed.Processed {
		logger.Warn("scheduled transfer failed",
			slog.Bool("business_rejection", business),
			slog.Int("retry_count", failed.RetryCount),
			slog.Any("error", cause),
		)
		notification.Emit(ctx, e.notifier, logger, notification.Event{
			Name:        notification.EventTransferFailed,
			Destination: failed.SenderID,
			Payload:     eventPayload(failed),
		})
	} else {
		logger.Warn("scheduled transfer will be retried", slog.Int("retry_count", failed.RetryCount), slog.Any("error", cause))
	}
	if business {
		return nil
	}
	return fmt.Errorf("execute scheduled transfer %s: %w", t.ID, cause)
}

// chain creates the next occurrence of an executed recurring row. The
// parent/occurrence uniqueness makes repeated calls harmless. A next
// occurrence that is already due, as after downtime, is hinted at once since
// the due scan only covers rows ahead of now.
func (e *Executor) chain(ctx context.Context, t Transfer, logger *slog.Logger) error {
	now := e.clock.Now()
	next, ok := t.NextOccurrence(now)
	if !ok {
		return nil
	}
	next.ID = uuid.NewString()
	err := e.repo.Create(ctx, next)
	if errors.Is(err, ErrDuplicateOccurrence) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule next occurrence: %w", err)
	}
	e.cache.Evict(ctx, next.ParentID)
	logger.Info("next occurrence scheduled",
		slog.String("next_id", next.ID),
		slog.Time("scheduled_at", next.ScheduledAt),
		slog.Int("occurrence", next.CurrentOccurrence),
	)
	if !next.ScheduledAt.After(now.Add(e.cfg.Lookahead)) {
		e.hint(ctx, next.ID, logger)
	}
	return nil
}

func (e *Executor) hint(ctx context.Context, id string, logger *slog.Logger) {
	if e.hints == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HintTimeout)
	defer cancel()
	if err := e.hints.Publish(ctx, queue.Hint{TransferID: id, Type: queue.TypePublish, EmittedAt: e.clock.Now()}); err != nil {
		logger.Warn("publish next occurrence hint failed", slog.String("next_id", id), slog.Any("error", err))
	}
}

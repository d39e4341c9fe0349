package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/congo-pay/transferd/internal/clock"
)

const (
	// EventOTPIssued carries a freshly issued confirmation code to its owner.
	EventOTPIssued = "OTP_ISSUED"
	// EventTransferCompleted reports an interactive P2P transfer.
	EventTransferCompleted = "TRANSFER_COMPLETED"
	// EventWithdrawalCompleted reports a confirmed card withdrawal.
	EventWithdrawalCompleted = "WITHDRAWAL_COMPLETED"
	// EventTransferScheduled reports a confirmed scheduled transfer.
	EventTransferScheduled = "TRANSFER_SCHEDULED"
	// EventTransferExecuted reports a scheduled transfer that moved funds.
	EventTransferExecuted = "TRANSFER_EXECUTED"
	// EventTransferFailed reports a scheduled transfer that reached a terminal failure.
	EventTransferFailed = "TRANSFER_FAILED"
	// EventTransferCancelled reports a scheduled transfer cancelled by its sender.
	EventTransferCancelled = "TRANSFER_CANCELLED"
)

// Event describes a notification payload handed to the templating subsystem.
type Event struct {
	Name        string            `json:"event"`
	Destination string            `json:"destination"`
	Payload     map[string]string `json:"payload"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems. Delivery is
// at-least-once and callers never block business outcomes on its result.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerNotifier is a sink that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Publish writes the event to the structured logger. OTP codes are redacted.
func (n *LoggerNotifier) Publish(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	attrs := []any{slog.String("event", event.Name), slog.String("destination", event.Destination)}
	for k, v := range event.Payload {
		if k == "code" {
			v = "******"
		}
		attrs = append(attrs, slog.String(k, v))
	}
	n.logger.Info("notification", attrs...)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Publish delivers to all sinks even when some fail.
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clocked stamps OccurredAt on events that do not carry one.
type Clocked struct {
	next  Notifier
	clock clock.Clock
}

// WithClock wraps n so every event is stamped from c.
func WithClock(n Notifier, c clock.Clock) *Clocked {
	if c == nil {
		c = clock.Real()
	}
	return &Clocked{next: n, clock: c}
}

// Publish stamps the event and forwards it.
func (c *Clocked) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.clock.Now()
	}
	return c.next.Publish(ctx, event)
}

// Emit publishes without surfacing failures to the caller; errors are logged.
func Emit(ctx context.Context, n Notifier, logger *slog.Logger, event Event) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, event); err != nil && logger != nil {
		logger.Warn("notification publish failed", slog.String("event", event.Name), slog.Any("error", err))
	}
}

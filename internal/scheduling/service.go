package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/notification"
	"github.com/congo-pay/transferd/internal/payments"
	"github.com/congo-pay/transferd/internal/pending"
	"github.com/congo-pay/transferd/internal/queue"
	"github.com/congo-pay/transferd/internal/twophase"
)

// OpScheduledTransfer is the OTP operation type of a scheduled transfer.
const OpScheduledTransfer = "SCHEDULED_TRANSFER"

const defaultListLimit = 50

// Validator runs the business checks shared with interactive transfers.
type Validator interface {
	Validate(ctx context.Context, in payments.TransferInput, requireFunds bool) error
}

// ScheduleInput captures a request to move funds at a future time.
type ScheduleInput struct {
	Sender           string
	Receiver         string
	Amount           decimal.Decimal
	Description      string
	ScheduledAt      time.Time
	Recurrence       Recurrence
	RecurrenceEnd    *time.Time
	TotalOccurrences int
}

type stagedSchedule struct {
	Receiver         string          `json:"receiver"`
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	Recurrence       Recurrence      `json:"recurrence"`
	RecurrenceEnd    *time.Time      `json:"recurrence_end,omitempty"`
	TotalOccurrences int             `json:"total_occurrences"`
}

// Service owns the user-facing lifecycle of scheduled transfers.
type Service struct {
	repo        Repository
	cache       Cache
	coordinator *twophase.Coordinator
	validator   Validator
	hints       queue.Publisher
	notifier    notification.Notifier
	clock       clock.Clock
	lookahead   time.Duration
	logger      *slog.Logger
}

// Options carries the collaborators of a Service.
type Options struct {
	Repository  Repository
	Cache       Cache
	Coordinator *twophase.Coordinator
	Validator   Validator
	Hints       queue.Publisher
	Notifier    notification.Notifier
	Clock       clock.Clock
	// Lookahead matches the due-scan window; confirmed rows falling inside it
	// are hinted immediately.
	Lookahead time.Duration
	Logger    *slog.Logger
}

// NewService prepares a scheduling service.
func NewService(opts Options) (*Service, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("scheduled transfer repository is required")
	}
	if opts.Coordinator == nil || opts.Validator == nil {
		return nil, fmt.Errorf("coordinator and validator are required")
	}
	if opts.Cache == nil {
		opts.Cache = NopCache{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = 2 * time.Minute
	}
	return &Service{
		repo:        opts.Repository,
		cache:       opts.Cache,
		coordinator: opts.Coordinator,
		validator:   opts.Validator,
		hints:       opts.Hints,
		notifier:    opts.Notifier,
		clock:       opts.Clock,
		lookahead:   opts.Lookahead,
		logger:      logging.Component(opts.Logger, "scheduling"),
	}, nil
}

func identityKey(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (s *Service) normalize(in ScheduleInput) (ScheduleInput, error) {
	now := s.clock.Now()
	if in.ScheduledAt.IsZero() || !in.ScheduledAt.After(now) {
		return in, fmt.Errorf("%w: scheduled time must be in the future", ErrInvalidSchedule)
	}
	rec, err := ParseRecurrence(string(in.Recurrence))
	if err != nil {
		return in, err
	}
	in.Recurrence = rec
	if in.TotalOccurrences < 0 {
		return in, fmt.Errorf("%w: total occurrences must not be negative", ErrInvalidSchedule)
	}
	if rec == RecurrenceNone {
		in.TotalOccurrences = 0
		in.RecurrenceEnd = nil
		return in, nil
	}
	if in.RecurrenceEnd != nil && in.RecurrenceEnd.Before(in.ScheduledAt) {
		return in, fmt.Errorf("%w: recurrence end precedes the first occurrence", ErrInvalidSchedule)
	}
	return in, nil
}

// InitiateSchedule validates the request and sends a code to the sender.
// Funds are not checked here; they are checked when the transfer executes.
func (s *Service) InitiateSchedule(ctx context.Context, in ScheduleInput) (twophase.Ticket, error) {
	in, err := s.normalize(in)
	if err != nil {
		return twophase.Ticket{}, err
	}
	if err := s.validator.Validate(ctx, payments.TransferInput{
		Sender:      in.Sender,
		Receiver:    in.Receiver,
		Amount:      in.Amount,
		Description: in.Description,
	}, false); err != nil {
		return twophase.Ticket{}, err
	}
	return s.coordinator.Initiate(ctx, in.Sender, OpScheduledTransfer, stagedSchedule{
		Receiver:         identityKey(in.Receiver),
		Amount:           in.Amount,
		Description:      in.Description,
		ScheduledAt:      in.ScheduledAt.UTC(),
		Recurrence:       in.Recurrence,
		RecurrenceEnd:    in.RecurrenceEnd,
		TotalOccurrences: in.TotalOccurrences,
	})
}

// ConfirmSchedule verifies code and persists the first occurrence as PENDING.
func (s *Service) ConfirmSchedule(ctx context.Context, token, requester, code string) (Transfer, error) {
	var created Transfer
	err := s.coordinator.VerifyAndExecute(ctx, token, OpScheduledTransfer, requester, code, func(ctx context.Context, op pending.Operation) error {
		var staged stagedSchedule
		if err := op.Decode(&staged); err != nil {
			return err
		}
		now := s.clock.Now()
		t := Transfer{
			ID:                uuid.NewString(),
			SenderID:          identityKey(op.Identity),
			ReceiverID:        staged.Receiver,
			Amount:            staged.Amount,
			Description:       staged.Description,
			ScheduledAt:       staged.ScheduledAt,
			Status:            StatusPending,
			Recurrence:        staged.Recurrence,
			RecurrenceEnd:     staged.RecurrenceEnd,
			TotalOccurrences:  staged.TotalOccurrences,
			CurrentOccurrence: 1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.Create(ctx, t); err != nil {
			return fmt.Errorf("persist scheduled transfer: %w", err)
		}
		created = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}

	s.logger.Info("transfer scheduled",
		slog.String("transfer_id", created.ID),
		slog.Time("scheduled_at", created.ScheduledAt),
		slog.String("recurrence", string(created.Recurrence)),
	)
	notification.Emit(ctx, s.notifier, s.logger, notification.Event{
		Name:        notification.EventTransferScheduled,
		Destination: created.SenderID,
		Payload:     eventPayload(created),
	})
	// The next due-scan may already have passed this slot.
	if !created.ScheduledAt.After(s.clock.Now().Add(s.lookahead)) {
		s.hint(ctx, created.ID, queue.TypePublish)
	}
	return created, nil
}

// Get returns a row owned by requester, reading through the cache. Only
// terminal rows are cached: a live row read here could be stored after the
// executor evicted it and serve a stale status.
func (s *Service) Get(ctx context.Context, id, requester string) (Transfer, error) {
	t, ok := s.cache.Get(ctx, id)
	if !ok {
		var err error
		if t, err = s.repo.Get(ctx, id); err != nil {
			return Transfer{}, err
		}
		if t.Terminal() {
			s.cache.Set(ctx, t)
		}
	}
	if t.SenderID != identityKey(requester) {
		return Transfer{}, ErrNotFound
	}
	return t, nil
}

// List returns the requester's scheduled transfers, latest first.
func (s *Service) List(ctx context.Context, requester string, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListLimit
	}
	return s.repo.ListBySender(ctx, identityKey(requester), limit)
}

// Cancel withdraws a PENDING transfer. Rows already claimed by an executor
// fail with ErrAlreadyProcessing.
func (s *Service) Cancel(ctx context.Context, id, requester string) (Transfer, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if current.SenderID != identityKey(requester) {
		return Transfer{}, ErrNotFound
	}
	cancelled, err := s.repo.Cancel(ctx, id, s.clock.Now())
	if err != nil {
		return Transfer{}, err
	}
	s.cache.Evict(ctx, cancelled.ID, cancelled.ParentID)

	s.logger.Info("scheduled transfer cancelled", slog.String("transfer_id", cancelled.ID))
	notification.Emit(ctx, s.notifier, s.logger, notification.Event{
		Name:        notification.EventTransferCancelled,
		Destination: cancelled.SenderID,
		Payload:     eventPayload(cancelled),
	})
	return cancelled, nil
}

// Republish re-emits a hint for a row that can still execute. Terminal rows
// and rows outside the due window are refused.
func (s *Service) Republish(ctx context.Context, id string) error {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case t.Processed:
		return ErrNotRepublishable
	case t.Status == StatusPending && !t.ScheduledAt.After(s.clock.Now().Add(s.lookahead)):
		return s.publish(ctx, id, queue.TypePublish)
	case t.Status == StatusFailed:
		return s.publish(ctx, id, queue.TypeRetry)
	default:
		return ErrNotRepublishable
	}
}

func (s *Service) publish(ctx context.Context, id string, typ queue.MessageType) error {
	if s.hints == nil {
		return errors.New("no hint publisher configured")
	}
	return s.hints.Publish(ctx, queue.Hint{TransferID: id, Type: typ, EmittedAt: s.clock.Now()})
}

func (s *Service) hint(ctx context.Context, id string, typ queue.MessageType) {
	if s.hints == nil {
		return
	}
	if err := s.publish(ctx, id, typ); err != nil {
		s.logger.Warn("publish hint failed", slog.String("transfer_id", id), slog.Any("error", err))
	}
}

func eventPayload(t Transfer) map[string]string {
	payload := map[string]string{
		"transfer_id":  t.ID,
		"sender":       t.SenderID,
		"receiver":     t.ReceiverID,
		"amount":       t.Amount.StringFixed(2),
		"scheduled_at": t.ScheduledAt.UTC().Format(time.RFC3339),
		"status":       string(t.Status),
		"occurrence":   strconv.Itoa(t.CurrentOccurrence),
	}
	if t.FailureReason != "" {
		payload["reason"] = t.FailureReason
	}
	return payload
}

// Package twophase implements the initiate / confirm protocol shared by every
// OTP-gated money movement: validate and stage, issue a code, then verify and
// execute exactly once.
package twophase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/otp"
	"github.com/congo-pay/transferd/internal/pending"
)

const tokenField = "token"

var (
	// ErrNotFound indicates the token is unknown, expired or already consumed.
	ErrNotFound = errors.New("pending operation not found")
	// ErrUnauthorized indicates the requester does not own the staged operation.
	ErrUnauthorized = errors.New("pending operation belongs to another identity")
	// ErrAttemptsExhausted accompanies the final failed attempt; the operation is gone.
	ErrAttemptsExhausted = errors.New("confirmation attempts exhausted")
)

// Ticket is handed back to the caller after initiation.
type Ticket struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExecFunc performs the single ledger mutation for a confirmed operation.
type ExecFunc func(ctx context.Context, op pending.Operation) error

// Coordinator ties the pending-operation store to the OTP gateway.
type Coordinator struct {
	pending     *pending.Store
	otp         *otp.Gateway
	maxAttempts int
	logger      *slog.Logger
}

// NewCoordinator constructs a Coordinator. maxAttempts <= 0 defaults to 3.
func NewCoordinator(store *pending.Store, gateway *otp.Gateway, maxAttempts int, logger *slog.Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Coordinator{
		pending:     store,
		otp:         gateway,
		maxAttempts: maxAttempts,
		logger:      logging.Component(logger, "twophase"),
	}
}

// Initiate stages an already validated payload and issues a code to identity.
func (c *Coordinator) Initiate(ctx context.Context, identity, opType string, payload any) (Ticket, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Ticket{}, fmt.Errorf("encode %s payload: %w", strings.ToLower(opType), err)
	}
	op, err := c.pending.Stage(ctx, identity, opType, raw)
	if err != nil {
		return Ticket{}, err
	}
	if err := c.otp.Issue(ctx, op.Identity, opType, map[string]string{tokenField: op.Token}); err != nil {
		if _, discardErr := c.pending.Discard(ctx, op.Token); discardErr != nil {
			c.logger.Warn("discard after failed issue", slog.Any("error", discardErr))
		}
		return Ticket{}, err
	}
	return Ticket{Token: op.Token, ExpiresAt: c.expiry(op, op.CreatedAt)}, nil
}

// VerifyAndExecute confirms token with code and runs exec once. The staged
// operation is evicted before exec runs, so a failing exec is not replayable.
// A token staged for another operation type is reported as ErrNotFound.
func (c *Coordinator) VerifyAndExecute(ctx context.Context, token, opType, requester, code string, exec ExecFunc) error {
	op, err := c.load(ctx, token, requester)
	if err == nil && !strings.EqualFold(op.OpType, opType) {
		err = ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = c.otp.Verify(ctx, op.Identity, op.OpType, strings.TrimSpace(code), otp.BoundTo(tokenField, token))
	if err != nil {
		if errors.Is(err, otp.ErrNotFound) {
			// The code for this token is gone; treat it like an expired one.
			err = otp.ErrExpired
		}
		if !errors.Is(err, otp.ErrMismatch) && !errors.Is(err, otp.ErrExpired) {
			return err
		}
		return c.fail(ctx, op, err)
	}

	removed, err := c.pending.Discard(ctx, token)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return exec(ctx, op)
}

// Resend delivers a fresh code for token. If the previous code has already
// left the store, a new one is issued while the operation is still live. A
// token whose code was taken over by a newer initiate is reported as
// ErrNotFound; its operation can no longer be confirmed.
func (c *Coordinator) Resend(ctx context.Context, token, requester string) (Ticket, error) {
	op, err := c.load(ctx, token, requester)
	if err != nil {
		return Ticket{}, err
	}
	err = c.otp.Resend(ctx, op.Identity, op.OpType, otp.BoundTo(tokenField, op.Token))
	if errors.Is(err, otp.ErrMismatch) {
		return Ticket{}, ErrNotFound
	}
	if errors.Is(err, otp.ErrNotFound) {
		err = c.otp.Issue(ctx, op.Identity, op.OpType, map[string]string{tokenField: op.Token})
	}
	if err != nil {
		return Ticket{}, err
	}
	// A resent code outlives the operation it confirms.
	return Ticket{Token: op.Token, ExpiresAt: op.ExpiresAt}, nil
}

// Lookup returns the staged operation for its owner without consuming it.
func (c *Coordinator) Lookup(ctx context.Context, token, requester string) (pending.Operation, error) {
	return c.load(ctx, token, requester)
}

func (c *Coordinator) load(ctx context.Context, token, requester string) (pending.Operation, error) {
	op, err := c.pending.Get(ctx, token)
	if errors.Is(err, pending.ErrNotFound) {
		return pending.Operation{}, ErrNotFound
	}
	if err != nil {
		return pending.Operation{}, err
	}
	if !strings.EqualFold(op.Identity, strings.TrimSpace(requester)) {
		return pending.Operation{}, ErrUnauthorized
	}
	return op, nil
}

func (c *Coordinator) fail(ctx context.Context, op pending.Operation, cause error) error {
	attempts, err := c.pending.RecordFailure(ctx, op.Token)
	if err != nil {
		return errors.Join(cause, err)
	}
	if attempts < c.maxAttempts {
		return cause
	}
	if _, err := c.pending.Discard(ctx, op.Token); err != nil {
		return errors.Join(cause, err)
	}
	if err := c.otp.Revoke(ctx, op.Identity, op.OpType, otp.BoundTo(tokenField, op.Token)); err != nil {
		c.logger.Warn("revoke otp after failed attempts", slog.Any("error", err))
	}
	c.logger.Info("pending operation discarded after failed attempts",
		slog.String("operation", op.OpType),
		slog.Int("attempts", attempts),
	)
	return fmt.Errorf("%w: %w", ErrAttemptsExhausted, cause)
}

func (c *Coordinator) expiry(op pending.Operation, issuedAt time.Time) time.Time {
	otpExpiry := issuedAt.Add(c.otp.TTL())
	if op.ExpiresAt.Before(otpExpiry) {
		return op.ExpiresAt
	}
	return otpExpiry
}

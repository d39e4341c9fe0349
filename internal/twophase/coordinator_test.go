package twophase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/kvstore"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/otp"
	"github.com/congo-pay/transferd/internal/pending"
)

type codeSink struct {
	mu    sync.Mutex
	codes map[string]string
	sent  chan struct{}
}

func newCodeSink() *codeSink {
	return &codeSink{codes: make(map[string]string), sent: make(chan struct{}, 16)}
}

func (s *codeSink) Deliver(_ context.Context, identity, opType, code string) error {
	s.mu.Lock()
	s.codes[identity+"/"+opType] = code
	s.mu.Unlock()
	s.sent <- struct{}{}
	return nil
}

func (s *codeSink) await(t *testing.T, identity, opType string) string {
	t.Helper()
	select {
	case <-s.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("code was not delivered")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[identity+"/"+opType]
}

type transferRequest struct {
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

func newCoordinator(t *testing.T, pendingTTL time.Duration) (*Coordinator, *codeSink, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC))
	kv := kvstore.NewMemoryStore(c)
	sink := newCodeSink()
	gateway := otp.NewGateway(kv, sink, c, otp.Config{
		TTL:            5 * time.Minute,
		ResendCooldown: time.Minute,
		Retention:      time.Minute,
		HashCost:       bcrypt.MinCost,
	}, logging.Discard())
	store := pending.NewStore(kv, c, pendingTTL)
	return NewCoordinator(store, gateway, 3, logging.Discard()), sink, c
}

func other(code string) string {
	if code == "111111" {
		return "222222"
	}
	return "111111"
}

func TestVerifyAndExecuteRunsOnce(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	ticket, err := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "bob", Amount: "50.00"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	code := sink.await(t, "alice", "TRANSFER")

	var executed int
	err = coord.VerifyAndExecute(ctx, ticket.Token, "TRANSFER", "alice", code, func(_ context.Context, op pending.Operation) error {
		var req transferRequest
		if err := op.Decode(&req); err != nil {
			return err
		}
		if req.Receiver != "bob" || req.Amount != "50.00" {
			t.Fatalf("unexpected staged payload %+v", req)
		}
		executed++
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected one execution, got %d", executed)
	}

	err = coord.VerifyAndExecute(ctx, ticket.Token, "TRANSFER", "alice", code, func(context.Context, pending.Operation) error {
		executed++
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("replay must fail not found, got %v", err)
	}
	if executed != 1 {
		t.Fatalf("replay must not execute")
	}
}

func TestThreeWrongCodesDiscardOperation(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	ticket, _ := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "bob", Amount: "50.00"})
	code := sink.await(t, "alice", "TRANSFER")
	wrong := other(code)

	noop := func(context.Context, pending.Operation) error {
		t.Fatal("exec must not run for a wrong code")
		return nil
	}

	for i := 1; i <= 2; i++ {
		err := coord.VerifyAndExecute(ctx, ticket.Token, "TRANSFER", "alice", wrong, noop)
		if !errors.Is(err, otp.ErrMismatch) || errors.Is(err, ErrAttemptsExhausted) {
			t.Fatalf("attempt %d: expected plain mismatch, got %v", i, err)
		}
	}
	err := coord.VerifyAndExecute(ctx, ticket.Token, "TRANSFER", "alice", wrong, noop)
	if !errors.Is(err, otp.ErrMismatch) || !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("third attempt must exhaust, got %v", err)
	}
	if err := coord.VerifyAndExecute(ctx, ticket.Token, "TRANSFER", "alice", code, noop); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fourth call must fail not found even with the right code, got %v", err)
	}
}

func TestVerifyRejectsOtherIdentity(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	ticket, _ := coord.Initiate(ctx, "alice", "WITHDRAWAL", map[string]string{"amount": "10.00"})
	code := sink.await(t, "alice", "WITHDRAWAL")

	err := coord.VerifyAndExecute(ctx, ticket.Token, "WITHDRAWAL", "mallory", code, func(context.Context, pending.Operation) error {
		t.Fatal("exec must not run for another identity")
		return nil
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := coord.VerifyAndExecute(ctx, ticket.Token, "WITHDRAWAL", "alice", code, func(context.Context, pending.Operation) error { return nil }); err != nil {
		t.Fatalf("owner must still be able to confirm: %v", err)
	}
}

func TestNewerInitiateSupersedesOlderToken(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	older, _ := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "bob", Amount: "1.00"})
	sink.await(t, "alice", "TRANSFER")
	newer, _ := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "carol", Amount: "2.00"})
	code := sink.await(t, "alice", "TRANSFER")

	err := coord.VerifyAndExecute(ctx, older.Token, "TRANSFER", "alice", code, func(context.Context, pending.Operation) error {
		t.Fatal("older token must not execute with the newer code")
		return nil
	})
	if !errors.Is(err, otp.ErrMismatch) {
		t.Fatalf("expected mismatch for older token, got %v", err)
	}

	var receiver string
	err = coord.VerifyAndExecute(ctx, newer.Token, "TRANSFER", "alice", code, func(_ context.Context, op pending.Operation) error {
		var req transferRequest
		_ = op.Decode(&req)
		receiver = req.Receiver
		return nil
	})
	if err != nil || receiver != "carol" {
		t.Fatalf("newer token must execute: receiver=%q err=%v", receiver, err)
	}
}

func TestExpiredCodeThenResend(t *testing.T) {
	ctx := context.Background()
	coord, sink, c := newCoordinator(t, 10*time.Minute)

	ticket, _ := coord.Initiate(ctx, "alice", "SCHEDULED_TRANSFER", map[string]string{"amount": "5.00"})
	code := sink.await(t, "alice", "SCHEDULED_TRANSFER")

	c.Advance(5*time.Minute + time.Second)
	err := coord.VerifyAndExecute(ctx, ticket.Token, "SCHEDULED_TRANSFER", "alice", code, func(context.Context, pending.Operation) error { return nil })
	if !errors.Is(err, otp.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}

	if _, err := coord.Resend(ctx, ticket.Token, "alice"); err != nil {
		t.Fatalf("resend after expiry: %v", err)
	}
	fresh := sink.await(t, "alice", "SCHEDULED_TRANSFER")

	executed := false
	err = coord.VerifyAndExecute(ctx, ticket.Token, "SCHEDULED_TRANSFER", "alice", fresh, func(context.Context, pending.Operation) error {
		executed = true
		return nil
	})
	if err != nil || !executed {
		t.Fatalf("fresh code must confirm: executed=%v err=%v", executed, err)
	}
}

func TestVerifyRejectsOtherOperationType(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	ticket, _ := coord.Initiate(ctx, "alice", "WITHDRAWAL", map[string]string{"amount": "10.00"})
	code := sink.await(t, "alice", "WITHDRAWAL")

	err := coord.VerifyAndExecute(ctx, ticket.Token, "TRANSFER", "alice", code, func(context.Context, pending.Operation) error {
		t.Fatal("a withdrawal token must not confirm a transfer")
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := coord.VerifyAndExecute(ctx, ticket.Token, "WITHDRAWAL", "alice", code, func(context.Context, pending.Operation) error { return nil }); err != nil {
		t.Fatalf("withdrawal confirm: %v", err)
	}
}

func TestResendTooSoon(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	ticket, _ := coord.Initiate(ctx, "alice", "TRANSFER", map[string]string{})
	sink.await(t, "alice", "TRANSFER")

	if _, err := coord.Resend(ctx, ticket.Token, "alice"); !errors.Is(err, otp.ErrTooSoon) {
		t.Fatalf("expected too soon, got %v", err)
	}
	if _, err := coord.Resend(ctx, ticket.Token, "bob"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized resend, got %v", err)
	}
}

func TestConcurrentConfirmExecutesOnce(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	ticket, _ := coord.Initiate(ctx, "alice", "TRANSFER", map[string]string{})
	code := sink.await(t, "alice", "TRANSFER")

	var executed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.VerifyAndExecute(ctx, ticket.Token, "TRANSFER", "alice", code, func(context.Context, pending.Operation) error {
				executed.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()
	if executed.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", executed.Load())
	}
}

func TestExhaustedOlderTokenKeepsNewerCode(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	older, _ := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "bob", Amount: "1.00"})
	sink.await(t, "alice", "TRANSFER")
	newer, _ := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "carol", Amount: "2.00"})
	code := sink.await(t, "alice", "TRANSFER")

	noop := func(context.Context, pending.Operation) error {
		t.Fatal("older token must never execute")
		return nil
	}
	var err error
	for i := 0; i < 3; i++ {
		err = coord.VerifyAndExecute(ctx, older.Token, "TRANSFER", "alice", other(code), noop)
	}
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("older token must exhaust, got %v", err)
	}

	if err := coord.VerifyAndExecute(ctx, newer.Token, "TRANSFER", "alice", code, func(context.Context, pending.Operation) error { return nil }); err != nil {
		t.Fatalf("newer code must survive the older token's exhaustion: %v", err)
	}
}

func TestExhaustionRevokesCode(t *testing.T) {
	ctx := context.Background()
	coord, sink, _ := newCoordinator(t, 5*time.Minute)

	ticket, _ := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "bob", Amount: "1.00"})
	code := sink.await(t, "alice", "TRANSFER")
	noop := func(context.Context, pending.Operation) error { return nil }
	for i := 0; i < 3; i++ {
		_ = coord.VerifyAndExecute(ctx, ticket.Token, "TRANSFER", "alice", other(code), noop)
	}

	if _, err := coord.otp.Verify(ctx, "alice", "TRANSFER", code); !errors.Is(err, otp.ErrNotFound) {
		t.Fatalf("code must be revoked after exhaustion, got %v", err)
	}
}

func TestResendForSupersededTokenIsRefused(t *testing.T) {
	ctx := context.Background()
	coord, sink, c := newCoordinator(t, 5*time.Minute)

	older, _ := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "bob", Amount: "1.00"})
	sink.await(t, "alice", "TRANSFER")
	newer, _ := coord.Initiate(ctx, "alice", "TRANSFER", transferRequest{Receiver: "carol", Amount: "2.00"})
	code := sink.await(t, "alice", "TRANSFER")

	c.Advance(61 * time.Second)
	if _, err := coord.Resend(ctx, older.Token, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resend for a superseded token must fail not found, got %v", err)
	}
	select {
	case <-sink.sent:
		t.Fatal("no code may be delivered for a superseded token")
	case <-time.After(50 * time.Millisecond):
	}

	if err := coord.VerifyAndExecute(ctx, newer.Token, "TRANSFER", "alice", code, func(context.Context, pending.Operation) error { return nil }); err != nil {
		t.Fatalf("newer code must be untouched by the refused resend: %v", err)
	}
}

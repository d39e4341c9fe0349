package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/transferd/internal/config"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/notification"
)

type codeSink struct {
	mu    sync.Mutex
	codes map[string]chan string
}

func (s *codeSink) Publish(_ context.Context, event notification.Event) error {
	if event.Name != notification.EventOTPIssued {
		return nil
	}
	s.inbox(event.Destination) <- event.Payload["code"]
	return nil
}

func (s *codeSink) inbox(identity string) chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = make(map[string]chan string)
	}
	ch, ok := s.codes[identity]
	if !ok {
		ch = make(chan string, 8)
		s.codes[identity] = ch
	}
	return ch
}

func (s *codeSink) next(t *testing.T, identity string) string {
	t.Helper()
	select {
	case code := <-s.inbox(identity):
		return code
	case <-time.After(2 * time.Second):
		t.Fatalf("no code delivered to %s", identity)
		return ""
	}
}

type harness struct {
	t      *testing.T
	srv    *Server
	sink   *codeSink
	tokens map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	cfg := config.Config{
		AppName:          "transferd-test",
		Env:              "test",
		JWTSecret:        "test-secret",
		ShutdownPeriod:   time.Second,
		IdempotencyTTL:   time.Hour,
		AccessTokenTTL:   time.Hour,
		ConfirmRateLimit: 100,
		TransferLimit:    decimal.RequireFromString("1000000.00"),
		OTP: config.OTPConfig{
			TTL:               5 * time.Minute,
			ResendCooldown:    time.Minute,
			SweepInterval:     time.Minute,
			HashCost:          4,
			PendingTTL:        5 * time.Minute,
			MaxVerifyAttempts: 3,
		},
		Schedule: config.ScheduleConfig{
			DueInterval:   time.Minute,
			DueLookahead:  2 * time.Minute,
			RetryInterval: 15 * time.Minute,
			RetryBackoff:  15 * time.Minute,
			MaxRetry:      3,
			RecoveryBatch: 100,
			Workers:       2,
			CacheTTL:      time.Minute,
		},
		Ledger: config.LedgerConfig{ConflictRetries: 3, ConflictBackoff: time.Millisecond},
	}
	sink := &codeSink{}
	srv, err := New(cfg, Backends{Cache: cache, Notifier: sink}, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Logf("shutdown: %v", err)
		}
	})
	return &harness{t: t, srv: srv, sink: sink, tokens: map[string]string{}}
}

func (h *harness) do(method, path, user, body string, out any) int {
	h.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(user))
	}
	req.Header.Set("Idempotency-Key", uuid.NewString())
	resp, err := h.srv.App().Test(req, -1)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			h.t.Fatalf("%s %s: decode %s: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) token(user string) string {
	h.t.Helper()
	if tok, ok := h.tokens[user]; ok {
		return tok
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dev/token", strings.NewReader(`{"subject":"`+user+`"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.srv.App().Test(req, -1)
	if err != nil || resp.StatusCode != http.StatusCreated {
		h.t.Fatalf("dev token for %s: %v %v", user, err, resp)
	}
	defer resp.Body.Close()
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		h.t.Fatalf("decode token: %v", err)
	}
	h.tokens[user] = tok.AccessToken
	return tok.AccessToken
}

func TestEndToEndTransfer(t *testing.T) {
	h := newHarness(t)

	var alice, bob struct {
		ID string `json:"id"`
	}
	if status := h.do(http.MethodPost, "/api/v1/wallets", "alice", `{}`, &alice); status != http.StatusCreated {
		t.Fatalf("create alice wallet: %d", status)
	}
	if status := h.do(http.MethodPost, "/api/v1/wallets", "bob", `{}`, &bob); status != http.StatusCreated {
		t.Fatalf("create bob wallet: %d", status)
	}
	if status := h.do(http.MethodPost, "/api/v1/wallets/"+alice.ID+"/fund/card", "alice",
		`{"amount":"100.00","card_number":"4111111111111111","expiry":"12/30","cvv":"123"}`, nil); status != http.StatusCreated {
		t.Fatalf("fund card: %d", status)
	}

	var ticket struct {
		Token string `json:"token"`
	}
	if status := h.do(http.MethodPost, "/api/v1/transfers", "alice", `{"receiver":"bob","amount":"40.00"}`, &ticket); status != http.StatusAccepted {
		t.Fatalf("initiate transfer: %d", status)
	}
	if status := h.do(http.MethodPost, "/api/v1/transfers/confirm", "bob",
		`{"token":"`+ticket.Token+`","code":"000000"}`, nil); status != http.StatusForbidden {
		t.Fatalf("foreign confirm: %d", status)
	}
	code := h.sink.next(t, "alice")
	if status := h.do(http.MethodPost, "/api/v1/transfers/confirm", "alice",
		`{"token":"`+ticket.Token+`","code":"`+code+`"}`, nil); status != http.StatusCreated {
		t.Fatalf("confirm transfer: %d", status)
	}

	var balance struct {
		Amount decimal.Decimal `json:"balance"`
	}
	if status := h.do(http.MethodGet, "/api/v1/wallets/"+bob.ID+"/balance", "bob", "", &balance); status != http.StatusOK {
		t.Fatalf("bob balance: %d", status)
	}
	if !balance.Amount.Equal(decimal.RequireFromString("40.00")) {
		t.Fatalf("expected bob to hold 40.00, got %s", balance.Amount)
	}
	if status := h.do(http.MethodGet, "/api/v1/wallets/"+bob.ID+"/balance", "alice", "", nil); status != http.StatusNotFound {
		t.Fatalf("foreign balance must be hidden: %d", status)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	if status := h.do(http.MethodGet, "/api/v1/scheduled-transfers", "", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	var health struct {
		Status map[string]string `json:"status"`
	}
	if status := h.do(http.MethodGet, "/healthz", "", "", &health); status != http.StatusOK {
		t.Fatalf("health: %d", status)
	}
	if health.Status["redis"] != "ok" || health.Status["postgres"] != "disabled" {
		t.Fatalf("unexpected health report %+v", health.Status)
	}
}

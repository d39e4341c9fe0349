package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/kvstore"
	"github.com/congo-pay/transferd/internal/ledger"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/notification"
	"github.com/congo-pay/transferd/internal/otp"
	"github.com/congo-pay/transferd/internal/payments"
	"github.com/congo-pay/transferd/internal/pending"
	"github.com/congo-pay/transferd/internal/queue"
	"github.com/congo-pay/transferd/internal/twophase"
	"github.com/congo-pay/transferd/internal/wallet"
)

var errUnavailable = errors.New("ledger unavailable")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (n *testNotifier) Publish(_ context.Context, event notification.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *testNotifier) named(name string) []notification.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.Event
	for _, e := range n.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type recordingQueue struct {
	mu    sync.Mutex
	hints []queue.Hint
}

func (q *recordingQueue) Publish(_ context.Context, hint queue.Hint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hints = append(q.hints, hint)
	return nil
}

func (q *recordingQueue) sent() []queue.Hint {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Hint(nil), q.hints...)
}

// flakyBackend counts calls and fails the first `failures` of them.
type flakyBackend struct {
	next     payments.Backend
	calls    atomic.Int32
	failures atomic.Int32
}

func (b *flakyBackend) Execute(ctx context.Context, sender, receiver string, amount decimal.Decimal, description string) (payments.Result, error) {
	b.calls.Add(1)
	if b.failures.Add(-1) >= 0 {
		return payments.Result{}, errUnavailable
	}
	return b.next.Execute(ctx, sender, receiver, amount, description)
}

type codes chan string

func (c codes) Deliver(_ context.Context, _, _, code string) error {
	c <- code
	return nil
}

func (c codes) next(t *testing.T) string {
	t.Helper()
	select {
	case code := <-c:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("no code delivered")
		return ""
	}
}

type fixture struct {
	clock    *clock.FakeClock
	repo     Repository
	wallets  wallet.Repository
	ledger   *ledger.Ledger
	backend  *flakyBackend
	notifier *testNotifier
	hints    *recordingQueue
	codes    codes
	executor *Executor
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.Fake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	wallets := wallet.NewMemoryRepository()
	l := ledger.New(wallets, c)
	policy := ledger.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond}
	backend := &flakyBackend{next: payments.NewLedgerBackend(l, wallets, policy, c)}
	notifier := &testNotifier{}
	repo := NewMemoryRepository()
	hints := &recordingQueue{}

	walletSvc := wallet.NewService(wallets, c)
	for _, owner := range []string{"alice", "bob"} {
		if _, err := walletSvc.Create(context.Background(), wallet.CreateInput{OwnerID: owner}); err != nil {
			t.Fatalf("create wallet %s: %v", owner, err)
		}
	}

	kv := kvstore.NewMemoryStore(c)
	deliver := make(codes, 8)
	gateway := otp.NewGateway(kv, deliver, c, otp.Config{HashCost: bcrypt.MinCost}, logging.Discard())
	coord := twophase.NewCoordinator(pending.NewStore(kv, c, 5*time.Minute), gateway, 3, logging.Discard())
	payer := payments.NewService(coord, backend, wallets, notifier, dec("1000.00"), logging.Discard())

	svc, err := NewService(Options{
		Repository:  repo,
		Coordinator: coord,
		Validator:   payer,
		Hints:       hints,
		Notifier:    notifier,
		Clock:       c,
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	exec := NewExecutor(repo, backend, hints, nil, notifier, c, ExecutorConfig{MaxRetry: 3, RetryBackoff: 15 * time.Minute}, logging.Discard())
	return &fixture{
		clock:    c,
		repo:     repo,
		wallets:  wallets,
		ledger:   l,
		backend:  backend,
		notifier: notifier,
		hints:    hints,
		codes:    deliver,
		executor: exec,
		service:  svc,
	}
}

func (f *fixture) fund(t *testing.T, owner, amount string) {
	t.Helper()
	w, err := f.wallets.GetByOwner(context.Background(), owner)
	if err != nil {
		t.Fatalf("lookup %s: %v", owner, err)
	}
	if _, err := f.ledger.Credit(context.Background(), w.ID, dec(amount), ledger.Meta{Kind: ledger.KindCardIn}); err != nil {
		t.Fatalf("fund %s: %v", owner, err)
	}
}

func (f *fixture) balance(t *testing.T, owner string) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.GetByOwner(context.Background(), owner)
	if err != nil {
		t.Fatalf("lookup %s: %v", owner, err)
	}
	return w.Balance
}

// schedule inserts a PENDING row due at the fixture's current time.
func (f *fixture) schedule(t *testing.T, amount string, mutate func(*Transfer)) Transfer {
	t.Helper()
	now := f.clock.Now()
	row := Transfer{
		ID:                uuid.NewString(),
		SenderID:          "alice",
		ReceiverID:        "bob",
		Amount:            dec(amount),
		Description:       "rent",
		ScheduledAt:       now,
		Status:            StatusPending,
		Recurrence:        RecurrenceNone,
		CurrentOccurrence: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if mutate != nil {
		mutate(&row)
	}
	if err := f.repo.Create(context.Background(), row); err != nil {
		t.Fatalf("create scheduled transfer: %v", err)
	}
	return row
}

func (f *fixture) get(t *testing.T, id string) Transfer {
	t.Helper()
	row, err := f.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return row
}

func hint(id string, typ queue.MessageType) queue.Hint {
	return queue.Hint{TransferID: id, Type: typ}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

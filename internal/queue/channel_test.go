package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/congo-pay/transferd/internal/logging"
)

func TestChannelQueueDeliversEachHintOnce(t *testing.T) {
	q := NewChannelQueue(64, 4, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 50
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	wg.Add(total)

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, HandlerFunc(func(_ context.Context, h Hint) error {
			mu.Lock()
			seen[h.TransferID]++
			mu.Unlock()
			wg.Done()
			return nil
		}))
	}()

	for i := 0; i < total; i++ {
		if err := q.Publish(ctx, Hint{TransferID: fmt.Sprintf("t-%d", i), Type: TypePublish, EmittedAt: time.Now()}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waitOrFail(t, &wg)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop after cancel")
	}

	if len(seen) != total {
		t.Fatalf("expected %d distinct hints, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("hint %s delivered %d times", id, n)
		}
	}
}

func TestChannelQueueHandlerErrorDoesNotStopWorkers(t *testing.T) {
	q := NewChannelQueue(8, 1, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		_ = q.Consume(ctx, HandlerFunc(func(_ context.Context, h Hint) error {
			defer wg.Done()
			if h.TransferID == "bad" {
				return errors.New("boom")
			}
			return nil
		}))
	}()

	_ = q.Publish(ctx, Hint{TransferID: "bad", Type: TypeRetry})
	_ = q.Publish(ctx, Hint{TransferID: "good", Type: TypeRetry})
	waitOrFail(t, &wg)
}

func TestChannelQueueClosed(t *testing.T) {
	q := NewChannelQueue(1, 1, nil)
	_ = q.Close()
	if err := q.Publish(context.Background(), Hint{TransferID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if err := q.Consume(context.Background(), HandlerFunc(func(context.Context, Hint) error { return nil })); err != nil {
		t.Fatalf("consume on closed queue: %v", err)
	}
}

func TestChannelQueuePublishRespectsContext(t *testing.T) {
	q := NewChannelQueue(1, 1, nil)
	_ = q.Publish(context.Background(), Hint{TransferID: "fills-buffer"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, Hint{TransferID: "blocked"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for hints")
	}
}

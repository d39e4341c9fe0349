package kvstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/transferd/internal/clock"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisStore(client, "test:"), mr
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("expected v1, got %q err=%v", got, err)
	}

	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("stale")); ok {
		t.Fatal("compare-and-delete must fail on a different value")
	}
	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("v1")); !ok {
		t.Fatal("compare-and-delete must succeed on the current value")
	}
	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("v1")); ok {
		t.Fatal("second compare-and-delete must fail")
	}

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "counter", time.Minute)
		if err != nil || n != want {
			t.Fatalf("incr: expected %d got %d err=%v", want, n, err)
		}
	}

	if err := s.Set(ctx, "d", []byte("x"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, _ := s.Delete(ctx, "d"); !ok {
		t.Fatal("first delete must report removal")
	}
	if ok, _ := s.Delete(ctx, "d"); ok {
		t.Fatal("second delete must report nothing removed")
	}
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore(clock.Fake(epoch)))
}

func TestRedisStoreContract(t *testing.T) {
	s, _ := newRedisStore(t)
	exerciseStore(t, s)
}

func TestMemoryStoreExpiryAndSweep(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(epoch)
	s := NewMemoryStore(c)

	_ = s.Set(ctx, "short", []byte("a"), time.Minute)
	_ = s.Set(ctx, "long", []byte("b"), time.Hour)

	c.Advance(2 * time.Minute)
	if _, err := s.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired key must read as missing, got %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expired entry should remain until swept, len=%d", s.Len())
	}

	removed, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 || s.Len() != 1 {
		t.Fatalf("expected one removal, removed=%d len=%d", removed, s.Len())
	}
	if _, err := s.Get(ctx, "long"); err != nil {
		t.Fatalf("live key must survive sweep: %v", err)
	}
}

func TestMemoryStoreSweepSkipsRearmedKey(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(epoch)
	s := NewMemoryStore(c)

	_ = s.Set(ctx, "k", []byte("first"), time.Minute)
	c.Advance(30 * time.Second)
	_ = s.Set(ctx, "k", []byte("second"), time.Minute)
	c.Advance(45 * time.Second)

	if removed, _ := s.Sweep(ctx); removed != 0 {
		t.Fatalf("overwritten key must not be swept by its stale deadline, removed=%d", removed)
	}
	if got, err := s.Get(ctx, "k"); err != nil || string(got) != "second" {
		t.Fatalf("expected second, got %q err=%v", got, err)
	}
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}

	_, _ = s.Incr(ctx, "c", time.Minute)
	if ttl := mr.TTL("test:c"); ttl != time.Minute {
		t.Fatalf("expected counter ttl 1m, got %s", ttl)
	}
}

func TestCompareAndDeleteSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.Fake(epoch))
	_ = s.Set(ctx, "otp", []byte("payload"), time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.CompareAndDelete(ctx, "otp", []byte("payload")); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

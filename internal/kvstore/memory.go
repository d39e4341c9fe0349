package kvstore

import (
	"bytes"
	"container/heap"
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/congo-pay/transferd/internal/clock"
)

const shardCount = 16

type entry struct {
	value     []byte
	expiresAt time.Time
	gen       uint64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type expiryItem struct {
	key       string
	expiresAt time.Time
	gen       uint64
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryStore is an in-process Store built from a sharded map and an expiry
// heap. Reads treat expired entries as absent; Sweep reclaims them.
type MemoryStore struct {
	clock  clock.Clock
	shards [shardCount]*shard

	heapMu sync.Mutex
	expiry expiryHeap
	gen    uint64
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	s := &MemoryStore{clock: c}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) track(key string, expiresAt time.Time) uint64 {
	s.heapMu.Lock()
	defer s.heapMu.Unlock()
	s.gen++
	heap.Push(&s.expiry, expiryItem{key: key, expiresAt: expiresAt, gen: s.gen})
	return s.gen
}

func (s *MemoryStore) live(e entry, ok bool) bool {
	return ok && s.clock.Now().Before(e.expiresAt)
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[key]
	if !s.live(e, ok) {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := s.clock.Now().Add(ttl)
	gen := s.track(key, expiresAt)

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[key] = entry{value: bytes.Clone(value), expiresAt: expiresAt, gen: gen}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	delete(sh.entries, key)
	return s.live(e, ok), nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !s.live(e, ok) || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(sh.entries, key)
	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !s.live(e, ok) {
		expiresAt := s.clock.Now().Add(ttl)
		sh.entries[key] = entry{value: []byte("1"), expiresAt: expiresAt, gen: s.track(key, expiresAt)}
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	sh.entries[key] = e
	return n, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.clock.Now()

	s.heapMu.Lock()
	var due []expiryItem
	for s.expiry.Len() > 0 && !s.expiry[0].expiresAt.After(now) {
		due = append(due, heap.Pop(&s.expiry).(expiryItem))
	}
	s.heapMu.Unlock()

	removed := 0
	for _, item := range due {
		sh := s.shardFor(item.key)
		sh.mu.Lock()
		// A later Set re-armed the key with a newer generation; leave it alone.
		if e, ok := sh.entries[item.key]; ok && e.gen == item.gen {
			delete(sh.entries, item.key)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len reports the number of physically stored entries, expired or not.
func (s *MemoryStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// Package kvstore provides the expiring key/value storage behind OTP codes and
// pending operations. Entries carry their own deadline; correctness never
// depends on when a backend physically evicts them.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or already expired.
var ErrNotFound = errors.New("key not found")

// Store is a key/value store with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether this call removed a live entry.
	Delete(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key only if it still holds expected. Exactly one
	// of several concurrent callers presenting the same value observes true.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// Incr increments an integer counter. ttl is applied when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Sweep proactively drops expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

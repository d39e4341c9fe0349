// Package pending stages validated money-movement requests under an opaque
// token until the caller confirms them with a one-time code.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/kvstore"
)

const (
	opPrefix      = "pending:v1:op:"
	attemptPrefix = "pending:v1:attempts:"
)

// ErrNotFound is returned for unknown, expired or already consumed tokens.
var ErrNotFound = errors.New("pending operation not found")

// Operation is a staged request awaiting confirmation.
type Operation struct {
	Token     string          `json:"token"`
	Identity  string          `json:"identity"`
	OpType    string          `json:"operation_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Decode unmarshals the staged payload into dst.
func (o Operation) Decode(dst any) error {
	if err := json.Unmarshal(o.Payload, dst); err != nil {
		return fmt.Errorf("decode pending payload: %w", err)
	}
	return nil
}

// Store persists pending operations in an expiring key/value store.
type Store struct {
	kv    kvstore.Store
	clock clock.Clock
	ttl   time.Duration
}

// NewStore constructs a Store whose entries live for ttl.
func NewStore(kv kvstore.Store, c clock.Clock, ttl time.Duration) *Store {
	if c == nil {
		c = clock.Real()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{kv: kv, clock: c, ttl: ttl}
}

// TTL reports the lifetime of a staged operation.
func (s *Store) TTL() time.Duration { return s.ttl }

// Stage stores payload under a fresh random token.
func (s *Store) Stage(ctx context.Context, identity, opType string, payload json.RawMessage) (Operation, error) {
	now := s.clock.Now()
	op := Operation{
		Token:     uuid.NewString(),
		Identity:  strings.TrimSpace(identity),
		OpType:    opType,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return Operation{}, fmt.Errorf("encode pending operation: %w", err)
	}
	if err := s.kv.Set(ctx, opPrefix+op.Token, raw, s.ttl); err != nil {
		return Operation{}, fmt.Errorf("stage pending operation: %w", err)
	}
	return op, nil
}

// Get loads a live operation.
func (s *Store) Get(ctx context.Context, token string) (Operation, error) {
	if token == "" {
		return Operation{}, ErrNotFound
	}
	raw, err := s.kv.Get(ctx, opPrefix+token)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, fmt.Errorf("load pending operation: %w", err)
	}
	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return Operation{}, fmt.Errorf("decode pending operation: %w", err)
	}
	if !s.clock.Now().Before(op.ExpiresAt) {
		return Operation{}, ErrNotFound
	}
	return op, nil
}

// RecordFailure counts a failed confirmation attempt and returns the total so far.
func (s *Store) RecordFailure(ctx context.Context, token string) (int, error) {
	n, err := s.kv.Incr(ctx, attemptPrefix+token, s.ttl)
	if err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return int(n), nil
}

// Discard evicts the operation. It reports true only for the call that removed it.
func (s *Store) Discard(ctx context.Context, token string) (bool, error) {
	removed, err := s.kv.Delete(ctx, opPrefix+token)
	if err != nil {
		return false, fmt.Errorf("discard pending operation: %w", err)
	}
	if _, err := s.kv.Delete(ctx, attemptPrefix+token); err != nil {
		return removed, fmt.Errorf("discard attempts: %w", err)
	}
	return removed, nil
}

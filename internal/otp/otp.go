// Package otp issues and verifies single-use numeric confirmation codes keyed
// by (identity, operation type). Codes are stored only as bcrypt hashes.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/kvstore"
	"github.com/congo-pay/transferd/internal/logging"
)

const (
	codeDigits = 6
	keyPrefix  = "otp:v1:"
)

var (
	// ErrNotFound indicates no live code exists for the key.
	ErrNotFound = errors.New("otp not found")
	// ErrExpired indicates the code outlived its validity window. The entry is evicted.
	ErrExpired = errors.New("otp expired")
	// ErrMismatch indicates the presented code is not the most recently issued one.
	ErrMismatch = errors.New("otp mismatch")
	// ErrTooSoon indicates a resend was requested inside the cooldown.
	ErrTooSoon = errors.New("otp resend requested too soon")
)

var codeSpace = big.NewInt(1_000_000)

// Deliverer hands a plaintext code to the out-of-band channel (SMS, email).
type Deliverer interface {
	Deliver(ctx context.Context, identity, opType, code string) error
}

// Config tunes the gateway.
type Config struct {
	TTL            time.Duration
	ResendCooldown time.Duration
	// Retention keeps an entry in the store past TTL so late attempts report
	// ErrExpired rather than ErrNotFound.
	Retention     time.Duration
	HashCost      int
	DeliveryLimit time.Duration
}

type record struct {
	CodeHash []byte            `json:"code_hash"`
	IssuedAt time.Time         `json:"issued_at"`
	Payload  map[string]string `json:"payload"`
}

// Gateway implements issuance, verification, resend and sweeping.
type Gateway struct {
	store     kvstore.Store
	deliverer Deliverer
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

// NewGateway builds a gateway. Zero config values fall back to a 5 minute TTL,
// a 60 second cooldown and bcrypt's default cost.
func NewGateway(store kvstore.Store, deliverer Deliverer, c clock.Clock, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = 60 * time.Second
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if cfg.DeliveryLimit <= 0 {
		cfg.DeliveryLimit = 10 * time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	return &Gateway{store: store, deliverer: deliverer, clock: c, cfg: cfg, logger: logging.Component(logger, "otp")}
}

// TTL reports how long an issued code stays valid.
func (g *Gateway) TTL() time.Duration { return g.cfg.TTL }

// Key normalizes identity and operation type into the storage key.
func Key(identity, opType string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(identity)) + ":" + strings.ToLower(strings.TrimSpace(opType))
}

// Issue generates a fresh code for the key, replacing any live one, and
// dispatches it for delivery without waiting.
func (g *Gateway) Issue(ctx context.Context, identity, opType string, payload map[string]string) error {
	return g.issue(ctx, identity, opType, payload)
}

func (g *Gateway) issue(ctx context.Context, identity, opType string, payload map[string]string) error {
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate otp: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), g.cfg.HashCost)
	if err != nil {
		return fmt.Errorf("hash otp: %w", err)
	}
	raw, err := json.Marshal(record{CodeHash: hash, IssuedAt: g.clock.Now(), Payload: payload})
	if err != nil {
		return fmt.Errorf("encode otp: %w", err)
	}
	if err := g.store.Set(ctx, Key(identity, opType), raw, g.cfg.TTL+g.cfg.Retention); err != nil {
		return fmt.Errorf("store otp: %w", err)
	}
	g.dispatch(identity, opType, code)
	return nil
}

func (g *Gateway) dispatch(identity, opType, code string) {
	if g.deliverer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.DeliveryLimit)
		defer cancel()
		if err := g.deliverer.Deliver(ctx, identity, opType, code); err != nil {
			g.logger.Warn("otp delivery failed", slog.String("operation", opType), slog.Any("error", err))
		}
	}()
}

// VerifyOption narrows which stored entries a verification may consume.
type VerifyOption func(*verifyOptions)

type verifyOptions struct {
	bindings map[string]string
}

// BoundTo requires the stored payload to carry field=value. A mismatch is
// reported as ErrMismatch and leaves the entry in place.
func BoundTo(field, value string) VerifyOption {
	return func(o *verifyOptions) {
		if o.bindings == nil {
			o.bindings = make(map[string]string)
		}
		o.bindings[field] = value
	}
}

// Verify checks code against the live entry for the key. On success the entry
// is evicted and its payload returned; a second call with the same code fails
// with ErrNotFound.
func (g *Gateway) Verify(ctx context.Context, identity, opType, code string, opts ...VerifyOption) (map[string]string, error) {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := Key(identity, opType)
	raw, rec, err := g.load(ctx, key)
	if err != nil {
		return nil, err
	}

	if g.clock.Now().After(rec.IssuedAt.Add(g.cfg.TTL)) {
		if _, err := g.store.CompareAndDelete(ctx, key, raw); err != nil {
			g.logger.Warn("evict expired otp failed", slog.Any("error", err))
		}
		return nil, ErrExpired
	}

	for field, want := range o.bindings {
		if rec.Payload[field] != want {
			return nil, ErrMismatch
		}
	}

	if len(code) != codeDigits || bcrypt.CompareHashAndPassword(rec.CodeHash, []byte(code)) != nil {
		return nil, ErrMismatch
	}

	won, err := g.store.CompareAndDelete(ctx, key, raw)
	if err != nil {
		return nil, fmt.Errorf("evict otp: %w", err)
	}
	if !won {
		// Consumed by a concurrent verification or replaced by a resend.
		if _, _, err := g.load(ctx, key); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrMismatch
	}
	return rec.Payload, nil
}

// Resend re-issues a fresh code carrying the same payload once the cooldown
// has elapsed. Inside the cooldown the existing issuance is left untouched.
// With BoundTo options a live entry carrying another payload is reported as
// ErrMismatch and left in place.
func (g *Gateway) Resend(ctx context.Context, identity, opType string, opts ...VerifyOption) error {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}
	_, rec, err := g.load(ctx, Key(identity, opType))
	if err != nil {
		return err
	}
	for field, want := range o.bindings {
		if rec.Payload[field] != want {
			return ErrMismatch
		}
	}
	if g.clock.Now().Sub(rec.IssuedAt) < g.cfg.ResendCooldown {
		return ErrTooSoon
	}
	return g.issue(ctx, identity, opType, rec.Payload)
}

// Revoke discards the live entry for the key, if any. With BoundTo options an
// entry whose payload does not match is left in place.
func (g *Gateway) Revoke(ctx context.Context, identity, opType string, opts ...VerifyOption) error {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := Key(identity, opType)
	if len(o.bindings) == 0 {
		_, err := g.store.Delete(ctx, key)
		return err
	}
	raw, rec, err := g.load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for field, want := range o.bindings {
		if rec.Payload[field] != want {
			return nil
		}
	}
	_, err = g.store.CompareAndDelete(ctx, key, raw)
	return err
}

// Sweep removes expired entries from stores that do not expire on their own.
func (g *Gateway) Sweep(ctx context.Context) (int, error) {
	return g.store.Sweep(ctx)
}

// Run sweeps on every interval until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := g.Sweep(ctx)
			if err != nil {
				g.logger.Warn("otp sweep failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				g.logger.Debug("otp sweep", slog.Int("removed", removed))
			}
		}
	}
}

func (g *Gateway) load(ctx context.Context, key string) ([]byte, record, error) {
	raw, err := g.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, record{}, ErrNotFound
	}
	if err != nil {
		return nil, record{}, fmt.Errorf("load otp: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, record{}, fmt.Errorf("decode otp: %w", err)
	}
	return raw, rec, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

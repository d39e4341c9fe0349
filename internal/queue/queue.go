// Package queue carries scheduled-transfer execution hints from the
// publisher to competing executor workers. Hints are advisory: delivery may
// duplicate or drop them, and consumers re-read the row before acting.
package queue

import (
	"context"
	"time"
)

// MessageType identifies which scan emitted a hint.
type MessageType string

const (
	// TypePublish is emitted by the due-scan.
	TypePublish MessageType = "PUBLISH"
	// TypeRetry is emitted by the retry-scan.
	TypeRetry MessageType = "RETRY"
	// TypeRecovery is emitted by the startup recovery-scan.
	TypeRecovery MessageType = "RECOVERY"
)

// Hint asks an executor to look at a scheduled transfer.
type Hint struct {
	TransferID string      `json:"transfer_id"`
	Type       MessageType `json:"message_type"`
	EmittedAt  time.Time   `json:"emitted_at"`
}

// Publisher enqueues hints.
type Publisher interface {
	Publish(ctx context.Context, hint Hint) error
}

// Handler processes one hint. A returned error marks the delivery failed.
type Handler interface {
	Handle(ctx context.Context, hint Hint) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, hint Hint) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, hint Hint) error { return f(ctx, hint) }

// Consumer feeds hints to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/congo-pay/transferd/internal/logging"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// ChannelQueue is an in-process queue served by a pool of competing workers.
// Failed hints are logged and dropped; the retry-scan re-publishes them.
type ChannelQueue struct {
	hints   chan Hint
	workers int
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelQueue builds a queue with the given buffer and worker count.
func NewChannelQueue(buffer, workers int, logger *slog.Logger) *ChannelQueue {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 1
	}
	return &ChannelQueue{
		hints:   make(chan Hint, buffer),
		workers: workers,
		logger:  logging.Component(logger, "queue"),
		done:    make(chan struct{}),
	}
}

// Publish enqueues hint, blocking while the buffer is full.
func (q *ChannelQueue) Publish(ctx context.Context, hint Hint) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.hints <- hint:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume runs the worker pool until ctx is cancelled or the queue is closed.
func (q *ChannelQueue) Consume(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case hint := <-q.hints:
					if err := handler.Handle(ctx, hint); err != nil {
						q.logger.Warn("hint handling failed",
							slog.Int("worker", worker),
							slog.String("transfer_id", hint.TransferID),
							slog.String("message_type", string(hint.Type)),
							slog.Any("error", err),
						)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return nil
}

// Close stops the workers. Buffered hints are discarded.
func (q *ChannelQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/congo-pay/transferd/internal/logging"
)

// RabbitConfig names the broker topology used for hints.
type RabbitConfig struct {
	Exchange   string
	Queue      string
	RoutingKey string
	// Workers is both the number of concurrent handlers and the prefetch count.
	Workers int
}

// RabbitQueue publishes hints to a durable topic exchange and consumes them
// with manual acknowledgements. A failed delivery is requeued once; after
// that it is dropped and left to the retry-scan.
type RabbitQueue struct {
	conn   *amqp.Connection
	cfg    RabbitConfig
	logger *slog.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewRabbitQueue declares the exchange, queue and binding on conn.
func NewRabbitQueue(conn *amqp.Connection, cfg RabbitConfig, logger *slog.Logger) (*RabbitQueue, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}
	return &RabbitQueue{conn: conn, cfg: cfg, channel: ch, logger: logging.Component(logger, "queue")}, nil
}

func declare(ch *amqp.Channel, cfg RabbitConfig) error {
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Publish sends hint as a persistent JSON message.
func (q *RabbitQueue) Publish(ctx context.Context, hint Hint) error {
	body, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("encode hint: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.PublishWithContext(ctx, q.cfg.Exchange, q.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    hint.TransferID,
		Type:         string(hint.Type),
		Timestamp:    hint.EmittedAt,
		Body:         body,
	})
}

// Consume registers a consumer on its own channel and dispatches deliveries
// to cfg.Workers goroutines until ctx is cancelled.
func (q *RabbitQueue) Consume(ctx context.Context, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.cfg.Workers, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(
		q.cfg.Queue, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	var (
		wg     sync.WaitGroup
		closed = make(chan struct{}, q.cfg.Workers)
	)
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						closed <- struct{}{}
						return
					}
					q.dispatch(ctx, handler, msg)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-closed:
		if ctx.Err() == nil {
			return errors.New("delivery channel closed")
		}
	default:
	}
	return nil
}

func (q *RabbitQueue) dispatch(ctx context.Context, handler Handler, msg amqp.Delivery) {
	var hint Hint
	if err := json.Unmarshal(msg.Body, &hint); err != nil {
		q.logger.Error("dropping malformed hint", slog.Any("error", err))
		_ = msg.Nack(false, false)
		return
	}
	if err := handler.Handle(ctx, hint); err != nil {
		requeue := !msg.Redelivered
		q.logger.Warn("hint handling failed",
			slog.String("transfer_id", hint.TransferID),
			slog.String("message_type", string(hint.Type)),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
		_ = msg.Nack(false, requeue)
		return
	}
	_ = msg.Ack(false)
}

// Close releases the publishing channel. The connection is owned by the caller.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.Close()
}

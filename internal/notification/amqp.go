package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes events as JSON onto a topic exchange, routed by
// "notification.<event name>" for the email/templating consumers.
type AMQPNotifier struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

// NewAMQPNotifier declares the notification exchange on a dedicated channel.
func NewAMQPNotifier(conn *amqp.Connection, exchange string) (*AMQPNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open notification channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare notification exchange: %w", err)
	}
	return &AMQPNotifier{channel: ch, exchange: exchange}, nil
}

// Publish sends the event as a persistent message.
func (n *AMQPNotifier) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel.PublishWithContext(ctx, n.exchange, RoutingKey(event.Name), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Name,
		Body:         body,
	})
}

// Close releases the channel.
func (n *AMQPNotifier) Close() error {
	return n.channel.Close()
}

// RoutingKey derives the topic routing key for an event name.
func RoutingKey(name string) string {
	return "notification." + strings.ToLower(name)
}

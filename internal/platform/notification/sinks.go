package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ehr/billing/internal/platform/websocket"
)

// HubSink pushes notifications to the session's WebSocket subscribers.
type HubSink struct {
	pub websocket.EventPublisher
}

func NewHubSink(pub websocket.EventPublisher) *HubSink {
	return &HubSink{pub: pub}
}

func (s *HubSink) Notify(ctx context.Context, n Notification) error {
	event, err := websocket.NewSessionEvent(websocket.EventNotification, n.SessionID, n)
	if err != nil {
		return fmt.Errorf("encode notification event: %w", err)
	}
	return s.pub.Publish(ctx, event)
}

// amqpPublisher is the subset of *amqp.Channel the broker sink uses.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes notifications to a durable RabbitMQ queue so other
// consumers (audit, operator dashboards) see the same messages.
type AMQPSink struct {
	ch    amqpPublisher
	queue string
}

// NewAMQPSink declares queue on ch and returns a sink publishing to it.
func NewAMQPSink(ch *amqp.Channel, queue string) (*AMQPSink, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPSink{ch: ch, queue: queue}, nil
}

func (s *AMQPSink) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    time.Now().UTC(),
		Type:         string(n.Kind),
		Body:         body,
	}
	if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish notification to %s: %w", s.queue, err)
	}
	return nil
}

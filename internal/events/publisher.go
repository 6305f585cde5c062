package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"taskline/internal/domain"
)

const DefaultExchange = "taskline.events"

// Sink receives committed audit events. Delivery is best effort; the events
// table stays the source of truth.
type Sink interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) error { return nil }

// Publisher sends events to a RabbitMQ topic exchange using the event type
// as routing key.
type Publisher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *zap.Logger
}

func NewPublisher(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func (p *Publisher) Publish(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, evt.Type, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    evt.TS,
	})
	if err != nil {
		p.logger.Warn("publish event failed",
			zap.String("type", evt.Type),
			zap.String("task_id", evt.TaskID),
			zap.Error(err),
		)
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is still open.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.channel != nil && !p.conn.IsClosed()
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys for the bot's event stream.
const (
	RoutingAnalysisCompleted = "analysis.completed"
	RoutingPaymentConfirmed  = "payment.confirmed"
)

// AnalysisCompleted is emitted after a photo submission finishes, whatever
// the verdict.
type AnalysisCompleted struct {
	UserID      int64     `json:"userId"`
	PhotoID     string    `json:"photoId"`
	Verdict     string    `json:"verdict"`
	DefectCount int       `json:"defectCount"`
	Charged     bool      `json:"charged"`
	At          time.Time `json:"at"`
}

// PaymentConfirmed is emitted once per order, on the first confirmation.
type PaymentConfirmed struct {
	OrderID string    `json:"orderId"`
	UserID  int64     `json:"userId"`
	Credits int       `json:"credits"`
	At      time.Time `json:"at"`
}

// Publisher emits domain events. Publishing is best-effort: a broker outage
// must never fail the user-facing operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any)
	Close() error
}

// AMQPPublisher publishes JSON events to a topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	url      string
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher connects to the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange, logger: logger}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

// Publish serializes the event and sends it with the given routing key.
// Failures are logged and swallowed; one reconnect is attempted.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, event any) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("event marshal failed", "routing_key", routingKey, "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.publishLocked(ctx, routingKey, body); err != nil {
		if rerr := p.connect(); rerr != nil {
			p.logger.Error("event publish failed", "routing_key", routingKey, "error", err)
			return
		}
		if err := p.publishLocked(ctx, routingKey, body); err != nil {
			p.logger.Error("event publish failed after reconnect", "routing_key", routingKey, "error", err)
		}
	}
}

func (p *AMQPPublisher) publishLocked(ctx context.Context, routingKey string, body []byte) error {
	if p.channel == nil {
		return fmt.Errorf("amqp channel not open")
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close shuts the channel and connection down.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher drops all events. Used when no broker is configured and
// in tests.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) {}
func (NoopPublisher) Close() error                         { return nil }

// Package events publishes domain events (run lifecycle, generated test
// cases) to a RabbitMQ topic exchange.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/testpilot-io/testpilot/pkg/config"
)

// Routing keys.
const (
	RunCompleted       = "run.completed"
	RunFailed          = "run.failed"
	TestCasesGenerated = "testcases.generated"
)

// Envelope wraps every published payload.
type Envelope struct {
	ID         string    `json:"id"`
	RoutingKey string    `json:"routing_key"`
	Timestamp  time.Time `json:"ts_utc"`
	Data       any       `json:"data"`
}

// Publisher emits domain events. Publishing is best effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(routingKey string, data any) error
	Close() error
}

// NewPublisher returns an AMQP publisher when enabled, otherwise a no-op.
func NewPublisher(log logrus.FieldLogger, cfg *config.AMQPConfig) (Publisher, error) {
	if cfg == nil || !cfg.Enabled {
		return NoopPublisher{}, nil
	}

	return NewAMQPPublisher(log, cfg.URL, cfg.Exchange)
}

// NoopPublisher discards events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(_ string, _ any) error { return nil }

func (NoopPublisher) Close() error { return nil }

// AMQPPublisher publishes persistent JSON messages to a topic exchange.
type AMQPPublisher struct {
	log      logrus.FieldLogger
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// Compile-time interface check.
var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher connects to RabbitMQ and declares the exchange.
func NewAMQPPublisher(log logrus.FieldLogger, url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	log.WithField("exchange", exchange).Info("Connected event publisher")

	return &AMQPPublisher{
		log:      log.WithField("component", "events"),
		conn:     conn,
		channel:  ch,
		exchange: exchange,
	}, nil
}

// Publish sends data wrapped in an Envelope.
func (p *AMQPPublisher) Publish(routingKey string, data any) error {
	body, err := Encode(routingKey, data)
	if err != nil {
		return err
	}

	// amqp.Channel is not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.channel.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publishing %s: %w", routingKey, err)
	}

	p.log.WithField("routing_key", routingKey).Debug("Published event")

	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		_ = p.channel.Close()
	}

	if p.conn != nil {
		return p.conn.Close()
	}

	return nil
}

// Encode builds the JSON body of an event.
func Encode(routingKey string, data any) ([]byte, error) {
	body, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		RoutingKey: routingKey,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	return body, nil
}

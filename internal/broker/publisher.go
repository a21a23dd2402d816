package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher sends gateway publishes to the broker.
//
// One connection and channel are dialled lazily and cached behind a
// mutex; any publish or declare failure drops the cached pair so the
// next call re-establishes it. Exchanges are declared durable and direct
// once per channel lifetime.
type Publisher struct {
	dsn    string
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// NewPublisher builds a publisher; an empty DSN disables it.
func NewPublisher(dsn string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		dsn:    dsn,
		logger: logger.With().Str("component", "broker_publisher").Logger(),
	}
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.dsn != ""
}

// Publish sends body to (exchange, routingKey) as JSON. An empty exchange
// routes through the broker default exchange.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if !p.Enabled() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensure(exchange); err != nil {
		p.drop()
		return err
	}
	err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		p.drop()
		return fmt.Errorf("broker publish: %w", err)
	}
	return nil
}

// Close tears down the cached connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop()
}

func (p *Publisher) ensure(exchange string) error {
	if p.ch == nil {
		conn, err := amqp.Dial(p.dsn)
		if err != nil {
			return fmt.Errorf("broker dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("broker channel: %w", err)
		}
		p.conn = conn
		p.ch = ch
		p.declared = make(map[string]bool)
	}
	if exchange != "" && !p.declared[exchange] {
		if err := p.ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}
	return nil
}

func (p *Publisher) drop() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.declared = nil
}

package broker

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/snoke-ws/gateway/internal/registry"
)

// ConsumerConfig names the broker objects the fan-in consumer uses.
type ConsumerConfig struct {
	DSN        string
	Exchange   string
	Queue      string
	BindingKey string
}

// upstreamEvent is the wire shape of broker deliveries destined for
// connected clients.
type upstreamEvent struct {
	Subjects []string        `json:"subjects"`
	Payload  json.RawMessage `json:"payload"`
}

// Consumer drains the upstream broker queue and fans deliveries out to
// local subscribers. It reconnects with a fixed backoff until its context
// is cancelled.
type Consumer struct {
	cfg      ConsumerConfig
	registry *registry.Registry
	logger   zerolog.Logger
}

// NewConsumer builds the fan-in consumer; an empty DSN or queue disables it.
func NewConsumer(cfg ConsumerConfig, reg *registry.Registry, logger zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		registry: reg,
		logger:   logger.With().Str("component", "broker_consumer").Logger(),
	}
}

// Start launches the consume loop in its own goroutine.
func (c *Consumer) Start(ctx context.Context) {
	if c.cfg.DSN == "" || c.cfg.Queue == "" {
		return
	}
	go func() {
		for {
			if err := c.consumeOnce(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Broker consume session ended")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.DSN)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if c.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			return err
		}
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return err
	}
	if c.cfg.Exchange != "" {
		bindingKey := c.cfg.BindingKey
		if bindingKey == "" {
			bindingKey = c.cfg.Queue
		}
		if err := ch.QueueBind(c.cfg.Queue, bindingKey, c.cfg.Exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.logger.Info().Str("queue", c.cfg.Queue).Msg("Consuming upstream broker queue")

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(delivery)
		}
	}
}

func (c *Consumer) handle(delivery amqp.Delivery) {
	var event upstreamEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed upstream event")
		_ = delivery.Ack(false)
		return
	}
	sent := c.registry.SendToSubjects(event.Subjects, event.Payload)
	c.logger.Debug().
		Strs("subjects", event.Subjects).
		Int("sent", sent).
		Msg("Fanned out upstream event")
	_ = delivery.Ack(false)
}

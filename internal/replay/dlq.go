package replay

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// drainChannel is the broker channel surface the drain loop runs over.
type drainChannel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (publishConfirm, error)
}

// publishConfirm reports whether the broker confirmed a publish.
type publishConfirm interface {
	Wait() bool
}

// amqpDrainChannel adapts *amqp.Channel to drainChannel.
type amqpDrainChannel struct {
	ch *amqp.Channel
}

func (a amqpDrainChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	return a.ch.Get(queue, autoAck)
}

func (a amqpDrainChannel) PublishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (publishConfirm, error) {
	confirm, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return nil, err
	}
	return confirm, nil
}

// DLQDrainer replays dead-lettered deliveries over a dedicated AMQP
// connection per call.
//
// The drain declares the durable direct DLQ exchange and queue (bound to
// itself by name) and the durable direct target exchange, then basic-gets
// the queue until it is empty or the limit is reached. Each delivery is
// republished with header replayed=true under publisher confirms; the
// original is acked only after the publish, and a publish failure nacks
// it back with requeue and stops the drain.
type DLQDrainer struct {
	dsn         string
	dlqExchange string
	dlqQueue    string
	logger      zerolog.Logger
}

// NewDLQDrainer builds a drainer for the configured broker and DLQ names.
func NewDLQDrainer(dsn, dlqExchange, dlqQueue string, logger zerolog.Logger) *DLQDrainer {
	return &DLQDrainer{
		dsn:         dsn,
		dlqExchange: dlqExchange,
		dlqQueue:    dlqQueue,
		logger:      logger.With().Str("component", "dlq_drainer").Logger(),
	}
}

// Drain implements Drainer.
func (d *DLQDrainer) Drain(ctx context.Context, exchange, routingKey string, limit int64) (int64, error) {
	conn, err := amqp.Dial(d.dsn)
	if err != nil {
		return 0, fmt.Errorf("broker dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("broker channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return 0, fmt.Errorf("confirm mode: %w", err)
	}

	if d.dlqExchange != "" {
		if err := ch.ExchangeDeclare(d.dlqExchange, "direct", true, false, false, false, nil); err != nil {
			return 0, fmt.Errorf("declare dlq exchange: %w", err)
		}
	}
	if d.dlqQueue != "" {
		if _, err := ch.QueueDeclare(d.dlqQueue, true, false, false, false, nil); err != nil {
			return 0, fmt.Errorf("declare dlq queue: %w", err)
		}
		if err := ch.QueueBind(d.dlqQueue, d.dlqQueue, d.dlqExchange, false, nil); err != nil {
			return 0, fmt.Errorf("bind dlq queue: %w", err)
		}
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return 0, fmt.Errorf("declare target exchange: %w", err)
	}

	return d.drainLoop(ctx, amqpDrainChannel{ch: ch}, exchange, routingKey, limit)
}

// drainLoop moves deliveries from the DLQ to the target exchange until
// the queue is empty or the limit is reached.
func (d *DLQDrainer) drainLoop(ctx context.Context, ch drainChannel, exchange, routingKey string, limit int64) (int64, error) {
	var replayed int64
	for replayed < limit {
		delivery, ok, err := ch.Get(d.dlqQueue, false)
		if err != nil {
			return replayed, fmt.Errorf("dlq get: %w", err)
		}
		if !ok {
			break
		}

		headers := amqp.Table{}
		for k, v := range delivery.Headers {
			headers[k] = v
		}
		headers["replayed"] = true

		confirm, err := ch.PublishWithConfirm(ctx, exchange, routingKey, amqp.Publishing{
			Headers:     headers,
			ContentType: delivery.ContentType,
			Body:        delivery.Body,
		})
		if err != nil {
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				d.logger.Warn().Err(nackErr).Msg("Nack after failed publish failed")
			}
			return replayed, fmt.Errorf("republish: %w", err)
		}
		if acked := confirm.Wait(); !acked {
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				d.logger.Warn().Err(nackErr).Msg("Nack after unconfirmed publish failed")
			}
			return replayed, fmt.Errorf("republish not confirmed")
		}
		if err := delivery.Ack(false); err != nil {
			return replayed, fmt.Errorf("ack: %w", err)
		}
		replayed++
	}
	return replayed, nil
}

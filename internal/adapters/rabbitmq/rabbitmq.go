// Package rabbitmq is the managed-queue adapter (§4.1): a thin pass
// through to amqp091-go, with publish wrapped in a circuit breaker so a
// broker outage fails fast instead of piling up outbox-publisher retries.
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"github.com/tracehq/orchestrator/pkg/mcircuitbreaker"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mrabbitmq"

	"github.com/tracehq/orchestrator/internal/queue"
)

// Adapter implements queue.Driver over amqp091-go. Visibility is honored
// via explicit ack/nack: a received message stays invisible to other
// consumers until Ack'd or the channel is closed, mirroring AMQP's
// consumer-ack model rather than SQS-style deadlines.
type Adapter struct {
	conn    *mrabbitmq.Connection
	logger  mlog.Logger
	breaker *gobreaker.CircuitBreaker

	pending map[string]amqp.Delivery
}

// New returns a rabbitmq-backed queue.Driver.
func New(conn *mrabbitmq.Connection, logger mlog.Logger, listener mcircuitbreaker.StateListener) *Adapter {
	adapter := mcircuitbreaker.NewGobreakerAdapter(listener)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rabbitmq-publish",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		OnStateChange: adapter.OnStateChange,
	})

	return &Adapter{conn: conn, logger: logger, breaker: cb, pending: make(map[string]amqp.Delivery)}
}

// Publish sends payload to queueName. delay is emulated by the caller
// setting the outbox row's available_at; RabbitMQ has no native delayed
// delivery without the delayed-message plugin, so callers should not
// rely on it here (the pgqueue adapter supports delay natively).
func (a *Adapter) Publish(ctx context.Context, queueName string, payload []byte, delay time.Duration) error {
	ch, err := a.conn.Channel(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq: channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare queue %s: %w", queueName, err)
	}

	_, err = a.breaker.Execute(func() (any, error) {
		return nil, ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			Body:         payload,
		})
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish to %s: %w", queueName, err)
	}

	return nil
}

// Receive pulls up to max messages via a non-blocking Get loop. visibility
// is not separately configurable per-delivery in AMQP; the broker
// redelivers un-acked messages to another consumer once this connection's
// prefetch is released (on Nack or disconnect).
func (a *Adapter) Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]queue.Message, error) {
	ch, err := a.conn.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq: declare queue %s: %w", queueName, err)
	}

	msgs := make([]queue.Message, 0, max)

	for i := 0; i < max; i++ {
		d, ok, err := ch.Get(queueName, false)
		if err != nil {
			return msgs, fmt.Errorf("rabbitmq: get from %s: %w", queueName, err)
		}

		if !ok {
			break
		}

		receipt := fmt.Sprintf("%s:%d", queueName, d.DeliveryTag)
		a.pending[receipt] = d

		// AMQP only exposes a redelivered flag, not an exact count, so
		// DeliveryCount is 1 for a redelivery and 0 otherwise. The sink's
		// and worker's poison checks compare DeliveryCount with a
		// receive-count threshold, which it never exceeds on this
		// adapter, and the adapter itself does not dead-letter.
		deliveryCount := 0
		if d.Redelivered {
			deliveryCount = 1
		}

		msgs = append(msgs, queue.Message{
			Payload:       d.Body,
			Receipt:       receipt,
			DeliveryCount: deliveryCount,
		})
	}

	return msgs, nil
}

// Ack acknowledges the delivery identified by receipt, permanently
// removing it from the queue.
func (a *Adapter) Ack(ctx context.Context, queueName string, receipt string) error {
	d, ok := a.pending[receipt]
	if !ok {
		return fmt.Errorf("rabbitmq: unknown receipt %s", receipt)
	}

	delete(a.pending, receipt)

	return d.Ack(false)
}

// ExtendVisibility is a no-op for the rabbitmq adapter: AMQP has no
// per-delivery visibility deadline to extend. Pull workers on this
// adapter rely on prefetch + a long enough consumer timeout instead.
func (a *Adapter) ExtendVisibility(ctx context.Context, queueName string, receipt string, newVisibility time.Duration) error {
	return nil
}

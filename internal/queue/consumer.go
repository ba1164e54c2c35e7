package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errDeliveriesClosed = errors.New("delivery channel closed")

// settlement is what happens to a delivery once it has been looked at.
type settlement int

const (
	settleAck settlement = iota
	settleReject
	settleRequeue
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleReject:
		return "reject"
	case settleRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// RabbitMQConsumer feeds announcements from a queue to a handler, one at a time per
// prefetch slot, and resubscribes when the channel or connection drops.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is done. A session that handled at least one delivery
// starts the next one without delay.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler AnnouncementHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	delay := newRetryDelay(reconnectBackoff, maxBackoff)
	for attempt := 1; ; attempt++ {
		handled, err := c.session(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if handled > 0 {
			delay.reset()
			attempt = 1
		}

		wait := delay.next()
		c.logger.Warn("announcement subscription lost",
			zap.String("queue", queue),
			zap.Int("attempt", attempt),
			zap.Int("handled", handled),
			zap.Duration("retryIn", wait),
			zap.Error(err),
		)
		if !pause(ctx, wait) {
			return nil
		}
	}
}

// session subscribes once and handles deliveries until ctx ends or the subscription breaks.
func (c *RabbitMQConsumer) session(ctx context.Context, queue string, handler AnnouncementHandler) (int, error) {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	deliveries, err := c.subscribe(ch, queue)
	if err != nil {
		return 0, err
	}

	handled := 0
	for {
		select {
		case <-ctx.Done():
			return handled, nil
		case d, ok := <-deliveries:
			if !ok {
				return handled, errDeliveriesClosed
			}
			if err := c.handle(ctx, d, handler); err != nil {
				return handled, err
			}
			handled++
		}
	}
}

func (c *RabbitMQConsumer) subscribe(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}
	return deliveries, nil
}

func (c *RabbitMQConsumer) handle(ctx context.Context, d amqp.Delivery, handler AnnouncementHandler) error {
	outcome := c.process(ctx, d, handler)
	if err := settle(d, outcome); err != nil {
		return fmt.Errorf("failed to %s delivery: %w", outcome, err)
	}
	return nil
}

// process decides the fate of one delivery. Malformed payloads go to the dead-letter
// queue; announcements the handler could not deliver are requeued.
func (c *RabbitMQConsumer) process(ctx context.Context, d amqp.Delivery, handler AnnouncementHandler) settlement {
	var msg Announcement
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Warn("rejecting announcement: invalid JSON",
			zap.Error(err),
			zap.String("routingKey", d.RoutingKey),
		)
		return settleReject
	}
	if err := msg.Validate(); err != nil {
		c.logger.Warn("rejecting announcement: validation failed",
			zap.Error(err),
			zap.String("announcementId", msg.ID),
		)
		return settleReject
	}

	if err := handler(ctx, msg); err != nil {
		c.logger.Warn("announcement not delivered, requeueing",
			zap.Error(err),
			zap.String("announcementId", msg.ID),
		)
		return settleRequeue
	}
	return settleAck
}

func settle(d amqp.Delivery, outcome settlement) error {
	switch outcome {
	case settleReject:
		return d.Reject(false)
	case settleRequeue:
		return d.Nack(false, true)
	default:
		return d.Ack(false)
	}
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

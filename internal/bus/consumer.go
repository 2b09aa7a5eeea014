package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. Returning nil acks the delivery; an
// error nacks it without requeue, so the broker drops it.
type Handler func(ctx context.Context, body []byte) error

// Consumer binds a durable queue to one routing key and feeds its messages
// to Handler one at a time.
type Consumer struct {
	Conn       *Conn
	Exchange   string
	Queue      string
	RoutingKey string
	Handler    Handler
	// HandlerTimeout bounds one Handler call. Zero means no bound.
	HandlerTimeout time.Duration
	// Resubscribe spaces out subscription attempts after a channel failure.
	// Default: 1s doubling to 30s.
	Resubscribe Backoff
	// Tag identifies the consumer to the broker. Default: Queue.
	Tag    string
	Logger *slog.Logger

	open opener
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Consumer) tag() string {
	if c.Tag != "" {
		return c.Tag
	}
	return c.Queue
}

func (c *Consumer) openFunc() opener {
	if c.open != nil {
		return c.open
	}
	return c.Conn.openChannel
}

// Run consumes until ctx is cancelled. It waits for the connection instead of
// failing when the broker is unreachable, and re-subscribes with backoff
// after a channel or connection loss. On cancellation the in-flight handler
// runs to completion before the channel is closed.
func (c *Consumer) Run(ctx context.Context) error {
	log := c.logger().With("queue", c.Queue, "routingKey", c.RoutingKey)
	bo := c.Resubscribe
	if bo.Initial <= 0 {
		bo = Backoff{Initial: time.Second, Max: 30 * time.Second}
	}
	open := c.openFunc()

	for {
		ch, err := open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
		} else {
			err = c.consume(ctx, ch, log, bo.Reset)
			if ctx.Err() != nil {
				log.Info("bus: consumer stopped")
				return nil
			}
		}

		wait := bo.Next()
		log.Warn("bus: consumer interrupted, re-subscribing", "error", err, "backoff", wait.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// consume subscribes on ch and handles deliveries until ctx ends or the
// subscription breaks. started is called once the subscription is live.
func (c *Consumer) consume(ctx context.Context, ch channel, log *slog.Logger, started func()) error {
	defer ch.Close()

	if err := c.declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.Queue, c.tag(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.Queue, err)
	}
	started()
	log.Info("bus: consumer started")

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(c.tag(), false); err != nil {
				log.Warn("bus: cancel consumer failed", "error", err)
			}
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d, log)
		}
	}
}

func (c *Consumer) declare(ch channel) error {
	if err := declareExchange(ch, c.Exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.Queue, err)
	}
	if err := ch.QueueBind(c.Queue, c.RoutingKey, c.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", c.Queue, c.RoutingKey, err)
	}
	return nil
}

// handle runs the handler detached from ctx cancellation so that a shutdown
// does not abort the message being processed. HandlerTimeout still applies.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, log *slog.Logger) {
	hctx := context.WithoutCancel(ctx)
	if c.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, c.HandlerTimeout)
		defer cancel()
	}

	err := c.invoke(hctx, d.Body)
	if err != nil {
		log.Warn("bus: handler failed, dropping message", "deliveryTag", d.DeliveryTag, "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error("bus: nack failed", "deliveryTag", d.DeliveryTag, "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Error("bus: ack failed", "deliveryTag", d.DeliveryTag, "error", ackErr)
	}
}

func (c *Consumer) invoke(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.Handler(ctx, body)
}

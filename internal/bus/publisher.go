package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNacked is returned when the broker refuses a published message.
var ErrNacked = errors.New("bus: broker nacked message")

// Publisher publishes persistent messages to one exchange over its own
// confirm-mode channel. Publish is synchronous: it returns once the broker
// has confirmed the message.
type Publisher struct {
	open     opener
	exchange string

	mu sync.Mutex
	ch channel
}

// NewPublisher creates a publisher. The channel is opened lazily.
func NewPublisher(conn *Conn, exchange string) *Publisher {
	return &Publisher{open: conn.openChannel, exchange: exchange}
}

// Publish sends body with the given routing key and waits for the broker
// confirmation. It waits for the connection if it is down, bounded by ctx.
// A failed publish discards the channel; the next call opens a new one.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	acked, err := ch.PublishConfirmed(ctx, p.exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("bus: publish %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%w (routing key %s)", ErrNacked, routingKey)
	}
	return nil
}

func (p *Publisher) channel(ctx context.Context) (channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bus: enable confirms: %w", err)
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		p.ch = nil
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

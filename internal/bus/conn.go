// Package bus is the task bus client: one durable direct exchange, one
// durable queue per stage bound to a single routing key, publisher confirms
// and manual acknowledgements.
//
// A Conn is the only process-wide resource. Publishers and consumers each
// open and own their channels on top of it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrClosed       = errors.New("bus: connection closed")
	ErrNotConnected = errors.New("bus: not connected")
)

// Config holds broker coordinates.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	Exchange string
}

// URL returns the AMQP URI for the config.
func (c Config) URL() string {
	u := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}
	return u.String()
}

// Addr returns host:port, for logging without credentials.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// State is the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Dialer opens a broker connection.
type Dialer func(url string) (*amqp.Connection, error)

// ConnOption customises a Conn.
type ConnOption func(*Conn)

// WithDialer replaces amqp.Dial.
func WithDialer(d Dialer) ConnOption { return func(c *Conn) { c.dial = d } }

// WithBackoff sets the reconnect backoff bounds. Default: 2s doubling to 60s.
func WithBackoff(initial, max time.Duration) ConnOption {
	return func(c *Conn) { c.backoff = Backoff{Initial: initial, Max: max} }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) ConnOption { return func(c *Conn) { c.log = l } }

// Conn owns the broker connection and reconnects it until its context is
// cancelled. Waiters are woken through a broadcast channel that is closed and
// replaced on every state change.
type Conn struct {
	url     string
	addr    string
	dial    Dialer
	backoff Backoff
	log     *slog.Logger

	mu      sync.Mutex
	state   State
	conn    *amqp.Connection
	changed chan struct{}
	closed  bool
}

// NewConn creates a disconnected handle. Call Run to connect.
func NewConn(cfg Config, opts ...ConnOption) *Conn {
	c := &Conn{
		url:     cfg.URL(),
		addr:    cfg.Addr(),
		dial:    amqp.Dial,
		backoff: Backoff{Initial: 2 * time.Second, Max: time.Minute},
		log:     slog.Default(),
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) transition(s State, conn *amqp.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.conn = conn
	close(c.changed)
	c.changed = make(chan struct{})
}

// Run connects and keeps the connection alive until ctx is cancelled or
// Close is called. A live connection is left open when ctx ends so that
// consumers can finish in-flight work; Close releases it.
func (c *Conn) Run(ctx context.Context) error {
	bo := c.backoff
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}

		c.transition(Connecting, nil)
		conn, err := c.dial(c.url)
		if err != nil {
			c.transition(Disconnected, nil)
			wait := bo.Next()
			c.log.Warn("bus: connect failed, retrying", "addr", c.addr, "error", err, "backoff", wait.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		lost := conn.NotifyClose(make(chan *amqp.Error, 1))
		c.transition(Connected, conn)
		c.log.Info("bus: connected", "addr", c.addr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-lost:
			c.transition(Disconnected, nil)
			if amqpErr == nil {
				// Closed by us.
				continue
			}
			c.log.Warn("bus: connection lost", "addr", c.addr, "error", amqpErr)
		}
	}
}

// WaitReady blocks until the connection is up, ctx ends or Close is called.
func (c *Conn) WaitReady(ctx context.Context) (*amqp.Connection, error) {
	for {
		c.mu.Lock()
		state, conn, changed, closed := c.state, c.conn, c.changed, c.closed
		c.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}
		if state == Connected && conn != nil && !conn.IsClosed() {
			return conn, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Probe reports whether a channel can be opened right now. It never waits
// for a reconnect.
func (c *Conn) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil || conn.IsClosed() {
		return ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("bus: open probe channel: %w", err)
	}
	return ch.Close()
}

// Close stops reconnecting and closes the live connection, if any.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.transition(Disconnected, nil)
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// Backoff is an exponential delay sequence: Initial, doubling, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	cur     time.Duration
}

// Next returns the next delay.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Initial
	} else {
		b.cur *= 2
	}
	if b.Max > 0 && b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() {
	b.cur = 0
}

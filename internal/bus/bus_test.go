package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := Backoff{Initial: 2 * time.Second, Max: 10 * time.Second}
	var got []time.Duration
	for range 5 {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}, got)

	b.Reset()
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestConfigURL(t *testing.T) {
	cfg := Config{Host: "rabbit", Port: 5672, User: "guest", Password: "secret", VHost: "/"}
	uri, err := amqp.ParseURI(cfg.URL())
	require.NoError(t, err)
	assert.Equal(t, "rabbit", uri.Host)
	assert.Equal(t, 5672, uri.Port)
	assert.Equal(t, "guest", uri.Username)
	assert.Equal(t, "secret", uri.Password)
	assert.Equal(t, "rabbit:5672", cfg.Addr())
}

func TestRunRetriesUntilCancelled(t *testing.T) {
	var dials atomic.Int32
	c := NewConn(Config{Host: "localhost", Port: 5672},
		WithBackoff(time.Millisecond, 4*time.Millisecond),
		WithDialer(func(string) (*amqp.Connection, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return dials.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not honour cancellation")
	}
	assert.Equal(t, Disconnected, c.State())
}

func TestWaitReadyBlocksWhileDisconnected(t *testing.T) {
	c := NewConn(Config{Host: "localhost", Port: 5672})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	conn, err := c.WaitReady(ctx)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWakesWaiters(t *testing.T) {
	c := NewConn(Config{Host: "localhost", Port: 5672})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitReady(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
	assert.ErrorIs(t, c.Run(context.Background()), ErrClosed)
}

func TestProbeWithoutConnection(t *testing.T) {
	c := NewConn(Config{Host: "localhost", Port: 5672})
	assert.ErrorIs(t, c.Probe(context.Background()), ErrNotConnected)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Probe(context.Background()), ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

type recordingAcker struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	requeue []bool
}

func (r *recordingAcker) Ack(tag uint64, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, tag)
	return nil
}

func (r *recordingAcker) Nack(tag uint64, _ bool, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nacks = append(r.nacks, tag)
	r.requeue = append(r.requeue, requeue)
	return nil
}

func (r *recordingAcker) Reject(tag uint64, requeue bool) error {
	return r.Nack(tag, false, requeue)
}

func TestHandleAcksOnSuccessAndDropsOnFailure(t *testing.T) {
	acker := &recordingAcker{}
	var seen []string
	c := &Consumer{
		Queue: "ocr-queue",
		Handler: func(_ context.Context, body []byte) error {
			seen = append(seen, string(body))
			switch string(body) {
			case "bad":
				return errors.New("boom")
			case "panic":
				panic("handler bug")
			}
			return nil
		},
	}
	log := c.logger()

	c.handle(context.Background(), amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("good")}, log)
	c.handle(context.Background(), amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("bad")}, log)
	c.handle(context.Background(), amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte("panic")}, log)

	assert.Equal(t, []string{"good", "bad", "panic"}, seen)
	assert.Equal(t, []uint64{1}, acker.acks)
	assert.Equal(t, []uint64{2, 3}, acker.nacks)
	assert.Equal(t, []bool{false, false}, acker.requeue, "failed messages must not be requeued")
}

func TestHandleIgnoresShutdownCancellation(t *testing.T) {
	acker := &recordingAcker{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &Consumer{
		Queue: "genai-queue",
		Handler: func(ctx context.Context, _ []byte) error {
			return ctx.Err()
		},
	}
	c.handle(ctx, amqp.Delivery{Acknowledger: acker, DeliveryTag: 7}, c.logger())
	assert.Equal(t, []uint64{7}, acker.acks)
}

func TestConsumerRunReturnsWhenCancelledBeforeConnect(t *testing.T) {
	conn := NewConn(Config{Host: "localhost", Port: 5672})
	c := &Consumer{Conn: conn, Queue: "ocr-queue", RoutingKey: "ocr", Exchange: "paperless",
		Handler: func(context.Context, []byte) error { return nil }}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx))
}

func TestHandleBoundsHandlerTime(t *testing.T) {
	acker := &recordingAcker{}
	ctx, cancel := context.WithCancel(context.Background())
	var hadDeadline atomic.Bool

	c := &Consumer{
		Queue:          "ocr-queue",
		HandlerTimeout: 30 * time.Millisecond,
		Handler: func(hctx context.Context, _ []byte) error {
			_, ok := hctx.Deadline()
			hadDeadline.Store(ok)
			cancel()
			<-hctx.Done()
			return hctx.Err()
		},
	}

	start := time.Now()
	c.handle(ctx, amqp.Delivery{Acknowledger: acker, DeliveryTag: 4}, c.logger())

	assert.True(t, hadDeadline.Load())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []uint64{4}, acker.nacks, "a timed-out handler drops the message")
}

// fakeChannel is an in-memory channel. Deliveries are fed through feed.
type fakeChannel struct {
	mu         sync.Mutex
	declareErr error
	publishErr error
	nack       bool
	feed       chan amqp.Delivery
	cancelled  bool
	closed     bool
	published  []amqp.Publishing
	confirming bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{feed: make(chan amqp.Delivery)}
}

func (f *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }
func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.feed, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirming = true
	return nil
}

func (f *fakeChannel) PublishConfirmed(_ context.Context, _, _ string, msg amqp.Publishing) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return false, f.publishErr
	}
	f.published = append(f.published, msg)
	return !f.nack, nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) state() (cancelled, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled, f.closed
}

func TestConsumerFinishesInFlightBeforeClosing(t *testing.T) {
	ch := newFakeChannel()
	acker := &recordingAcker{}
	started := make(chan struct{})
	release := make(chan struct{})

	c := &Consumer{
		Queue:      "ocr-queue",
		RoutingKey: "ocr",
		Exchange:   "paperless",
		Handler: func(context.Context, []byte) error {
			close(started)
			<-release
			return nil
		},
		open: func(context.Context) (channel, error) { return ch, nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ch.feed <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("task")}
	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a handler was still running")
	case <-time.After(30 * time.Millisecond):
	}
	_, closed := ch.state()
	assert.False(t, closed, "channel stays open while the handler runs")

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the handler finished")
	}

	assert.Equal(t, []uint64{1}, acker.acks)
	cancelled, closed := ch.state()
	assert.True(t, cancelled, "subscription cancelled on shutdown")
	assert.True(t, closed)
}

func TestConsumerBacksOffBetweenSubscriptionFailures(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	good := newFakeChannel()
	acker := &recordingAcker{}

	c := &Consumer{
		Queue:       "genai-queue",
		RoutingKey:  "genai",
		Exchange:    "paperless",
		Resubscribe: Backoff{Initial: 20 * time.Millisecond, Max: 40 * time.Millisecond},
		Handler:     func(context.Context, []byte) error { return nil },
		open: func(context.Context) (channel, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, time.Now())
			if len(attempts) <= 3 {
				ch := newFakeChannel()
				ch.declareErr = errors.New("PRECONDITION_FAILED - inequivalent arg")
				return ch, nil
			}
			return good, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	good.feed <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 9}
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 4)
	for i := 1; i < len(attempts); i++ {
		assert.GreaterOrEqual(t, attempts[i].Sub(attempts[i-1]), 20*time.Millisecond, "attempt %d", i)
	}
	assert.Equal(t, []uint64{9}, acker.acks)
}

func TestConsumerResubscribesWhenDeliveriesStop(t *testing.T) {
	var opens atomic.Int32
	first, second := newFakeChannel(), newFakeChannel()
	acker := &recordingAcker{}

	c := &Consumer{
		Queue:       "ocr-queue",
		Resubscribe: Backoff{Initial: time.Millisecond, Max: time.Millisecond},
		Handler:     func(context.Context, []byte) error { return nil },
		open: func(context.Context) (channel, error) {
			if opens.Add(1) == 1 {
				return first, nil
			}
			return second, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first.feed <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1}
	close(first.feed)
	second.feed <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(2), opens.Load())
	assert.Equal(t, []uint64{1, 2}, acker.acks)
	_, closed := first.state()
	assert.True(t, closed)
}

func TestConsumerRunStopsWhenConnClosed(t *testing.T) {
	c := &Consumer{
		Queue:   "ocr-queue",
		Handler: func(context.Context, []byte) error { return nil },
		open: func(context.Context) (channel, error) {
			return nil, fmt.Errorf("bus: wait for connection: %w", ErrClosed)
		},
	}
	assert.ErrorIs(t, c.Run(context.Background()), ErrClosed)
}

func TestPublisherConfirms(t *testing.T) {
	var opened []*fakeChannel
	p := &Publisher{
		exchange: "paperless",
		open: func(context.Context) (channel, error) {
			ch := newFakeChannel()
			opened = append(opened, ch)
			return ch, nil
		},
	}
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, "ocr", []byte(`{"a":1}`)))
	require.NoError(t, p.Publish(ctx, "ocr", []byte(`{"a":2}`)))
	require.Len(t, opened, 1, "channel is reused")
	assert.True(t, opened[0].confirming)
	require.Len(t, opened[0].published, 2)
	msg := opened[0].published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, `{"a":1}`, string(msg.Body))

	opened[0].nack = true
	assert.ErrorIs(t, p.Publish(ctx, "genai", []byte("x")), ErrNacked)
	assert.Len(t, opened, 1, "a nack keeps the channel")

	opened[0].publishErr = errors.New("channel/connection is not open")
	assert.Error(t, p.Publish(ctx, "genai", []byte("x")))
	assert.True(t, opened[0].IsClosed(), "a failed publish discards the channel")

	require.NoError(t, p.Publish(ctx, "genai", []byte("y")))
	require.Len(t, opened, 2)
	assert.Len(t, opened[1].published, 1)

	require.NoError(t, p.Close())
	assert.True(t, opened[1].IsClosed())
}

func TestPublisherOpenFailure(t *testing.T) {
	p := &Publisher{
		exchange: "paperless",
		open: func(ctx context.Context) (channel, error) {
			return nil, fmt.Errorf("bus: wait for connection: %w", ctx.Err())
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "ocr", nil), context.Canceled)
}

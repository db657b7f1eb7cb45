package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrUnavailable reports that the broker could not be reached.
var ErrUnavailable = errors.New("queue: broker unavailable")

// IsUnavailable reports whether err was caused by broker unavailability.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

const (
	defaultAttempts    = 5
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Channel abstracts the *amqp.Channel methods we use, enabling test fakes.
type Channel interface {
	Declarer
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

// Connection abstracts the *amqp.Connection methods we use.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

// realConnection wraps *amqp.Connection to implement Connection.
type realConnection struct {
	c *amqp.Connection
}

func (r *realConnection) Channel() (Channel, error) {
	ch, err := r.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
func (r *realConnection) IsClosed() bool { return r.c.IsClosed() }
func (r *realConnection) Close() error   { return r.c.Close() }

// DialAMQP is the production Dialer.
func DialAMQP(url string) (Connection, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{c: c}, nil
}

// ChannelSource hands out channels on a live connection.
type ChannelSource interface {
	Channel(ctx context.Context) (Channel, error)
}

// ConnOpts holds parameters for creating a Conn.
type ConnOpts struct {
	URL         string
	Dial        Dialer // default: DialAMQP
	Topology    Topology
	Attempts    int           // default: 5
	BaseBackoff time.Duration // default: 1s
	MaxBackoff  time.Duration // default: 30s
	Log         zerolog.Logger
}

// Conn owns the broker connection. It is shared by every publisher and
// consumer in a process and redials on demand.
type Conn struct {
	url      string
	dial     Dialer
	topology Topology
	attempts int
	base     time.Duration
	max      time.Duration
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	conn Connection
}

// NewConn creates a Conn. No connection is made until EnsureConnected.
func NewConn(opts ConnOpts) *Conn {
	c := &Conn{
		url:      opts.URL,
		dial:     opts.Dial,
		topology: opts.Topology,
		attempts: opts.Attempts,
		base:     opts.BaseBackoff,
		max:      opts.MaxBackoff,
		log:      opts.Log,
		sleep:    sleepContext,
	}
	if c.dial == nil {
		c.dial = DialAMQP
	}
	if c.attempts <= 0 {
		c.attempts = defaultAttempts
	}
	if c.base <= 0 {
		c.base = defaultBaseBackoff
	}
	if c.max <= 0 {
		c.max = defaultMaxBackoff
	}
	return c
}

// EnsureConnected returns immediately when the connection is open. Otherwise
// it dials with capped exponential backoff and declares the topology on the
// fresh connection. Exhausted attempts yield ErrUnavailable; a topology
// declaration failure is returned as is.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ctx)
}

func (c *Conn) ensureLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	c.conn = nil

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			wait := backoff(c.base, c.max, attempt-1)
			c.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("wait", wait).Msg("broker connect failed, retrying")
			if err := c.sleep(ctx, wait); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}

		conn, err := c.dial(c.url)
		if err != nil {
			lastErr = err
			continue
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		err = c.topology.Declare(ch)
		ch.Close()
		if err != nil {
			conn.Close()
			return err
		}

		c.conn = conn
		c.log.Info().Msg("broker connected")
		return nil
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrUnavailable, c.attempts, lastErr)
}

// Channel opens a new channel, reconnecting first if needed.
func (c *Conn) Channel(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(ctx); err != nil {
		return nil, err
	}
	ch, err := c.conn.Channel()
	if err == nil {
		return ch, nil
	}
	// The connection may have dropped between the check and the call.
	c.conn = nil
	if err := c.ensureLocked(ctx); err != nil {
		return nil, err
	}
	ch, err = c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", ErrUnavailable, err)
	}
	return ch, nil
}

// Close closes the connection if one is open.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("queue: close: %w", err)
	}
	return nil
}

// backoff returns base*2^n capped at max.
func backoff(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/pipeline"
)

// ContentTypeJSON is set on every published message.
const ContentTypeJSON = "application/json"

// Publishing is one message to publish.
type Publishing struct {
	Exchange   string // "" for the default exchange
	RoutingKey string
	Body       []byte
	Headers    amqp.Table
	MessageID  string
	TraceID    string
	Delay      time.Duration // x-delay for the delayed exchange
}

// Publisher publishes persistent messages in confirm mode on one channel.
// It is safe for concurrent use.
type Publisher struct {
	src     ChannelSource
	metrics *metrics.Metrics

	mu sync.Mutex
	ch Channel
}

// NewPublisher creates a Publisher drawing channels from src.
func NewPublisher(src ChannelSource, m *metrics.Metrics) *Publisher {
	return &Publisher{src: src, metrics: m}
}

// Publish sends msg and waits for the broker's confirmation. Any broker
// failure is reported as ErrUnavailable.
func (p *Publisher) Publish(ctx context.Context, msg Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pub := amqp.Publishing{
		Headers:      buildHeaders(msg),
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = p.publishOnce(ctx, msg.Exchange, msg.RoutingKey, pub)
		if err == nil {
			p.metrics.PublishedTo(msg.Exchange, msg.RoutingKey)
			return nil
		}
		if !errors.Is(err, amqp.ErrClosed) {
			break
		}
		p.dropChannel()
	}
	if IsUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: publish to %q/%q: %v", ErrUnavailable, msg.Exchange, msg.RoutingKey, err)
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, pub)
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("broker nacked the message")
	}
	return nil
}

func (p *Publisher) channel(ctx context.Context) (Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.src.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: confirm mode: %v", ErrUnavailable, err)
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) dropChannel() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
}

// Close releases the publishing channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropChannel()
	return nil
}

func buildHeaders(msg Publishing) amqp.Table {
	h := amqp.Table{}
	for k, v := range msg.Headers {
		h[k] = v
	}
	if msg.TraceID != "" {
		h[pipeline.HeaderTraceID] = msg.TraceID
	}
	if msg.Delay > 0 {
		h[pipeline.HeaderDelay] = msg.Delay.Milliseconds()
	}
	return h
}

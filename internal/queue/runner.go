package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/metrics"
)

// Handler processes one delivery. It never acks or nacks; it only returns
// the outcome.
type Handler func(ctx context.Context, d *Delivery) Outcome

// RetryPublisher republishes messages onto wait queues.
type RetryPublisher interface {
	Publish(ctx context.Context, msg Publishing) error
}

const (
	defaultDrainTimeout = 30 * time.Second
	defaultRequeueDelay = 5 * time.Second
)

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Source       ChannelSource
	Publisher    RetryPublisher
	Queue        string
	WaitQueue    string // default: WaitQueueName(Queue)
	Slots        int    // independent consumers, default 1
	MaxRetries   int
	DrainTimeout time.Duration // how long in-flight handlers may run after shutdown
	RequeueDelay time.Duration // pause before a Requeue nack
	Handler      Handler
	Stage        string
	Log          zerolog.Logger
	Metrics      *metrics.Metrics
}

// Runner is a stage's receive loop. Each slot holds its own channel with a
// prefetch of one, so a slot never has more than one message in flight.
type Runner struct {
	src          ChannelSource
	pub          RetryPublisher
	queue        string
	waitQueue    string
	slots        int
	maxRetries   int
	drainTimeout time.Duration
	requeueDelay time.Duration
	handler      Handler
	stage        string
	log          zerolog.Logger
	metrics      *metrics.Metrics
}

// NewRunner creates a Runner from opts.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.Source == nil {
		return nil, errors.New("queue: runner needs a channel source")
	}
	if opts.Handler == nil {
		return nil, errors.New("queue: runner needs a handler")
	}
	if opts.Queue == "" {
		return nil, errors.New("queue: runner needs a queue name")
	}
	r := &Runner{
		src:          opts.Source,
		pub:          opts.Publisher,
		queue:        opts.Queue,
		waitQueue:    opts.WaitQueue,
		slots:        opts.Slots,
		maxRetries:   opts.MaxRetries,
		drainTimeout: opts.DrainTimeout,
		requeueDelay: opts.RequeueDelay,
		handler:      opts.Handler,
		stage:        opts.Stage,
		log:          opts.Log.With().Str("queue", opts.Queue).Logger(),
		metrics:      opts.Metrics,
	}
	if r.waitQueue == "" {
		r.waitQueue = WaitQueueName(r.queue)
	}
	if r.slots <= 0 {
		r.slots = 1
	}
	if r.drainTimeout <= 0 {
		r.drainTimeout = defaultDrainTimeout
	}
	if r.requeueDelay <= 0 {
		r.requeueDelay = defaultRequeueDelay
	}
	return r, nil
}

// Run consumes until ctx is cancelled. On cancellation each slot stops
// taking deliveries, finishes the one in flight and closes its channel.
// Run returns nil after a clean shutdown, or the first slot error. A failed
// slot shuts the others down.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, r.slots)
	var wg sync.WaitGroup
	for i := 0; i < r.slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			if err := r.consume(ctx, slot); err != nil {
				errCh <- err
				cancel()
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func (r *Runner) consume(ctx context.Context, slot int) error {
	tag := fmt.Sprintf("sy-%s-%d", r.stage, slot)
	log := r.log.With().Int("slot", slot).Logger()

	for {
		if ctx.Err() != nil {
			return nil
		}
		ch, err := r.src.Channel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("queue: slot %d: %w", slot, err)
		}
		if err := ch.Qos(1, 0, false); err != nil {
			ch.Close()
			return fmt.Errorf("queue: slot %d: qos: %w", slot, err)
		}
		deliveries, err := ch.Consume(r.queue, tag, false, false, false, false, nil)
		if err != nil {
			ch.Close()
			return fmt.Errorf("queue: slot %d: consume %s: %w", slot, r.queue, err)
		}
		log.Info().Msg("consuming")

		if done := r.receive(ctx, ch, tag, deliveries); done {
			return nil
		}
		log.Warn().Msg("delivery channel closed, reconnecting")
	}
}

// receive handles deliveries until shutdown (true) or channel loss (false).
func (r *Runner) receive(ctx context.Context, ch Channel, tag string, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				r.log.Debug().Err(err).Str("consumer", tag).Msg("cancel consumer")
			}
			ch.Close()
			return true
		case d, ok := <-deliveries:
			if !ok {
				ch.Close()
				return ctx.Err() != nil
			}
			r.Handle(ctx, NewDelivery(d))
		}
	}
}

// Handle runs the handler on one delivery and applies its outcome. The
// handler's context outlives ctx by at most the drain timeout so an
// in-flight message can finish during shutdown.
func (r *Runner) Handle(ctx context.Context, d *Delivery) Outcome {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		timer = time.AfterFunc(r.drainTimeout, cancel)
		mu.Unlock()
	})
	defer func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}()

	start := time.Now()
	outcome := r.invoke(hctx, d)
	applied := r.apply(hctx, d, outcome)
	r.metrics.ObserveDelivery(r.stage, applied.String(), time.Since(start))
	return applied
}

func (r *Runner) invoke(ctx context.Context, d *Delivery) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("trace_id", d.TraceID()).Msg("handler panicked")
			outcome = Reject
		}
	}()
	return r.handler(ctx, d)
}

// apply performs the broker action for outcome and returns the outcome
// actually applied.
func (r *Runner) apply(ctx context.Context, d *Delivery, outcome Outcome) Outcome {
	log := r.log.With().Str("trace_id", d.TraceID()).Uint64("delivery_tag", d.DeliveryTag).Logger()

	switch outcome {
	case Ack:
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
		return Ack

	case Retry:
		next := d.RetryCount() + 1
		if next > r.maxRetries || r.pub == nil {
			log.Warn().Int("retry_count", d.RetryCount()).Msg("retries exhausted, dead-lettering")
			return r.apply(ctx, d, Reject)
		}
		err := r.pub.Publish(ctx, Publishing{
			RoutingKey: r.waitQueue,
			Body:       d.Body,
			Headers:    d.retryHeaders(next),
			MessageID:  d.MessageId,
		})
		if err != nil {
			log.Error().Err(err).Msg("republish to wait queue failed, requeueing")
			if err := d.Nack(false, true); err != nil {
				log.Error().Err(err).Msg("nack failed")
			}
			return Requeue
		}
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
		log.Info().Int("retry_count", next).Str("wait_queue", r.waitQueue).Msg("parked for retry")
		return Retry

	case Requeue:
		if err := sleepContext(ctx, r.requeueDelay); err != nil {
			log.Debug().Err(err).Msg("requeue pause interrupted")
		}
		if err := d.Nack(false, true); err != nil {
			log.Error().Err(err).Msg("nack failed")
		}
		return Requeue

	default:
		if err := d.Reject(false); err != nil {
			log.Error().Err(err).Msg("reject failed")
		}
		return Reject
	}
}

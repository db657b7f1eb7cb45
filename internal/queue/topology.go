// Package queue wraps RabbitMQ: topology declaration, a reconnecting
// connection, a confirming publisher and the per-stage receive loop.
package queue

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/switchyard/internal/config"
)

// DelayedExchangeType is the exchange type provided by the
// rabbitmq_delayed_message_exchange plugin.
const DelayedExchangeType = "x-delayed-message"

// Declarer is the subset of channel methods needed to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology describes every exchange and queue the pipeline relies on.
type Topology struct {
	WorkQueues         []string
	DeadLetterExchange string
	DeadLetterQueue    string
	WaitTTL            time.Duration

	// DelayedExchange, when set, is bound to DelayedQueue with the queue's
	// name as routing key.
	DelayedExchange string
	DelayedQueue    string
}

// TopologyFromConfig builds the pipeline topology from queue settings.
func TopologyFromConfig(q config.QueuesConfig) Topology {
	return Topology{
		WorkQueues:         []string{q.Primary, q.Responder},
		DeadLetterExchange: q.DeadLetterExchange,
		DeadLetterQueue:    q.DeadLetterQueue,
		WaitTTL:            q.WaitTTL,
		DelayedExchange:    q.DelayedExchange,
		DelayedQueue:       q.Responder,
	}
}

// WaitQueueName returns the name of the wait queue paired with queue.
func WaitQueueName(queue string) string {
	return queue + ".wait"
}

// Declare creates the topology. Every declaration is durable and repeating
// it against an existing broker is a no-op.
func (t Topology) Declare(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare exchange %s: %w", t.DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("queue: bind %s: %w", t.DeadLetterQueue, err)
	}

	for _, q := range t.WorkQueues {
		args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			return fmt.Errorf("queue: declare queue %s: %w", q, err)
		}

		wait := WaitQueueName(q)
		waitArgs := amqp.Table{
			"x-message-ttl":             t.WaitTTL.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q,
		}
		if _, err := ch.QueueDeclare(wait, true, false, false, false, waitArgs); err != nil {
			return fmt.Errorf("queue: declare queue %s: %w", wait, err)
		}
	}

	if t.DelayedExchange == "" {
		return nil
	}
	args := amqp.Table{"x-delayed-type": amqp.ExchangeDirect}
	if err := ch.ExchangeDeclare(t.DelayedExchange, DelayedExchangeType, true, false, false, false, args); err != nil {
		return fmt.Errorf("queue: declare exchange %s: %w", t.DelayedExchange, err)
	}
	if err := ch.QueueBind(t.DelayedQueue, t.DelayedQueue, t.DelayedExchange, false, nil); err != nil {
		return fmt.Errorf("queue: bind %s to %s: %w", t.DelayedQueue, t.DelayedExchange, err)
	}
	return nil
}

package queue

import (
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/switchyard/internal/pipeline"
)

// Outcome is a handler's verdict on one delivery. The runner turns it into
// exactly one broker action.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Reject dead-letters the message.
	Reject
	// Retry parks the message on the wait queue for another attempt.
	Retry
	// Requeue puts the message back on its own queue after a pause.
	Requeue
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Retry:
		return "retry"
	case Requeue:
		return "requeue"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Delivery is a received message plus the headers a handler wants carried
// into a retry.
type Delivery struct {
	amqp.Delivery

	annotations amqp.Table
}

// NewDelivery wraps an amqp delivery.
func NewDelivery(d amqp.Delivery) *Delivery {
	return &Delivery{Delivery: d}
}

// Header returns a header value rendered as a string, or "".
func (d *Delivery) Header(name string) string {
	v, ok := d.Headers[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}

// TraceID returns the trace id header.
func (d *Delivery) TraceID() string {
	return d.Header(pipeline.HeaderTraceID)
}

// RetryCount returns how many times the message went through a wait queue.
func (d *Delivery) RetryCount() int {
	return HeaderInt(d.Headers, pipeline.HeaderRetryCount)
}

// Annotate records a header to attach if the message is retried.
func (d *Delivery) Annotate(key string, value any) {
	if d.annotations == nil {
		d.annotations = amqp.Table{}
	}
	d.annotations[key] = value
}

// Annotations returns the headers recorded with Annotate.
func (d *Delivery) Annotations() amqp.Table {
	return d.annotations
}

// retryHeaders returns the headers for the wait-queue copy of d.
func (d *Delivery) retryHeaders(count int) amqp.Table {
	h := amqp.Table{}
	for k, v := range d.Headers {
		if k == pipeline.HeaderDeath {
			continue
		}
		h[k] = v
	}
	for k, v := range d.annotations {
		h[k] = v
	}
	h[pipeline.HeaderRetryCount] = int64(count)
	return h
}

// HeaderInt reads a numeric header in any of the encodings the broker or
// other clients may use. Missing or non-numeric values read as zero.
func HeaderInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

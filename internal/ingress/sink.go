package ingress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/store"
)

// Publisher publishes raw messages to the primary queue.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Publishing) error
}

// QueueSink publishes each message, as received, to the primary queue with
// its trace id in the headers.
type QueueSink struct {
	Publisher Publisher
	Queue     string
}

// Accept implements Sink.
func (q QueueSink) Accept(ctx context.Context, raw json.RawMessage, m pipeline.Message) error {
	err := q.Publisher.Publish(ctx, queue.Publishing{
		RoutingKey: q.Queue,
		Body:       raw,
		MessageID:  m.ExternalID,
		TraceID:    m.TraceID,
	})
	if err != nil {
		return fmt.Errorf("ingress: publish: %w", err)
	}
	return nil
}

// Inserter stores inbound messages.
type Inserter interface {
	Insert(ctx context.Context, msg *models.Message) (*models.Message, bool, error)
}

// StoreSink writes each message straight to the store as pending, for a
// preparer running in store mode.
type StoreSink struct {
	Store Inserter
}

// Accept implements Sink. A duplicate external id is not an error.
func (s StoreSink) Accept(ctx context.Context, raw json.RawMessage, m pipeline.Message) error {
	m.Version = pipeline.SourceVersion(raw)
	if _, _, err := s.Store.Insert(ctx, store.FromInbound(m)); err != nil {
		return fmt.Errorf("ingress: store: %w", err)
	}
	return nil
}

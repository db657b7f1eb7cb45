// Package deadletter archives dead-lettered deliveries as records an
// operator can list, inspect, retry or discard.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"github.com/zulandar/switchyard/internal/queue"
	"gorm.io/gorm"
)

// Record statuses.
const (
	StatusUnresolved = "unresolved"
	StatusRetried    = "retried"
	StatusDiscarded  = "discarded"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("deadletter: record not found")
	// ErrResolved reports an operator action on a record that was already
	// retried or discarded.
	ErrResolved = errors.New("deadletter: record already resolved")
)

// Publisher republishes payloads on retry.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Publishing) error
}

// Archiver turns dead-letter queue deliveries into records.
type Archiver struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

// NewArchiver creates an Archiver writing to db.
func NewArchiver(db *gorm.DB, log zerolog.Logger) *Archiver {
	return &Archiver{db: db, log: log, now: time.Now}
}

// Handle stores d as an unresolved record. A failed insert puts the
// delivery back on the dead-letter queue.
func (a *Archiver) Handle(ctx context.Context, d *queue.Delivery) queue.Outcome {
	rec := FromDelivery(d, a.now())
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		a.log.Error().Err(err).Str("trace_id", rec.TraceID).Msg("archive dead letter failed, requeueing")
		return queue.Requeue
	}
	a.log.Info().
		Uint("record_id", rec.ID).
		Str("trace_id", rec.TraceID).
		Str("source_queue", rec.SourceQueue).
		Str("reason", rec.Reason).
		Int("retry_count", rec.RetryCount).
		Msg("dead letter archived")
	return queue.Ack
}

// FromDelivery builds the record for a dead-lettered delivery. The reason
// and source queue come from the newest x-death entry.
func FromDelivery(d *queue.Delivery, now time.Time) models.DeadLetter {
	reason, source := lastDeath(d.Headers)
	if reason == "" {
		reason = "unknown"
	}
	headers, err := json.Marshal(d.Headers)
	if err != nil || d.Headers == nil {
		headers = []byte("{}")
	}
	return models.DeadLetter{
		Payload:     d.Body,
		Headers:     string(headers),
		SourceQueue: source,
		RoutingKey:  d.RoutingKey,
		Reason:      reason,
		TraceID:     d.TraceID(),
		RetryCount:  queue.HeaderInt(d.Headers, pipeline.HeaderRetryCount),
		Status:      StatusUnresolved,
		FailedAt:    now,
	}
}

func lastDeath(h amqp.Table) (reason, queueName string) {
	deaths, _ := h[pipeline.HeaderDeath].([]interface{})
	if len(deaths) > 0 {
		if t, ok := deaths[0].(amqp.Table); ok {
			reason, _ = t["reason"].(string)
			queueName, _ = t["queue"].(string)
		}
	}
	if reason == "" {
		reason, _ = h["x-first-death-reason"].(string)
	}
	if queueName == "" {
		queueName, _ = h["x-first-death-queue"].(string)
	}
	return reason, queueName
}

// Service implements the operator actions.
type Service struct {
	db           *gorm.DB
	pub          Publisher
	defaultQueue string
	now          func() time.Time
}

// NewService creates a Service. Records without a source queue are retried
// to defaultQueue.
func NewService(db *gorm.DB, pub Publisher, defaultQueue string) *Service {
	return &Service{db: db, pub: pub, defaultQueue: defaultQueue, now: time.Now}
}

// List returns records with the given status, newest first. An empty
// status lists every record.
func (s *Service) List(ctx context.Context, status string, limit int) ([]models.DeadLetter, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []models.DeadLetter
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	return recs, nil
}

// CountUnresolved returns how many records await an operator.
func (s *Service) CountUnresolved(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.DeadLetter{}).
		Where("status = ?", StatusUnresolved).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("deadletter: count: %w", err)
	}
	return n, nil
}

// Get loads one record.
func (s *Service) Get(ctx context.Context, id uint) (*models.DeadLetter, error) {
	var rec models.DeadLetter
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deadletter: record %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("deadletter: get %d: %w", id, err)
	}
	return &rec, nil
}

// Retry republishes the payload to its source queue with its original
// headers, minus the broker's death bookkeeping and the retry count, then
// marks the record retried.
func (s *Service) Retry(ctx context.Context, id uint) (*models.DeadLetter, error) {
	rec, err := s.unresolved(ctx, id)
	if err != nil {
		return nil, err
	}
	target := rec.SourceQueue
	if target == "" {
		target = s.defaultQueue
	}
	if target == "" {
		return nil, fmt.Errorf("deadletter: record %d has no source queue", id)
	}

	err = s.pub.Publish(ctx, queue.Publishing{
		RoutingKey: target,
		Body:       rec.Payload,
		Headers:    retryHeaders(rec.Headers),
		TraceID:    rec.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("deadletter: retry %d: %w", id, err)
	}
	if err := s.resolve(ctx, rec, StatusRetried); err != nil {
		return nil, err
	}
	return rec, nil
}

// Discard marks a record discarded.
func (s *Service) Discard(ctx context.Context, id uint) error {
	rec, err := s.unresolved(ctx, id)
	if err != nil {
		return err
	}
	return s.resolve(ctx, rec, StatusDiscarded)
}

func (s *Service) unresolved(ctx context.Context, id uint) (*models.DeadLetter, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusUnresolved {
		return nil, fmt.Errorf("deadletter: record %d is %s: %w", id, rec.Status, ErrResolved)
	}
	return rec, nil
}

// resolve moves a record out of unresolved. The status condition keeps two
// operators from resolving the same record twice.
func (s *Service) resolve(ctx context.Context, rec *models.DeadLetter, status string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.DeadLetter{}).
		Where("id = ? AND status = ?", rec.ID, StatusUnresolved).
		Updates(map[string]interface{}{"status": status, "resolved_at": now})
	if res.Error != nil {
		return fmt.Errorf("deadletter: mark %d %s: %w", rec.ID, status, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("deadletter: record %d: %w", rec.ID, ErrResolved)
	}
	rec.Status = status
	rec.ResolvedAt = &now
	return nil
}

// retryHeaders restores the stored headers for republishing. Nested values
// come back from JSON as generic maps and slices, which amqp encodes as
// tables and arrays.
func retryHeaders(stored string) amqp.Table {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(stored), &raw); err != nil {
		return nil
	}
	h := amqp.Table{}
	for k, v := range raw {
		if k == pipeline.HeaderDeath || k == pipeline.HeaderRetryCount ||
			strings.HasPrefix(k, "x-first-death-") || strings.HasPrefix(k, "x-last-death-") {
			continue
		}
		h[k] = headerValue(v)
	}
	return h
}

func headerValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		tbl := amqp.Table{}
		for k, vv := range t {
			tbl[k] = headerValue(vv)
		}
		return tbl
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = headerValue(vv)
		}
		return out
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
	}
	return v
}

// Package store is the message store: inserts, exclusive claims,
// forward-only status transitions and conversation history.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Message statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message kinds.
const (
	KindInbound = "inbound"
	KindInterim = "interim"
	KindReply   = "reply"
)

var (
	// ErrNotFound reports a missing message.
	ErrNotFound = errors.New("store: message not found")
	// ErrInvalidTransition reports a backward or sideways status change.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrUnavailable wraps errors that indicate the database was briefly
	// unreachable or contended.
	ErrUnavailable = errors.New("store: unavailable")
)

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// transitions maps a target status to the statuses it may be reached from.
var transitions = map[string][]string{
	StatusProcessing: {StatusPending},
	StatusProcessed:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// claimAttempts bounds how often ClaimOnePending retries after losing a race.
const claimAttempts = 5

// Opts holds parameters for creating a Store.
type Opts struct {
	DB *gorm.DB
	// LegacySenderFallback makes History also match rows whose sender equals
	// the conversation key, for rows written before conversation ids existed.
	LegacySenderFallback bool
	Metrics              *metrics.Metrics
}

// Store is the gorm-backed message store.
type Store struct {
	db       *gorm.DB
	fallback bool
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Store.
func New(opts Opts) *Store {
	return &Store{
		db:       opts.DB,
		fallback: opts.LegacySenderFallback,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	transient := db.IsTransient(err)
	s.metrics.StoreError(op, transient)
	if transient {
		return fmt.Errorf("store: %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

// Insert persists msg in one write and reports whether a row was created.
// User messages always start pending; assistant rows are stored processed.
// A message whose ExternalID already exists is not inserted again: the
// existing row is returned with created=false.
func (s *Store) Insert(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	if msg.Kind == "" {
		msg.Kind = KindInbound
	}
	if msg.Role == RoleAssistant {
		msg.Status = StatusProcessed
	} else {
		msg.Status = StatusPending
	}
	if msg.ExternalID != nil && *msg.ExternalID == "" {
		msg.ExternalID = nil
	}

	q := s.db.WithContext(ctx)
	if msg.ExternalID != nil {
		q = q.Clauses(clause.OnConflict{DoNothing: true})
	}
	res := q.Create(msg)
	if res.Error != nil {
		return nil, false, s.wrap("insert", res.Error)
	}
	if res.RowsAffected > 0 {
		return msg, true, nil
	}

	var existing models.Message
	if err := s.db.WithContext(ctx).Where("external_id = ?", *msg.ExternalID).First(&existing).Error; err != nil {
		return nil, false, s.wrap("insert: load existing", err)
	}
	return &existing, false, nil
}

// Get loads a message by id.
func (s *Store) Get(ctx context.Context, id uint) (*models.Message, error) {
	var m models.Message
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, s.wrap(fmt.Sprintf("get %d", id), err)
	}
	return &m, nil
}

// ClaimOnePending moves the oldest pending user message to processing and
// returns it, or returns nil when nothing is pending. The row is locked with
// SELECT ... FOR UPDATE SKIP LOCKED where the database supports it; the
// conditional update makes the claim exclusive either way.
func (s *Store) ClaimOnePending(ctx context.Context) (*models.Message, error) {
	return s.claimOne(ctx, "claim pending", "status = ? AND role = ?", StatusPending, RoleUser)
}

// ClaimStale takes over the oldest user message that has been processing
// for longer than olderThan, refreshing its claim time. It returns nil when
// no claim is stale.
func (s *Store) ClaimStale(ctx context.Context, olderThan time.Duration) (*models.Message, error) {
	cutoff := s.now().Add(-olderThan)
	return s.claimOne(ctx, "claim stale", "status = ? AND role = ? AND claimed_at < ?", StatusProcessing, RoleUser, cutoff)
}

// claimOne claims the oldest row matching cond. cond is checked again in
// the update, so losing a race to another claimer retries with the next row.
func (s *Store) claimOne(ctx context.Context, op, cond string, args ...interface{}) (*models.Message, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var (
			claimed models.Message
			found   bool
			won     bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Where(cond, args...).
				Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Order("id ASC").
				Limit(1).
				Find(&claimed)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			found = true

			now := s.now()
			res = tx.Model(&models.Message{}).
				Where("id = ?", claimed.ID).
				Where(cond, args...).
				Updates(map[string]interface{}{
					"status":     StatusProcessing,
					"claimed_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			won = res.RowsAffected == 1
			claimed.Status = StatusProcessing
			claimed.ClaimedAt = &now
			return nil
		})
		if err != nil {
			return nil, s.wrap(op, err)
		}
		if !found {
			return nil, nil
		}
		if won {
			return &claimed, nil
		}
	}
	return nil, nil
}

// ClaimByID moves one message from pending to processing. With resume, a
// message already processing is accepted too; the caller must own the
// message by other means. It returns nil when the message is not claimable
// and ErrNotFound when it does not exist.
func (s *Store) ClaimByID(ctx context.Context, id uint, resume bool) (*models.Message, error) {
	from := []string{StatusPending}
	if resume {
		from = append(from, StatusProcessing)
	}
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":     StatusProcessing,
			"claimed_at": s.now(),
		})
	if res.Error != nil {
		return nil, s.wrap(fmt.Sprintf("claim %d", id), res.Error)
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return m, nil
}

// Transition moves a message forward: pending to processing, processing to
// processed or failed. Requesting the current status is a no-op. reason is
// stored with the failed status.
func (s *Store) Transition(ctx context.Context, id uint, to, reason string) error {
	from, ok := transitions[to]
	if !ok {
		return fmt.Errorf("store: transition %d to %q: %w", id, to, ErrInvalidTransition)
	}
	updates := map[string]interface{}{"status": to}
	if to == StatusFailed {
		updates["failure_reason"] = reason
	}

	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return s.wrap(fmt.Sprintf("transition %d", id), res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var cur models.Message
	if err := s.db.WithContext(ctx).Select("id", "status").First(&cur, id).Error; err != nil {
		return s.wrap(fmt.Sprintf("transition %d", id), err)
	}
	if cur.Status == to {
		return nil
	}
	return fmt.Errorf("store: transition %d %s -> %s: %w", id, cur.Status, to, ErrInvalidTransition)
}

// SetBody replaces a message's text.
func (s *Store) SetBody(ctx context.Context, id uint, body string) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Update("body", body)
	if res.Error != nil {
		return s.wrap(fmt.Sprintf("set body %d", id), res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL reports zero rows when the value did not change.
	_, err := s.Get(ctx, id)
	return err
}

// History returns up to limit messages of a conversation older than
// excludeID, oldest first.
func (s *Store) History(ctx context.Context, conversationID string, excludeID uint, limit int) ([]pipeline.Doc, error) {
	if conversationID == "" || limit <= 0 {
		return []pipeline.Doc{}, nil
	}
	q := s.db.WithContext(ctx).Model(&models.Message{})
	if s.fallback {
		q = q.Where("(conversation_id = ? OR sender = ?)", conversationID, conversationID)
	} else {
		q = q.Where("conversation_id = ?", conversationID)
	}
	if excludeID > 0 {
		q = q.Where("id < ?", excludeID)
	}

	var rows []models.Message
	if err := q.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, s.wrap("history", err)
	}

	docs := make([]pipeline.Doc, len(rows))
	for i := range rows {
		docs[len(rows)-1-i] = ToDoc(&rows[i])
	}
	return docs, nil
}

// ReplyExists reports whether an assistant row of kind answers replyToID.
func (s *Store) ReplyExists(ctx context.Context, replyToID uint, kind string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("reply_to_id = ? AND kind = ?", replyToID, kind).
		Count(&n).Error
	if err != nil {
		return false, s.wrap("reply exists", err)
	}
	return n > 0, nil
}

// InterimExists reports whether the interim reply for a follow-up attempt
// was already sent and stored.
func (s *Store) InterimExists(ctx context.Context, replyToID uint, attempt int) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("reply_to_id = ? AND kind = ? AND follow_up = ?", replyToID, KindInterim, attempt).
		Count(&n).Error
	if err != nil {
		return false, s.wrap("interim exists", err)
	}
	return n > 0, nil
}

// Backfill copies sender into conversation_id for rows that have none, batch
// rows at a time, and returns how many rows changed.
func (s *Store) Backfill(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	var total int64
	for {
		var ids []uint
		err := s.db.WithContext(ctx).Model(&models.Message{}).
			Where("(conversation_id = '' OR conversation_id IS NULL) AND sender <> ''").
			Order("id ASC").
			Limit(batch).
			Pluck("id", &ids).Error
		if err != nil {
			return total, s.wrap("backfill", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		res := s.db.WithContext(ctx).Model(&models.Message{}).
			Where("id IN ?", ids).
			Update("conversation_id", gorm.Expr("sender"))
		if res.Error != nil {
			return total, s.wrap("backfill", res.Error)
		}
		total += res.RowsAffected
		if len(ids) < batch {
			return total, nil
		}
	}
}

// CountByStatus returns the number of messages per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, s.wrap("count by status", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// ToDoc renders a stored message in its wire shape.
func ToDoc(m *models.Message) pipeline.Doc {
	return pipeline.Doc{
		ID:             pipeline.FormatID(m.ID),
		ConversationID: m.ConversationID,
		From:           m.Sender,
		Role:           m.Role,
		Text:           pipeline.Text{Body: m.Body},
		Status:         m.Status,
		CreatedAt:      pipeline.FormatTime(m.CreatedAt),
		UpdatedAt:      pipeline.FormatTime(m.UpdatedAt),
		TraceID:        m.TraceID,
	}
}

// FromInbound builds the row for a canonical inbound message. A message
// without a trace id gets a fresh one.
func FromInbound(m pipeline.Message) *models.Message {
	traceID := m.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	var ext *string
	if m.ExternalID != "" {
		ext = &m.ExternalID
	}
	return &models.Message{
		ExternalID:     ext,
		ConversationID: m.ConversationKey(),
		Sender:         m.From,
		Role:           RoleUser,
		Kind:           KindInbound,
		Body:           m.Text.Body,
		TraceID:        traceID,
		SchemaVersion:  m.Version,
	}
}

// Package preparer turns raw inbound messages into work packages: it stores
// and claims each message, masks sensitive data in its text, attaches the
// conversation history and hands the package to the responder queue.
package preparer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/sanitize"
	"github.com/zulandar/switchyard/internal/store"
)

// ReasonNoConversationKey is stored on messages that carry neither a
// conversation id nor a sender.
const ReasonNoConversationKey = "conversation key not found"

// DefaultClaimTimeout is how long a store-mode claim may stay processing
// before another poll takes it over.
const DefaultClaimTimeout = 5 * time.Minute

// MessageStore is the subset of the message store the preparer uses.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.Message) (*models.Message, bool, error)
	ClaimOnePending(ctx context.Context) (*models.Message, error)
	ClaimStale(ctx context.Context, olderThan time.Duration) (*models.Message, error)
	ClaimByID(ctx context.Context, id uint, resume bool) (*models.Message, error)
	Transition(ctx context.Context, id uint, to, reason string) error
	SetBody(ctx context.Context, id uint, body string) error
	History(ctx context.Context, conversationID string, excludeID uint, limit int) ([]pipeline.Doc, error)
}

// Publisher publishes work packages.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Publishing) error
}

// Opts holds parameters for creating a Preparer.
type Opts struct {
	Store          MessageStore
	Publisher      Publisher
	Sanitizer      *sanitize.Sanitizer // default: built-in patterns only
	ResponderQueue string
	HistoryLimit   int
	PollInterval   time.Duration // store mode only
	ClaimTimeout   time.Duration // store mode: age after which a processing claim is taken over
	Log            zerolog.Logger
}

// Preparer is the first pipeline stage.
type Preparer struct {
	store        MessageStore
	pub          Publisher
	sanitizer    *sanitize.Sanitizer
	queue        string
	historyLimit int
	pollInterval time.Duration
	claimTimeout time.Duration
	log          zerolog.Logger
}

// New creates a Preparer.
func New(opts Opts) (*Preparer, error) {
	if opts.Store == nil {
		return nil, errors.New("preparer: store is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("preparer: publisher is required")
	}
	if opts.ResponderQueue == "" {
		return nil, errors.New("preparer: responder queue is required")
	}
	s := opts.Sanitizer
	if s == nil {
		var err error
		if s, err = sanitize.New(nil); err != nil {
			return nil, fmt.Errorf("preparer: %w", err)
		}
	}
	p := &Preparer{
		store:        opts.Store,
		pub:          opts.Publisher,
		sanitizer:    s,
		queue:        opts.ResponderQueue,
		historyLimit: opts.HistoryLimit,
		pollInterval: opts.PollInterval,
		claimTimeout: opts.ClaimTimeout,
		log:          opts.Log,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.claimTimeout <= 0 {
		p.claimTimeout = DefaultClaimTimeout
	}
	return p, nil
}

// HandleDelivery processes one primary-queue delivery. A delivery holds one
// raw message or a JSON array of them; each becomes its own stored message.
// Ids of stored messages ride along in the x-store-id header when the
// delivery is retried, so a retry resumes those rows instead of inserting
// them again.
func (p *Preparer) HandleDelivery(ctx context.Context, d *queue.Delivery) queue.Outcome {
	log := p.log.With().Str("trace_id", d.TraceID()).Logger()

	items, err := pipeline.DecodeBatch(d.Body)
	if err != nil {
		log.Error().Err(err).Msg("undecodable delivery")
		return queue.Reject
	}
	msgs := make([]pipeline.Message, len(items))
	for i, raw := range items {
		if msgs[i], err = pipeline.Normalize(raw); err != nil {
			log.Error().Err(err).Int("item", i).Msg("malformed message")
			return queue.Reject
		}
		if msgs[i].TraceID == "" {
			msgs[i].TraceID = d.TraceID()
		}
		msgs[i].Version = pipeline.SourceVersion(raw)
	}

	ids := parseStoreIDs(d.Header(pipeline.HeaderStoreID), len(msgs))
	redelivered := d.RetryCount() > 0 || d.Redelivered
	var transient, permanent bool
	for i, m := range msgs {
		id, err := p.handleMessage(ctx, m, ids[i], redelivered)
		ids[i] = id
		switch {
		case err == nil:
		case isTransient(err):
			log.Warn().Err(err).Int("item", i).Uint("message_id", id).Msg("transient failure, will retry")
			transient = true
		default:
			log.Error().Err(err).Int("item", i).Uint("message_id", id).Msg("cannot store message, dead-lettering")
			permanent = true
		}
	}
	switch {
	case permanent:
		return queue.Reject
	case transient:
		d.Annotate(pipeline.HeaderStoreID, formatStoreIDs(ids))
		return queue.Retry
	}
	return queue.Ack
}

// handleMessage stores (or finds) and claims one message, then prepares it.
// A known id came from this stage's own retry header, so a row left
// processing is resumed; a duplicate insert resumes only when the broker
// says the delivery was already attempted. It returns the stored id and any
// error that kept the message from reaching a terminal status.
func (p *Preparer) handleMessage(ctx context.Context, m pipeline.Message, id uint, redelivered bool) (uint, error) {
	resume := true
	if id == 0 {
		row, created, err := p.store.Insert(ctx, store.FromInbound(m))
		if err != nil {
			return 0, err
		}
		id = row.ID
		resume = !created && redelivered
		if row.Status == store.StatusProcessed || row.Status == store.StatusFailed {
			log := logging.ForMessage(p.log, row.TraceID, id)
			log.Info().Str("status", row.Status).Msg("duplicate delivery, already handled")
			return id, nil
		}
	}

	claimed, err := p.store.ClaimByID(ctx, id, resume)
	if err != nil {
		return id, err
	}
	if claimed == nil {
		log := logging.ForMessage(p.log, m.TraceID, id)
		log.Info().Msg("not claimable, skipping")
		return id, nil
	}
	return id, p.Prepare(ctx, claimed)
}

// Prepare runs the preparation steps on a message the caller has claimed:
// resolve the conversation key, load history, sanitize the text, publish
// the work package and mark the message processed. Non-transient failures
// mark the message failed and return nil; transient ones are returned and
// leave the message processing.
func (p *Preparer) Prepare(ctx context.Context, msg *models.Message) error {
	log := logging.ForMessage(p.log, msg.TraceID, msg.ID)

	key := msg.ConversationID
	if key == "" {
		key = msg.Sender
	}
	if key == "" {
		log.Warn().Msg(ReasonNoConversationKey)
		return p.fail(ctx, msg, errors.New(ReasonNoConversationKey))
	}
	msg.ConversationID = key

	history, err := p.store.History(ctx, key, msg.ID, p.historyLimit)
	if err != nil {
		return p.fail(ctx, msg, err)
	}

	if clean := p.sanitizer.Sanitize(msg.Body); clean != msg.Body {
		if err := p.store.SetBody(ctx, msg.ID, clean); err != nil {
			return p.fail(ctx, msg, err)
		}
		msg.Body = clean
	}

	doc := store.ToDoc(msg)
	body, err := pipeline.WorkPackage{CurrentMessage: doc, History: history}.Encode()
	if err != nil {
		return p.fail(ctx, msg, err)
	}
	err = p.pub.Publish(ctx, queue.Publishing{
		RoutingKey: p.queue,
		Body:       body,
		MessageID:  doc.ID,
		TraceID:    msg.TraceID,
	})
	if err != nil {
		return p.fail(ctx, msg, err)
	}

	if err := p.store.Transition(ctx, msg.ID, store.StatusProcessed, ""); err != nil {
		if isTransient(err) {
			return err
		}
		log.Error().Err(err).Msg("mark processed")
		return nil
	}
	log.Info().Str("conversation_id", key).Int("history", len(history)).Msg("work package published")
	return nil
}

// fail marks msg failed unless cause is transient, in which case cause is
// returned for a retry.
func (p *Preparer) fail(ctx context.Context, msg *models.Message, cause error) error {
	if isTransient(cause) {
		return cause
	}
	log := logging.ForMessage(p.log, msg.TraceID, msg.ID)
	if err := p.store.Transition(ctx, msg.ID, store.StatusFailed, cause.Error()); err != nil {
		if isTransient(err) {
			return err
		}
		log.Error().Err(err).Msg("mark failed")
		return nil
	}
	log.Warn().Str("reason", cause.Error()).Msg("message failed")
	return nil
}

// Poll claims pending messages from the store until ctx is cancelled. It is
// used when ingress writes straight to the store instead of the queue. A
// message left processing by a transient failure or a crash is taken over
// once its claim is older than the claim timeout.
func (p *Preparer) Poll(ctx context.Context) error {
	p.log.Info().Dur("interval", p.pollInterval).Msg("polling store for pending messages")
	for {
		n, err := p.drain(ctx)
		if err != nil {
			p.log.Warn().Err(err).Int("prepared", n).Msg("poll interrupted")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.pollInterval):
		}
	}
}

// drain prepares pending and stale messages until none are left or an
// error occurs.
func (p *Preparer) drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		msg, err := p.claimNext(context.WithoutCancel(ctx))
		if err != nil {
			return n, err
		}
		if msg == nil {
			return n, nil
		}
		if err := p.Prepare(context.WithoutCancel(ctx), msg); err != nil {
			log := logging.ForMessage(p.log, msg.TraceID, msg.ID)
			log.Warn().Err(err).Dur("claim_timeout", p.claimTimeout).Msg("prepare failed, message retried after claim timeout")
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *Preparer) claimNext(ctx context.Context) (*models.Message, error) {
	msg, err := p.store.ClaimOnePending(ctx)
	if err != nil || msg != nil {
		return msg, err
	}
	msg, err = p.store.ClaimStale(ctx, p.claimTimeout)
	if msg != nil {
		log := logging.ForMessage(p.log, msg.TraceID, msg.ID)
		log.Warn().Msg("taking over stale claim")
	}
	return msg, err
}

func isTransient(err error) bool {
	return store.IsTransient(err) || queue.IsUnavailable(err)
}

// parseStoreIDs reads a comma-separated id list with one slot per item.
// Missing or bad entries read as zero.
func parseStoreIDs(s string, n int) []uint {
	ids := make([]uint, n)
	if s == "" {
		return ids
	}
	for i, part := range strings.Split(s, ",") {
		if i >= n {
			break
		}
		if v, err := strconv.ParseUint(part, 10, 64); err == nil {
			ids[i] = uint(v)
		}
	}
	return ids
}

func formatStoreIDs(ids []uint) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		if id > 0 {
			parts[i] = pipeline.FormatID(id)
		}
	}
	return strings.Join(parts, ",")
}

// Package responder is the last pipeline stage: it asks the model for a
// reply to a work package, sends it on the messaging channel and stores it.
package responder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/channel"
	"github.com/zulandar/switchyard/internal/genai"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/store"
)

const (
	contextStart = "--- ADDITIONAL DOCUMENT CONTEXT ---"
	contextEnd   = "--- END OF CONTEXT ---"
)

// MessageStore is the subset of the message store the responder uses.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.Message) (*models.Message, bool, error)
	ReplyExists(ctx context.Context, replyToID uint, kind string) (bool, error)
	InterimExists(ctx context.Context, replyToID uint, attempt int) (bool, error)
}

// Publisher schedules follow-up work packages.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Publishing) error
}

// Opts holds parameters for creating a Responder.
type Opts struct {
	Store     MessageStore
	Publisher Publisher
	Generator genai.Generator
	Sender    channel.Sender

	SystemPrompt       string
	DocumentContext    string
	VerificationMarker string
	InterimReply       string
	BotSender          string

	// Follow-ups go to DelayedExchange with Queue as routing key. An empty
	// exchange or zero MaxFollowUps disables them.
	DelayedExchange string
	Queue           string
	FollowUpDelay   time.Duration
	MaxFollowUps    int

	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// Responder handles work packages from the responder queue.
type Responder struct {
	store   MessageStore
	pub     Publisher
	gen     genai.Generator
	sender  channel.Sender
	system  string
	marker  string
	interim string
	bot     string

	exchange     string
	queue        string
	delay        time.Duration
	maxFollowUps int

	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Responder.
func New(opts Opts) (*Responder, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("responder: store is required")
	case opts.Generator == nil:
		return nil, errors.New("responder: generator is required")
	case opts.Sender == nil:
		return nil, errors.New("responder: sender is required")
	}
	r := &Responder{
		store:        opts.Store,
		pub:          opts.Publisher,
		gen:          opts.Generator,
		sender:       opts.Sender,
		system:       opts.SystemPrompt,
		marker:       opts.VerificationMarker,
		interim:      opts.InterimReply,
		bot:          opts.BotSender,
		exchange:     opts.DelayedExchange,
		queue:        opts.Queue,
		delay:        opts.FollowUpDelay,
		maxFollowUps: opts.MaxFollowUps,
		log:          opts.Log,
		metrics:      opts.Metrics,
		now:          time.Now,
	}
	if opts.DocumentContext != "" {
		r.system += "\n\n" + contextStart + "\n" + opts.DocumentContext + "\n" + contextEnd
	}
	if r.exchange == "" || r.pub == nil || r.marker == "" {
		r.maxFollowUps = 0
	}
	return r, nil
}

// HandleDelivery processes one work package delivery.
func (r *Responder) HandleDelivery(ctx context.Context, d *queue.Delivery) queue.Outcome {
	wp, err := pipeline.DecodeWorkPackage(d.Body)
	if err != nil {
		r.log.Error().Err(err).Str("trace_id", d.TraceID()).Msg("undecodable work package")
		return queue.Reject
	}
	cur := wp.CurrentMessage
	traceID := cur.TraceID
	if traceID == "" {
		traceID = d.TraceID()
	}
	log := r.log.With().Str("trace_id", traceID).Str("message_id", cur.ID).Int("follow_up", wp.Attempt()).Logger()

	recipient := recipientOf(cur)
	if recipient == "" || strings.TrimSpace(cur.Text.Body) == "" {
		log.Warn().Msg("work package without sender or text, discarding")
		return queue.Ack
	}
	id, err := pipeline.ParseID(cur.ID)
	if err != nil {
		log.Error().Err(err).Msg("work package without a valid message id")
		return queue.Reject
	}
	log = logging.ForMessage(r.log, traceID, id).With().Int("follow_up", wp.Attempt()).Logger()

	answered, err := r.store.ReplyExists(ctx, id, store.KindReply)
	if err != nil {
		return r.beforeSend(log, err)
	}
	if answered {
		log.Info().Msg("already answered, skipping")
		return queue.Ack
	}

	start := time.Now()
	reply, err := r.gen.Generate(ctx, r.BuildPrompt(wp))
	r.metrics.ObserveExternal("generate", err, time.Since(start))
	if err != nil {
		if genai.IsTransient(err) {
			log.Warn().Err(err).Msg("reply generation failed, will retry")
			return queue.Retry
		}
		log.Error().Err(err).Msg("reply generation failed")
		return queue.Reject
	}

	if r.marker != "" && strings.Contains(reply, r.marker) {
		if wp.Attempt() < r.maxFollowUps {
			return r.scheduleFollowUp(ctx, log, wp, id, recipient, traceID)
		}
		reply = strings.TrimSpace(strings.ReplaceAll(reply, r.marker, ""))
	}
	return r.answer(ctx, log, cur, id, recipient, traceID, reply)
}

// answer sends the final reply and stores it.
func (r *Responder) answer(ctx context.Context, log zerolog.Logger, cur pipeline.Doc, id uint, recipient, traceID, reply string) queue.Outcome {
	reply = channel.Truncate(reply, r.sender.MaxLen())
	if err := r.send(ctx, recipient, reply); err != nil {
		return r.beforeSend(log, err)
	}

	replyTo := id
	_, _, err := r.store.Insert(ctx, &models.Message{
		ConversationID: conversationOf(cur),
		Sender:         r.bot,
		Role:           store.RoleAssistant,
		Kind:           store.KindReply,
		ReplyToID:      &replyTo,
		Body:           reply,
		TraceID:        traceID,
		SchemaVersion:  pipeline.SchemaVersion,
	})
	if err != nil {
		log.Error().Err(err).Msg("reply sent but not stored, dead-lettering")
		return queue.Reject
	}
	log.Info().Int("length", len([]rune(reply))).Msg("reply sent")
	return queue.Ack
}

// scheduleFollowUp sends the interim reply once per attempt and publishes
// the work package again through the delayed exchange.
func (r *Responder) scheduleFollowUp(ctx context.Context, log zerolog.Logger, wp pipeline.WorkPackage, id uint, recipient, traceID string) queue.Outcome {
	attempt := wp.Attempt()
	sent, err := r.store.InterimExists(ctx, id, attempt)
	if err != nil {
		return r.beforeSend(log, err)
	}
	if !sent {
		interim := channel.Truncate(r.interim, r.sender.MaxLen())
		if err := r.send(ctx, recipient, interim); err != nil {
			return r.beforeSend(log, err)
		}
		replyTo := id
		_, _, err := r.store.Insert(ctx, &models.Message{
			ConversationID: conversationOf(wp.CurrentMessage),
			Sender:         r.bot,
			Role:           store.RoleAssistant,
			Kind:           store.KindInterim,
			ReplyToID:      &replyTo,
			FollowUp:       attempt,
			Body:           interim,
			TraceID:        traceID,
			SchemaVersion:  pipeline.SchemaVersion,
		})
		if err != nil {
			log.Error().Err(err).Msg("interim reply sent but not stored, dead-lettering")
			return queue.Reject
		}
	}

	wp.FollowUp = &pipeline.FollowUp{
		Attempt:     attempt + 1,
		ScheduledAt: pipeline.FormatTime(r.now().Add(r.delay)),
	}
	body, err := wp.Encode()
	if err != nil {
		log.Error().Err(err).Msg("encode follow-up")
		return queue.Reject
	}
	err = r.pub.Publish(ctx, queue.Publishing{
		Exchange:   r.exchange,
		RoutingKey: r.queue,
		Body:       body,
		MessageID:  wp.CurrentMessage.ID,
		TraceID:    traceID,
		Delay:      r.delay,
	})
	if err != nil {
		// The interim row makes a retry skip the second send.
		if queue.IsUnavailable(err) {
			log.Warn().Err(err).Msg("schedule follow-up failed, will retry")
			return queue.Retry
		}
		log.Error().Err(err).Msg("schedule follow-up failed")
		return queue.Reject
	}
	log.Info().Int("next_attempt", attempt+1).Dur("delay", r.delay).Msg("follow-up scheduled")
	return queue.Ack
}

func (r *Responder) send(ctx context.Context, recipient, text string) error {
	start := time.Now()
	err := r.sender.Send(ctx, recipient, text)
	r.metrics.ObserveExternal("send", err, time.Since(start))
	return err
}

// beforeSend maps a failure that happened before anything reached the user.
func (r *Responder) beforeSend(log zerolog.Logger, err error) queue.Outcome {
	if store.IsTransient(err) || channel.IsTransient(err) || queue.IsUnavailable(err) {
		log.Warn().Err(err).Msg("transient failure, will retry")
		return queue.Retry
	}
	log.Error().Err(err).Msg("permanent failure")
	return queue.Reject
}

// BuildPrompt turns a work package into the model prompt: the system
// instruction with any document context, the history, then the current
// message. User turns keep the user role; every other role is the model's.
func (r *Responder) BuildPrompt(wp pipeline.WorkPackage) genai.Prompt {
	p := genai.Prompt{System: r.system}
	for _, h := range wp.History {
		if strings.TrimSpace(h.Text.Body) == "" {
			continue
		}
		role := genai.RoleModel
		if h.Role == store.RoleUser {
			role = genai.RoleUser
		}
		p.Turns = append(p.Turns, genai.Turn{Role: role, Text: h.Text.Body})
	}
	p.Turns = append(p.Turns, genai.Turn{Role: genai.RoleUser, Text: wp.CurrentMessage.Text.Body})
	return p
}

func recipientOf(d pipeline.Doc) string {
	if d.From != "" {
		return d.From
	}
	return d.ConversationID
}

func conversationOf(d pipeline.Doc) string {
	if d.ConversationID != "" {
		return d.ConversationID
	}
	return d.From
}

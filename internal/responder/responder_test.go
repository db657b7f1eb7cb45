package responder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/channel"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/genai"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/store"
)

// --- fakes ---

type fakeGenerator struct {
	replies []string
	errs    []error
	prompts []genai.Prompt
}

func (f *fakeGenerator) Generate(ctx context.Context, p genai.Prompt) (string, error) {
	f.prompts = append(f.prompts, p)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(f.replies) == 0 {
		return "ok", nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

type sent struct {
	to, text string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sent
	errs   []error
	maxLen int
}

func (f *fakeSender) Send(ctx context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sent{recipient, text})
	return nil
}

func (f *fakeSender) MaxLen() int {
	if f.maxLen == 0 {
		return 4096
	}
	return f.maxLen
}

type fakePublisher struct {
	msgs []queue.Publishing
	errs []error
}

func (f *fakePublisher) Publish(ctx context.Context, msg queue.Publishing) error {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

// --- helpers ---

type fixture struct {
	store *store.Store
	gen   *fakeGenerator
	send  *fakeSender
	pub   *fakePublisher
	r     *Responder
}

func newFixture(t *testing.T, mutate ...func(*Opts)) *fixture {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "responder.db"),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })

	f := &fixture{
		store: store.New(store.Opts{DB: gdb, LegacySenderFallback: true}),
		gen:   &fakeGenerator{},
		send:  &fakeSender{},
		pub:   &fakePublisher{},
	}
	opts := Opts{
		Store:              f.store,
		Publisher:          f.pub,
		Generator:          f.gen,
		Sender:             f.send,
		SystemPrompt:       "be helpful",
		VerificationMarker: "[[VERIFY]]",
		InterimReply:       "one moment",
		BotSender:          "chatbot",
		DelayedExchange:    "delayed_messages",
		Queue:              "ia_messages",
		FollowUpDelay:      5 * time.Second,
		MaxFollowUps:       2,
		Log:                zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.r, err = New(opts)
	if err != nil {
		t.Fatal(err)
	}
	f.r.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

// workPackage stores the user message and returns a delivery for it.
func (f *fixture) workPackage(t *testing.T, body string, attempt int) *queue.Delivery {
	t.Helper()
	m, _, err := f.store.Insert(context.Background(), &models.Message{
		ConversationID: "5511", Sender: "5511", Body: body, TraceID: "trace-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	wp := pipeline.WorkPackage{CurrentMessage: store.ToDoc(m)}
	if attempt > 0 {
		wp.FollowUp = &pipeline.FollowUp{Attempt: attempt}
	}
	data, err := wp.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return queue.NewDelivery(amqp.Delivery{Body: data, Headers: amqp.Table{pipeline.HeaderTraceID: "trace-1"}})
}

func (f *fixture) assistantRows(t *testing.T) []models.Message {
	t.Helper()
	var rows []models.Message
	if err := f.store.DB().Where("role = ?", store.RoleAssistant).Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatal(err)
	}
	return rows
}

// --- tests ---

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{Generator: &fakeGenerator{}, Sender: &fakeSender{}}); err == nil {
		t.Error("expected error without store")
	}
}

func TestHandleDelivery_Reply(t *testing.T) {
	f := newFixture(t)
	f.gen.replies = []string{"Our hours are 9 to 18."}

	if got := f.r.HandleDelivery(context.Background(), f.workPackage(t, "when are you open?", 0)); got != queue.Ack {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.send.sent) != 1 || f.send.sent[0] != (sent{"5511", "Our hours are 9 to 18."}) {
		t.Errorf("sent = %+v", f.send.sent)
	}
	rows := f.assistantRows(t)
	if len(rows) != 1 {
		t.Fatalf("stored %d assistant rows, want 1", len(rows))
	}
	r := rows[0]
	if r.Kind != store.KindReply || r.Status != store.StatusProcessed || r.Sender != "chatbot" {
		t.Errorf("row = kind %s status %s sender %s", r.Kind, r.Status, r.Sender)
	}
	if r.ReplyToID == nil || *r.ReplyToID != 1 || r.ConversationID != "5511" || r.TraceID != "trace-1" {
		t.Errorf("row links = %+v", r)
	}
	if len(f.pub.msgs) != 0 {
		t.Errorf("published %d follow-ups, want 0", len(f.pub.msgs))
	}
}

func TestHandleDelivery_MarkerSchedulesOneFollowUp(t *testing.T) {
	f := newFixture(t)
	f.gen.replies = []string{"Let me check the order status [[VERIFY]]"}

	if got := f.r.HandleDelivery(context.Background(), f.workPackage(t, "where is my order?", 0)); got != queue.Ack {
		t.Fatalf("outcome = %v, want ack", got)
	}

	if len(f.send.sent) != 1 || f.send.sent[0].text != "one moment" {
		t.Errorf("sent = %+v, want the interim reply only", f.send.sent)
	}
	rows := f.assistantRows(t)
	if len(rows) != 1 {
		t.Fatalf("stored %d assistant rows, want 1", len(rows))
	}
	if rows[0].Role != store.RoleAssistant || rows[0].Kind != store.KindInterim || rows[0].FollowUp != 0 {
		t.Errorf("interim row = %+v", rows[0])
	}

	if len(f.pub.msgs) != 1 {
		t.Fatalf("published %d follow-ups, want 1", len(f.pub.msgs))
	}
	pub := f.pub.msgs[0]
	if pub.Exchange != "delayed_messages" || pub.RoutingKey != "ia_messages" {
		t.Errorf("published to %s/%s", pub.Exchange, pub.RoutingKey)
	}
	if pub.TraceID != "trace-1" || pub.Delay != 5*time.Second {
		t.Errorf("trace = %q delay = %v", pub.TraceID, pub.Delay)
	}
	wp, err := pipeline.DecodeWorkPackage(pub.Body)
	if err != nil {
		t.Fatal(err)
	}
	if wp.Attempt() != 1 || wp.FollowUp.ScheduledAt != "2026-05-01T12:00:05Z" {
		t.Errorf("follow-up = %+v", wp.FollowUp)
	}
	if wp.CurrentMessage.TraceID != "trace-1" || wp.CurrentMessage.Text.Body != "where is my order?" {
		t.Errorf("current message = %+v", wp.CurrentMessage)
	}
}

func TestHandleDelivery_FollowUpsExhaustedAnswers(t *testing.T) {
	f := newFixture(t)
	f.gen.replies = []string{"Your order shipped. [[VERIFY]]"}

	if got := f.r.HandleDelivery(context.Background(), f.workPackage(t, "where is my order?", 2)); got != queue.Ack {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.pub.msgs) != 0 {
		t.Errorf("published %d follow-ups, want 0", len(f.pub.msgs))
	}
	if len(f.send.sent) != 1 || f.send.sent[0].text != "Your order shipped." {
		t.Errorf("sent = %+v", f.send.sent)
	}
}

func TestHandleDelivery_FollowUpsDisabledWithoutExchange(t *testing.T) {
	f := newFixture(t, func(o *Opts) { o.DelayedExchange = "" })
	f.gen.replies = []string{"[[VERIFY]] checking"}

	if got := f.r.HandleDelivery(context.Background(), f.workPackage(t, "hi", 0)); got != queue.Ack {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.send.sent) != 1 || f.send.sent[0].text != "checking" {
		t.Errorf("sent = %+v", f.send.sent)
	}
}

func TestHandleDelivery_FollowUpPublishRetryDoesNotResendInterim(t *testing.T) {
	f := newFixture(t)
	f.gen.replies = []string{"[[VERIFY]]"}
	f.pub.errs = []error{fmt.Errorf("%w: channel closed", queue.ErrUnavailable)}

	d := f.workPackage(t, "status?", 0)
	if got := f.r.HandleDelivery(context.Background(), d); got != queue.Retry {
		t.Fatalf("outcome = %v, want retry", got)
	}
	if got := f.r.HandleDelivery(context.Background(), d); got != queue.Ack {
		t.Fatalf("second outcome = %v, want ack", got)
	}
	if len(f.send.sent) != 1 {
		t.Errorf("interim sent %d times, want 1", len(f.send.sent))
	}
	if len(f.assistantRows(t)) != 1 {
		t.Errorf("interim stored more than once")
	}
	if len(f.pub.msgs) != 1 {
		t.Errorf("published %d follow-ups, want 1", len(f.pub.msgs))
	}
}

func TestHandleDelivery_AlreadyAnswered(t *testing.T) {
	f := newFixture(t)
	d := f.workPackage(t, "hi", 0)
	if got := f.r.HandleDelivery(context.Background(), d); got != queue.Ack {
		t.Fatalf("outcome = %v", got)
	}
	if got := f.r.HandleDelivery(context.Background(), d); got != queue.Ack {
		t.Fatalf("redelivery outcome = %v", got)
	}
	if len(f.gen.prompts) != 1 || len(f.send.sent) != 1 {
		t.Errorf("generate calls = %d, sends = %d; want 1 each", len(f.gen.prompts), len(f.send.sent))
	}
}

func TestHandleDelivery_MissingSenderOrText(t *testing.T) {
	f := newFixture(t)
	for _, doc := range []pipeline.Doc{
		{ID: "1", Text: pipeline.Text{Body: "hi"}},
		{ID: "1", From: "5511"},
	} {
		data, _ := pipeline.WorkPackage{CurrentMessage: doc}.Encode()
		if got := f.r.HandleDelivery(context.Background(), queue.NewDelivery(amqp.Delivery{Body: data})); got != queue.Ack {
			t.Errorf("outcome = %v, want ack", got)
		}
	}
	if len(f.gen.prompts) != 0 {
		t.Errorf("generate called %d times, want 0", len(f.gen.prompts))
	}
}

func TestHandleDelivery_Undecodable(t *testing.T) {
	f := newFixture(t)
	if got := f.r.HandleDelivery(context.Background(), queue.NewDelivery(amqp.Delivery{Body: []byte("{")})); got != queue.Reject {
		t.Errorf("outcome = %v, want reject", got)
	}
	data, _ := pipeline.WorkPackage{CurrentMessage: pipeline.Doc{ID: "abc", From: "5511", Text: pipeline.Text{Body: "x"}}}.Encode()
	if got := f.r.HandleDelivery(context.Background(), queue.NewDelivery(amqp.Delivery{Body: data})); got != queue.Reject {
		t.Errorf("bad id outcome = %v, want reject", got)
	}
}

func TestHandleDelivery_GenerateErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want queue.Outcome
	}{
		{"transient", &genai.StatusError{Code: 503}, queue.Retry},
		{"permanent", fmt.Errorf("%w: bad request", genai.ErrPermanent), queue.Reject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gen.errs = []error{tt.err}
			if got := f.r.HandleDelivery(context.Background(), f.workPackage(t, "hi", 0)); got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
			if len(f.send.sent) != 0 {
				t.Errorf("sent %d messages, want 0", len(f.send.sent))
			}
		})
	}
}

func TestHandleDelivery_SendErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want queue.Outcome
	}{
		{"transient", fmt.Errorf("whatsapp: %w: status 503", channel.ErrTransient), queue.Retry},
		{"permanent", errors.New("whatsapp: status 400"), queue.Reject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.send.errs = []error{tt.err}
			if got := f.r.HandleDelivery(context.Background(), f.workPackage(t, "hi", 0)); got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
			if rows := f.assistantRows(t); len(rows) != 0 {
				t.Errorf("stored %d replies after a failed send, want 0", len(rows))
			}
		})
	}
}

func TestHandleDelivery_TruncatesToChannelMax(t *testing.T) {
	f := newFixture(t)
	f.send.maxLen = 10
	f.gen.replies = []string{strings.Repeat("ã", 25)}

	if got := f.r.HandleDelivery(context.Background(), f.workPackage(t, "hi", 0)); got != queue.Ack {
		t.Fatalf("outcome = %v", got)
	}
	if got := f.send.sent[0].text; got != strings.Repeat("ã", 10) {
		t.Errorf("sent %q", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	f := newFixture(t, func(o *Opts) { o.DocumentContext = "Plan A costs 10." })
	wp := pipeline.WorkPackage{
		CurrentMessage: pipeline.Doc{Text: pipeline.Text{Body: "and plan B?"}},
		History: []pipeline.Doc{
			{Role: "user", Text: pipeline.Text{Body: "how much is plan A?"}},
			{Role: "assistant", Text: pipeline.Text{Body: "10."}},
			{Role: "ia", Text: pipeline.Text{Body: "legacy bot row"}},
			{Role: "user", Text: pipeline.Text{Body: "  "}},
		},
	}
	p := f.r.BuildPrompt(wp)

	if !strings.HasPrefix(p.System, "be helpful") ||
		!strings.Contains(p.System, "--- ADDITIONAL DOCUMENT CONTEXT ---\nPlan A costs 10.\n--- END OF CONTEXT ---") {
		t.Errorf("System = %q", p.System)
	}
	want := []genai.Turn{
		{Role: genai.RoleUser, Text: "how much is plan A?"},
		{Role: genai.RoleModel, Text: "10."},
		{Role: genai.RoleModel, Text: "legacy bot row"},
		{Role: genai.RoleUser, Text: "and plan B?"},
	}
	if len(p.Turns) != len(want) {
		t.Fatalf("turns = %+v", p.Turns)
	}
	for i := range want {
		if p.Turns[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, p.Turns[i], want[i])
		}
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/pipeline"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "store.db"),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	return gdb
}

func testStore(t *testing.T, fallback bool) *Store {
	t.Helper()
	return New(Opts{DB: testDB(t), LegacySenderFallback: fallback})
}

func strPtr(s string) *string { return &s }

func insertUser(t *testing.T, s *Store, conv, sender, body string) *models.Message {
	t.Helper()
	m, created, err := s.Insert(context.Background(), &models.Message{
		ConversationID: conv,
		Sender:         sender,
		Body:           body,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !created {
		t.Fatal("Insert: created = false")
	}
	return m
}

func TestInsert_AssignsIDAndPending(t *testing.T) {
	s := testStore(t, true)
	m, created, err := s.Insert(context.Background(), &models.Message{
		ConversationID: "c-1",
		Sender:         "5511",
		Body:           "oi",
		Status:         StatusProcessed, // ignored for user messages
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if m.ID == 0 {
		t.Error("ID not assigned")
	}
	if m.Status != StatusPending {
		t.Errorf("Status = %q, want pending", m.Status)
	}
	if m.Role != RoleUser || m.Kind != KindInbound {
		t.Errorf("Role/Kind = %q/%q, want user/inbound", m.Role, m.Kind)
	}
	if m.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestInsert_AssistantIsProcessed(t *testing.T) {
	s := testStore(t, true)
	user := insertUser(t, s, "c", "5511", "oi")
	reply, _, err := s.Insert(context.Background(), &models.Message{
		ConversationID: "c",
		Sender:         "chatbot",
		Role:           RoleAssistant,
		Kind:           KindReply,
		ReplyToID:      &user.ID,
		Body:           "olá",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if reply.Status != StatusProcessed {
		t.Errorf("Status = %q, want processed", reply.Status)
	}
}

func TestInsert_DuplicateExternalID(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()

	first, created, err := s.Insert(ctx, &models.Message{ExternalID: strPtr("wamid.1"), Sender: "5511", Body: "a"})
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	second, created, err := s.Insert(ctx, &models.Message{ExternalID: strPtr("wamid.1"), Sender: "5511", Body: "a"})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Error("created = true for duplicate external id")
	}
	if second.ID != first.ID {
		t.Errorf("ID = %d, want existing %d", second.ID, first.ID)
	}

	var n int64
	s.DB().Model(&models.Message{}).Count(&n)
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestInsert_EmptyExternalIDIsNotUnique(t *testing.T) {
	s := testStore(t, true)
	for i := 0; i < 2; i++ {
		_, created, err := s.Insert(context.Background(), &models.Message{ExternalID: strPtr(""), Sender: "x"})
		if err != nil || !created {
			t.Fatalf("insert %d: created=%v err=%v", i, created, err)
		}
	}
}

func TestClaimOnePending_OldestFirst(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()
	a := insertUser(t, s, "c", "5511", "a")
	b := insertUser(t, s, "c", "5511", "b")

	got, err := s.ClaimOnePending(ctx)
	if err != nil {
		t.Fatalf("ClaimOnePending: %v", err)
	}
	if got == nil || got.ID != a.ID {
		t.Fatalf("claimed %+v, want id %d", got, a.ID)
	}
	if got.Status != StatusProcessing || got.ClaimedAt == nil {
		t.Errorf("claimed status=%q claimedAt=%v", got.Status, got.ClaimedAt)
	}

	got, _ = s.ClaimOnePending(ctx)
	if got == nil || got.ID != b.ID {
		t.Fatalf("second claim %+v, want id %d", got, b.ID)
	}

	got, err = s.ClaimOnePending(ctx)
	if err != nil || got != nil {
		t.Fatalf("empty claim = %+v, %v; want nil, nil", got, err)
	}
}

func TestClaimOnePending_SkipsAssistantRows(t *testing.T) {
	s := testStore(t, true)
	user := insertUser(t, s, "c", "5511", "a")
	s.Insert(context.Background(), &models.Message{Role: RoleAssistant, Kind: KindReply, ReplyToID: &user.ID})
	s.Transition(context.Background(), user.ID, StatusProcessing, "")

	got, err := s.ClaimOnePending(context.Background())
	if err != nil || got != nil {
		t.Fatalf("claim = %+v, %v; want nothing", got, err)
	}
}

func TestClaimOnePending_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := testStore(t, true)
	const total = 20
	for i := 0; i < total; i++ {
		insertUser(t, s, "c", "5511", fmt.Sprintf("m%d", i))
	}

	var (
		mu      sync.Mutex
		claimed = map[uint]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, err := s.ClaimOnePending(context.Background())
				if err != nil {
					t.Errorf("ClaimOnePending: %v", err)
					return
				}
				if m == nil {
					return
				}
				mu.Lock()
				claimed[m.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != total {
		t.Errorf("claimed %d distinct messages, want %d", len(claimed), total)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("message %d claimed %d times", id, n)
		}
	}
}

func TestClaimStale(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	m := insertUser(t, s, "c", "5511", "a")
	insertUser(t, s, "c", "5511", "b")
	if got, err := s.ClaimOnePending(ctx); err != nil || got == nil || got.ID != m.ID {
		t.Fatalf("ClaimOnePending = %+v, %v", got, err)
	}

	s.now = func() time.Time { return t0.Add(time.Minute) }
	got, err := s.ClaimStale(ctx, 5*time.Minute)
	if err != nil || got != nil {
		t.Fatalf("fresh claim taken over: %+v, %v", got, err)
	}

	later := t0.Add(10 * time.Minute)
	s.now = func() time.Time { return later }
	got, err = s.ClaimStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimStale: %v", err)
	}
	if got == nil || got.ID != m.ID {
		t.Fatalf("ClaimStale = %+v, want id %d", got, m.ID)
	}
	stored, _ := s.Get(ctx, m.ID)
	if stored.Status != StatusProcessing || stored.ClaimedAt == nil || !stored.ClaimedAt.Equal(later) {
		t.Errorf("stored = %s claimed_at=%v, want processing at %v", stored.Status, stored.ClaimedAt, later)
	}

	// The refreshed claim is no longer stale; the pending row is never touched.
	if got, _ := s.ClaimStale(ctx, 5*time.Minute); got != nil {
		t.Errorf("second ClaimStale = %+v, want nil", got)
	}
}

func TestClaimByID(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()
	m := insertUser(t, s, "c", "5511", "a")

	got, err := s.ClaimByID(ctx, m.ID, false)
	if err != nil || got == nil {
		t.Fatalf("first claim = %v, %v", got, err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("Status = %q, want processing", got.Status)
	}

	got, err = s.ClaimByID(ctx, m.ID, false)
	if err != nil || got != nil {
		t.Fatalf("second claim = %v, %v; want nil, nil", got, err)
	}

	got, err = s.ClaimByID(ctx, m.ID, true)
	if err != nil || got == nil {
		t.Fatalf("resume claim = %v, %v; want the message", got, err)
	}

	if err := s.Transition(ctx, m.ID, StatusProcessed, ""); err != nil {
		t.Fatal(err)
	}
	got, err = s.ClaimByID(ctx, m.ID, true)
	if err != nil || got != nil {
		t.Fatalf("claim of processed = %v, %v; want nil, nil", got, err)
	}

	_, err = s.ClaimByID(ctx, 9999, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id error = %v, want ErrNotFound", err)
	}
}

func TestTransition_ForwardOnly(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()
	m := insertUser(t, s, "c", "5511", "a")

	if err := s.Transition(ctx, m.ID, StatusProcessed, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> processed error = %v, want ErrInvalidTransition", err)
	}
	if err := s.Transition(ctx, m.ID, StatusProcessing, ""); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := s.Transition(ctx, m.ID, StatusProcessing, ""); err != nil {
		t.Errorf("repeat processing should be a no-op, got %v", err)
	}
	if err := s.Transition(ctx, m.ID, StatusFailed, "conversation key not found"); err != nil {
		t.Fatalf("processing -> failed: %v", err)
	}
	if err := s.Transition(ctx, m.ID, StatusProcessed, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed -> processed error = %v, want ErrInvalidTransition", err)
	}
	if err := s.Transition(ctx, m.ID, StatusPending, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("-> pending error = %v, want ErrInvalidTransition", err)
	}

	got, _ := s.Get(ctx, m.ID)
	if got.Status != StatusFailed || got.FailureReason != "conversation key not found" {
		t.Errorf("stored = %q / %q", got.Status, got.FailureReason)
	}

	if err := s.Transition(ctx, 9999, StatusProcessing, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id error = %v, want ErrNotFound", err)
	}
}

func TestSetBody(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()
	m := insertUser(t, s, "c", "5511", "Meu email é a@b.com")

	if err := s.SetBody(ctx, m.ID, "Meu email é ***MASKED_EMAIL***"); err != nil {
		t.Fatalf("SetBody: %v", err)
	}
	got, _ := s.Get(ctx, m.ID)
	if got.Body != "Meu email é ***MASKED_EMAIL***" {
		t.Errorf("Body = %q", got.Body)
	}
	if err := s.SetBody(ctx, 9999, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id error = %v, want ErrNotFound", err)
	}
}

func TestHistory_OrderAndBound(t *testing.T) {
	s := testStore(t, false)
	ctx := context.Background()
	var ids []uint
	for i := 0; i < 5; i++ {
		ids = append(ids, insertUser(t, s, "c-1", "5511", fmt.Sprintf("m%d", i)).ID)
	}
	insertUser(t, s, "c-2", "5522", "other conversation")
	current := insertUser(t, s, "c-1", "5511", "current")

	docs, err := s.History(ctx, "c-1", current.ID, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("len = %d, want 3", len(docs))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if docs[i].Text.Body != want {
			t.Errorf("docs[%d] = %q, want %q (oldest to newest)", i, docs[i].Text.Body, want)
		}
	}
	if docs[0].ID != fmt.Sprint(ids[2]) {
		t.Errorf("docs[0].ID = %q, want %d", docs[0].ID, ids[2])
	}
	if docs[0].CreatedAt == "" || docs[0].Role != RoleUser {
		t.Errorf("doc fields = %+v", docs[0])
	}
}

func TestHistory_ExcludesCurrentAndNewer(t *testing.T) {
	s := testStore(t, false)
	ctx := context.Background()
	older := insertUser(t, s, "c", "5511", "older")
	current := insertUser(t, s, "c", "5511", "current")
	insertUser(t, s, "c", "5511", "newer")

	docs, err := s.History(ctx, "c", current.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != fmt.Sprint(older.ID) {
		t.Errorf("docs = %+v, want only the older message", docs)
	}
}

func TestHistory_LegacySenderFallback(t *testing.T) {
	gdb := testDB(t)
	ctx := context.Background()
	legacy := New(Opts{DB: gdb, LegacySenderFallback: true})
	strict := New(Opts{DB: gdb, LegacySenderFallback: false})

	// A row written before conversation ids existed.
	insertUser(t, legacy, "", "5511", "legacy row")
	current := insertUser(t, legacy, "5511", "5511", "current")

	docs, err := legacy.History(ctx, "5511", current.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Text.Body != "legacy row" {
		t.Errorf("fallback history = %+v, want the legacy row", docs)
	}

	docs, err = strict.History(ctx, "5511", current.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("strict history = %+v, want empty", docs)
	}
}

func TestHistory_Empty(t *testing.T) {
	s := testStore(t, true)
	docs, err := s.History(context.Background(), "", 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if docs == nil || len(docs) != 0 {
		t.Errorf("docs = %#v, want empty non-nil slice", docs)
	}
}

func TestReplyAndInterimExists(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()
	user := insertUser(t, s, "c", "5511", "a")

	ok, err := s.ReplyExists(ctx, user.ID, KindReply)
	if err != nil || ok {
		t.Fatalf("ReplyExists before = %v, %v", ok, err)
	}

	s.Insert(ctx, &models.Message{Role: RoleAssistant, Kind: KindInterim, ReplyToID: &user.ID, FollowUp: 0})
	if ok, _ := s.InterimExists(ctx, user.ID, 0); !ok {
		t.Error("InterimExists(0) = false, want true")
	}
	if ok, _ := s.InterimExists(ctx, user.ID, 1); ok {
		t.Error("InterimExists(1) = true, want false")
	}
	if ok, _ := s.ReplyExists(ctx, user.ID, KindReply); ok {
		t.Error("an interim is not a reply")
	}

	s.Insert(ctx, &models.Message{Role: RoleAssistant, Kind: KindReply, ReplyToID: &user.ID})
	if ok, _ := s.ReplyExists(ctx, user.ID, KindReply); !ok {
		t.Error("ReplyExists after = false, want true")
	}
}

func TestBackfill(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		insertUser(t, s, "", fmt.Sprintf("55%d", i), "legacy")
	}
	insertUser(t, s, "c-new", "5599", "new")
	insertUser(t, s, "", "", "no sender")

	n, err := s.Backfill(ctx, 2)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 5 {
		t.Errorf("Backfill = %d, want 5", n)
	}

	var rows []models.Message
	s.DB().Order("id").Find(&rows)
	for _, r := range rows[:5] {
		if r.ConversationID != r.Sender {
			t.Errorf("row %d conversation_id = %q, want sender %q", r.ID, r.ConversationID, r.Sender)
		}
	}
	if rows[5].ConversationID != "c-new" {
		t.Errorf("existing conversation id changed to %q", rows[5].ConversationID)
	}

	n, _ = s.Backfill(ctx, 2)
	if n != 0 {
		t.Errorf("second Backfill = %d, want 0", n)
	}
}

func TestCountByStatus(t *testing.T) {
	s := testStore(t, true)
	ctx := context.Background()
	a := insertUser(t, s, "c", "5511", "a")
	insertUser(t, s, "c", "5511", "b")
	s.Transition(ctx, a.ID, StatusProcessing, "")

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusPending] != 1 || counts[StatusProcessing] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestWrap_Transient(t *testing.T) {
	s := New(Opts{})
	err := s.wrap("get 1", context.DeadlineExceeded)
	if !IsTransient(err) {
		t.Errorf("deadline exceeded should be transient: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause should remain inspectable")
	}
	if IsTransient(s.wrap("get 1", errors.New("syntax error"))) {
		t.Error("syntax error should not be transient")
	}
	if !errors.Is(s.wrap("get 1", gorm.ErrRecordNotFound), ErrNotFound) {
		t.Error("record not found should map to ErrNotFound")
	}
}

func TestFromInbound(t *testing.T) {
	row := FromInbound(pipeline.Message{
		Version:    pipeline.SchemaVersion,
		ExternalID: "wamid.1",
		From:       "5511",
		Text:       pipeline.Text{Body: "oi"},
	})
	if row.ConversationID != "5511" || row.Sender != "5511" || row.Body != "oi" {
		t.Errorf("row = %+v", row)
	}
	if row.ExternalID == nil || *row.ExternalID != "wamid.1" {
		t.Errorf("ExternalID = %v", row.ExternalID)
	}
	if row.TraceID == "" {
		t.Error("missing trace id should be generated")
	}
	if row.Role != RoleUser || row.Kind != KindInbound || row.SchemaVersion != pipeline.SchemaVersion {
		t.Errorf("row = %+v", row)
	}

	kept := FromInbound(pipeline.Message{ConversationID: "conv-1", From: "5511", TraceID: "t-1"})
	if kept.ConversationID != "conv-1" || kept.TraceID != "t-1" || kept.ExternalID != nil {
		t.Errorf("row = %+v", kept)
	}
}

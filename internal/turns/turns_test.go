package turns

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spiralogic/oracle/internal/llm"
	"github.com/spiralogic/oracle/internal/memory"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func testTurn(id string) Turn {
	return Turn{
		ID:           id,
		UserID:       "u1",
		SessionID:    "s1",
		InputText:    "hello",
		ReplyText:    "hi there",
		ProviderUsed: "primary",
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to VoiceStatus
		want     bool
	}{
		{VoiceNone, VoiceQueued, true},
		{VoiceQueued, VoiceReady, true},
		{VoiceQueued, VoiceFailed, true},
		{VoiceNone, VoiceReady, false},
		{VoiceNone, VoiceFailed, false},
		{VoiceReady, VoiceFailed, false},
		{VoiceFailed, VoiceReady, false},
		{VoiceReady, VoiceQueued, false},
		{VoiceQueued, VoiceNone, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStore_InsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := testTurn("t1")
	tr.VoiceStatus = VoiceReady // ignored: new turns start at none
	inserted, err := s.Insert(ctx, tr)
	if err != nil || !inserted {
		t.Fatalf("Insert = %v, %v", inserted, err)
	}

	tr.ReplyText = "changed"
	inserted, err = s.Insert(ctx, tr)
	if err != nil || inserted {
		t.Fatalf("second Insert = %v, %v; want false, nil", inserted, err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ReplyText != "hi there" || got.VoiceStatus != VoiceNone {
		t.Errorf("stored turn = %+v", got)
	}
	if !got.CreatedAt.Equal(tr.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, tr.CreatedAt)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	_, err := newTestStore(t).Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_TransitionVoiceMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Insert(ctx, testTurn("t1")); err != nil {
		t.Fatal(err)
	}

	if err := s.TransitionVoice(ctx, "t1", VoiceNone, VoiceQueued, VoiceUpdate{TaskID: "task-1"}); err != nil {
		t.Fatalf("none→queued: %v", err)
	}
	if err := s.TransitionVoice(ctx, "t1", VoiceQueued, VoiceFailed, VoiceUpdate{Reason: "all providers failed"}); err != nil {
		t.Fatalf("queued→failed: %v", err)
	}

	// A late ready after failed must not change anything.
	err := s.TransitionVoice(ctx, "t1", VoiceQueued, VoiceReady, VoiceUpdate{AudioRef: "late.mp3"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("late ready err = %v, want ErrInvalidTransition", err)
	}
	err = s.TransitionVoice(ctx, "t1", VoiceFailed, VoiceReady, VoiceUpdate{AudioRef: "late.mp3"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed→ready err = %v, want ErrInvalidTransition", err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.VoiceStatus != VoiceFailed || got.AudioRef != "" {
		t.Errorf("status=%s audio=%q, want failed and no audio", got.VoiceStatus, got.AudioRef)
	}
	if got.VoiceTaskID != "task-1" || got.VoiceReason != "all providers failed" {
		t.Errorf("task=%q reason=%q", got.VoiceTaskID, got.VoiceReason)
	}
}

func TestStore_TransitionVoiceNotFound(t *testing.T) {
	err := newTestStore(t).TransitionVoice(context.Background(), "missing", VoiceNone, VoiceQueued, VoiceUpdate{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ConcurrentTerminalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Insert(ctx, testTurn("t1")); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionVoice(ctx, "t1", VoiceNone, VoiceQueued, VoiceUpdate{}); err != nil {
		t.Fatal(err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		to := VoiceReady
		if i%2 == 1 {
			to = VoiceFailed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.TransitionVoice(ctx, "t1", VoiceQueued, to, VoiceUpdate{}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Errorf("%d terminal transitions succeeded, want exactly 1", succeeded)
	}
}

func TestStore_StuckQueuedAndListSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	for _, id := range []string{"a", "b", "c"} {
		tr := testTurn(id)
		tr.CreatedAt = base.Add(time.Duration(len(id)) * time.Second)
		if _, err := s.Insert(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.TransitionVoice(ctx, "a", VoiceNone, VoiceQueued, VoiceUpdate{}); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(time.Hour) }
	if err := s.TransitionVoice(ctx, "b", VoiceNone, VoiceQueued, VoiceUpdate{}); err != nil {
		t.Fatal(err)
	}

	stuck, err := s.StuckQueued(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("StuckQueued: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "a" {
		t.Errorf("stuck = %+v, want [a]", stuck)
	}

	list, err := s.ListSession(ctx, "u1", "s1", 10)
	if err != nil {
		t.Fatalf("ListSession: %v", err)
	}
	if len(list) != 3 {
		t.Errorf("ListSession = %d turns, want 3", len(list))
	}
}

func TestKeywordExtractor(t *testing.T) {
	tags, err := KeywordExtractor{Max: 2}.Extract(context.Background(),
		"The river again. I keep dreaming of the river and the dark water, dark water everywhere.", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"dark", "river"}
	if !reflect.DeepEqual(tags, want) {
		// "dark", "river" and "water" each appear twice; ties break alphabetically.
		t.Errorf("tags = %v, want %v", tags, want)
	}
}

type stubLLM struct {
	content string
	err     error
}

func (s stubLLM) Chat(ctx context.Context, model string, msgs []llm.Message) (*llm.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Message: llm.Assistant(s.content)}, nil
}

func (s stubLLM) Ping(context.Context) error { return nil }

func TestLLMExtractor(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{"plain", `{"themes": ["Water", "sister", "water"]}`, []string{"water", "sister"}, false},
		{"fenced", "```json\n{\"themes\": [\"career change\"]}\n```", []string{"career change"}, false},
		{"empty", `{"themes": []}`, nil, false},
		{"garbage", "I think the themes are water", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewLLMExtractor(stubLLM{content: tt.content}, "m", nil)
			got, err := e.Extract(context.Background(), "in", "out")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tags = %v, want %v", got, tt.want)
			}
		})
	}
}

type recordingLayers struct {
	mu       sync.Mutex
	sessions []memory.SessionEntry
	journal  []memory.JournalEntry
	themes   []string
	err      error
}

func (r *recordingLayers) appendSession(e memory.SessionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, e)
	return r.err
}

type sessionRec struct{ *recordingLayers }

func (s sessionRec) Append(ctx context.Context, e memory.SessionEntry) error {
	return s.appendSession(e)
}

type journalRec struct{ *recordingLayers }

func (j journalRec) Append(ctx context.Context, e memory.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.journal = append(j.journal, e)
	return nil
}

func (r *recordingLayers) Observe(ctx context.Context, userID, turnID string, tags []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.themes = append(r.themes, tags...)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPersister_PersistAndEnrich(t *testing.T) {
	store := newTestStore(t)
	rec := &recordingLayers{}
	p := NewPersister(store, sessionRec{rec}, journalRec{rec}, rec,
		WithExtractor(ExtractorFunc(func(ctx context.Context, in, out string) ([]string, error) {
			return []string{"greeting"}, nil
		})),
		WithLogger(quietLogger()),
	)
	ctx := context.Background()
	tr := testTurn("t1")

	if err := p.Persist(ctx, tr); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	// Persisting again is harmless.
	if err := p.Persist(ctx, tr); err != nil {
		t.Fatalf("second Persist: %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.VoiceStatus != VoiceNone || got.ProviderUsed != "primary" {
		t.Errorf("stored turn = %+v", got)
	}
	if len(rec.sessions) == 0 || rec.sessions[0].TurnID != "t1" {
		t.Errorf("session entries = %+v", rec.sessions)
	}
	if len(rec.journal) == 0 || rec.journal[0].Source != JournalSource || rec.journal[0].ID != "turn:t1" {
		t.Errorf("journal entries = %+v", rec.journal)
	}

	tags := p.Enrich(ctx, tr)
	if !reflect.DeepEqual(tags, []string{"greeting"}) {
		t.Errorf("Enrich tags = %v", tags)
	}
	got, _ = store.Get(ctx, "t1")
	if !reflect.DeepEqual(got.Tags, []string{"greeting"}) {
		t.Errorf("stored tags = %v", got.Tags)
	}
	if !reflect.DeepEqual(rec.themes, []string{"greeting"}) {
		t.Errorf("observed themes = %v", rec.themes)
	}
}

func TestPersister_EnrichmentTimeoutOmitsTags(t *testing.T) {
	store := newTestStore(t)
	rec := &recordingLayers{}
	slow := ExtractorFunc(func(ctx context.Context, in, out string) ([]string, error) {
		time.Sleep(time.Second) // ignores ctx
		return []string{"late"}, nil
	})
	p := NewPersister(store, nil, nil, rec,
		WithExtractor(slow),
		WithEnrichmentBudget(20*time.Millisecond),
		WithLogger(quietLogger()),
	)
	ctx := context.Background()
	tr := testTurn("t1")
	if err := p.Persist(ctx, tr); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if tags := p.Enrich(ctx, tr); tags != nil {
		t.Errorf("tags = %v, want none", tags)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Enrich took %v, budget not enforced", elapsed)
	}
	got, _ := store.Get(ctx, "t1")
	if len(got.Tags) != 0 || len(rec.themes) != 0 {
		t.Errorf("tags leaked: turn=%v themes=%v", got.Tags, rec.themes)
	}
}

func TestPersister_FailuresAreJoined(t *testing.T) {
	store := newTestStore(t)
	rec := &recordingLayers{err: errors.New("session down")}
	p := NewPersister(store, sessionRec{rec}, journalRec{rec}, nil, WithLogger(quietLogger()))

	err := p.Persist(context.Background(), testTurn("t1"))
	if err == nil {
		t.Fatal("expected error")
	}
	// The turn row and journal entry are still written.
	if _, gerr := store.Get(context.Background(), "t1"); gerr != nil {
		t.Errorf("turn row missing: %v", gerr)
	}
	if len(rec.journal) != 1 {
		t.Errorf("journal entries = %d, want 1", len(rec.journal))
	}
}

func TestPersister_RecordThenPersist(t *testing.T) {
	store := newTestStore(t)
	rec := &recordingLayers{}
	p := NewPersister(store, sessionRec{rec}, nil, nil, WithLogger(quietLogger()))
	ctx := context.Background()
	tr := testTurn("t1")

	if err := p.Record(ctx, tr); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.TransitionVoice(ctx, "t1", VoiceNone, VoiceQueued, VoiceUpdate{TaskID: "task"}); err != nil {
		t.Fatal(err)
	}
	// The later full persist must not reset the voice status.
	if err := p.Persist(ctx, tr); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	got, _ := store.Get(ctx, "t1")
	if got.VoiceStatus != VoiceQueued {
		t.Errorf("voice status = %s, want queued", got.VoiceStatus)
	}
	if len(rec.sessions) != 1 {
		t.Errorf("session entries = %d, want 1", len(rec.sessions))
	}
}

package housekeeping

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spiralogic/oracle/internal/config"
	"github.com/spiralogic/oracle/internal/notify"
	"github.com/spiralogic/oracle/internal/turns"
	"github.com/spiralogic/oracle/internal/voice"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTurnStore(t *testing.T) *turns.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := turns.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func queuedTurn(t *testing.T, s *turns.Store, id, taskID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Insert(ctx, turns.Turn{ID: id, UserID: "u1", SessionID: "s1", InputText: "hi", ReplyText: "hello", ProviderUsed: "echo", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.TransitionVoice(ctx, id, turns.VoiceNone, turns.VoiceQueued, turns.VoiceUpdate{TaskID: taskID}); err != nil {
		t.Fatal(err)
	}
}

type liveSet map[string]bool

func (l liveSet) Status(taskID string) (voice.TaskStatus, error) {
	if l[taskID] {
		return voice.TaskStatus{ID: taskID, State: voice.StateRunning}, nil
	}
	return voice.TaskStatus{}, voice.ErrTaskNotFound
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (e *eventLog) Publish(userID string, ev notify.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return 1
}

func TestFailStuck(t *testing.T) {
	store := newTurnStore(t)
	queuedTurn(t, store, "lost", "task-lost")
	queuedTurn(t, store, "live", "task-live")
	queuedTurn(t, store, "fresh", "task-fresh")

	events := &eventLog{}
	h := New(config.HousekeepingConfig{Schedule: "@every 1m", StuckAfter: 15 * time.Minute},
		WithTurns(store, liveSet{"task-live": true}),
		WithPublisher(events),
		WithLogger(quietLogger()),
	)

	ctx := context.Background()

	// Nothing has been queued long enough yet.
	if n, err := h.FailStuck(ctx); err != nil || n != 0 {
		t.Fatalf("early FailStuck = %d, %v", n, err)
	}

	h.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := h.FailStuck(ctx)
	if err != nil {
		t.Fatalf("FailStuck: %v", err)
	}
	if n != 2 {
		t.Errorf("failed %d turns, want 2 (the live task is kept)", n)
	}

	lost, err := store.Get(ctx, "lost")
	if err != nil {
		t.Fatal(err)
	}
	if lost.VoiceStatus != turns.VoiceFailed || lost.VoiceReason != voice.ReasonInterrupted {
		t.Errorf("lost turn = %s / %q", lost.VoiceStatus, lost.VoiceReason)
	}
	live, _ := store.Get(ctx, "live")
	if live.VoiceStatus != turns.VoiceQueued {
		t.Errorf("live turn = %s, want queued", live.VoiceStatus)
	}

	if len(events.events) != 2 || events.events[0].Type != notify.KindVoiceFailed || events.events[0].Reason != voice.ReasonInterrupted {
		t.Errorf("events = %+v", events.events)
	}

	// A second pass finds nothing new.
	if n, err := h.FailStuck(ctx); err != nil || n != 0 {
		t.Errorf("second FailStuck = %d, %v", n, err)
	}
}

func TestFailStuck_WithoutVoiceQueue(t *testing.T) {
	store := newTurnStore(t)
	queuedTurn(t, store, "t1", "task-1")

	h := New(config.HousekeepingConfig{StuckAfter: time.Minute}, WithTurns(store, nil), WithLogger(quietLogger()))
	h.now = func() time.Time { return time.Now().Add(time.Hour) }

	if n, err := h.FailStuck(context.Background()); err != nil || n != 1 {
		t.Errorf("FailStuck = %d, %v", n, err)
	}
}

func TestSweepAudio(t *testing.T) {
	cache, err := voice.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	oldRef, err := cache.Put(voice.Request{Text: "old", Format: "wav"}, voice.Audio{Data: []byte("a"), Format: "wav"})
	if err != nil {
		t.Fatal(err)
	}
	newRef, err := cache.Put(voice.Request{Text: "new", Format: "wav"}, voice.Audio{Data: []byte("b"), Format: "wav"})
	if err != nil {
		t.Fatal(err)
	}
	oldPath, _ := cache.Path(oldRef)
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatal(err)
	}

	h := New(config.HousekeepingConfig{AudioRetention: 24 * time.Hour}, WithAudio(cache), WithLogger(quietLogger()))
	n, err := h.SweepAudio(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("SweepAudio = %d, %v", n, err)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("expired clip still present: %v", err)
	}
	newPath, _ := cache.Path(newRef)
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("fresh clip removed: %v", err)
	}
}

func TestStart(t *testing.T) {
	cache, err := voice.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := newTurnStore(t)

	h := New(config.HousekeepingConfig{Schedule: "@every 1h", AudioRetention: time.Hour, StuckAfter: time.Minute},
		WithAudio(cache), WithTurns(store, nil), WithLogger(quietLogger()))
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := len(h.cron.Entries()); got != 2 {
		t.Errorf("scheduled %d jobs, want 2", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Stop(ctx)

	bad := New(config.HousekeepingConfig{Schedule: "every ten minutes", AudioRetention: time.Hour}, WithAudio(cache), WithLogger(quietLogger()))
	if err := bad.Start(); err == nil {
		t.Error("Start accepted an invalid schedule")
	}
}

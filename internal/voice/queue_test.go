package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spiralogic/oracle/internal/fallback"
	"github.com/spiralogic/oracle/internal/notify"
	"github.com/spiralogic/oracle/internal/turns"
)

// fakeTurns records transitions and enforces the voice state machine
// in memory.
type fakeTurns struct {
	mu     sync.Mutex
	status map[string]turns.VoiceStatus
	log    []string
}

func newFakeTurns(ids ...string) *fakeTurns {
	f := &fakeTurns{status: make(map[string]turns.VoiceStatus)}
	for _, id := range ids {
		f.status[id] = turns.VoiceNone
	}
	return f
}

func (f *fakeTurns) TransitionVoice(ctx context.Context, id string, from, to turns.VoiceStatus, upd turns.VoiceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.status[id]
	if !ok {
		return turns.ErrNotFound
	}
	if cur != from || !turns.CanTransition(from, to) {
		return turns.ErrInvalidTransition
	}
	f.status[id] = to
	f.log = append(f.log, string(from)+"→"+string(to))
	return nil
}

func (f *fakeTurns) get(id string) turns.VoiceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

func (f *fakeTurns) add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = turns.VoiceNone
}

// waitStatus polls until id reaches want.
func (f *fakeTurns) waitStatus(t *testing.T, id string, want turns.VoiceStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.get(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("turn %s voice status = %s, want %s", id, f.get(id), want)
}

// slowTurns delays every status write.
type slowTurns struct {
	*fakeTurns
	delay time.Duration
}

func (s slowTurns) TransitionVoice(ctx context.Context, id string, from, to turns.VoiceStatus, upd turns.VoiceUpdate) error {
	time.Sleep(s.delay)
	return s.fakeTurns.TransitionVoice(ctx, id, from, to, upd)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
	got    chan notify.Event
}

func newRecorder() *recorder {
	return &recorder{got: make(chan notify.Event, 64)}
}

func (r *recorder) Publish(userID string, e notify.Event) int {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.got <- e
	return 1
}

func (r *recorder) wait(t *testing.T) notify.Event {
	t.Helper()
	select {
	case e := <-r.got:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for voice event")
		return notify.Event{}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func audioProvider(name string, calls *atomic.Int32) Provider {
	return fallback.Func(name, func(ctx context.Context, req Request) (Audio, error) {
		if calls != nil {
			calls.Add(1)
		}
		return Audio{Data: []byte("audio:" + req.Text), Format: req.Format}, nil
	})
}

func failingProvider(name string) Provider {
	return fallback.Func(name, func(ctx context.Context, req Request) (Audio, error) {
		return Audio{}, errors.New(name + " down")
	})
}

func blockingProvider(name string, d time.Duration) Provider {
	return fallback.Func(name, func(ctx context.Context, req Request) (Audio, error) {
		select {
		case <-time.After(d):
			return Audio{Data: []byte("slow"), Format: req.Format}, nil
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	})
}

func newTestQueue(t *testing.T, providers []Provider, ft *fakeTurns, rec *recorder, opts ...Option) *Queue {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithCache(cache), WithLogger(quietLogger())}, opts...)
	q := NewQueue(providers, ft, rec, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func TestEnqueue_DoesNotBlockOnSlowSynthesis(t *testing.T) {
	ft := newFakeTurns("turn-1")
	rec := newRecorder()
	q := newTestQueue(t, []Provider{blockingProvider("slow", 5*time.Second)}, ft, rec)

	start := time.Now()
	id, err := q.Enqueue("turn-1", "u1", "hello")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if elapsed > 10*time.Millisecond {
		t.Errorf("Enqueue took %v, want < 10ms", elapsed)
	}
	ft.waitStatus(t, "turn-1", turns.VoiceQueued)

	q.Cancel(id)
	if e := rec.wait(t); e.Type != notify.KindVoiceFailed || e.Reason != ReasonCancelled {
		t.Errorf("event = %+v", e)
	}
}

func TestEnqueue_DoesNotBlockOnSlowStatusWrite(t *testing.T) {
	ft := newFakeTurns("turn-1")
	rec := newRecorder()
	q := newTestQueue(t, []Provider{audioProvider("p", nil)}, ft, rec)
	q.turns = slowTurns{fakeTurns: ft, delay: 300 * time.Millisecond}

	start := time.Now()
	if _, err := q.Enqueue("turn-1", "u1", "hello"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("Enqueue took %v, want < 10ms", elapsed)
	}

	if e := rec.wait(t); e.Type != notify.KindVoiceReady {
		t.Errorf("event = %+v", e)
	}
	// The event follows the terminal write, which follows the queued one.
	if got := ft.get("turn-1"); got != turns.VoiceReady {
		t.Errorf("turn voice status = %s, want ready", got)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.log) != 2 || ft.log[0] != "none→queued" || ft.log[1] != "queued→ready" {
		t.Errorf("transitions = %v", ft.log)
	}
}

func TestQueue_TurnRowWrittenAfterEnqueue(t *testing.T) {
	ft := newFakeTurns() // row not there yet
	rec := newRecorder()
	release := make(chan struct{})
	gated := fallback.Func("gated", func(ctx context.Context, req Request) (Audio, error) {
		select {
		case <-release:
			return Audio{Data: []byte("late"), Format: req.Format}, nil
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	})
	q := newTestQueue(t, []Provider{gated}, ft, rec)

	if _, err := q.Enqueue("turn-late", "u1", "hello"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // queued write misses the row
	ft.add("turn-late")
	close(release)

	if e := rec.wait(t); e.Type != notify.KindVoiceReady {
		t.Fatalf("event = %+v", e)
	}
	if got := ft.get("turn-late"); got != turns.VoiceReady {
		t.Errorf("turn voice status = %s, want ready", got)
	}
}

func TestQueue_CancelStopsRunningSynthesis(t *testing.T) {
	ft := newFakeTurns("turn-1")
	rec := newRecorder()
	started := make(chan struct{})
	stopped := make(chan struct{})
	p := fallback.Func("slow", func(ctx context.Context, req Request) (Audio, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return Audio{}, ctx.Err()
	})
	q := newTestQueue(t, []Provider{p}, ft, rec, WithWorkers(1))

	id, err := q.Enqueue("turn-1", "u1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	<-started
	q.Cancel(id)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("cancelled synthesis kept running")
	}
	if e := rec.wait(t); e.Reason != ReasonCancelled {
		t.Errorf("event = %+v", e)
	}
}

func TestEnqueueWithID_RejectsLiveDuplicate(t *testing.T) {
	ft := newFakeTurns("turn-1")
	rec := newRecorder()
	q := newTestQueue(t, []Provider{blockingProvider("slow", 5*time.Second)}, ft, rec)

	if err := q.EnqueueWithID("task-1", "turn-1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueWithID("task-1", "turn-1", "u1", "hello"); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("err = %v, want ErrDuplicateTask", err)
	}
	q.Cancel("task-1")
	rec.wait(t)
}

func TestQueue_ReadyPath(t *testing.T) {
	ft := newFakeTurns("turn-1")
	rec := newRecorder()
	q := newTestQueue(t, []Provider{failingProvider("primary"), audioProvider("secondary", nil)}, ft, rec)

	id, err := q.Enqueue("turn-1", "u1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	e := rec.wait(t)
	if e.Type != notify.KindVoiceReady || e.TaskID != id || e.TurnID != "turn-1" || e.AudioRef == "" {
		t.Fatalf("event = %+v", e)
	}
	if got := ft.get("turn-1"); got != turns.VoiceReady {
		t.Errorf("turn voice status = %s, want ready", got)
	}

	path, err := q.cache.Path(e.AudioRef)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "audio:hello" {
		t.Errorf("cached audio = %q, %v", data, err)
	}

	if _, err := q.Status(id); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("finished task should leave the registry, Status err = %v", err)
	}
}

func TestQueue_ExhaustedEmitsOneFailure(t *testing.T) {
	ft := newFakeTurns("turn-1")
	rec := newRecorder()
	q := newTestQueue(t, []Provider{failingProvider("a"), failingProvider("b")}, ft, rec)

	if _, err := q.Enqueue("turn-1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}
	e := rec.wait(t)
	if e.Type != notify.KindVoiceFailed || e.Reason != ReasonExhausted {
		t.Errorf("event = %+v", e)
	}
	if got := ft.get("turn-1"); got != turns.VoiceFailed {
		t.Errorf("turn voice status = %s, want failed", got)
	}

	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("%d events published, want exactly 1", n)
	}
}

func TestQueue_QueueFull(t *testing.T) {
	ids := []string{"t1", "t2", "t3"}
	ft := newFakeTurns(ids...)
	rec := newRecorder()
	q := newTestQueue(t, []Provider{blockingProvider("slow", 5*time.Second)}, ft, rec,
		WithWorkers(1), WithQueueSize(1))

	var taskIDs []string
	var fullErr error
	for _, id := range ids {
		taskID, err := q.Enqueue(id, "u1", "hello "+id)
		taskIDs = append(taskIDs, taskID)
		if err != nil {
			fullErr = err
		}
		// Let the worker pick up the first task before the next enqueue.
		time.Sleep(20 * time.Millisecond)
	}

	if !errors.Is(fullErr, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", fullErr)
	}
	e := rec.wait(t)
	if e.Type != notify.KindVoiceFailed || e.Reason != ReasonQueueFull || e.TaskID != taskIDs[2] {
		t.Errorf("event = %+v", e)
	}
	if got := ft.get("t3"); got != turns.VoiceFailed {
		t.Errorf("t3 voice status = %s, want failed", got)
	}

	for _, id := range taskIDs[:2] {
		q.Cancel(id)
	}
}

func TestQueue_CancelIsIdempotent(t *testing.T) {
	ft := newFakeTurns("turn-1")
	rec := newRecorder()
	q := newTestQueue(t, []Provider{blockingProvider("slow", 5*time.Second)}, ft, rec)

	id, err := q.Enqueue("turn-1", "u1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // running

	st, err := q.Status(id)
	if err != nil || st.State != StateRunning {
		t.Errorf("Status = %+v, %v; want running", st, err)
	}

	q.Cancel(id)
	q.Cancel(id)
	q.Cancel("unknown")

	e := rec.wait(t)
	if e.Type != notify.KindVoiceFailed || e.Reason != ReasonCancelled {
		t.Errorf("event = %+v", e)
	}
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("%d events, want exactly 1", n)
	}
	if got := ft.get("turn-1"); got != turns.VoiceFailed {
		t.Errorf("turn voice status = %s, want failed", got)
	}
}

func TestQueue_CacheHit(t *testing.T) {
	ft := newFakeTurns("t1", "t2")
	rec := newRecorder()
	var calls atomic.Int32
	q := newTestQueue(t, []Provider{audioProvider("p", &calls)}, ft, rec)

	if _, err := q.Enqueue("t1", "u1", "same text"); err != nil {
		t.Fatal(err)
	}
	first := rec.wait(t)
	if _, err := q.Enqueue("t2", "u1", "same text"); err != nil {
		t.Fatal(err)
	}
	second := rec.wait(t)

	if first.AudioRef != second.AudioRef {
		t.Errorf("audio refs differ: %s vs %s", first.AudioRef, second.AudioRef)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}

func TestQueue_UnpersistedTurnStillNotifies(t *testing.T) {
	ft := newFakeTurns() // no rows
	rec := newRecorder()
	q := newTestQueue(t, []Provider{audioProvider("p", nil)}, ft, rec)

	if _, err := q.Enqueue("ghost", "u1", "hello"); err != nil {
		t.Fatal(err)
	}
	if e := rec.wait(t); e.Type != notify.KindVoiceReady {
		t.Errorf("event = %+v", e)
	}
}

func TestQueue_StopRejectsNewTasks(t *testing.T) {
	q := NewQueue([]Provider{audioProvider("p", nil)}, nil, nil, WithLogger(quietLogger()))
	if err := q.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("t1", "u1", "hello"); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
	// Stopping twice is harmless.
	if err := q.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestQueue_StopDeadlineFailsRunningTasks(t *testing.T) {
	ft := newFakeTurns("turn-1")
	rec := newRecorder()
	q := NewQueue([]Provider{blockingProvider("slow", 5*time.Second)}, ft, rec, WithLogger(quietLogger()))

	if _, err := q.Enqueue("turn-1", "u1", "hello"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop err = %v", err)
	}
	if e := rec.wait(t); e.Reason != ReasonShutdown {
		t.Errorf("event = %+v, want shutdown failure", e)
	}
}

func TestCache_SweepAndPath(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	req := Request{Text: "hi", Format: "mp3"}
	ref, err := c.Put(req, Audio{Data: []byte("x"), Format: "mp3"})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := c.Lookup(req); !ok || got != ref {
		t.Errorf("Lookup = %q, %v", got, ok)
	}

	for _, bad := range []string{"../etc/passwd", "abc.mp3", ref + "x"} {
		if _, err := c.Path(bad); !errors.Is(err, ErrInvalidRef) {
			t.Errorf("Path(%q) err = %v, want ErrInvalidRef", bad, err)
		}
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, ref), old, old); err != nil {
		t.Fatal(err)
	}
	n, err := c.Sweep(24 * time.Hour)
	if err != nil || n != 1 {
		t.Errorf("Sweep = %d, %v; want 1", n, err)
	}
	if _, ok := c.Lookup(req); ok {
		t.Error("swept file still cached")
	}
}

func TestRef(t *testing.T) {
	a := Ref(Request{Text: "hello", Voice: "nova", Format: "mp3", Speed: 1})
	if a != Ref(Request{Text: "hello", Voice: "nova", Format: "mp3", Speed: 1}) {
		t.Error("Ref is not deterministic")
	}
	if a == Ref(Request{Text: "hello", Voice: "onyx", Format: "mp3", Speed: 1}) {
		t.Error("voice should change the key")
	}
	if !refPattern.MatchString(a) {
		t.Errorf("Ref %q does not match the reference pattern", a)
	}
}

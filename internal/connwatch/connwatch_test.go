package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// testBackoff returns fast timings for tests.
func testBackoff() Backoff {
	return Backoff{
		Initial:      time.Millisecond,
		Max:          5 * time.Millisecond,
		Multiplier:   2.0,
		Poll:         5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackoff_Defaults(t *testing.T) {
	t.Parallel()
	b := Backoff{}.withDefaults()
	if b != DefaultBackoff() {
		t.Errorf("withDefaults() = %+v, want %+v", b, DefaultBackoff())
	}

	b = Backoff{Initial: time.Second, Max: 3 * time.Second, Multiplier: 2}.withDefaults()
	var got []time.Duration
	d := b.Initial
	for i := 0; i < 4; i++ {
		got = append(got, d)
		d = b.next(d)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays = %v, want %v", got, want)
		}
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	m := NewMonitor(testBackoff(), quietLogger())
	defer m.Stop()

	w := m.Watch(context.Background(), "ollama", func(ctx context.Context) error { return nil })
	waitFor(t, "ready", w.IsReady)

	st := w.Status()
	if st.Name != "ollama" || st.LastError != "" || st.LastCheck.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestWatcher_BackoffThenRecover(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	probe := func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	m := NewMonitor(testBackoff(), quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "anthropic", probe)

	waitFor(t, "recovery", w.IsReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("probe attempts = %d, want at least 4", n)
	}
	if st := w.Status(); st.Failures != 0 {
		t.Errorf("failures after recovery = %d, want 0", st.Failures)
	}
}

func TestWatcher_GoesDown(t *testing.T) {
	t.Parallel()
	var fail atomic.Bool
	probe := func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("went down")
		}
		return nil
	}

	m := NewMonitor(testBackoff(), quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "openai", probe)
	waitFor(t, "ready", w.IsReady)

	fail.Store(true)
	waitFor(t, "down", func() bool { return !w.IsReady() })

	st := w.Status()
	if st.LastError != "went down" || st.Failures < 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond

	m := NewMonitor(b, quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	waitFor(t, "a failed probe", func() bool { return w.Status().Failures > 0 })
	if w.IsReady() {
		t.Error("a probe that times out must not count as ready")
	}
}

func TestMonitor_StatusAndStop(t *testing.T) {
	t.Parallel()
	m := NewMonitor(testBackoff(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := m.Watch(ctx, "b", func(ctx context.Context) error { return nil })
	a := m.Watch(ctx, "a", func(ctx context.Context) error { return errors.New("nope") })
	waitFor(t, "probes", func() bool {
		return b.IsReady() && a.Status().Failures > 0
	})

	st := m.Status()
	if len(st) != 2 || st[0].Name != "a" || st[1].Name != "b" {
		t.Fatalf("Status() = %+v, want a then b", st)
	}
	if st[0].Ready || !st[1].Ready {
		t.Errorf("readiness = %v/%v, want false/true", st[0].Ready, st[1].Ready)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestMonitor_WatchReplaces(t *testing.T) {
	t.Parallel()
	m := NewMonitor(testBackoff(), quietLogger())
	defer m.Stop()

	first := m.Watch(context.Background(), "p", func(ctx context.Context) error { return nil })
	m.Watch(context.Background(), "p", func(ctx context.Context) error { return nil })

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("watchers = %d, want 1", n)
	}
}

// Package connwatch tracks whether remote providers are reachable.
//
// It is distinct from the fallback chain, which decides per request.
// A Watcher probes one provider in the background: quickly with
// exponential backoff while the provider is down, and at a slow steady
// interval once it answers. The results feed the health endpoint and
// the oracle_provider_up gauge; they never remove a provider from a
// chain.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spiralogic/oracle/internal/metrics"
)

// Probe checks whether a provider is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first retry delay while down (default: 2s).
	Initial time.Duration
	// Max caps the retry delay while down (default: 60s).
	Max time.Duration
	// Multiplier grows the delay after each failed probe (default: 2.0).
	Multiplier float64
	// Poll is the interval between probes while up (default: 60s).
	Poll time.Duration
	// ProbeTimeout bounds each probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at 60s while down, and
// 60s polling while up.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          60 * time.Second,
		Multiplier:   2.0,
		Poll:         60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next grows delay by the multiplier, capped at Max.
func (b Backoff) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Status is the reachability of one provider as reported on /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures,omitempty"`
}

// Watcher probes a single provider.
type Watcher struct {
	name    string
	probe   Probe
	backoff Backoff
	logger  *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current reachability.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.Initial
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := w.backoff.Poll
		if err != nil {
			wait = delay
			delay = w.backoff.next(delay)
		} else {
			delay = w.backoff.Initial
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// check runs one probe and records the transition, if any.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	wasReady := w.ready.Swap(err == nil)
	switch {
	case err == nil:
		metrics.ProviderUp.WithLabelValues(w.name).Set(1)
		if !wasReady {
			w.logger.Info("provider reachable", "provider", w.name)
		}
	default:
		metrics.ProviderUp.WithLabelValues(w.name).Set(0)
		if wasReady {
			w.logger.Warn("provider became unreachable", "provider", w.name, "error", err)
		} else {
			w.logger.Debug("provider still unreachable", "provider", w.name, "failures", failures, "error", err)
		}
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Monitor owns the watchers of every configured provider.
type Monitor struct {
	backoff Backoff
	logger  *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewMonitor creates a monitor. Zero Backoff fields take defaults.
func NewMonitor(b Backoff, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		backoff:  b.withDefaults(),
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a provider until ctx ends or Stop is called.
// Watching a name twice replaces the earlier watcher.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe) *Watcher {
	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: m.backoff,
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Status returns every watched provider, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

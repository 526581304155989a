// Package notify pushes asynchronous results to connected clients. A
// client subscribes per user and receives events on a buffered channel;
// publishers never block, and an event with no listener is dropped.
// There is no durable queue: a client that reconnects learns missed
// outcomes from the turn status endpoint.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/spiralogic/oracle/internal/metrics"
)

// Event types.
const (
	KindVoiceReady  = "voice.ready"
	KindVoiceFailed = "voice.failed"
)

// DefaultBufferSize is the per-channel buffer when none is configured.
const DefaultBufferSize = 16

// Event is one notification for a user.
type Event struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	TurnID    string    `json:"turn_id"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Channel is one listener's subscription. Receive from Events until it
// is closed by [Hub.Unsubscribe] or [Hub.Close].
type Channel struct {
	UserID string
	ch     chan Event
	closed bool // guarded by Hub.mu
}

// Events returns the receive side of the subscription.
func (c *Channel) Events() <-chan Event {
	return c.ch
}

// Sink observes every published event after local fan-out, whether or
// not anyone was listening. It must not block.
type Sink func(userID string, e Event)

// Hub routes events to every open channel of a user.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Channel]struct{}
	bufSize int
	sinks   []Sink
	logger  *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-channel buffer.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(h *Hub) {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:    make(map[string]map[*Channel]struct{}),
		bufSize: DefaultBufferSize,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With("component", "notify")
	return h
}

// Subscribe opens a channel for userID. The caller must eventually call
// Unsubscribe.
func (h *Hub) Subscribe(userID string) *Channel {
	c := &Channel{UserID: userID, ch: make(chan Event, h.bufSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Channel]struct{})
		h.subs[userID] = set
	}
	set[c] = struct{}{}
	metrics.HubSubscribers.Inc()
	return c
}

// Unsubscribe removes and closes c. Calling it again, or after Close, is
// a no-op.
func (h *Hub) Unsubscribe(c *Channel) {
	if c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(c)
}

func (h *Hub) closeLocked(c *Channel) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
	metrics.HubSubscribers.Dec()

	if set, ok := h.subs[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, c.UserID)
		}
	}
}

// Publish delivers e to every open channel of userID and returns how many
// received it. A full channel misses the event rather than blocking the
// publisher. Safe to call on a nil receiver (no-op).
func (h *Hub) Publish(userID string, e Event) int {
	if h == nil {
		return 0
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	delivered, dropped := h.fanOut(userID, e)

	switch {
	case delivered == 0 && dropped == 0:
		metrics.HubDeliveries.WithLabelValues("no_subscribers").Inc()
		h.logger.Debug("event dropped, no subscribers", "user_id", userID, "type", e.Type, "task_id", e.TaskID)
	default:
		metrics.HubDeliveries.WithLabelValues("delivered").Add(float64(delivered))
		if dropped > 0 {
			metrics.HubDeliveries.WithLabelValues("dropped_full").Add(float64(dropped))
			h.logger.Warn("event dropped for slow subscribers", "user_id", userID, "type", e.Type, "dropped", dropped)
		}
	}

	for _, s := range h.sinks {
		s(userID, e)
	}
	return delivered
}

// fanOut sends under the read lock; Unsubscribe closes under the write
// lock, so a send never races a close.
func (h *Hub) fanOut(userID string, e Event) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs[userID] {
		if c.closed {
			continue
		}
		select {
		case c.ch <- e:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// SubscriberCount returns the number of open channels for userID, or
// across all users when userID is empty.
func (h *Hub) SubscriberCount(userID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID != "" {
		return len(h.subs[userID])
	}
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Close closes every open channel so listeners can exit.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for c := range set {
			h.closeLocked(c)
		}
	}
}

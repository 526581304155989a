package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spiralogic/oracle/internal/fallback"
	"github.com/spiralogic/oracle/internal/metrics"
	"github.com/spiralogic/oracle/internal/notify"
	"github.com/spiralogic/oracle/internal/turns"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultWorkers        = 2
	DefaultQueueSize      = 64
	DefaultAttemptTimeout = 30 * time.Second
	DefaultFormat         = "mp3"

	// turnWriteTimeout bounds each voice status write.
	turnWriteTimeout = 2 * time.Second
)

// TurnTransitioner moves a turn through the voice state machine.
type TurnTransitioner interface {
	TransitionVoice(ctx context.Context, id string, from, to turns.VoiceStatus, upd turns.VoiceUpdate) error
}

// Publisher delivers events to a user's listeners.
type Publisher interface {
	Publish(userID string, e notify.Event) int
}

type task struct {
	id        string
	turnID    string
	userID    string
	text      string
	state     State
	attempts  int
	position  int
	audioRef  string
	reason    string
	createdAt time.Time
	updatedAt time.Time
	cancel    context.CancelFunc
	// marked is closed once the none→queued write has been attempted.
	marked chan struct{}
}

func (t *task) status() TaskStatus {
	return TaskStatus{
		ID:            t.id,
		TurnID:        t.turnID,
		UserID:        t.userID,
		State:         t.state,
		Attempts:      t.attempts,
		ChainPosition: t.position,
		AudioRef:      t.audioRef,
		Reason:        t.reason,
		CreatedAt:     t.createdAt,
		UpdatedAt:     t.updatedAt,
	}
}

// Queue is the background synthesis queue. It owns the registry of live
// tasks; a task leaves the registry once its terminal event has been
// published.
type Queue struct {
	chain  *fallback.Chain[Request, Audio]
	cache  *Cache
	turns  TurnTransitioner
	hub    Publisher
	logger *slog.Logger

	workers int
	format  string
	voice   string
	speed   float64

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	ch     chan *task

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
	// writes tracks status writes running outside the workers.
	writes sync.WaitGroup
}

type queueOptions struct {
	workers        int
	size           int
	attemptTimeout time.Duration
	format         string
	voice          string
	speed          float64
	cache          *Cache
	logger         *slog.Logger
}

// Option configures a Queue.
type Option func(*queueOptions)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *queueOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize sets how many tasks may wait for a worker.
func WithQueueSize(n int) Option {
	return func(o *queueOptions) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithAttemptTimeout bounds each provider in the chain, including its
// retries.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *queueOptions) {
		if d > 0 {
			o.attemptTimeout = d
		}
	}
}

// WithFormat sets the requested audio format.
func WithFormat(f string) Option {
	return func(o *queueOptions) {
		if f != "" {
			o.format = f
		}
	}
}

// WithVoice sets the requested voice. Providers fall back to their own
// configured voice when it is empty.
func WithVoice(v string) Option {
	return func(o *queueOptions) { o.voice = v }
}

// WithSpeed sets the speaking rate.
func WithSpeed(s float64) Option {
	return func(o *queueOptions) { o.speed = s }
}

// WithCache enables the audio cache. Without one, audio references are
// not produced and every task fails after synthesis.
func WithCache(c *Cache) Option {
	return func(o *queueOptions) { o.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *queueOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewQueue creates a queue over providers in priority order and starts
// its workers.
func NewQueue(providers []Provider, store TurnTransitioner, hub Publisher, opts ...Option) *Queue {
	o := queueOptions{
		workers:        DefaultWorkers,
		size:           DefaultQueueSize,
		attemptTimeout: DefaultAttemptTimeout,
		format:         DefaultFormat,
		speed:          1.0,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cache:   o.cache,
		turns:   store,
		hub:     hub,
		logger:  o.logger.With("component", "voice"),
		workers: o.workers,
		format:  o.format,
		voice:   o.voice,
		speed:   o.speed,
		tasks:   make(map[string]*task),
		ch:      make(chan *task, o.size),
		baseCtx: ctx,
		stopAll: cancel,
	}
	q.chain = fallback.NewChain(providers,
		fallback.WithAttemptTimeout[Request, Audio](o.attemptTimeout),
		fallback.WithObserver[Request, Audio](q.observe),
	)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue registers a synthesis task for a turn and returns
// immediately with its ID. See EnqueueWithID.
func (q *Queue) Enqueue(turnID, userID, text string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	if err := q.EnqueueWithID(id.String(), turnID, userID, text); err != nil {
		if errors.Is(err, ErrQueueClosed) || errors.Is(err, ErrDuplicateTask) {
			return "", err
		}
		return id.String(), err
	}
	return id.String(), nil
}

// EnqueueWithID registers a synthesis task under a caller-chosen ID and
// returns without touching the turn store: the none→queued write runs
// in the background and the terminal write waits for it. When the queue
// is full the task is failed on the spot (its voice.failed event is
// still published) and ErrQueueFull is returned.
func (q *Queue) EnqueueWithID(taskID, turnID, userID, text string) error {
	now := time.Now()
	t := &task{
		id:        taskID,
		turnID:    turnID,
		userID:    userID,
		text:      text,
		state:     StateQueued,
		createdAt: now,
		updatedAt: now,
		marked:    make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, dup := q.tasks[t.id]; dup {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.id)
	}
	q.tasks[t.id] = t
	q.writes.Add(1)
	go func() {
		defer q.writes.Done()
		defer close(t.marked)
		q.transition(t, turns.VoiceNone, turns.VoiceQueued, turns.VoiceUpdate{TaskID: t.id})
	}()

	select {
	case q.ch <- t:
		metrics.VoiceQueueDepth.Set(float64(len(q.ch)))
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		if q.finish(t, StateFailed, "", ReasonQueueFull) {
			q.settleAsync(t)
		}
		return ErrQueueFull
	}

	q.logger.Debug("voice task queued", "task_id", t.id, "turn_id", turnID, "user_id", userID)
	return nil
}

// Cancel ends a queued or running task as failed with reason
// "cancelled". Cancelling a finished or unknown task is a no-op, so
// Cancel is idempotent.
func (q *Queue) Cancel(taskID string) {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	q.mu.Unlock()
	if !ok {
		return
	}
	if q.finish(t, StateCancelled, "", ReasonCancelled) {
		q.settleAsync(t)
	}
}

// Status returns a snapshot of a live task.
func (q *Queue) Status(taskID string) (TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.status(), nil
}

// Depth returns the number of tasks waiting for a worker.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Pending returns the number of live tasks, queued or running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Providers returns the speech provider names in priority order.
func (q *Queue) Providers() []string {
	return q.chain.Names()
}

// Cache returns the audio cache, or nil when none is configured.
func (q *Queue) Cache() *Cache {
	return q.cache
}

// Stop stops accepting tasks and waits for the workers to drain the
// queue. When ctx ends first, running syntheses are cancelled and every
// unfinished task fails with reason "shutdown".
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.writes.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.stopAll()
		return nil
	case <-ctx.Done():
		q.stopAll()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.ch {
		metrics.VoiceQueueDepth.Set(float64(len(q.ch)))
		q.run(t)
	}
}

func (q *Queue) run(t *task) {
	ctx, cancel := context.WithCancel(q.baseCtx)
	defer cancel()

	q.mu.Lock()
	if t.state.Terminal() {
		q.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.cancel = cancel
	t.updatedAt = time.Now()
	q.mu.Unlock()

	req := Request{Text: t.text, Voice: q.voice, Format: q.format, Speed: q.speed}
	log := q.logger.With("task_id", t.id, "turn_id", t.turnID)

	if q.baseCtx.Err() != nil {
		q.complete(t, StateFailed, "", ReasonShutdown)
		return
	}

	if q.cache != nil {
		if ref, ok := q.cache.Lookup(req); ok {
			metrics.VoiceCacheHits.Inc()
			log.Debug("voice served from cache", "audio_ref", ref)
			q.complete(t, StateReady, ref, "")
			return
		}
	}

	start := time.Now()
	res, err := q.chain.Run(ctx, req)
	q.recordAttempts(t, res, err)
	if err != nil {
		reason := ReasonExhausted
		if q.baseCtx.Err() != nil {
			reason = ReasonShutdown
		}
		log.Warn("voice synthesis failed", "error", fmt.Errorf("%w: %w", ErrVoiceExhausted, err), "elapsed", time.Since(start))
		q.complete(t, StateFailed, "", reason)
		return
	}

	if q.cache == nil {
		log.Error("voice synthesized but no audio cache is configured")
		q.complete(t, StateFailed, "", "no audio store")
		return
	}
	ref, err := q.cache.Put(req, res.Value)
	if err != nil {
		log.Error("failed to store audio", "error", err)
		q.complete(t, StateFailed, "", "audio store failed")
		return
	}

	log.Debug("voice synthesized", "provider", res.Provider, "audio_ref", ref, "elapsed", time.Since(start))
	q.complete(t, StateReady, ref, "")
}

func (q *Queue) recordAttempts(t *task, res fallback.Result[Audio], err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		var ee *fallback.ExhaustedError
		if errors.As(err, &ee) {
			t.attempts = len(ee.Attempts)
			t.position = len(ee.Attempts) - 1
		}
		return
	}
	t.attempts = len(res.Failed) + 1
	t.position = res.Position
}

// finish moves t to a terminal state exactly once and stops its
// synthesis if it is running. The first caller gets true and must
// settle the task; later callers get false and do nothing.
func (q *Queue) finish(t *task, state State, audioRef, reason string) bool {
	q.mu.Lock()
	if t.state.Terminal() {
		q.mu.Unlock()
		return false
	}
	t.state = state
	t.audioRef = audioRef
	t.reason = reason
	t.updatedAt = time.Now()
	stop := t.cancel
	q.mu.Unlock()

	if stop != nil && state != StateReady {
		stop()
	}
	return true
}

// complete finishes and settles t on the calling worker.
func (q *Queue) complete(t *task, state State, audioRef, reason string) {
	if q.finish(t, state, audioRef, reason) {
		q.settle(t)
	}
}

// settleAsync settles t off the caller's goroutine. After Stop it
// settles inline, since Stop is already waiting.
func (q *Queue) settleAsync(t *task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.settle(t)
		return
	}
	q.writes.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.writes.Done()
		q.settle(t)
	}()
}

// settle writes the terminal voice status, publishes the one event for
// t and removes it from the registry. The status write waits for the
// task's none→queued write so the two cannot land out of order.
func (q *Queue) settle(t *task) {
	<-t.marked

	q.mu.Lock()
	state, audioRef, reason := t.state, t.audioRef, t.reason
	q.mu.Unlock()

	evt := notify.Event{TaskID: t.id, TurnID: t.turnID}
	if state == StateReady {
		q.settleStatus(t, turns.VoiceReady, turns.VoiceUpdate{AudioRef: audioRef})
		evt.Type = notify.KindVoiceReady
		evt.AudioRef = audioRef
	} else {
		q.settleStatus(t, turns.VoiceFailed, turns.VoiceUpdate{Reason: reason})
		evt.Type = notify.KindVoiceFailed
		evt.Reason = reason
	}

	metrics.VoiceTasks.WithLabelValues(string(state)).Inc()
	if q.hub != nil {
		q.hub.Publish(t.userID, evt)
	}

	q.mu.Lock()
	delete(q.tasks, t.id)
	q.mu.Unlock()
}

// settleStatus writes queued→to. A turn row that only appeared after
// the task was queued is still at none; it is moved to queued first so
// the terminal status lands.
func (q *Queue) settleStatus(t *task, to turns.VoiceStatus, upd turns.VoiceUpdate) {
	if q.turns == nil {
		return
	}
	err := q.write(t, turns.VoiceQueued, to, upd)
	if errors.Is(err, turns.ErrInvalidTransition) {
		if q.write(t, turns.VoiceNone, turns.VoiceQueued, turns.VoiceUpdate{TaskID: t.id}) == nil {
			err = q.write(t, turns.VoiceQueued, to, upd)
		}
	}
	q.report(t, turns.VoiceQueued, to, err)
}

// transition writes a voice status change. A turn that was never
// persisted, or one already moved by someone else, is logged and
// otherwise ignored; the task still runs to completion.
func (q *Queue) transition(t *task, from, to turns.VoiceStatus, upd turns.VoiceUpdate) {
	if q.turns == nil {
		return
	}
	q.report(t, from, to, q.write(t, from, to, upd))
}

func (q *Queue) write(t *task, from, to turns.VoiceStatus, upd turns.VoiceUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), turnWriteTimeout)
	defer cancel()
	return q.turns.TransitionVoice(ctx, t.turnID, from, to, upd)
}

func (q *Queue) report(t *task, from, to turns.VoiceStatus, err error) {
	switch {
	case err == nil:
	case errors.Is(err, turns.ErrNotFound), errors.Is(err, turns.ErrInvalidTransition):
		q.logger.Warn("voice status not updated", "turn_id", t.turnID, "from", from, "to", to, "error", err)
	default:
		metrics.PersistFailures.WithLabelValues("voice_status").Inc()
		q.logger.Error("voice status write failed", "turn_id", t.turnID, "from", from, "to", to, "error", err)
	}
}

func (q *Queue) observe(a fallback.Attempt) {
	metrics.ObserveAttempt("speech", a.Provider, a.Err, a.Duration)
	if a.Err != nil {
		q.logger.Warn("speech provider failed",
			"provider", a.Provider,
			"position", a.Position,
			"elapsed", a.Duration,
			"error", a.Err,
		)
	}
}

// Package housekeeping runs periodic maintenance on cron schedules:
// expiring cached audio and failing turns whose voice task was lost,
// typically to a restart, while they were queued.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/spiralogic/oracle/internal/config"
	"github.com/spiralogic/oracle/internal/metrics"
	"github.com/spiralogic/oracle/internal/notify"
	"github.com/spiralogic/oracle/internal/turns"
	"github.com/spiralogic/oracle/internal/voice"
)

// Job names used in logs and metrics.
const (
	JobAudioSweep = "audio_sweep"
	JobStuckTurns = "stuck_turns"
)

// jobTimeout bounds one run of a job.
const jobTimeout = 2 * time.Minute

// AudioSweeper deletes expired cached audio; *voice.Cache satisfies it.
type AudioSweeper interface {
	Sweep(retention time.Duration) (int, error)
}

// TurnStore is the part of the turn store the stuck-turn job needs.
type TurnStore interface {
	StuckQueued(ctx context.Context, cutoff time.Time) ([]turns.Turn, error)
	TransitionVoice(ctx context.Context, id string, from, to turns.VoiceStatus, upd turns.VoiceUpdate) error
}

// LiveTasks reports whether a voice task is still held by this
// process; *voice.Queue satisfies it.
type LiveTasks interface {
	Status(taskID string) (voice.TaskStatus, error)
}

// Publisher announces the failure of an interrupted turn.
type Publisher interface {
	Publish(userID string, e notify.Event) int
}

// Housekeeper owns the cron scheduler and its jobs.
type Housekeeper struct {
	cfg    config.HousekeepingConfig
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	audio AudioSweeper
	turns TurnStore
	live  LiveTasks
	hub   Publisher
}

// Option configures a Housekeeper.
type Option func(*Housekeeper)

// WithAudio enables the audio sweep job.
func WithAudio(a AudioSweeper) Option {
	return func(h *Housekeeper) { h.audio = a }
}

// WithTurns enables the stuck-turn job. live may be nil when voice is
// disabled; every stuck turn is then considered lost.
func WithTurns(store TurnStore, live LiveTasks) Option {
	return func(h *Housekeeper) {
		h.turns = store
		h.live = live
	}
}

// WithPublisher sends voice.failed for turns failed as interrupted.
func WithPublisher(p Publisher) Option {
	return func(h *Housekeeper) { h.hub = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Housekeeper) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a Housekeeper. Jobs are registered by Start.
func New(cfg config.HousekeepingConfig, opts ...Option) *Housekeeper {
	h := &Housekeeper{
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With("component", "housekeeping")
	return h
}

// Start registers the enabled jobs on the configured schedule and
// starts the scheduler.
func (h *Housekeeper) Start() error {
	if h.audio != nil && h.cfg.AudioRetention > 0 {
		if _, err := h.cron.AddFunc(h.cfg.Schedule, h.job(JobAudioSweep, h.SweepAudio)); err != nil {
			return fmt.Errorf("schedule %s %q: %w", JobAudioSweep, h.cfg.Schedule, err)
		}
	}
	if h.turns != nil && h.cfg.StuckAfter > 0 {
		if _, err := h.cron.AddFunc(h.cfg.Schedule, h.job(JobStuckTurns, h.FailStuck)); err != nil {
			return fmt.Errorf("schedule %s %q: %w", JobStuckTurns, h.cfg.Schedule, err)
		}
	}
	h.cron.Start()
	h.logger.Info("housekeeping started", "schedule", h.cfg.Schedule, "jobs", len(h.cron.Entries()))
	return nil
}

// Stop stops the scheduler and waits for a running job, at most until
// ctx ends.
func (h *Housekeeper) Stop(ctx context.Context) {
	done := h.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		h.logger.Warn("housekeeping job still running at shutdown")
	}
}

// job wraps fn with a timeout, logging and metrics.
func (h *Housekeeper) job(name string, fn func(ctx context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := h.now()
		n, err := fn(ctx)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			h.logger.Warn("housekeeping job failed", "job", name, "affected", n, "error", err)
		} else if n > 0 {
			h.logger.Info("housekeeping job finished", "job", name, "affected", n, "elapsed", h.now().Sub(start))
		} else {
			h.logger.Debug("housekeeping job finished", "job", name, "elapsed", h.now().Sub(start))
		}
		metrics.HousekeepingRuns.WithLabelValues(name, outcome).Inc()
	}
}

// SweepAudio deletes cached audio older than the retention period and
// returns how many files were removed.
func (h *Housekeeper) SweepAudio(ctx context.Context) (int, error) {
	if h.audio == nil {
		return 0, nil
	}
	return h.audio.Sweep(h.cfg.AudioRetention)
}

// FailStuck fails turns queued for longer than StuckAfter whose task
// this process no longer holds, with reason "interrupted". A turn that
// finished concurrently is skipped by the compare-and-set.
func (h *Housekeeper) FailStuck(ctx context.Context) (int, error) {
	if h.turns == nil {
		return 0, nil
	}

	stuck, err := h.turns.StuckQueued(ctx, h.now().Add(-h.cfg.StuckAfter))
	if err != nil {
		return 0, err
	}

	failed := 0
	var errs []error
	for _, t := range stuck {
		if h.live != nil && t.VoiceTaskID != "" {
			if _, err := h.live.Status(t.VoiceTaskID); err == nil {
				continue
			}
		}

		err := h.turns.TransitionVoice(ctx, t.ID, turns.VoiceQueued, turns.VoiceFailed,
			turns.VoiceUpdate{Reason: voice.ReasonInterrupted})
		switch {
		case errors.Is(err, turns.ErrInvalidTransition), errors.Is(err, turns.ErrNotFound):
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}

		failed++
		h.logger.Info("interrupted voice task failed", "turn_id", t.ID, "task_id", t.VoiceTaskID, "user_id", t.UserID)
		if h.hub != nil {
			h.hub.Publish(t.UserID, notify.Event{
				Type:      notify.KindVoiceFailed,
				TaskID:    t.VoiceTaskID,
				TurnID:    t.ID,
				Reason:    voice.ReasonInterrupted,
				Timestamp: h.now(),
			})
		}
	}
	return failed, errors.Join(errs...)
}

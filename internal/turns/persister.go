package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiralogic/oracle/internal/memory"
	"github.com/spiralogic/oracle/internal/metrics"
)

// DefaultEnrichmentBudget bounds theme extraction for one turn.
const DefaultEnrichmentBudget = 350 * time.Millisecond

// JournalSource marks journal entries written from conversation turns.
const JournalSource = "conversation"

// SessionAppender receives the exchange for the session layer.
type SessionAppender interface {
	Append(ctx context.Context, e memory.SessionEntry) error
}

// JournalAppender receives the exchange for the journal layer.
type JournalAppender interface {
	Append(ctx context.Context, e memory.JournalEntry) error
}

// ThemeObserver receives enrichment tags for the symbolic layer.
type ThemeObserver interface {
	Observe(ctx context.Context, userID, turnID string, tags []string, at time.Time) error
}

// Persister writes completed turns to the turn store and the memory
// layers. Every write is idempotent on the turn ID, so persisting the
// same turn twice is harmless. Failures are logged and counted; nothing
// is retried inline.
type Persister struct {
	store     *Store
	session   SessionAppender
	journal   JournalAppender
	symbolic  ThemeObserver
	extractor Extractor
	budget    time.Duration
	logger    *slog.Logger
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithExtractor sets the enrichment extractor. Nil disables enrichment.
func WithExtractor(e Extractor) PersisterOption {
	return func(p *Persister) { p.extractor = e }
}

// WithEnrichmentBudget bounds each enrichment run.
func WithEnrichmentBudget(d time.Duration) PersisterOption {
	return func(p *Persister) {
		if d > 0 {
			p.budget = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PersisterOption {
	return func(p *Persister) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPersister creates a persister. session, journal and symbolic may be
// nil to skip that layer.
func NewPersister(store *Store, session SessionAppender, journal JournalAppender, symbolic ThemeObserver, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:     store,
		session:   session,
		journal:   journal,
		symbolic:  symbolic,
		extractor: KeywordExtractor{},
		budget:    DefaultEnrichmentBudget,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("component", "persister")
	return p
}

// Record writes only the turn row, with voice status none. Callers that
// enqueue synthesis record first so the queued transition has a row to
// update.
func (p *Persister) Record(ctx context.Context, t Turn) error {
	if _, err := p.store.Insert(ctx, t); err != nil {
		return p.fail(p.logger.With("turn_id", t.ID, "user_id", t.UserID), "turn", err)
	}
	return nil
}

// Persist writes the turn row (voice status none), the session entry and
// the journal entry. The turn row goes first so a voice task enqueued
// afterwards always has a row to transition. Errors from each step are
// joined; later steps still run when an earlier one fails.
func (p *Persister) Persist(ctx context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	log := p.logger.With("turn_id", t.ID, "user_id", t.UserID)

	var errs []error
	if _, err := p.store.Insert(ctx, t); err != nil {
		errs = append(errs, p.fail(log, "turn", err))
	}

	if p.session != nil {
		err := p.session.Append(ctx, memory.SessionEntry{
			TurnID:    t.ID,
			UserID:    t.UserID,
			SessionID: t.SessionID,
			Input:     t.InputText,
			Reply:     t.ReplyText,
			CreatedAt: t.CreatedAt,
		})
		if err != nil {
			errs = append(errs, p.fail(log, "session", err))
		}
	}

	if p.journal != nil && !t.Degraded {
		err := p.journal.Append(ctx, memory.JournalEntry{
			ID:        "turn:" + t.ID,
			UserID:    t.UserID,
			Body:      "User: " + t.InputText + "\nAssistant: " + t.ReplyText,
			Source:    JournalSource,
			CreatedAt: t.CreatedAt,
		})
		if err != nil {
			errs = append(errs, p.fail(log, "journal", err))
		}
	}

	if len(errs) == 0 {
		log.Debug("turn persisted")
	}
	return errors.Join(errs...)
}

// Enrich extracts theme tags within the enrichment budget and records
// them on the symbolic layer and the turn row. A timeout or extractor
// error is logged and the tags are omitted; the turn is unaffected.
func (p *Persister) Enrich(ctx context.Context, t Turn) []string {
	if p.extractor == nil || t.Degraded {
		return nil
	}
	log := p.logger.With("turn_id", t.ID, "user_id", t.UserID)

	ectx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	start := time.Now()
	tags, err := p.extract(ectx, t)
	if err != nil {
		metrics.PersistFailures.WithLabelValues("enrich").Inc()
		log.Warn("enrichment skipped", "error", err, "elapsed", time.Since(start))
		return nil
	}
	if len(tags) == 0 {
		return nil
	}

	if p.symbolic != nil {
		if err := p.symbolic.Observe(ctx, t.UserID, t.ID, tags, t.CreatedAt); err != nil {
			_ = p.fail(log, "symbolic", err)
		}
	}
	if err := p.store.SetTags(ctx, t.ID, tags); err != nil {
		_ = p.fail(log, "tags", err)
	}

	log.Debug("turn enriched", "tags", tags, "elapsed", time.Since(start))
	return tags
}

// extract runs the extractor, abandoning it at the deadline if it
// ignores cancellation.
func (p *Persister) extract(ctx context.Context, t Turn) ([]string, error) {
	type result struct {
		tags []string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		tags, err := p.extractor.Extract(ctx, t.InputText, t.ReplyText)
		done <- result{tags, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.tags, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Persister) fail(log *slog.Logger, step string, err error) error {
	metrics.PersistFailures.WithLabelValues(step).Inc()
	log.Error("persist step failed", "step", step, "error", err)
	return fmt.Errorf("persist %s: %w", step, err)
}

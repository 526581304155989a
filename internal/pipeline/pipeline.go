// Package pipeline runs one conversational turn end to end: assemble
// context, generate the reply, then hand persistence, enrichment and
// speech synthesis to the background so the caller gets the reply as
// soon as it exists.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/spiralogic/oracle/internal/assembler"
	"github.com/spiralogic/oracle/internal/generate"
	"github.com/spiralogic/oracle/internal/memory"
	"github.com/spiralogic/oracle/internal/turns"
	"github.com/spiralogic/oracle/internal/usage"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultBackgroundWorkers = 4
	DefaultBackgroundTimeout = 30 * time.Second
	DefaultContextBudget     = 2048
)

// ErrInvalidRequest is returned for a request missing a required field.
var ErrInvalidRequest = errors.New("invalid turn request")

// ContextAssembler builds the conversational context.
type ContextAssembler interface {
	Assemble(ctx context.Context, userID, sessionID, query string, budget int) (*assembler.ConversationContext, error)
}

// ReplyGenerator produces a reply and never fails.
type ReplyGenerator interface {
	Generate(ctx context.Context, cc *assembler.ConversationContext, input string) generate.Reply
}

// TurnPersister stores turns off the request path.
type TurnPersister interface {
	Record(ctx context.Context, t turns.Turn) error
	Persist(ctx context.Context, t turns.Turn) error
	Enrich(ctx context.Context, t turns.Turn) []string
}

// VoiceEnqueuer schedules speech synthesis without blocking.
type VoiceEnqueuer interface {
	EnqueueWithID(taskID, turnID, userID, text string) error
}

// UsageRecorder stores the token usage of a generated reply.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// SubmitRequest is one user input.
type SubmitRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	// Budget is the context token budget. Zero means the pipeline's
	// configured budget.
	Budget int `json:"budget,omitempty"`
	// NoVoice skips synthesis for this turn.
	NoVoice bool `json:"no_voice,omitempty"`
}

// SubmitResult is what the caller receives once the reply exists. The
// outcome of VoiceTaskID arrives as a voice event or through the turn
// status.
type SubmitResult struct {
	TurnID       string `json:"turn_id"`
	ReplyText    string `json:"reply_text"`
	ProviderUsed string `json:"provider_used"`
	Degraded     bool   `json:"degraded,omitempty"`
	VoiceTaskID  string `json:"voice_task_id,omitempty"`

	ContextTokens int                     `json:"context_tokens"`
	Layers        []memory.Layer          `json:"layers,omitempty"`
	Absent        []assembler.AbsentLayer `json:"absent,omitempty"`
}

// Pipeline wires the turn stages together.
type Pipeline struct {
	assembler ContextAssembler
	generator ReplyGenerator
	persister TurnPersister
	voice     VoiceEnqueuer
	usage     UsageRecorder
	budget    int

	sem       *semaphore.Weighted
	bgTimeout time.Duration
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	wg        sync.WaitGroup

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithVoice enables speech synthesis.
func WithVoice(v VoiceEnqueuer) Option {
	return func(p *Pipeline) { p.voice = v }
}

// WithUsage records the token usage of every non-degraded reply.
func WithUsage(u UsageRecorder) Option {
	return func(p *Pipeline) { p.usage = u }
}

// WithContextBudget sets the token budget used for requests that do not
// name one.
func WithContextBudget(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.budget = n
		}
	}
}

// WithBackgroundWorkers bounds concurrent background persistence jobs.
func WithBackgroundWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithBackgroundTimeout bounds each background job, including the wait
// for a worker slot.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.bgTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a pipeline. persister may be nil to skip persistence.
func New(a ContextAssembler, g ReplyGenerator, persister TurnPersister, opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		assembler: a,
		generator: g,
		persister: persister,
		budget:    DefaultContextBudget,
		sem:       semaphore.NewWeighted(DefaultBackgroundWorkers),
		bgTimeout: DefaultBackgroundTimeout,
		bgCtx:     ctx,
		bgCancel:  cancel,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// Submit runs one turn. The caller waits for context assembly and
// generation only. Recording the turn, queueing synthesis, persistence,
// usage and enrichment all happen in the background, with the turn row
// written before the voice task is handed over. The reply is never
// empty: generation failures yield the degraded reply.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.UserID == "" || req.SessionID == "" || strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: user_id, session_id and text are required", ErrInvalidRequest)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("turn id: %w", err)
	}
	turnID := id.String()
	log := p.logger.With("turn_id", turnID, "user_id", req.UserID, "session_id", req.SessionID)
	start := p.now()

	budget := req.Budget
	if budget <= 0 {
		budget = p.budget
	}
	cc, err := p.assembler.Assemble(ctx, req.UserID, req.SessionID, req.Text, budget)
	if err != nil {
		log.Warn("no memory available for turn", "error", err)
		cc = &assembler.ConversationContext{UserID: req.UserID, SessionID: req.SessionID, Query: req.Text}
		var pce *assembler.PartialContextError
		if errors.As(err, &pce) {
			for _, l := range memory.AllLayers() {
				if _, ok := pce.Errors[l]; ok {
					cc.Absent = append(cc.Absent, assembler.AbsentLayer{Layer: l, Reason: "error"})
				}
			}
		}
	}

	reply := p.generator.Generate(ctx, cc, req.Text)

	turn := turns.Turn{
		ID:           turnID,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		InputText:    req.Text,
		ReplyText:    reply.Text,
		ProviderUsed: reply.ProviderUsed,
		Degraded:     reply.Degraded,
		CreatedAt:    start,
	}
	res := &SubmitResult{
		TurnID:        turnID,
		ReplyText:     reply.Text,
		ProviderUsed:  reply.ProviderUsed,
		Degraded:      reply.Degraded,
		ContextTokens: cc.TotalTokens,
		Layers:        cc.Layers,
		Absent:        cc.Absent,
	}

	if p.voice != nil && !req.NoVoice {
		taskID, err := uuid.NewV7()
		if err != nil {
			log.Warn("voice not queued", "error", fmt.Errorf("task id: %w", err))
		} else {
			res.VoiceTaskID = taskID.String()
		}
	}

	var rec *usage.Record
	if !reply.Degraded {
		rec = &usage.Record{
			CreatedAt:    start,
			TurnID:       turnID,
			UserID:       req.UserID,
			SessionID:    req.SessionID,
			Provider:     reply.ProviderUsed,
			Model:        reply.Model,
			InputTokens:  reply.InputTokens,
			OutputTokens: reply.OutputTokens,
		}
	}
	p.background(turn, res.VoiceTaskID, rec)

	log.Info("turn complete",
		"provider", reply.ProviderUsed,
		"degraded", reply.Degraded,
		"context_tokens", cc.TotalTokens,
		"absent_layers", len(cc.Absent),
		"voice_task_id", res.VoiceTaskID,
		"elapsed", p.now().Sub(start),
	)
	return res, nil
}

// background runs the post-reply work for t on the bounded worker
// pool: record the turn row, queue synthesis under taskID, then persist
// the memory entries, record usage and enrich.
func (p *Pipeline) background(t turns.Turn, taskID string, rec *usage.Record) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.bgCtx, p.bgTimeout)
		defer cancel()
		log := p.logger.With("turn_id", t.ID)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			log.Warn("background persistence dropped", "error", err)
			// The caller was promised a task; its outcome still reaches
			// listeners even without a turn row.
			p.enqueueVoice(log, t, taskID)
			return
		}
		defer p.sem.Release(1)

		// The turn row is never inserted after the voice task is handed
		// over. When the quick insert fails, the full persist retries it
		// before the handover.
		persisted := false
		if p.persister != nil {
			if err := p.persister.Record(ctx, t); err != nil {
				log.Warn("turn row not recorded", "error", err)
				p.persist(ctx, log, t)
				persisted = true
			}
		}
		p.enqueueVoice(log, t, taskID)

		if p.usage != nil && rec != nil {
			if err := p.usage.Record(ctx, *rec); err != nil {
				log.Warn("usage not recorded", "error", err)
			}
		}
		if p.persister == nil {
			return
		}
		if !persisted {
			p.persist(ctx, log, t)
		}
		p.persister.Enrich(ctx, t)
	}()
}

func (p *Pipeline) persist(ctx context.Context, log *slog.Logger, t turns.Turn) {
	if err := p.persister.Persist(ctx, t); err != nil {
		log.Warn("turn persisted with errors", "error", err)
	}
}

func (p *Pipeline) enqueueVoice(log *slog.Logger, t turns.Turn, taskID string) {
	if p.voice == nil || taskID == "" {
		return
	}
	if err := p.voice.EnqueueWithID(taskID, t.ID, t.UserID, t.ReplyText); err != nil {
		log.Warn("voice not queued", "task_id", taskID, "error", err)
	}
}

// Shutdown waits for background jobs. When ctx ends first, the jobs
// are cancelled.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.bgCancel()
		return nil
	case <-ctx.Done():
		p.bgCancel()
		<-done
		return ctx.Err()
	}
}

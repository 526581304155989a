// Package generate produces the reply text for a turn. It runs the
// configured text providers as a priority chain and never leaves the
// caller without a reply: when every provider fails, a fixed degraded
// reply is returned instead.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiralogic/oracle/internal/assembler"
	"github.com/spiralogic/oracle/internal/fallback"
	"github.com/spiralogic/oracle/internal/llm"
	"github.com/spiralogic/oracle/internal/metrics"
	"github.com/spiralogic/oracle/internal/prompts"
)

// DegradedProvider is the ProviderUsed value of a degraded reply.
const DegradedProvider = "degraded"

// DefaultDegradedReply is returned when no provider produced a reply and
// no other text is configured.
const DefaultDegradedReply = "I'm having trouble finding my words right now. Please give me a moment and try again."

// DefaultAttemptTimeout bounds one provider when no option is given.
const DefaultAttemptTimeout = 8 * time.Second

// ErrGenerationExhausted is returned by [Generator.GenerateStrict] when
// every provider failed.
var ErrGenerationExhausted = errors.New("generation exhausted")

// Prompt is the provider-neutral request handed to each provider.
type Prompt struct {
	System   string
	Messages []llm.Message
}

// Completion is one provider's answer.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Reply is the outcome of generation for one turn.
type Reply struct {
	Text         string        `json:"reply_text"`
	ProviderUsed string        `json:"provider_used"`
	Model        string        `json:"model,omitempty"`
	Degraded     bool          `json:"degraded,omitempty"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Duration     time.Duration `json:"-"`
	// Failed lists the providers that were tried and failed first.
	Failed []fallback.Attempt `json:"-"`
}

// Generator runs the text provider chain.
type Generator struct {
	chain    *fallback.Chain[Prompt, Completion]
	system   string
	degraded string
	logger   *slog.Logger
}

type options struct {
	attemptTimeout time.Duration
	system         string
	degraded       string
	logger         *slog.Logger
}

// Option configures a Generator.
type Option func(*options)

// WithAttemptTimeout bounds each provider in the chain. A provider that
// retries internally needs a timeout covering all of its tries.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) { o.attemptTimeout = d }
}

// WithSystemPrompt replaces the built-in system prompt.
func WithSystemPrompt(s string) Option {
	return func(o *options) {
		if s != "" {
			o.system = s
		}
	}
}

// WithDegradedReply replaces the built-in degraded reply.
func WithDegradedReply(s string) Option {
	return func(o *options) {
		if s != "" {
			o.degraded = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a generator over providers in priority order.
func New(providers []fallback.Provider[Prompt, Completion], opts ...Option) *Generator {
	o := options{
		attemptTimeout: DefaultAttemptTimeout,
		system:         prompts.BaseSystemPrompt(),
		degraded:       DefaultDegradedReply,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Generator{
		system:   o.system,
		degraded: o.degraded,
		logger:   o.logger.With("component", "generate"),
	}
	g.chain = fallback.NewChain(providers,
		fallback.WithAttemptTimeout[Prompt, Completion](o.attemptTimeout),
		fallback.WithObserver[Prompt, Completion](g.observe),
	)
	return g
}

// Providers returns the provider names in priority order.
func (g *Generator) Providers() []string {
	return g.chain.Names()
}

// Generate returns a reply for input given the assembled context. It
// never fails: if every provider fails, or ctx ends first, the degraded
// reply is returned with Degraded set.
func (g *Generator) Generate(ctx context.Context, cc *assembler.ConversationContext, input string) Reply {
	reply, err := g.GenerateStrict(ctx, cc, input)
	if err == nil {
		return reply
	}

	metrics.DegradedReplies.Inc()
	g.logger.Warn("serving degraded reply", "error", err)
	return Reply{
		Text:         g.degraded,
		ProviderUsed: DegradedProvider,
		Degraded:     true,
		Duration:     reply.Duration,
		Failed:       reply.Failed,
	}
}

// GenerateStrict is Generate without the degraded fallback. When every
// provider fails the error matches both [ErrGenerationExhausted] and
// [fallback.ErrExhausted]; the returned Reply still carries the failed
// attempts.
func (g *Generator) GenerateStrict(ctx context.Context, cc *assembler.ConversationContext, input string) (Reply, error) {
	start := time.Now()
	prompt := BuildPrompt(g.system, cc, input)

	res, err := g.chain.Run(ctx, prompt)
	if err != nil {
		reply := Reply{Duration: time.Since(start)}
		var ee *fallback.ExhaustedError
		if errors.As(err, &ee) {
			reply.Failed = ee.Attempts
		}
		return reply, fmt.Errorf("%w: %w", ErrGenerationExhausted, err)
	}

	if len(res.Failed) > 0 {
		g.logger.Info("reply served by fallback provider",
			"provider", res.Provider,
			"position", res.Position,
			"failed", len(res.Failed),
		)
	}

	return Reply{
		Text:         res.Value.Text,
		ProviderUsed: res.Provider,
		Model:        res.Value.Model,
		InputTokens:  res.Value.InputTokens,
		OutputTokens: res.Value.OutputTokens,
		Duration:     time.Since(start),
		Failed:       res.Failed,
	}, nil
}

func (g *Generator) observe(a fallback.Attempt) {
	metrics.ObserveAttempt("text", a.Provider, a.Err, a.Duration)
	if a.Err != nil {
		g.logger.Warn("text provider failed",
			"provider", a.Provider,
			"position", a.Position,
			"elapsed", a.Duration,
			"error", a.Err,
		)
	}
}

// Package assembler builds a token-bounded conversational context by
// querying every memory layer in parallel and packing the results into
// a budget.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spiralogic/oracle/internal/memory"
	"github.com/spiralogic/oracle/internal/metrics"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultLayerTimeout = 150 * time.Millisecond
	DefaultTopK         = 8
)

// ErrPartialContext is matched by the error returned when every layer
// failed.
var ErrPartialContext = errors.New("no memory layer responded")

// PartialContextError lists why each layer failed.
type PartialContextError struct {
	Errors map[memory.Layer]error
}

func (e *PartialContextError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, l := range memory.AllLayers() {
		if err, ok := e.Errors[l]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", l, err))
		}
	}
	return fmt.Sprintf("%s (%s)", ErrPartialContext, strings.Join(parts, "; "))
}

// Is reports whether target is ErrPartialContext.
func (e *PartialContextError) Is(target error) bool {
	return target == ErrPartialContext
}

// AbsentLayer records a layer that contributed nothing because it
// failed. A layer that answered with zero fragments is not absent.
type AbsentLayer struct {
	Layer  memory.Layer `json:"layer"`
	Reason string       `json:"reason"`
}

// ConversationContext is the assembled, budget-bounded context for one
// turn.
type ConversationContext struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Budget    int    `json:"budget"`

	// Fragments are ordered by layer priority, then relevance.
	Fragments   []memory.Fragment `json:"fragments"`
	TotalTokens int               `json:"total_tokens"`

	// Layers lists the layers that contributed at least one fragment.
	Layers []memory.Layer `json:"layers"`
	// Absent lists the layers that failed or timed out.
	Absent []AbsentLayer `json:"absent,omitempty"`
	// Skipped counts fragments left out because they did not fit.
	Skipped int `json:"skipped"`
}

// ByLayer returns the accepted fragments of one layer, in order.
func (cc *ConversationContext) ByLayer(l memory.Layer) []memory.Fragment {
	var out []memory.Fragment
	for _, f := range cc.Fragments {
		if f.Layer == l {
			out = append(out, f)
		}
	}
	return out
}

// Assembler fans a query out to the memory layers.
type Assembler struct {
	layers   []memory.Querier
	timeout  time.Duration
	timeouts map[memory.Layer]time.Duration
	topK     int
	logger   *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLayerTimeout sets the default per-layer timeout.
func WithLayerTimeout(d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLayerTimeoutFor overrides the timeout of one layer.
func WithLayerTimeoutFor(l memory.Layer, d time.Duration) Option {
	return func(a *Assembler) {
		if d > 0 {
			a.timeouts[l] = d
		}
	}
}

// WithTopK sets how many fragments each layer is asked for.
func WithTopK(k int) Option {
	return func(a *Assembler) {
		if k > 0 {
			a.topK = k
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an assembler over the given layer stores.
func New(layers []memory.Querier, opts ...Option) *Assembler {
	a := &Assembler{
		layers:   layers,
		timeout:  DefaultLayerTimeout,
		timeouts: make(map[memory.Layer]time.Duration),
		topK:     DefaultTopK,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("component", "assembler")
	return a
}

// Layers returns the configured layer stores.
func (a *Assembler) Layers() []memory.Querier {
	return a.layers
}

type layerResult struct {
	layer memory.Layer
	frags []memory.Fragment
	err   error
}

// Assemble queries every layer in parallel and packs the results into
// budget tokens. The budget is taken as given: zero or less yields an
// empty context. It is read-only. It returns an error only when every
// layer failed; the error is a *PartialContextError.
func (a *Assembler) Assemble(ctx context.Context, userID, sessionID, query string, budget int) (*ConversationContext, error) {
	if budget < 0 {
		budget = 0
	}

	results := make([]layerResult, len(a.layers))
	g := new(errgroup.Group)
	g.SetLimit(len(a.layers) + 1)
	for i, layer := range a.layers {
		g.Go(func() error {
			results[i] = a.queryLayer(ctx, layer, memory.Query{
				UserID:    userID,
				SessionID: sessionID,
				Text:      query,
				K:         a.topK,
			})
			return nil
		})
	}
	_ = g.Wait()

	cc := &ConversationContext{
		UserID:    userID,
		SessionID: sessionID,
		Query:     query,
		Budget:    budget,
	}

	var candidates []memory.Fragment
	failed := make(map[memory.Layer]error)
	for _, r := range results {
		if r.err != nil {
			failed[r.layer] = r.err
			cc.Absent = append(cc.Absent, AbsentLayer{Layer: r.layer, Reason: reason(r.err)})
			continue
		}
		candidates = append(candidates, r.frags...)
	}

	if len(a.layers) > 0 && len(failed) == len(a.layers) {
		return nil, &PartialContextError{Errors: failed}
	}

	sortFragments(candidates)
	cc.Fragments, cc.TotalTokens, cc.Skipped = pack(candidates, budget)
	cc.Layers = representedLayers(cc.Fragments)
	sort.Slice(cc.Absent, func(i, j int) bool { return cc.Absent[i].Layer < cc.Absent[j].Layer })

	metrics.ContextTokens.Observe(float64(cc.TotalTokens))
	a.logger.Debug("context assembled",
		"user_id", userID,
		"session_id", sessionID,
		"fragments", len(cc.Fragments),
		"tokens", cc.TotalTokens,
		"budget", budget,
		"skipped", cc.Skipped,
		"absent", len(cc.Absent),
	)

	return cc, nil
}

// queryLayer runs one layer under its own deadline. A layer that
// ignores cancellation is abandoned at the deadline; its goroutine
// finishes in the background.
func (a *Assembler) queryLayer(ctx context.Context, q memory.Querier, query memory.Query) layerResult {
	layer := q.Layer()
	timeout := a.timeout
	if d, ok := a.timeouts[layer]; ok {
		timeout = d
	}

	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan layerResult, 1)
	go func() {
		frags, err := q.Query(lctx, query)
		done <- layerResult{layer: layer, frags: frags, err: err}
	}()

	var res layerResult
	select {
	case res = <-done:
		if res.err == nil && lctx.Err() != nil {
			res.err = lctx.Err()
		}
	case <-lctx.Done():
		res = layerResult{layer: layer, err: lctx.Err()}
	}

	metrics.LayerLatency.WithLabelValues(layer.String()).Observe(time.Since(start).Seconds())
	if res.err != nil {
		metrics.LayerAbsent.WithLabelValues(layer.String(), reason(res.err)).Inc()
		a.logger.Warn("memory layer unavailable",
			"layer", layer.String(),
			"error", res.err,
			"elapsed", time.Since(start),
		)
		return res
	}

	// Stores own their fragments; keep only what is well formed.
	valid := res.frags[:0:0]
	for _, f := range res.frags {
		if f.Text == "" {
			continue
		}
		f.Layer = layer
		if f.Tokens <= 0 {
			f.Tokens = memory.EstimateTokens(f.Text)
		}
		valid = append(valid, f)
	}
	res.frags = valid
	return res
}

func reason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// sortFragments orders by layer priority, then relevance descending.
// Equal relevance within a layer prefers the newer fragment, then the
// lexically smaller text, so the order is total.
func sortFragments(frags []memory.Fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		a, b := frags[i], frags[j]
		if a.Layer != b.Layer {
			return a.Layer < b.Layer
		}
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Text < b.Text
	})
}

// pack accepts fragments in order while the running total stays within
// budget. A fragment that would overflow is skipped whole and packing
// continues with the next one. Exact duplicate texts are kept once.
func pack(sorted []memory.Fragment, budget int) ([]memory.Fragment, int, int) {
	var (
		out     []memory.Fragment
		total   int
		skipped int
		seen    = make(map[string]bool)
	)
	for _, f := range sorted {
		if seen[f.Text] {
			continue
		}
		if total+f.Tokens > budget {
			skipped++
			continue
		}
		seen[f.Text] = true
		total += f.Tokens
		out = append(out, f)
	}
	return out, total, skipped
}

func representedLayers(frags []memory.Fragment) []memory.Layer {
	var out []memory.Layer
	seen := make(map[memory.Layer]bool)
	for _, f := range frags {
		if !seen[f.Layer] {
			seen[f.Layer] = true
			out = append(out, f.Layer)
		}
	}
	return out
}

// Package fallback runs an input through an ordered chain of providers,
// moving to the next provider when one fails or exceeds its time budget.
// Text generation and speech synthesis both use it: each concrete
// backend implements [Provider] and the priority chain is a plain slice.
//
// Retry with backoff is not the chain's job. A provider that deserves
// retries is wrapped with [Retry] before it is placed in the chain, so
// the chain itself never calls the same provider twice.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExhausted is matched (via errors.Is) by the error returned from
// [Chain.Run] when every provider failed.
var ErrExhausted = errors.New("all providers failed")

// ErrNoProviders is returned by [Chain.Run] on an empty chain.
var ErrNoProviders = errors.New("no providers configured")

// Provider is one backend in a priority chain.
type Provider[In, Out any] interface {
	// Name identifies the provider in logs, metrics and on persisted
	// turns (providerUsed).
	Name() string

	// Attempt performs one call. It must honour ctx cancellation.
	Attempt(ctx context.Context, in In) (Out, error)
}

// Func adapts a plain function to the [Provider] interface.
func Func[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error)) Provider[In, Out] {
	return funcProvider[In, Out]{name: name, fn: fn}
}

type funcProvider[In, Out any] struct {
	name string
	fn   func(ctx context.Context, in In) (Out, error)
}

func (f funcProvider[In, Out]) Name() string { return f.name }

func (f funcProvider[In, Out]) Attempt(ctx context.Context, in In) (Out, error) {
	return f.fn(ctx, in)
}

// Attempt records the outcome of one provider in a chain run.
type Attempt struct {
	Provider string
	Position int
	Err      error // nil on success
	Duration time.Duration
}

// ExhaustedError lists every failed attempt of a chain run. It matches
// [ErrExhausted] with errors.Is.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrExhausted.Error()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("%s (%s)", ErrExhausted, strings.Join(parts, "; "))
}

// Is reports whether target is ErrExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Result is the successful outcome of a chain run.
type Result[Out any] struct {
	Value    Out
	Provider string
	Position int
	// Failed holds the attempts that failed before the winning provider.
	Failed []Attempt
}

// Chain tries providers in priority order.
type Chain[In, Out any] struct {
	providers []Provider[In, Out]
	timeout   time.Duration
	observe   func(Attempt)
}

// ChainOption configures a Chain.
type ChainOption[In, Out any] func(*Chain[In, Out])

// WithAttemptTimeout bounds each provider's call. Zero means the
// provider is bounded only by the caller's context.
func WithAttemptTimeout[In, Out any](d time.Duration) ChainOption[In, Out] {
	return func(c *Chain[In, Out]) { c.timeout = d }
}

// WithObserver registers a callback invoked after every provider
// attempt, successful or not. It runs on the caller's goroutine and
// must not block.
func WithObserver[In, Out any](fn func(Attempt)) ChainOption[In, Out] {
	return func(c *Chain[In, Out]) { c.observe = fn }
}

// NewChain creates a chain over providers in priority order.
func NewChain[In, Out any](providers []Provider[In, Out], opts ...ChainOption[In, Out]) *Chain[In, Out] {
	c := &Chain[In, Out]{providers: providers}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Len returns the number of providers in the chain.
func (c *Chain[In, Out]) Len() int {
	return len(c.providers)
}

// Names returns provider names in priority order.
func (c *Chain[In, Out]) Names() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Run tries each provider in order and returns the first success. On
// timeout or error it moves to the next provider immediately. If ctx
// is cancelled the run stops early and the returned error wraps both
// [ErrExhausted] and the context error.
func (c *Chain[In, Out]) Run(ctx context.Context, in In) (Result[Out], error) {
	var res Result[Out]
	if len(c.providers) == 0 {
		return res, ErrNoProviders
	}

	var failed []Attempt
	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %w", &ExhaustedError{Attempts: failed}, err)
		}

		out, a := c.attempt(ctx, p, i, in)
		if c.observe != nil {
			c.observe(a)
		}
		if a.Err == nil {
			res.Value = out
			res.Provider = a.Provider
			res.Position = i
			res.Failed = failed
			return res, nil
		}
		failed = append(failed, a)
	}

	return res, &ExhaustedError{Attempts: failed}
}

func (c *Chain[In, Out]) attempt(ctx context.Context, p Provider[In, Out], pos int, in In) (Out, Attempt) {
	actx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := p.Attempt(actx, in)
	if err == nil && actx.Err() != nil {
		// A provider that ignores its context and returns late has
		// still blown the budget.
		err = actx.Err()
	}
	return out, Attempt{
		Provider: p.Name(),
		Position: pos,
		Err:      err,
		Duration: time.Since(start),
	}
}

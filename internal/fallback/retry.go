package fallback

import (
	"context"
	"errors"
	"time"
)

// permanentError marks an error that retrying cannot fix (bad request,
// invalid credentials, unsupported voice).
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that [Retry] gives up immediately. The chain
// still moves on to the next provider.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy controls [Retry]. Delays grow as BaseDelay * Multiplier^n
// capped at MaxDelay.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// PerTry bounds each individual call. Zero means no per-call bound
	// beyond the caller's context.
	PerTry time.Duration
}

// DefaultRetryPolicy returns three attempts with 200ms, 400ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * p.BaseDelay
	}
	return p
}

// Delay returns the backoff before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Budget returns the worst-case wall time of one retried provider call:
// every try hitting PerTry plus every backoff delay. Chains use it as
// the per-provider timeout so retries are not starved.
func (p RetryPolicy) Budget() time.Duration {
	p = p.normalized()
	var total time.Duration
	for n := 1; n <= p.MaxAttempts; n++ {
		total += p.PerTry
		if n < p.MaxAttempts {
			total += p.Delay(n)
		}
	}
	return total
}

// Retry wraps p so that transient failures are retried with exponential
// backoff. Errors wrapped with [Permanent] and context cancellation end
// the retries early.
func Retry[In, Out any](p Provider[In, Out], policy RetryPolicy) Provider[In, Out] {
	return &retrying[In, Out]{inner: p, policy: policy.normalized()}
}

type retrying[In, Out any] struct {
	inner  Provider[In, Out]
	policy RetryPolicy
}

func (r *retrying[In, Out]) Name() string { return r.inner.Name() }

func (r *retrying[In, Out]) Attempt(ctx context.Context, in In) (Out, error) {
	var (
		out Out
		err error
	)
	for n := 1; n <= r.policy.MaxAttempts; n++ {
		out, err = r.try(ctx, in)
		if err == nil || IsPermanent(err) || ctx.Err() != nil {
			return out, err
		}
		if n == r.policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(r.policy.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, ctx.Err()
		case <-timer.C:
		}
	}
	return out, err
}

func (r *retrying[In, Out]) try(ctx context.Context, in In) (Out, error) {
	if r.policy.PerTry <= 0 {
		return r.inner.Attempt(ctx, in)
	}
	tctx, cancel := context.WithTimeout(ctx, r.policy.PerTry)
	defer cancel()
	return r.inner.Attempt(tctx, in)
}

package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(n int) RetryPolicy {
	return RetryPolicy{MaxAttempts: n, BaseDelay: time.Millisecond, Multiplier: 2}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	var calls atomic.Int32
	p := Func("flaky", func(ctx context.Context, in string) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("503")
		}
		return "ok", nil
	})

	got, err := Retry(p, fastPolicy(3)).Attempt(context.Background(), "x")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetry_CapsAttempts(t *testing.T) {
	var calls atomic.Int32
	p := Func("down", func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		return "", errors.New("down")
	})

	if _, err := Retry(p, fastPolicy(3)).Attempt(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	sentinel := errors.New("bad request")
	p := Func("strict", func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		return "", Permanent(sentinel)
	})

	_, err := Retry(p, fastPolicy(5)).Attempt(context.Background(), "x")
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapped sentinel", err)
	}
	if !IsPermanent(err) {
		t.Error("IsPermanent = false")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetry_PerTryTimeout(t *testing.T) {
	var calls atomic.Int32
	p := Func("slow", func(ctx context.Context, in string) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "second", nil
	})
	policy := fastPolicy(2)
	policy.PerTry = 10 * time.Millisecond

	got, err := Retry(p, policy).Attempt(context.Background(), "x")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if got != "second" {
		t.Errorf("got %q", got)
	}
}

func TestRetry_NameDelegates(t *testing.T) {
	if got := Retry(ok("inner", ""), fastPolicy(1)).Name(); got != "inner" {
		t.Errorf("Name() = %q", got)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetryPolicy_Budget(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2, PerTry: time.Second}
	// 3 tries + 100ms + 200ms
	want := 3*time.Second + 300*time.Millisecond
	if got := p.Budget(); got != want {
		t.Errorf("Budget() = %v, want %v", got, want)
	}
}

package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestLimiter(budget Budget) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(map[Class]Budget{ClassLLM: budget}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	sleepE error
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	if c.sleepE != nil {
		return c.sleepE
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func TestAcquireWithinBudget(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Budget{Limit: 3, Window: time.Minute, MaxWait: 5 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, ClassLLM); err != nil {
			t.Fatalf("Acquire(%d) error = %v", i, err)
		}
	}
	if len(clock.slept) != 0 {
		t.Errorf("Acquire() slept %v within budget, want no waits", clock.slept)
	}
}

func TestAcquireWaitsForWindow(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Budget{Limit: 2, Window: time.Minute, MaxWait: 5 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx, ClassLLM); err != nil {
			t.Fatalf("Acquire(%d) error = %v", i, err)
		}
	}

	// The third permit must wait a full window for the first grant to expire.
	if err := l.Acquire(ctx, ClassLLM); err != nil {
		t.Fatalf("Acquire() after window error = %v", err)
	}
	if len(clock.slept) == 0 {
		t.Fatal("Acquire() over budget did not wait")
	}
	if total := sum(clock.slept); total < time.Minute {
		t.Errorf("Acquire() waited %v total, want at least the window", total)
	}
}

func TestAcquireExhausted(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Budget{Limit: 1, Window: time.Hour, MaxWait: time.Minute})
	ctx := context.Background()

	if err := l.Acquire(ctx, ClassLLM); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// The next grant is an hour away but MaxWait is a minute.
	err := l.Acquire(ctx, ClassLLM)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrExhausted", err)
	}
	if len(clock.slept) != 0 {
		t.Errorf("Acquire() slept %v before reporting exhaustion, want immediate rejection", clock.slept)
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Budget{Limit: 1, Window: time.Minute, MaxWait: 5 * time.Minute})
	clock.sleepE = context.Canceled
	ctx := context.Background()

	if err := l.Acquire(ctx, ClassLLM); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	err := l.Acquire(ctx, ClassLLM)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}
}

func TestAcquireZeroLimitBudget(t *testing.T) {
	t.Parallel()

	// A non-positive limit disables the class instead of blocking (or
	// panicking on) every caller.
	l := New(map[Class]Budget{ClassLLM: {Limit: 0, Window: time.Minute, MaxWait: time.Minute}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, ClassLLM); err != nil {
			t.Fatalf("Acquire(%d) with zero limit error = %v, want unlimited grants", i, err)
		}
	}
}

func TestAcquireUnknownClass(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Budget{Limit: 1, Window: time.Minute, MaxWait: time.Minute})
	if err := l.Acquire(context.Background(), Class("unknown")); err != nil {
		t.Errorf("Acquire() for unknown class error = %v, want nil", err)
	}
}

func sum(ds []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total
}

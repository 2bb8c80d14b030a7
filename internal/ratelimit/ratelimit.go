// Package ratelimit provides a sliding-window rate limiter shared by the
// collector, LLM, and database write paths. Each resource class carries its
// own budget; acquiring a permit blocks until the window has room or the
// class-specific wait bound is exceeded.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrExhausted is returned when a permit cannot be granted within the
// class's maximum wait. Callers must distinguish it from a transient wait:
// an exhausted budget means the operation should be rejected, not retried
// immediately.
var ErrExhausted = errors.New("rate limit exhausted")

// Class identifies a rate-limited resource.
type Class string

const (
	ClassPlatform Class = "platform"
	ClassLLM      Class = "llm"
	ClassDBWrite  Class = "db_write"
)

// Budget is the limit for one class: at most Limit permits per sliding
// Window, with MaxWait bounding how long Acquire may block.
type Budget struct {
	Limit   int
	Window  time.Duration
	MaxWait time.Duration
}

type classState struct {
	budget Budget

	mu     sync.Mutex
	grants []time.Time
}

// Limiter is a multi-class sliding-window rate limiter.
type Limiter struct {
	classes map[Class]*classState
	logger  *slog.Logger

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter with the given per-class budgets. A budget with a
// non-positive Limit disables limiting for its class, same as omitting it.
func New(budgets map[Class]Budget, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	classes := make(map[Class]*classState, len(budgets))
	for class, budget := range budgets {
		if budget.Limit <= 0 {
			continue
		}
		classes[class] = &classState{budget: budget}
	}

	return &Limiter{
		classes: classes,
		logger:  logger.With("component", "ratelimit"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until a permit for class is available, the wait bound is
// exceeded (ErrExhausted), or ctx is done. Unknown classes are not limited.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	state, ok := l.classes[class]
	if !ok {
		return nil
	}

	deadline := l.now().Add(state.budget.MaxWait)
	for {
		wait, granted := state.tryGrant(l.now())
		if granted {
			return nil
		}

		if l.now().Add(wait).After(deadline) {
			l.logger.WarnContext(ctx, "Rate limit exhausted",
				"class", string(class), "wait", wait, "max_wait", state.budget.MaxWait)
			return fmt.Errorf("class %s: %w", class, ErrExhausted)
		}

		l.logger.DebugContext(ctx, "Rate limit wait", "class", string(class), "wait", wait)
		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait interrupted: %w", err)
		}
	}
}

// tryGrant records a grant if the window has room, otherwise returns how
// long until the oldest grant leaves the window.
func (s *classState) tryGrant(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.budget.Window)
	live := s.grants[:0]
	for _, t := range s.grants {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	s.grants = live

	if len(s.grants) < s.budget.Limit {
		s.grants = append(s.grants, now)
		return 0, true
	}

	return s.grants[0].Sub(cutoff), false
}

// Package session manages the pool of collector session identities. Sessions
// are discovered from files on disk, validated at startup, and leased to at
// most one caller at a time with least-recently-used rotation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoSessionAvailable is returned when no usable session becomes available
// within the acquire timeout.
var ErrNoSessionAvailable = errors.New("no session available")

// ErrNoValidSessions is returned at startup when not a single discovered
// session passes validation.
var ErrNoValidSessions = errors.New("no valid sessions")

// State is a session's usability tag.
type State string

const (
	StateValid       State = "valid"
	StateInvalid     State = "invalid"
	StateRateLimited State = "rate_limited"
)

// Outcome is reported on release and drives state transitions.
type Outcome int

const (
	// OutcomeOK leaves the session valid.
	OutcomeOK Outcome = iota
	// OutcomeInvalid marks the session permanently unusable.
	OutcomeInvalid
	// OutcomeRateLimited sidelines the session until the reported time.
	OutcomeRateLimited
)

// Session is one collector identity in the pool.
type Session struct {
	ID    string
	Token string

	state            State
	rateLimitedUntil time.Time
	lastUsed         time.Time
	inUse            bool
}

// State returns the session's current tag, resolving expired rate limits.
func (s *Session) State(now time.Time) State {
	if s.state == StateRateLimited && !now.Before(s.rateLimitedUntil) {
		return StateValid
	}
	return s.state
}

// Validator checks whether a session identity is accepted upstream.
type Validator interface {
	ValidateSession(ctx context.Context, token string) error
}

// Pool hands out sessions with LRU rotation. A leased session is invisible
// to other callers until released.
type Pool struct {
	logger         *slog.Logger
	acquireTimeout time.Duration

	mu       sync.Mutex
	sessions []*Session
	released chan struct{}

	now func() time.Time
}

// NewPool creates a pool over the given sessions.
func NewPool(sessions []*Session, acquireTimeout time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:         logger.With("component", "session_pool"),
		acquireTimeout: acquireTimeout,
		sessions:       sessions,
		released:       make(chan struct{}, 1),
		now:            time.Now,
	}
}

// Discover reads session files (*.session) from dir. The file name without
// extension is the session ID; the trimmed content is its token. Files with
// empty content are skipped.
func Discover(dir string, logger *slog.Logger) ([]*Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory %s: %w", dir, err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".session") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read session file %s: %w", entry.Name(), err)
		}

		token := strings.TrimSpace(string(data))
		if token == "" {
			logger.Warn("Skipping empty session file", "file", entry.Name())
			continue
		}

		sessions = append(sessions, &Session{
			ID:    strings.TrimSuffix(entry.Name(), ".session"),
			Token: token,
			state: StateValid,
		})
	}

	return sessions, nil
}

// ValidateAll checks every session against the validator and tags failures
// invalid. It returns ErrNoValidSessions if nothing remains usable; startup
// must abort in that case, while partial failure only shrinks the pool.
// Validation calls run outside the pool lock so Acquire callers are never
// pinned behind a slow revalidation sweep; only the state transitions are
// applied under the lock.
func (p *Pool) ValidateAll(ctx context.Context, validator Validator) error {
	p.mu.Lock()
	snapshot := make([]*Session, len(p.sessions))
	copy(snapshot, p.sessions)
	p.mu.Unlock()

	failed := make(map[*Session]error)
	for _, s := range snapshot {
		if err := validator.ValidateSession(ctx, s.Token); err != nil {
			failed[s] = err
		}
	}

	p.mu.Lock()
	valid := 0
	for _, s := range snapshot {
		if err, ok := failed[s]; ok {
			s.state = StateInvalid
			p.logger.WarnContext(ctx, "Session failed validation", "session_id", s.ID, "error", err)
			continue
		}
		s.state = StateValid
		valid++
	}
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Session validation complete",
		"total", len(snapshot), "valid", valid)

	if valid == 0 {
		return ErrNoValidSessions
	}
	return nil
}

// Acquire leases the least recently used eligible session. It blocks until
// one becomes available, the pool's acquire timeout passes, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	deadline := p.now().Add(p.acquireTimeout)

	for {
		if s := p.tryAcquire(); s != nil {
			return s, nil
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return nil, ErrNoSessionAvailable
		}

		// Wake on the next release or re-check periodically in case a
		// rate-limit window expired.
		wait := remaining
		if wait > time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("session acquire interrupted: %w", ctx.Err())
		case <-p.released:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (p *Pool) tryAcquire() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var pick *Session
	for _, s := range p.sessions {
		if s.inUse || s.State(now) != StateValid {
			continue
		}
		if pick == nil || s.lastUsed.Before(pick.lastUsed) {
			pick = s
		}
	}
	if pick == nil {
		return nil
	}

	pick.state = StateValid
	pick.inUse = true
	pick.lastUsed = now
	return pick
}

// Release returns a leased session to the pool with the outcome of its use.
// until is only meaningful for OutcomeRateLimited.
func (p *Pool) Release(s *Session, outcome Outcome, until time.Time) {
	if s == nil {
		return
	}

	p.mu.Lock()
	s.inUse = false
	switch outcome {
	case OutcomeInvalid:
		s.state = StateInvalid
		p.logger.Warn("Session marked invalid", "session_id", s.ID)
	case OutcomeRateLimited:
		s.state = StateRateLimited
		s.rateLimitedUntil = until
		p.logger.Warn("Session rate limited", "session_id", s.ID, "until", until)
	default:
		s.state = StateValid
	}
	p.mu.Unlock()

	select {
	case p.released <- struct{}{}:
	default:
	}
}

// Stats returns the pool composition by state.
func (p *Pool) Stats() map[State]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := make(map[State]int, 3)
	for _, s := range p.sessions {
		stats[s.State(now)]++
	}
	return stats
}

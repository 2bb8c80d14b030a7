package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/platform"
	"github.com/chatlens/chatlens/internal/ratelimit"
	"github.com/chatlens/chatlens/internal/session"
)

// ErrAlreadyInProgress is returned when another run holds the target's job
// lock. The caller should treat the in-flight run as authoritative.
var ErrAlreadyInProgress = errors.New("analysis already in progress")

// ErrInsufficientData is returned when the target has too few qualifying
// authors or no retained messages to analyze.
var ErrInsufficientData = errors.New("insufficient data for analysis")

// ErrUpstreamUnavailable is returned when the collector or the model could
// not produce usable output. The cached analysis, if any, stays served.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Collector is the slice of the platform client the engine needs.
type Collector interface {
	FetchRecentMessages(ctx context.Context, token string, chatID int64, limit int) ([]platform.Message, error)
	FetchChatInfo(ctx context.Context, token string, chatID int64) (*platform.ChatInfo, error)
	ResolveChat(ctx context.Context, token, username string) (*platform.ChatInfo, error)
}

// SessionPool is the slice of the session pool the engine needs.
type SessionPool interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Release(s *session.Session, outcome session.Outcome, until time.Time)
}

// AIClient produces the per-author analysis variants.
type AIClient interface {
	GenerateGroupAnalyses(ctx context.Context, chatTitle string, messages []database.Message, authors []database.Membership, variants []string) (map[int64]map[string]string, error)
}

// Notifier is told when a run completes so delivery can be scheduled.
type Notifier interface {
	AnalysisCompleted(ctx context.Context, chatID int64, analysis *database.Analysis) error
}

// PreviewFetcher refreshes channel metadata without a session.
type PreviewFetcher interface {
	Fetch(ctx context.Context, username string) (*platform.Preview, error)
}

// Engine runs analyses. At most one run per target is in flight at any
// moment, enforced by the durable job lock rather than in-process state, so
// the guarantee holds across crashes and restarts.
type Engine struct {
	store    database.Store
	ai       AIClient
	limiter  *ratelimit.Limiter
	pool     SessionPool
	coll     Collector
	preview  PreviewFetcher
	notifier Notifier
	cfg      config.AnalysisConfig
	logger   *slog.Logger
}

// NewEngine wires the analysis engine. pool, coll, and preview may be nil
// when channel refresh is not configured; notifier may be nil when no
// delivery is wanted (the recovery sweep uses that).
func NewEngine(
	store database.Store,
	ai AIClient,
	limiter *ratelimit.Limiter,
	pool SessionPool,
	coll Collector,
	preview PreviewFetcher,
	notifier Notifier,
	cfg config.AnalysisConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		ai:       ai,
		limiter:  limiter,
		pool:     pool,
		coll:     coll,
		preview:  preview,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "analysis_engine"),
	}
}

// SetNotifier installs the completion notifier after construction. The
// notifier wraps the engine in the other direction, so one side wires late.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Run executes one full analysis for the target and returns the stored
// result. The job lock is always released on return, success or failure.
func (e *Engine) Run(ctx context.Context, chatID int64) (*database.Analysis, error) {
	token := uuid.NewString()

	acquired, err := e.store.TryAcquireJob(ctx, chatID, token, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("chat %d: %w", chatID, ErrAlreadyInProgress)
	}
	defer func() {
		// Release must not be lost to a canceled request context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.store.ReleaseJob(releaseCtx, chatID, token); err != nil {
			e.logger.ErrorContext(ctx, "Failed to release job lock", "chat_id", chatID, "error", err)
		}
	}()

	e.logger.InfoContext(ctx, "Analysis run started", "chat_id", chatID)

	target, err := e.store.GetTarget(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load target: %w", err)
	}
	if target == nil {
		return nil, fmt.Errorf("chat %d is not a known target: %w", chatID, ErrInsufficientData)
	}

	if target.Kind == database.TargetKindChannel {
		if err := e.refreshChannel(ctx, target); err != nil {
			return nil, err
		}
	}

	authors, err := e.qualifyingAuthors(ctx, chatID)
	if err != nil {
		return nil, err
	}

	messages, err := e.store.RecentMessages(ctx, chatID, e.cfg.MessageWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("chat %d has no retained messages: %w", chatID, ErrInsufficientData)
	}

	if err := e.limiter.Acquire(ctx, ratelimit.ClassLLM); err != nil {
		if errors.Is(err, ratelimit.ErrExhausted) {
			return nil, fmt.Errorf("llm budget exhausted: %w", ErrUpstreamUnavailable)
		}
		return nil, err
	}

	variants, err := e.ai.GenerateGroupAnalyses(ctx, target.Title, messages, authors, e.cfg.Variants)
	if err != nil {
		e.logger.ErrorContext(ctx, "Model call failed", "chat_id", chatID, "error", err)
		return nil, fmt.Errorf("model call failed: %w", ErrUpstreamUnavailable)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("model produced no usable author analyses: %w", ErrUpstreamUnavailable)
	}

	analysis, err := e.persist(ctx, chatID, variants)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Analysis run completed",
		"chat_id", chatID, "analysis_id", analysis.ID, "analyzed_authors", len(variants))

	if e.notifier != nil {
		if err := e.notifier.AnalysisCompleted(ctx, chatID, analysis); err != nil {
			// Delivery is best-effort here; the analysis itself is durable.
			e.logger.ErrorContext(ctx, "Failed to schedule completion notification",
				"chat_id", chatID, "error", err)
		}
	}

	return analysis, nil
}

// ResolveChannel maps a public channel username to its stored target,
// creating the channel target on the first explicit analysis request. A
// known channel resolves from storage; a new one needs a leased session, so
// the request fails when none is available rather than guessing a chat id.
func (e *Engine) ResolveChannel(ctx context.Context, username string) (*database.Target, error) {
	existing, err := e.store.GetTargetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if e.pool == nil || e.coll == nil {
		return nil, fmt.Errorf("channel analysis is not configured: %w", ErrUpstreamUnavailable)
	}

	if err := e.limiter.Acquire(ctx, ratelimit.ClassPlatform); err != nil {
		if errors.Is(err, ratelimit.ErrExhausted) {
			return nil, fmt.Errorf("platform budget exhausted: %w", ErrUpstreamUnavailable)
		}
		return nil, err
	}

	sess, err := e.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNoSessionAvailable) {
			return nil, fmt.Errorf("no session to resolve channel @%s: %w", username, ErrUpstreamUnavailable)
		}
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}

	info, err := e.coll.ResolveChat(ctx, sess.Token, username)
	if err != nil {
		e.releaseForError(sess, err)
		e.logger.WarnContext(ctx, "Channel resolution failed",
			"username", username, "session_id", sess.ID, "error", err)
		return nil, fmt.Errorf("failed to resolve channel @%s: %w", username, ErrUpstreamUnavailable)
	}
	e.pool.Release(sess, session.OutcomeOK, time.Time{})

	target := &database.Target{
		ChatID:      info.ChatID,
		Title:       info.Title,
		Username:    username,
		Kind:        database.TargetKindChannel,
		MemberCount: info.MemberCount,
	}
	if info.Username != "" {
		target.Username = info.Username
	}
	if err := e.store.UpsertTarget(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to store channel target: %w", err)
	}

	e.logger.InfoContext(ctx, "Channel target registered",
		"chat_id", target.ChatID, "username", target.Username)
	return target, nil
}

// qualifyingAuthors selects the top active authors that meet the minimum
// per-author message count, and enforces the minimum author floor.
func (e *Engine) qualifyingAuthors(ctx context.Context, chatID int64) ([]database.Membership, error) {
	top, err := e.store.TopActiveAuthors(ctx, chatID, e.cfg.MaxAuthors)
	if err != nil {
		return nil, fmt.Errorf("failed to rank authors: %w", err)
	}

	qualifying := top[:0]
	for _, a := range top {
		if a.MessageCount >= e.cfg.MinAuthorMessages {
			qualifying = append(qualifying, a)
		}
	}

	if len(qualifying) < e.cfg.MinAuthors {
		return nil, fmt.Errorf("chat %d has %d qualifying authors, need %d: %w",
			chatID, len(qualifying), e.cfg.MinAuthors, ErrInsufficientData)
	}
	return qualifying, nil
}

// refreshChannel pulls recent channel history through a leased session. When
// no session can be leased, target metadata is refreshed from the public
// preview so the stored record does not rot, and the run is aborted.
func (e *Engine) refreshChannel(ctx context.Context, target *database.Target) error {
	if e.pool == nil || e.coll == nil {
		return fmt.Errorf("channel refresh is not configured: %w", ErrUpstreamUnavailable)
	}

	if err := e.limiter.Acquire(ctx, ratelimit.ClassPlatform); err != nil {
		if errors.Is(err, ratelimit.ErrExhausted) {
			return fmt.Errorf("platform budget exhausted: %w", ErrUpstreamUnavailable)
		}
		return err
	}

	sess, err := e.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNoSessionAvailable) {
			e.refreshFromPreview(ctx, target)
			return fmt.Errorf("no session for channel refresh: %w", ErrUpstreamUnavailable)
		}
		return fmt.Errorf("failed to acquire session: %w", err)
	}

	fetched, err := e.coll.FetchRecentMessages(ctx, sess.Token, target.ChatID, e.cfg.MessageWindow)
	if err != nil {
		e.releaseForError(sess, err)
		e.logger.WarnContext(ctx, "Channel fetch failed",
			"chat_id", target.ChatID, "session_id", sess.ID, "error", err)
		return fmt.Errorf("channel fetch failed: %w", ErrUpstreamUnavailable)
	}

	if info, err := e.coll.FetchChatInfo(ctx, sess.Token, target.ChatID); err == nil {
		target.Title = info.Title
		target.MemberCount = info.MemberCount
		if info.Username != "" {
			target.Username = info.Username
		}
		if err := e.store.UpsertTarget(ctx, target); err != nil {
			e.logger.WarnContext(ctx, "Failed to refresh target metadata",
				"chat_id", target.ChatID, "error", err)
		}
	}

	e.pool.Release(sess, session.OutcomeOK, time.Time{})

	msgs := make([]database.Message, 0, len(fetched))
	for _, m := range fetched {
		if m.IsBot || m.Content == "" {
			continue
		}
		msgs = append(msgs, database.Message{
			UserID:    m.UserID,
			Username:  m.Username,
			FirstName: m.FirstName,
			Content:   m.Content,
			MessageID: m.MessageID,
			Timestamp: m.Timestamp,
		})
	}
	if err := e.store.SaveFetchedMessages(ctx, target.ChatID, msgs); err != nil {
		return fmt.Errorf("failed to store fetched messages: %w", err)
	}

	e.logger.DebugContext(ctx, "Channel history refreshed",
		"chat_id", target.ChatID, "fetched", len(fetched), "stored", len(msgs))
	return nil
}

func (e *Engine) releaseForError(sess *session.Session, err error) {
	var rl *platform.RateLimitedError
	switch {
	case errors.Is(err, platform.ErrSessionInvalid):
		e.pool.Release(sess, session.OutcomeInvalid, time.Time{})
	case errors.As(err, &rl):
		e.pool.Release(sess, session.OutcomeRateLimited, rl.Until)
	default:
		e.pool.Release(sess, session.OutcomeOK, time.Time{})
	}
}

func (e *Engine) refreshFromPreview(ctx context.Context, target *database.Target) {
	if e.preview == nil || target.Username == "" {
		return
	}
	preview, err := e.preview.Fetch(ctx, target.Username)
	if err != nil {
		e.logger.DebugContext(ctx, "Preview fallback failed", "chat_id", target.ChatID, "error", err)
		return
	}
	if preview.Title != "" {
		target.Title = preview.Title
	}
	if preview.MemberCount > 0 {
		target.MemberCount = preview.MemberCount
	}
	if err := e.store.UpsertTarget(ctx, target); err != nil {
		e.logger.WarnContext(ctx, "Failed to store preview metadata", "chat_id", target.ChatID, "error", err)
	}
}

func (e *Engine) persist(ctx context.Context, chatID int64, variants map[int64]map[string]string) (*database.Analysis, error) {
	authorIDs := make([]int64, 0, len(variants))
	for id := range variants {
		authorIDs = append(authorIDs, id)
	}
	sort.Slice(authorIDs, func(i, j int) bool { return authorIDs[i] < authorIDs[j] })

	dataJSON, err := json.Marshal(variants)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis data: %w", err)
	}
	idsJSON, err := json.Marshal(authorIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode author ids: %w", err)
	}

	count, err := e.store.MessageCount(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	analysis := &database.Analysis{
		ChatID:                   chatID,
		AnalysisData:             string(dataJSON),
		AnalyzedUserIDs:          string(idsJSON),
		MessageCountWhenAnalyzed: count,
	}
	if err := e.store.SaveAnalysis(ctx, analysis); err != nil {
		return nil, fmt.Errorf("failed to persist analysis: %w", err)
	}
	return analysis, nil
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/chatlens/chatlens/internal/analysis"
	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/queue"
	"github.com/chatlens/chatlens/internal/ratelimit"
)

// ErrNotMember is returned when a requester asks for an analysis of a target
// they have no recorded membership in.
var ErrNotMember = errors.New("requester is not a member of this target")

// ErrNoAnalysis is returned when the target has no completed analysis yet.
var ErrNoAnalysis = errors.New("no analysis available for this target")

// ErrAuthorNotCovered is returned when the requested author or variant is
// missing from the latest analysis.
var ErrAuthorNotCovered = errors.New("author not covered by the latest analysis")

// ErrUnknownVariant is returned for a variant name outside the configured set.
var ErrUnknownVariant = errors.New("unknown analysis variant")

// ErrInvalidChannel is returned for a channel reference that is not a
// plausible public username.
var ErrInvalidChannel = errors.New("invalid channel reference")

// Runner is the slice of the analysis engine the service drives.
type Runner interface {
	Run(ctx context.Context, chatID int64) (*database.Analysis, error)
	ResolveChannel(ctx context.Context, username string) (*database.Target, error)
}

// InboundMessage is one observed group message, already reduced to the
// fields the service stores.
type InboundMessage struct {
	ChatID    int64
	ChatTitle string
	MessageID int64
	UserID    int64
	Username  string
	FirstName string
	IsBot     bool
	Content   string
	Timestamp time.Time
}

// Service coordinates the ingest, analysis, and reveal flows on behalf of
// the Telegram handlers.
type Service struct {
	store  database.Store
	cache  *analysis.Cache
	engine Runner
	queue  *queue.Dispatcher
	limits *ratelimit.Limiter
	cfg    *config.Config
	logger *slog.Logger
}

// NewService wires the service facade.
func NewService(
	store database.Store,
	cache *analysis.Cache,
	engine Runner,
	dispatcher *queue.Dispatcher,
	limits *ratelimit.Limiter,
	cfg *config.Config,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cache:  cache,
		engine: engine,
		queue:  dispatcher,
		limits: limits,
		cfg:    cfg,
		logger: logger.With("component", "service"),
	}
}

// RecordGroupMessage ingests one observed group message: it refreshes the
// target's metadata, stores the message inside the retention window, and
// bumps the author's activity aggregate. Messages authored by bots are
// dropped entirely.
func (s *Service) RecordGroupMessage(ctx context.Context, msg InboundMessage) error {
	if err := s.limits.Acquire(ctx, ratelimit.ClassDBWrite); err != nil {
		return fmt.Errorf("write budget: %w", err)
	}

	if err := s.store.UpsertTarget(ctx, &database.Target{
		ChatID: msg.ChatID,
		Title:  msg.ChatTitle,
		Kind:   database.TargetKindGroup,
	}); err != nil {
		return err
	}

	if msg.IsBot || strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	if err := s.store.AppendMessage(ctx, &database.Message{
		ChatID:    msg.ChatID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		FirstName: msg.FirstName,
		Content:   msg.Content,
		MessageID: msg.MessageID,
		Timestamp: msg.Timestamp,
	}); err != nil {
		return err
	}

	return s.store.BumpMembership(ctx, msg.ChatID, msg.UserID, msg.Username, msg.FirstName)
}

// RequestAnalysis serves the mention flow: a fresh cached analysis is
// returned immediately; otherwise a new run executes and its result is
// returned. ErrAlreadyInProgress surfaces to the caller so it can tell the
// requester an analysis is coming.
func (s *Service) RequestAnalysis(ctx context.Context, chatID int64) (*database.Analysis, bool, error) {
	latest, fresh, err := s.cache.Lookup(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	if fresh {
		s.logger.DebugContext(ctx, "Serving cached analysis", "chat_id", chatID, "analysis_id", latest.ID)
		return latest, true, nil
	}

	ran, err := s.engine.Run(ctx, chatID)
	if err != nil {
		// A stale-but-present analysis still serves when upstream is down.
		if latest != nil && errors.Is(err, analysis.ErrUpstreamUnavailable) {
			s.logger.WarnContext(ctx, "Upstream unavailable, serving stale analysis",
				"chat_id", chatID, "analysis_id", latest.ID, "error", err)
			return latest, false, nil
		}
		return nil, false, err
	}
	return ran, false, nil
}

// HasFreshAnalysis reports whether a cached analysis would serve the target
// immediately. The answer can go stale before a run starts; it only gates
// the acknowledgment message.
func (s *Service) HasFreshAnalysis(ctx context.Context, chatID int64) bool {
	_, fresh, err := s.cache.Lookup(ctx, chatID)
	return err == nil && fresh
}

var channelUsernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{4,31}$`)

// RequestChannelAnalysis serves the explicit channel flow: the public
// username is resolved to a target, created on the first request, and the
// analysis runs or serves from cache like the group flow.
func (s *Service) RequestChannelAnalysis(ctx context.Context, ref string) (*database.Analysis, bool, error) {
	username := strings.TrimSpace(ref)
	username = strings.TrimPrefix(username, "https://")
	username = strings.TrimPrefix(username, "t.me/")
	username = strings.TrimPrefix(username, "@")
	if !channelUsernameRe.MatchString(username) {
		return nil, false, fmt.Errorf("%q: %w", ref, ErrInvalidChannel)
	}

	target, err := s.engine.ResolveChannel(ctx, username)
	if err != nil {
		return nil, false, err
	}
	return s.RequestAnalysis(ctx, target.ChatID)
}

// AnalysisCompleted enqueues the completion notification for durable
// delivery. Implements the engine's notifier. Channel results are returned
// to the requester directly, so nothing is queued for channel targets: the
// bot cannot post into a channel it only observes.
func (s *Service) AnalysisCompleted(ctx context.Context, chatID int64, a *database.Analysis) error {
	target, err := s.store.GetTarget(ctx, chatID)
	if err != nil {
		return err
	}
	if target != nil && target.Kind == database.TargetKindChannel {
		return nil
	}
	return s.queue.Enqueue(ctx, chatID, s.FormatCompletion(a))
}

// FormatCompletion renders the completion notification listing the covered
// authors and how to reveal their profiles.
func (s *Service) FormatCompletion(a *database.Analysis) string {
	ids, err := a.AuthorIDs()
	if err != nil || len(ids) == 0 {
		return "Analysis complete. Use /reveal to view author profiles."
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	fmt.Fprintf(&sb, "Analysis complete for %d authors.\n\n", len(ids))
	sb.WriteString("Reveal a profile with /reveal <author_id> <variant>.\n")
	fmt.Fprintf(&sb, "Variants: %s\n", strings.Join(s.cfg.Analysis.Variants, ", "))
	sb.WriteString("Covered authors:")
	for _, id := range ids {
		fmt.Fprintf(&sb, " %d", id)
	}
	return sb.String()
}

// ListAvailable reports which authors and variants the target's latest
// analysis covers, so the reveal flow can present choices before charging.
// Variants are listed in their configured order.
func (s *Service) ListAvailable(ctx context.Context, chatID int64) (map[int64][]string, error) {
	latest, err := s.store.LatestAnalysis(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("chat %d: %w", chatID, ErrNoAnalysis)
	}

	variants, err := latest.VariantsByAuthor()
	if err != nil {
		return nil, fmt.Errorf("failed to decode analysis data: %w", err)
	}

	out := make(map[int64][]string, len(variants))
	for authorID, byVariant := range variants {
		names := make([]string, 0, len(byVariant))
		for _, v := range s.cfg.Analysis.Variants {
			if byVariant[v] != "" {
				names = append(names, v)
			}
		}
		if len(names) > 0 {
			out[authorID] = names
		}
	}
	return out, nil
}

// Reveal unlocks one (author, variant) slice of the target's latest analysis
// for the requester. The first view of a tuple costs credits; repeat views of
// the same tuple are free when configured so. Credits never change on any
// failure path.
func (s *Service) Reveal(ctx context.Context, userID int64, username, firstName string, chatID, authorID int64, variant string) (string, error) {
	if !s.validVariant(variant) {
		return "", fmt.Errorf("%q: %w", variant, ErrUnknownVariant)
	}

	member, err := s.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", fmt.Errorf("user %d, chat %d: %w", userID, chatID, ErrNotMember)
	}

	latest, err := s.store.LatestAnalysis(ctx, chatID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", fmt.Errorf("chat %d: %w", chatID, ErrNoAnalysis)
	}

	variants, err := latest.VariantsByAuthor()
	if err != nil {
		return "", fmt.Errorf("failed to decode analysis data: %w", err)
	}
	text, ok := variants[authorID][variant]
	if !ok || text == "" {
		return "", fmt.Errorf("author %d variant %q: %w", authorID, variant, ErrAuthorNotCovered)
	}

	if _, err := s.store.GetOrCreateUser(ctx, userID, username, firstName, s.cfg.Credits.InitialBalance); err != nil {
		return "", err
	}

	cost := s.cfg.Credits.RevealCost
	if s.cfg.Credits.RepeatViewsFree {
		seen, err := s.store.HasAccess(ctx, userID, latest.ID, authorID, variant)
		if err != nil {
			return "", err
		}
		if seen {
			s.logger.DebugContext(ctx, "Repeat reveal served free",
				"user_id", userID, "analysis_id", latest.ID, "author_id", authorID, "variant", variant)
			return text, nil
		}
	}

	if err := s.store.DebitAndRecordAccess(ctx, userID, latest.ID, authorID, variant, cost); err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "Reveal granted",
		"user_id", userID, "chat_id", chatID, "analysis_id", latest.ID,
		"author_id", authorID, "variant", variant, "cost", cost)
	return text, nil
}

// Credits returns the requester's balance, creating the account on first
// contact.
func (s *Service) Credits(ctx context.Context, userID int64, username, firstName string) (*database.User, error) {
	return s.store.GetOrCreateUser(ctx, userID, username, firstName, s.cfg.Credits.InitialBalance)
}

func (s *Service) validVariant(variant string) bool {
	for _, v := range s.cfg.Analysis.Variants {
		if v == variant {
			return true
		}
	}
	return false
}

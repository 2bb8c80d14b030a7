package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatlens/chatlens/internal/analysis"
	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/queue"
	"github.com/chatlens/chatlens/internal/ratelimit"
)

type fakeRunner struct {
	calls  int
	result *database.Analysis
	err    error

	resolves   int
	target     *database.Target
	resolveErr error
}

func (f *fakeRunner) Run(ctx context.Context, chatID int64) (*database.Analysis, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRunner) ResolveChannel(ctx context.Context, username string) (*database.Target, error) {
	f.resolves++
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	if f.target != nil {
		return f.target, nil
	}
	return &database.Target{ChatID: 500, Username: username, Kind: database.TargetKindChannel}, nil
}

func newTestService(t *testing.T, runner Runner) (*Service, database.Store) {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "service_test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewStore(db, log, 100)

	cfg := &config.Config{
		Analysis: config.AnalysisConfig{
			MessageWindow:     100,
			StalenessDelta:    50,
			MinAuthors:        3,
			MaxAuthors:        10,
			MinAuthorMessages: 3,
			Variants:          []string{"professional", "personal", "roast"},
		},
		Queue: config.QueueConfig{
			PollInterval: time.Second,
			BatchSize:    10,
			MaxAttempts:  3,
			BaseDelay:    time.Second,
			MaxDelay:     time.Minute,
		},
		Credits: config.CreditsConfig{
			RevealCost:      1,
			InitialBalance:  1,
			RepeatViewsFree: true,
		},
	}

	cache := analysis.NewCache(store, cfg.Analysis.StalenessDelta)
	dispatcher := queue.NewDispatcher(store, nil, cfg.Queue, log)
	limits := ratelimit.New(nil, log)

	return NewService(store, cache, runner, dispatcher, limits, cfg, log), store
}

func seedMessages(t *testing.T, store database.Store, chatID, userID int64, n int) {
	t.Helper()
	ctx := context.Background()

	if err := store.UpsertTarget(ctx, &database.Target{ChatID: chatID, Title: "Test Group", Kind: database.TargetKindGroup}); err != nil {
		t.Fatalf("failed to seed target: %v", err)
	}
	for i := 0; i < n; i++ {
		err := store.AppendMessage(ctx, &database.Message{
			ChatID:    chatID,
			UserID:    userID,
			Username:  "seed",
			Content:   fmt.Sprintf("message %d", i),
			MessageID: int64(i + 1),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to seed message %d: %v", i, err)
		}
	}
}

func TestRecordGroupMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		msg        InboundMessage
		wantStored int64
		wantMember bool
	}{
		{
			name: "regular message is stored",
			msg: InboundMessage{
				ChatID: 10, ChatTitle: "Group", UserID: 1, Username: "alice",
				Content: "hello", MessageID: 1, Timestamp: time.Now().UTC(),
			},
			wantStored: 1,
			wantMember: true,
		},
		{
			name: "bot message only registers the target",
			msg: InboundMessage{
				ChatID: 11, ChatTitle: "Group", UserID: 2, Username: "botty", IsBot: true,
				Content: "beep", MessageID: 1, Timestamp: time.Now().UTC(),
			},
			wantStored: 0,
			wantMember: false,
		},
		{
			name: "empty content is dropped",
			msg: InboundMessage{
				ChatID: 12, ChatTitle: "Group", UserID: 3, Username: "carol",
				Content: "   ", MessageID: 1, Timestamp: time.Now().UTC(),
			},
			wantStored: 0,
			wantMember: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, store := newTestService(t, &fakeRunner{})
			ctx := context.Background()

			if err := svc.RecordGroupMessage(ctx, tt.msg); err != nil {
				t.Fatalf("RecordGroupMessage failed: %v", err)
			}

			target, err := store.GetTarget(ctx, tt.msg.ChatID)
			if err != nil {
				t.Fatalf("GetTarget failed: %v", err)
			}
			if target == nil {
				t.Fatal("expected target to be registered")
			}

			count, err := store.MessageCount(ctx, tt.msg.ChatID)
			if err != nil {
				t.Fatalf("MessageCount failed: %v", err)
			}
			if count != tt.wantStored {
				t.Errorf("stored message count = %d, want %d", count, tt.wantStored)
			}

			member, err := store.IsMember(ctx, tt.msg.ChatID, tt.msg.UserID)
			if err != nil {
				t.Fatalf("IsMember failed: %v", err)
			}
			if member != tt.wantMember {
				t.Errorf("membership = %v, want %v", member, tt.wantMember)
			}
		})
	}
}

func TestRequestAnalysisServesFreshCache(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	svc, store := newTestService(t, runner)
	ctx := context.Background()

	seedMessages(t, store, 1, 100, 10)
	saved := &database.Analysis{
		ChatID:                   1,
		AnalysisData:             `{"100":{"professional":"steady contributor"}}`,
		AnalyzedUserIDs:          `[100]`,
		MessageCountWhenAnalyzed: 10,
	}
	if err := store.SaveAnalysis(ctx, saved); err != nil {
		t.Fatalf("failed to seed analysis: %v", err)
	}

	got, fresh, err := svc.RequestAnalysis(ctx, 1)
	if err != nil {
		t.Fatalf("RequestAnalysis failed: %v", err)
	}
	if !fresh {
		t.Error("expected analysis to be reported fresh")
	}
	if got.ID != saved.ID {
		t.Errorf("served analysis id = %d, want %d", got.ID, saved.ID)
	}
	if runner.calls != 0 {
		t.Errorf("engine ran %d times for a fresh cache, want 0", runner.calls)
	}
}

func TestRequestAnalysisRunsWhenMissing(t *testing.T) {
	t.Parallel()

	want := &database.Analysis{ID: 7, ChatID: 1}
	runner := &fakeRunner{result: want}
	svc, _ := newTestService(t, runner)

	got, fresh, err := svc.RequestAnalysis(context.Background(), 1)
	if err != nil {
		t.Fatalf("RequestAnalysis failed: %v", err)
	}
	if fresh {
		t.Error("a freshly computed analysis must not be reported as cached")
	}
	if got != want {
		t.Errorf("got analysis %+v, want the engine result", got)
	}
	if runner.calls != 1 {
		t.Errorf("engine ran %d times, want 1", runner.calls)
	}
}

func TestRequestAnalysisServesStaleOnUpstreamFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: fmt.Errorf("model down: %w", analysis.ErrUpstreamUnavailable)}
	svc, store := newTestService(t, runner)
	ctx := context.Background()

	// Stale by a wide margin: analyzed over 10 messages, 80 retained now.
	seedMessages(t, store, 1, 100, 80)
	stale := &database.Analysis{
		ChatID:                   1,
		AnalysisData:             `{"100":{"professional":"old take"}}`,
		AnalyzedUserIDs:          `[100]`,
		MessageCountWhenAnalyzed: 10,
	}
	if err := store.SaveAnalysis(ctx, stale); err != nil {
		t.Fatalf("failed to seed analysis: %v", err)
	}

	got, fresh, err := svc.RequestAnalysis(ctx, 1)
	if err != nil {
		t.Fatalf("expected stale analysis to be served, got error: %v", err)
	}
	if fresh {
		t.Error("stale analysis must not be reported fresh")
	}
	if got.ID != stale.ID {
		t.Errorf("served analysis id = %d, want the stale one (%d)", got.ID, stale.ID)
	}
	if runner.calls != 1 {
		t.Errorf("engine ran %d times, want 1", runner.calls)
	}
}

func TestRequestAnalysisFailsWithoutFallback(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: fmt.Errorf("model down: %w", analysis.ErrUpstreamUnavailable)}
	svc, _ := newTestService(t, runner)

	_, _, err := svc.RequestAnalysis(context.Background(), 1)
	if !errors.Is(err, analysis.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable with no cached fallback, got %v", err)
	}
}

func TestRequestChannelAnalysis(t *testing.T) {
	t.Parallel()

	t.Run("resolves and runs", func(t *testing.T) {
		t.Parallel()

		want := &database.Analysis{ID: 3, ChatID: 500}
		runner := &fakeRunner{result: want}
		svc, _ := newTestService(t, runner)

		got, fresh, err := svc.RequestChannelAnalysis(context.Background(), "@technews")
		if err != nil {
			t.Fatalf("RequestChannelAnalysis failed: %v", err)
		}
		if fresh {
			t.Error("a freshly computed analysis must not be reported as cached")
		}
		if got != want {
			t.Errorf("got analysis %+v, want the engine result", got)
		}
		if runner.resolves != 1 || runner.calls != 1 {
			t.Errorf("resolves = %d, runs = %d, want 1 and 1", runner.resolves, runner.calls)
		}
	})

	t.Run("serves a fresh cached channel analysis", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{target: &database.Target{ChatID: 501, Username: "technews", Kind: database.TargetKindChannel}}
		svc, store := newTestService(t, runner)
		ctx := context.Background()

		if err := store.UpsertTarget(ctx, runner.target); err != nil {
			t.Fatalf("failed to seed target: %v", err)
		}
		saved := &database.Analysis{
			ChatID:                   501,
			AnalysisData:             `{"100":{"professional":"daily poster"}}`,
			AnalyzedUserIDs:          `[100]`,
			MessageCountWhenAnalyzed: 0,
		}
		if err := store.SaveAnalysis(ctx, saved); err != nil {
			t.Fatalf("failed to seed analysis: %v", err)
		}

		got, fresh, err := svc.RequestChannelAnalysis(ctx, "t.me/technews")
		if err != nil {
			t.Fatalf("RequestChannelAnalysis failed: %v", err)
		}
		if !fresh || got.ID != saved.ID {
			t.Errorf("got (%+v, %v), want the cached analysis reported fresh", got, fresh)
		}
		if runner.calls != 0 {
			t.Errorf("engine ran %d times for a fresh cache, want 0", runner.calls)
		}
	})

	t.Run("rejects malformed references", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		svc, _ := newTestService(t, runner)
		ctx := context.Background()

		for _, ref := range []string{"", "@", "no spaces!", "-123456", "a", "@ab"} {
			if _, _, err := svc.RequestChannelAnalysis(ctx, ref); !errors.Is(err, ErrInvalidChannel) {
				t.Errorf("RequestChannelAnalysis(%q) error = %v, want ErrInvalidChannel", ref, err)
			}
		}
		if runner.resolves != 0 {
			t.Errorf("resolver called %d times for malformed refs, want 0", runner.resolves)
		}
	})
}

func TestHasFreshAnalysis(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &fakeRunner{})
	ctx := context.Background()

	if svc.HasFreshAnalysis(ctx, 1) {
		t.Error("HasFreshAnalysis() = true on empty store, want false")
	}

	seedMessages(t, store, 1, 100, 10)
	if err := store.SaveAnalysis(ctx, &database.Analysis{
		ChatID: 1, AnalysisData: `{}`, AnalyzedUserIDs: `[]`, MessageCountWhenAnalyzed: 10,
	}); err != nil {
		t.Fatalf("failed to seed analysis: %v", err)
	}
	if !svc.HasFreshAnalysis(ctx, 1) {
		t.Error("HasFreshAnalysis() = false right after an analysis, want true")
	}

	// Drift past the staleness delta of 50.
	seedMessages(t, store, 2, 100, 80)
	if err := store.SaveAnalysis(ctx, &database.Analysis{
		ChatID: 2, AnalysisData: `{}`, AnalyzedUserIDs: `[]`, MessageCountWhenAnalyzed: 10,
	}); err != nil {
		t.Fatalf("failed to seed analysis: %v", err)
	}
	if svc.HasFreshAnalysis(ctx, 2) {
		t.Error("HasFreshAnalysis() = true past the staleness delta, want false")
	}
}

func seedRevealFixture(t *testing.T, store database.Store) *database.Analysis {
	t.Helper()
	ctx := context.Background()

	if err := store.UpsertTarget(ctx, &database.Target{ChatID: 1, Title: "Group", Kind: database.TargetKindGroup}); err != nil {
		t.Fatalf("failed to seed target: %v", err)
	}
	if err := store.BumpMembership(ctx, 1, 100, "alice", "Alice"); err != nil {
		t.Fatalf("failed to seed membership: %v", err)
	}

	a := &database.Analysis{
		ChatID:                   1,
		AnalysisData:             `{"200":{"professional":"a focused planner","roast":"meetings could be emails"}}`,
		AnalyzedUserIDs:          `[200]`,
		MessageCountWhenAnalyzed: 10,
	}
	if err := store.SaveAnalysis(ctx, a); err != nil {
		t.Fatalf("failed to seed analysis: %v", err)
	}
	return a
}

func TestRevealChargesOnceAndServesRepeatsFree(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &fakeRunner{})
	ctx := context.Background()
	seedRevealFixture(t, store)

	text, err := svc.Reveal(ctx, 100, "alice", "Alice", 1, 200, "professional")
	if err != nil {
		t.Fatalf("first reveal failed: %v", err)
	}
	if text != "a focused planner" {
		t.Errorf("reveal text = %q, want the professional variant", text)
	}

	user, err := store.GetOrCreateUser(ctx, 100, "alice", "Alice", 1)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	if user.Credits != 0 {
		t.Errorf("credits after first reveal = %d, want 0", user.Credits)
	}

	// Same tuple again: free, balance untouched.
	if _, err := svc.Reveal(ctx, 100, "alice", "Alice", 1, 200, "professional"); err != nil {
		t.Fatalf("repeat reveal failed: %v", err)
	}
	user, err = store.GetOrCreateUser(ctx, 100, "alice", "Alice", 1)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	if user.Credits != 0 {
		t.Errorf("credits after repeat reveal = %d, want 0", user.Credits)
	}

	// A different variant is a new tuple, and the balance is empty.
	_, err = svc.Reveal(ctx, 100, "alice", "Alice", 1, 200, "roast")
	if !errors.Is(err, database.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for a new tuple on empty balance, got %v", err)
	}
}

func TestRevealErrors(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &fakeRunner{})
	ctx := context.Background()
	seedRevealFixture(t, store)

	tests := []struct {
		name     string
		userID   int64
		chatID   int64
		authorID int64
		variant  string
		wantErr  error
	}{
		{"unknown variant", 100, 1, 200, "astrological", ErrUnknownVariant},
		{"requester not a member", 999, 1, 200, "professional", ErrNotMember},
		{"no analysis for chat", 100, 2, 200, "professional", ErrNotMember},
		{"author not covered", 100, 1, 555, "professional", ErrAuthorNotCovered},
		{"variant not generated for author", 100, 1, 200, "personal", ErrAuthorNotCovered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Reveal(ctx, tt.userID, "u", "U", tt.chatID, tt.authorID, tt.variant)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Reveal() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRevealNoAnalysis(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &fakeRunner{})
	ctx := context.Background()

	if err := store.UpsertTarget(ctx, &database.Target{ChatID: 3, Title: "Fresh", Kind: database.TargetKindGroup}); err != nil {
		t.Fatalf("failed to seed target: %v", err)
	}
	if err := store.BumpMembership(ctx, 3, 100, "alice", "Alice"); err != nil {
		t.Fatalf("failed to seed membership: %v", err)
	}

	_, err := svc.Reveal(ctx, 100, "alice", "Alice", 3, 200, "professional")
	if !errors.Is(err, ErrNoAnalysis) {
		t.Fatalf("expected ErrNoAnalysis, got %v", err)
	}
}

func TestListAvailable(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &fakeRunner{})
	ctx := context.Background()
	seedRevealFixture(t, store)

	available, err := svc.ListAvailable(ctx, 1)
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(available) != 1 {
		t.Fatalf("covered authors = %d, want 1", len(available))
	}

	got, ok := available[200]
	if !ok {
		t.Fatal("expected author 200 to be covered")
	}
	// Configured order, with the ungenerated "personal" variant absent.
	want := []string{"professional", "roast"}
	if len(got) != len(want) {
		t.Fatalf("variants = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("variants = %v, want %v", got, want)
		}
	}

	if _, err := svc.ListAvailable(ctx, 99); !errors.Is(err, ErrNoAnalysis) {
		t.Fatalf("expected ErrNoAnalysis for unknown chat, got %v", err)
	}
}

func TestAnalysisCompletedEnqueuesNotification(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &fakeRunner{})
	ctx := context.Background()

	a := &database.Analysis{
		ChatID:          42,
		AnalysisData:    `{"7":{"professional":"x"},"9":{"professional":"y"}}`,
		AnalyzedUserIDs: `[7,9]`,
	}
	if err := svc.AnalysisCompleted(ctx, 42, a); err != nil {
		t.Fatalf("AnalysisCompleted failed: %v", err)
	}

	due, err := store.DueOutbound(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("DueOutbound failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("queued messages = %d, want 1", len(due))
	}
	if due[0].ChatID != 42 {
		t.Errorf("queued chat = %d, want 42", due[0].ChatID)
	}
	for _, want := range []string{"/reveal", "7", "9", "professional"} {
		if !strings.Contains(due[0].Payload, want) {
			t.Errorf("notification payload missing %q:\n%s", want, due[0].Payload)
		}
	}
}

func TestAnalysisCompletedSkipsChannelTargets(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &fakeRunner{})
	ctx := context.Background()

	if err := store.UpsertTarget(ctx, &database.Target{
		ChatID: 43, Title: "News", Username: "news", Kind: database.TargetKindChannel,
	}); err != nil {
		t.Fatalf("failed to seed target: %v", err)
	}

	a := &database.Analysis{ChatID: 43, AnalysisData: `{"7":{"professional":"x"}}`, AnalyzedUserIDs: `[7]`}
	if err := svc.AnalysisCompleted(ctx, 43, a); err != nil {
		t.Fatalf("AnalysisCompleted failed: %v", err)
	}

	// The bot cannot post into the channel, so nothing may be queued.
	due, err := store.DueOutbound(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("DueOutbound failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("queued messages = %d for a channel target, want 0", len(due))
	}
}

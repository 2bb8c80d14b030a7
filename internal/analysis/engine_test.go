package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/ratelimit"
)

type fakeAI struct {
	mu      sync.Mutex
	calls   int
	err     error
	block   chan struct{} // when set, calls wait here
	results map[int64]map[string]string
}

func (f *fakeAI) GenerateGroupAnalyses(_ context.Context, _ string, _ []database.Message, authors []database.Membership, variants []string) (map[int64]map[string]string, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.results != nil {
		return f.results, nil
	}

	out := make(map[int64]map[string]string, len(authors))
	for _, a := range authors {
		entry := make(map[string]string, len(variants))
		for _, v := range variants {
			entry[v] = "analysis of " + a.DisplayName()
		}
		out[a.UserID] = entry
	}
	return out, nil
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu       sync.Mutex
	chatIDs  []int64
	analyses []*database.Analysis
}

func (n *recordingNotifier) AnalysisCompleted(_ context.Context, chatID int64, analysis *database.Analysis) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chatIDs = append(n.chatIDs, chatID)
	n.analyses = append(n.analyses, analysis)
	return nil
}

func testAnalysisConfig() config.AnalysisConfig {
	return config.AnalysisConfig{
		MessageWindow:     1000,
		StalenessDelta:    50,
		MinAuthors:        3,
		MaxAuthors:        10,
		MinAuthorMessages: 3,
		Variants:          []string{"professional", "personal", "roast"},
	}
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(map[ratelimit.Class]ratelimit.Budget{
		ratelimit.ClassLLM: {Limit: 1000, Window: time.Minute, MaxWait: time.Minute},
	}, discardLogger())
}

// seedGroup creates a group target with messages from authors, keyed by
// user id to message count.
func seedGroup(t *testing.T, store database.Store, chatID int64, authorCounts map[int64]int) {
	t.Helper()

	ctx := context.Background()
	if err := store.UpsertTarget(ctx, &database.Target{
		ChatID: chatID, Title: "Seeded Group", Kind: database.TargetKindGroup,
	}); err != nil {
		t.Fatalf("UpsertTarget() error = %v", err)
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	for userID, count := range authorCounts {
		for j := 0; j < count; j++ {
			i++
			msg := &database.Message{
				ChatID: chatID, UserID: userID, Username: "user",
				Content: "hello", MessageID: int64(i),
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}
			if err := store.AppendMessage(ctx, msg); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
			if err := store.BumpMembership(ctx, chatID, userID, "user", "User"); err != nil {
				t.Fatalf("BumpMembership() error = %v", err)
			}
		}
	}
}

func TestRunStoresAnalysis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, 1000)
	ai := &fakeAI{}
	notifier := &recordingNotifier{}
	engine := NewEngine(store, ai, testLimiter(), nil, nil, nil, notifier, testAnalysisConfig(), discardLogger())

	seedGroup(t, store, 100, map[int64]int{1: 12, 2: 9, 3: 7})

	analysis, err := engine.Run(ctx, 100)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if analysis.ID == 0 {
		t.Error("Run() returned analysis without an ID")
	}
	if analysis.MessageCountWhenAnalyzed != 28 {
		t.Errorf("MessageCountWhenAnalyzed = %d, want 28", analysis.MessageCountWhenAnalyzed)
	}

	variants, err := analysis.VariantsByAuthor()
	if err != nil {
		t.Fatalf("VariantsByAuthor() error = %v", err)
	}
	if len(variants) != 3 {
		t.Errorf("analysis covers %d authors, want 3", len(variants))
	}
	for _, userID := range []int64{1, 2, 3} {
		if variants[userID]["roast"] == "" {
			t.Errorf("author %d missing roast variant", userID)
		}
	}

	ids, err := analysis.AuthorIDs()
	if err != nil {
		t.Fatalf("AuthorIDs() error = %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("AuthorIDs() = %v, want 3 ids", ids)
	}

	if len(notifier.chatIDs) != 1 || notifier.chatIDs[0] != 100 {
		t.Errorf("notifier chat IDs = %v, want [100]", notifier.chatIDs)
	}

	// The job lock must be free again.
	acquired, err := store.TryAcquireJob(ctx, 100, "probe", time.Now().UTC())
	if err != nil {
		t.Fatalf("TryAcquireJob() error = %v", err)
	}
	if !acquired {
		t.Error("job lock still held after successful run")
	}
}

func TestRunInsufficientData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unknown target", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t, 1000)
		engine := NewEngine(store, &fakeAI{}, testLimiter(), nil, nil, nil, nil, testAnalysisConfig(), discardLogger())

		if _, err := engine.Run(ctx, 999); !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("Run() error = %v, want ErrInsufficientData", err)
		}
	})

	t.Run("too few qualifying authors", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t, 1000)
		ai := &fakeAI{}
		engine := NewEngine(store, ai, testLimiter(), nil, nil, nil, nil, testAnalysisConfig(), discardLogger())

		// Two authors meet the per-author minimum, the third falls short.
		seedGroup(t, store, 101, map[int64]int{1: 12, 2: 9, 3: 2})

		if _, err := engine.Run(ctx, 101); !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("Run() error = %v, want ErrInsufficientData", err)
		}
		if ai.callCount() != 0 {
			t.Error("model called despite insufficient data")
		}

		// The failed run must still release the lock.
		acquired, err := store.TryAcquireJob(ctx, 101, "probe", time.Now().UTC())
		if err != nil {
			t.Fatalf("TryAcquireJob() error = %v", err)
		}
		if !acquired {
			t.Error("job lock still held after failed run")
		}
	})
}

func TestRunUpstreamFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, 1000)
	ai := &fakeAI{err: errors.New("model exploded")}
	engine := NewEngine(store, ai, testLimiter(), nil, nil, nil, nil, testAnalysisConfig(), discardLogger())

	seedGroup(t, store, 102, map[int64]int{1: 12, 2: 9, 3: 7})

	if _, err := engine.Run(ctx, 102); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUpstreamUnavailable", err)
	}

	// No partial analysis may be stored.
	latest, err := store.LatestAnalysis(ctx, 102)
	if err != nil {
		t.Fatalf("LatestAnalysis() error = %v", err)
	}
	if latest != nil {
		t.Errorf("LatestAnalysis() = %+v after failed run, want nil", latest)
	}

	acquired, err := store.TryAcquireJob(ctx, 102, "probe", time.Now().UTC())
	if err != nil {
		t.Fatalf("TryAcquireJob() error = %v", err)
	}
	if !acquired {
		t.Error("job lock still held after failed run")
	}
}

func TestRunEmptyModelOutput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, 1000)
	ai := &fakeAI{results: map[int64]map[string]string{}}
	engine := NewEngine(store, ai, testLimiter(), nil, nil, nil, nil, testAnalysisConfig(), discardLogger())

	seedGroup(t, store, 103, map[int64]int{1: 12, 2: 9, 3: 7})

	if _, err := engine.Run(ctx, 103); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestRunSingleFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, 1000)
	seedGroup(t, store, 104, map[int64]int{1: 12, 2: 9, 3: 7})

	block := make(chan struct{})
	ai := &fakeAI{block: block}
	engine := NewEngine(store, ai, testLimiter(), nil, nil, nil, nil, testAnalysisConfig(), discardLogger())

	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.Run(ctx, 104)
		firstDone <- err
	}()

	// Wait until the first run is inside the model call, holding the lock.
	for i := 0; ai.callCount() == 0; i++ {
		if i > 200 {
			t.Fatal("first run never reached the model call")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err := engine.Run(ctx, 104)
	if !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("concurrent Run() error = %v, want ErrAlreadyInProgress", err)
	}

	close(block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	if ai.callCount() != 1 {
		t.Errorf("model called %d times, want exactly 1", ai.callCount())
	}
}

package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatlens/chatlens/internal/database"
)

type fakeRunner struct {
	calls map[int64]int
	errs  map[int64]error
}

func (f *fakeRunner) Run(_ context.Context, chatID int64) (*database.Analysis, error) {
	if f.calls == nil {
		f.calls = make(map[int64]int)
	}
	f.calls[chatID]++
	if err := f.errs[chatID]; err != nil {
		return nil, err
	}
	return &database.Analysis{ChatID: chatID}, nil
}

func TestSweepRecoversOrphans(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, 1000)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Chat 200 crashed mid-run. Chat 201 completed; its lock released
	// normally and must not be touched.
	if _, err := store.TryAcquireJob(ctx, 200, "crashed", started); err != nil {
		t.Fatalf("TryAcquireJob() error = %v", err)
	}
	if err := store.SaveAnalysis(ctx, &database.Analysis{
		ChatID: 201, AnalysisData: `{}`, AnalyzedUserIDs: `[]`, MessageCountWhenAnalyzed: 10,
	}); err != nil {
		t.Fatalf("SaveAnalysis() error = %v", err)
	}

	runner := &fakeRunner{}
	recovery := NewRecovery(store, runner, discardLogger())
	if err := recovery.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if runner.calls[200] != 1 {
		t.Errorf("chat 200 re-run %d times, want exactly 1", runner.calls[200])
	}
	if runner.calls[201] != 0 {
		t.Errorf("chat 201 re-run %d times, want 0", runner.calls[201])
	}

	// The orphaned lock is gone.
	acquired, err := store.TryAcquireJob(ctx, 200, "probe", time.Now().UTC())
	if err != nil {
		t.Fatalf("TryAcquireJob() error = %v", err)
	}
	if !acquired {
		t.Error("orphaned lock still held after sweep")
	}
}

func TestSweepToleratesSkippableFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, 1000)
	started := time.Now().UTC().Add(-time.Hour)

	for chatID := int64(300); chatID <= 302; chatID++ {
		if _, err := store.TryAcquireJob(ctx, chatID, "crashed", started); err != nil {
			t.Fatalf("TryAcquireJob() error = %v", err)
		}
	}

	runner := &fakeRunner{errs: map[int64]error{
		300: ErrInsufficientData,
		301: ErrUpstreamUnavailable,
	}}
	recovery := NewRecovery(store, runner, discardLogger())
	if err := recovery.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	// Every orphan got its single retry despite earlier failures.
	for chatID := int64(300); chatID <= 302; chatID++ {
		if runner.calls[chatID] != 1 {
			t.Errorf("chat %d re-run %d times, want 1", chatID, runner.calls[chatID])
		}
	}
}

func TestSweepAbortsOnStorageFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t, 1000)

	if _, err := store.TryAcquireJob(ctx, 400, "crashed", time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("TryAcquireJob() error = %v", err)
	}

	runner := &fakeRunner{errs: map[int64]error{400: errors.New("disk full")}}
	recovery := NewRecovery(store, runner, discardLogger())
	if err := recovery.Sweep(ctx); err == nil {
		t.Fatal("Sweep() succeeded despite unexpected run failure, want error")
	}
}

func TestSweepNoOrphans(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 1000)
	runner := &fakeRunner{}
	recovery := NewRecovery(store, runner, discardLogger())

	if err := recovery.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner called %v on empty store, want no calls", runner.calls)
	}
}

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatlens/chatlens/internal/database"
)

// Runner re-executes an analysis for one target. Satisfied by *Engine.
type Runner interface {
	Run(ctx context.Context, chatID int64) (*database.Analysis, error)
}

// Recovery is the startup sweep for analyses interrupted by a crash. A job
// lock with no analysis newer than its acquisition is an orphan: the run
// that held it never finished. The sweep clears each orphan and re-runs the
// target once, before the service starts taking traffic.
type Recovery struct {
	store  database.Store
	runner Runner
	logger *slog.Logger
}

// NewRecovery creates the recovery sweep.
func NewRecovery(store database.Store, runner Runner, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		store:  store,
		runner: runner,
		logger: logger.With("component", "recovery"),
	}
}

// Sweep finds orphaned jobs, force-releases their locks, and retries each
// target exactly once. A retry that fails for data or upstream reasons is
// logged and dropped; the next organic trigger will try again. Only storage
// failures abort the sweep.
func (r *Recovery) Sweep(ctx context.Context) error {
	orphans, err := r.store.OrphanedJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list orphaned jobs: %w", err)
	}
	if len(orphans) == 0 {
		r.logger.InfoContext(ctx, "No orphaned analysis jobs found")
		return nil
	}

	r.logger.WarnContext(ctx, "Recovering orphaned analysis jobs", "count", len(orphans))

	for _, job := range orphans {
		if err := r.store.ForceReleaseJob(ctx, job.ChatID); err != nil {
			return fmt.Errorf("failed to release orphaned lock for chat %d: %w", job.ChatID, err)
		}

		_, err := r.runner.Run(ctx, job.ChatID)
		switch {
		case err == nil:
			r.logger.InfoContext(ctx, "Recovered interrupted analysis", "chat_id", job.ChatID)
		case errors.Is(err, ErrInsufficientData), errors.Is(err, ErrUpstreamUnavailable):
			r.logger.WarnContext(ctx, "Recovery retry skipped", "chat_id", job.ChatID, "reason", err)
		case errors.Is(err, ErrAlreadyInProgress):
			// Someone else picked it up between release and retry; fine.
			r.logger.InfoContext(ctx, "Recovery target already re-running", "chat_id", job.ChatID)
		default:
			return fmt.Errorf("recovery run for chat %d failed: %w", job.ChatID, err)
		}
	}

	return nil
}

package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatlens/chatlens/internal/session"
)

const sessionRevalidationTimeout = 2 * time.Minute

// newSessionRevalidationTask re-checks every pooled session against the
// collector. Sessions that went bad since startup drop out of rotation;
// sessions whose rate limits expired come back. A fully-empty pool is only
// fatal at startup, so here it is logged and tolerated.
func newSessionRevalidationTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "session_revalidation")

	return func(ctx context.Context) error {
		if deps.Sessions == nil || deps.Collector == nil {
			log.DebugContext(ctx, "Session pool not configured, skipping")
			return nil
		}

		taskCtx, cancel := context.WithTimeout(ctx, sessionRevalidationTimeout)
		defer cancel()

		err := deps.Sessions.ValidateAll(taskCtx, deps.Collector)
		if errors.Is(err, session.ErrNoValidSessions) {
			log.ErrorContext(ctx, "All sessions are invalid; channel analyses will fail until sessions are replaced")
			return nil
		}
		if err != nil {
			return fmt.Errorf("session revalidation failed: %w", err)
		}
		return nil
	}
}

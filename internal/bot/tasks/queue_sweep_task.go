package tasks

import (
	"context"
	"fmt"
	"time"
)

const sentMessageRetention = 7 * 24 * time.Hour

// newQueueSweepTask purges delivered queue rows past retention. Pending and
// failed rows are kept: pending rows are live work, failed rows are the
// audit trail for undeliverable notifications.
func newQueueSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "queue_sweep")

	return func(ctx context.Context) error {
		purged, err := deps.Dispatcher.PurgeSent(ctx, sentMessageRetention)
		if err != nil {
			return fmt.Errorf("queue sweep failed: %w", err)
		}
		if purged > 0 {
			log.InfoContext(ctx, "Purged delivered queue messages", "count", purged)
		}
		return nil
	}
}

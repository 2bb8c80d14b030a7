package tasks

import (
	"context"
)

// ScheduledTaskFunc is the standard signature for all scheduled tasks. The
// context provided by the scheduler must be respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// RegisterAllTasks initializes and returns the map of scheduled tasks. The
// map keys match the task names in the scheduler configuration.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := make(map[string]ScheduledTaskFunc)

	tasks["session_revalidation"] = newSessionRevalidationTask(deps)
	tasks["queue_sweep"] = newQueueSweepTask(deps)
	tasks["sql_maintenance"] = newSQLMaintenanceTask(deps)

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}

// Package tasks implements the scheduled maintenance tasks: session
// revalidation, delivery queue sweeping, and database maintenance.
package tasks

import (
	"log/slog"

	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/platform"
	"github.com/chatlens/chatlens/internal/queue"
	"github.com/chatlens/chatlens/internal/session"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger     *slog.Logger
	Config     *config.Config
	Store      database.Store
	Sessions   *session.Pool
	Collector  *platform.Client
	Dispatcher *queue.Dispatcher
}

package handlers

import (
	"log/slog"

	botsvc "github.com/chatlens/chatlens/internal/bot"
	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/session"
)

// HandlerDeps provides dependencies for Telegram handlers.
type HandlerDeps struct {
	Logger   *slog.Logger
	Config   *config.Config
	Store    database.Store
	Service  *botsvc.Service
	Sessions *session.Pool
}

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/chatlens/chatlens/internal/session"
)

// NewStatusHandler returns the admin-only /status command showing the
// session pool composition and database health.
func NewStatusHandler(deps HandlerDeps) bot.HandlerFunc {
	return statusHandler{deps}.Handle
}

type statusHandler struct {
	deps HandlerDeps
}

func (h statusHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "status")

	msg := update.Message
	if msg == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString("ChatLens status\n")

	if err := h.deps.Store.Ping(ctx); err != nil {
		fmt.Fprintf(&sb, "database: unreachable (%v)\n", err)
	} else {
		sb.WriteString("database: ok\n")
	}

	if h.deps.Sessions != nil {
		stats := h.deps.Sessions.Stats()
		fmt.Fprintf(&sb, "sessions: %d valid, %d rate-limited, %d invalid\n",
			stats[session.StateValid], stats[session.StateRateLimited], stats[session.StateInvalid])
	} else {
		sb.WriteString("sessions: not configured\n")
	}

	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: sb.String()}); err != nil {
		log.ErrorContext(ctx, "Failed to send status message", "error", err, "chat_id", msg.Chat.ID)
	}
}

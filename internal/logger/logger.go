// Package logger provides structured logging for ChatLens using log/slog,
// plus a Telegram middleware that logs update handling latency.
package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewLogger creates a slog Logger with the given level. If jsonOutput is
// true, logs are emitted as JSON, otherwise as text.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Middleware returns a Telegram bot middleware that logs each processed
// update with its chat, sender and handling duration.
func Middleware(log *slog.Logger) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			start := time.Now()

			entry := log.With("update_id", update.ID)
			switch {
			case update.Message != nil:
				entry = entry.With(
					"update_type", "message",
					"chat_id", update.Message.Chat.ID,
					"message_id", update.Message.ID,
					"text_preview", truncate(update.Message.Text, 50),
				)
				if update.Message.From != nil {
					entry = entry.With("user_id", update.Message.From.ID)
				}
			case update.CallbackQuery != nil:
				entry = entry.With(
					"update_type", "callback_query",
					"user_id", update.CallbackQuery.From.ID,
					"data", update.CallbackQuery.Data,
				)
			default:
				entry = entry.With("update_type", "other")
			}

			next(ctx, b, update)

			entry.DebugContext(ctx, "Processed update", "duration", time.Since(start))
		}
	}
}

// truncate shortens s to at most maxLen bytes, cutting on a rune boundary
// so the result stays valid UTF-8.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

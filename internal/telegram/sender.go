package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
)

// Sender delivers queue payloads through the Telegram API. It satisfies the
// delivery queue's sender contract.
type Sender struct {
	bot    *bot.Bot
	logger *slog.Logger
}

// NewSender creates a Sender over the bot instance.
func NewSender(b *bot.Bot, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{bot: b, logger: logger.With("component", "telegram_sender")}
}

// Send delivers one payload to the chat. Any API failure is returned as-is
// so the queue can decide between retry and permanent failure.
func (s *Sender) Send(ctx context.Context, chatID int64, payload string) error {
	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: payload})
	if err != nil {
		return fmt.Errorf("telegram send to chat %d failed: %w", chatID, err)
	}

	s.logger.DebugContext(ctx, "Delivered message", "chat_id", chatID, "length", len(payload))
	return nil
}

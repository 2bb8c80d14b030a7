package handlers

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewCreditsHandler returns a handler for the /credits command.
func NewCreditsHandler(deps HandlerDeps) bot.HandlerFunc {
	return creditsHandler{deps}.Handle
}

type creditsHandler struct {
	deps HandlerDeps
}

func (h creditsHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "credits")

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	user, err := h.deps.Service.Credits(ctx, msg.From.ID, msg.From.Username, msg.From.FirstName)
	if err != nil {
		log.ErrorContext(ctx, "Failed to load user credits", "user_id", msg.From.ID, "error", err)
		if _, sendErr := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: msg.Chat.ID,
			Text:   h.deps.Config.Messages.ErrorGeneral,
		}); sendErr != nil {
			log.ErrorContext(ctx, "Failed to send error message", "error", sendErr, "chat_id", msg.Chat.ID)
		}
		return
	}

	reply := fmt.Sprintf("You have %d credit(s). Total reveals so far: %d.", user.Credits, user.TotalReveals)
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: reply}); err != nil {
		log.ErrorContext(ctx, "Failed to send credits message", "error", err, "chat_id", msg.Chat.ID)
	}
}

package handlers

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/chatlens/chatlens/internal/analysis"
	botsvc "github.com/chatlens/chatlens/internal/bot"
)

const analysisTimeout = 5 * time.Minute

type groupHandler struct {
	deps HandlerDeps
}

// NewGroupHandler creates the default handler: it ingests every group
// message into the retention window and, when the bot is mentioned, kicks
// off the analysis flow.
func NewGroupHandler(deps HandlerDeps) bot.HandlerFunc {
	return groupHandler{deps}.Handle
}

func (h groupHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "group")

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if msg.Chat.Type != models.ChatTypeGroup && msg.Chat.Type != models.ChatTypeSupergroup {
		return
	}

	chatID := msg.Chat.ID
	if err := h.deps.Service.RecordGroupMessage(ctx, botsvc.InboundMessage{
		ChatID:    chatID,
		ChatTitle: msg.Chat.Title,
		MessageID: int64(msg.ID),
		UserID:    msg.From.ID,
		Username:  msg.From.Username,
		FirstName: msg.From.FirstName,
		IsBot:     msg.From.IsBot,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
	}); err != nil {
		log.ErrorContext(ctx, "Failed to record group message", "chat_id", chatID, "error", err)
	}

	if !h.mentioned(msg) {
		return
	}

	log.InfoContext(ctx, "Mention detected, requesting analysis", "chat_id", chatID, "user_id", msg.From.ID)
	h.runAnalysis(ctx, b, chatID)
}

// mentioned reports whether the message addresses the bot: an @mention
// entity, a bare username token, or a reply to one of the bot's messages.
func (h groupHandler) mentioned(msg *models.Message) bool {
	info := h.deps.Config.Telegram.BotInfo
	if info == nil || info.Username == "" {
		return false
	}

	text := strings.ToLower(msg.Text)
	mention := "@" + strings.ToLower(info.Username)

	for _, e := range msg.Entities {
		if e.Type != models.MessageEntityTypeMention {
			continue
		}
		if e.Offset >= 0 && e.Length > 0 && e.Offset+e.Length <= len(text) &&
			text[e.Offset:e.Offset+e.Length] == mention {
			return true
		}
	}

	for _, w := range strings.Fields(text) {
		if strings.TrimFunc(w, unicode.IsPunct) == strings.ToLower(info.Username) {
			return true
		}
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == info.ID {
		return true
	}

	return false
}

func (h groupHandler) runAnalysis(ctx context.Context, b *bot.Bot, chatID int64) {
	deps := h.deps
	log := deps.Logger.With("handler", "group")
	messages := deps.Config.Messages

	// A fresh run can take minutes; acknowledge before starting one. A
	// fresh cached analysis serves immediately and needs no acknowledgment.
	if !deps.Service.HasFreshAnalysis(ctx, chatID) {
		if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: messages.AnalysisStarted}); err != nil {
			log.ErrorContext(ctx, "Failed to send analysis acknowledgment", "chat_id", chatID, "error", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	result, cached, err := deps.Service.RequestAnalysis(runCtx, chatID)

	var reply string
	switch {
	case err == nil && cached:
		reply = deps.Service.FormatCompletion(result)
	case err == nil:
		// A fresh run completed; its notification is already queued for
		// durable delivery.
		return
	case errors.Is(err, analysis.ErrAlreadyInProgress):
		reply = messages.AnalysisInProgress
	case errors.Is(err, analysis.ErrInsufficientData):
		reply = messages.InsufficientData
	case errors.Is(err, analysis.ErrUpstreamUnavailable):
		reply = messages.UpstreamUnavailable
	default:
		log.ErrorContext(ctx, "Analysis request failed", "chat_id", chatID, "error", err)
		reply = messages.ErrorGeneral
	}

	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: reply}); err != nil {
		log.ErrorContext(ctx, "Failed to send analysis reply", "chat_id", chatID, "error", err)
	}
}

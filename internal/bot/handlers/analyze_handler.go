package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/chatlens/chatlens/internal/analysis"
	botsvc "github.com/chatlens/chatlens/internal/bot"
)

// NewAnalyzeHandler returns a handler for the /analyze command:
// /analyze <@channel>, which registers the public channel as a target and
// runs or serves its analysis.
func NewAnalyzeHandler(deps HandlerDeps) bot.HandlerFunc {
	return analyzeHandler{deps}.Handle
}

type analyzeHandler struct {
	deps HandlerDeps
}

const analyzeUsage = "Usage: /analyze <@channel>"

func (h analyzeHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	deps := h.deps
	log := deps.Logger.With("handler", "analyze")
	messages := deps.Config.Messages

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	chatID := msg.Chat.ID

	fields := strings.Fields(msg.Text)
	if len(fields) != 2 {
		h.send(ctx, b, chatID, analyzeUsage)
		return
	}
	ref := fields[1]

	// Resolution plus a fresh run can take minutes.
	h.send(ctx, b, chatID, messages.AnalysisStarted)

	runCtx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	result, _, err := deps.Service.RequestChannelAnalysis(runCtx, ref)

	var reply string
	switch {
	case err == nil:
		reply = deps.Service.FormatCompletion(result)
	case errors.Is(err, botsvc.ErrInvalidChannel):
		reply = analyzeUsage
	case errors.Is(err, analysis.ErrAlreadyInProgress):
		reply = messages.AnalysisInProgress
	case errors.Is(err, analysis.ErrInsufficientData):
		reply = messages.InsufficientData
	case errors.Is(err, analysis.ErrUpstreamUnavailable):
		reply = messages.UpstreamUnavailable
	default:
		log.ErrorContext(ctx, "Channel analysis failed", "ref", ref, "error", err)
		reply = messages.ErrorGeneral
	}

	h.send(ctx, b, chatID, reply)
}

func (h analyzeHandler) send(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		h.deps.Logger.ErrorContext(ctx, "Failed to send analyze reply", "error", err, "chat_id", chatID)
	}
}

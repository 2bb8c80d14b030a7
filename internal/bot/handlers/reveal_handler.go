package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	botsvc "github.com/chatlens/chatlens/internal/bot"
	"github.com/chatlens/chatlens/internal/database"
)

// NewRevealHandler returns a handler for the /reveal command:
// /reveal <author_id> <variant>, sent inside the analyzed group.
func NewRevealHandler(deps HandlerDeps) bot.HandlerFunc {
	return revealHandler{deps}.Handle
}

type revealHandler struct {
	deps HandlerDeps
}

func (h revealHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	deps := h.deps
	log := deps.Logger.With("handler", "reveal")

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	chatID := msg.Chat.ID

	authorID, variant, ok := parseRevealArgs(msg.Text)
	if !ok {
		h.send(ctx, b, chatID, h.usage(ctx, chatID))
		return
	}

	text, err := deps.Service.Reveal(ctx, msg.From.ID, msg.From.Username, msg.From.FirstName, chatID, authorID, variant)
	if err != nil {
		h.send(ctx, b, chatID, h.errorReply(err))
		if !isRevealUserError(err) {
			log.ErrorContext(ctx, "Reveal failed",
				"chat_id", chatID, "user_id", msg.From.ID, "author_id", authorID, "error", err)
		}
		return
	}

	h.send(ctx, b, chatID, text)
}

// usage renders the command help, with the current analysis coverage when
// one exists for this chat.
func (h revealHandler) usage(ctx context.Context, chatID int64) string {
	const usage = "Usage: /reveal <author_id> <variant>"

	available, err := h.deps.Service.ListAvailable(ctx, chatID)
	if err != nil || len(available) == 0 {
		return usage
	}

	ids := make([]int64, 0, len(available))
	for id := range available {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	sb.WriteString(usage)
	sb.WriteString("\n\nAvailable:")
	for _, id := range ids {
		fmt.Fprintf(&sb, "\n%d: %s", id, strings.Join(available[id], ", "))
	}
	return sb.String()
}

func parseRevealArgs(text string) (int64, string, bool) {
	fields := strings.Fields(text)
	if len(fields) != 3 {
		return 0, "", false
	}
	authorID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return authorID, strings.ToLower(fields[2]), true
}

func (h revealHandler) errorReply(err error) string {
	messages := h.deps.Config.Messages
	switch {
	case errors.Is(err, botsvc.ErrUnknownVariant):
		return messages.UnknownVariant
	case errors.Is(err, botsvc.ErrNotMember):
		return messages.NotMember
	case errors.Is(err, botsvc.ErrNoAnalysis):
		return messages.NoAnalysis
	case errors.Is(err, botsvc.ErrAuthorNotCovered):
		return messages.AuthorNotCovered
	case errors.Is(err, database.ErrInsufficientCredits):
		return messages.InsufficientCredits
	default:
		return messages.ErrorGeneral
	}
}

func isRevealUserError(err error) bool {
	return errors.Is(err, botsvc.ErrUnknownVariant) ||
		errors.Is(err, botsvc.ErrNotMember) ||
		errors.Is(err, botsvc.ErrNoAnalysis) ||
		errors.Is(err, botsvc.ErrAuthorNotCovered) ||
		errors.Is(err, database.ErrInsufficientCredits)
}

func (h revealHandler) send(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		h.deps.Logger.ErrorContext(ctx, "Failed to send reveal reply", "error", err, "chat_id", chatID)
	}
}

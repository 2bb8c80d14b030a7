package gemini

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatlens/chatlens/internal/database"
)

// GroupAnalysisSystemInstruction frames the model as a group dynamics
// analyst producing strictly-structured per-author output.
const GroupAnalysisSystemInstruction = `You are an expert group dynamics analyst. You analyze chat conversations and produce individual personality profiles for the most active members.

CRITICAL REQUIREMENTS:
1. Write in the same language as the messages (detect automatically)
2. Focus ONLY on the authors provided in the author list
3. Each variant text should be approximately 1500-2000 characters
4. Base the analysis solely on the provided message content and activity
5. Return VALID JSON only - no extra text before or after`

type promptMessage struct {
	Timestamp string `json:"timestamp"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	Text      string `json:"text"`
}

type promptAuthor struct {
	UserID       int64  `json:"user_id"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	MessageCount int    `json:"message_count"`
}

// buildGroupAnalysisPrompt renders the user-turn prompt: the author list,
// the requested output shape, and the message corpus, all as JSON the model
// can anchor on.
func buildGroupAnalysisPrompt(chatTitle string, messages []database.Message, authors []database.Membership, variants []string) (string, error) {
	promptMsgs := make([]promptMessage, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- { // oldest first for the model
		m := messages[i]
		promptMsgs = append(promptMsgs, promptMessage{
			Timestamp: m.Timestamp.Format("2006-01-02 15:04:05"),
			Username:  orUnknown(m.Username),
			FirstName: orDefault(m.FirstName, "User"),
			Text:      m.Content,
		})
	}

	promptAuthors := make([]promptAuthor, 0, len(authors))
	for _, a := range authors {
		promptAuthors = append(promptAuthors, promptAuthor{
			UserID:       a.UserID,
			Username:     orUnknown(a.Username),
			FirstName:    orDefault(a.FirstName, "User"),
			MessageCount: a.MessageCount,
		})
	}

	authorsJSON, err := json.MarshalIndent(promptAuthors, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal authors for prompt: %w", err)
	}
	messagesJSON, err := json.MarshalIndent(promptMsgs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal messages for prompt: %w", err)
	}

	var variantLines strings.Builder
	for _, v := range variants {
		fmt.Fprintf(&variantLines, "    %q: %q,\n", v, variantHint(v))
	}

	return fmt.Sprintf(`Analyze the chat %q.

AUTHORS TO ANALYZE (use their user_id in the output keys):
%s

OUTPUT FORMAT - RETURN ONLY THIS JSON STRUCTURE, one entry per analyzed author,
with the key "user_<user_id>":
{
  "user_12345": {
%s  }
}

Recent messages (oldest first):
%s`, chatTitle, authorsJSON, variantLines.String(), messagesJSON), nil
}

func variantHint(variant string) string {
	switch variant {
	case "professional":
		return "Professional analysis: work-related qualities, leadership emergence, knowledge sharing, communication clarity, collaboration style, team fit. (~1500-2000 chars)"
	case "personal":
		return "Personal analysis: social role, emotional intelligence, conflict resolution style, humor, support behaviors, values, relationship patterns. (~1500-2000 chars)"
	case "roast":
		return "Witty, sharp observations as a close friend would make: communication quirks, contradictions, endearing flaws, meme potential. Playful, not mean-spirited. (~1500-2000 chars)"
	default:
		return fmt.Sprintf("A %s take on this author, grounded in their messages. (~1500-2000 chars)", variant)
	}
}

func orUnknown(s string) string {
	return orDefault(s, "unknown")
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// parseGroupAnalyses decodes the model's JSON into author-keyed variant
// maps. Entries with malformed keys or only empty variant texts are
// dropped; unknown variant keys are ignored.
func parseGroupAnalyses(jsonText string, variants []string) (map[int64]map[string]string, error) {
	var raw map[string]map[string]string
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("invalid analysis JSON received: %w", err)
	}

	wanted := make(map[string]bool, len(variants))
	for _, v := range variants {
		wanted[v] = true
	}

	out := make(map[int64]map[string]string, len(raw))
	for key, fields := range raw {
		idStr := strings.TrimPrefix(key, "user_")
		userID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || userID == 0 {
			continue
		}

		entry := make(map[string]string, len(variants))
		for variant, text := range fields {
			text = strings.TrimSpace(text)
			if wanted[variant] && text != "" {
				entry[variant] = text
			}
		}
		if len(entry) > 0 {
			out[userID] = entry
		}
	}

	return out, nil
}

package database

import (
	"encoding/json"
	"time"
)

// Target kinds as stored in the targets table.
const (
	TargetKindGroup   = "group"
	TargetKindChannel = "channel"
)

// Target is a group or channel under analysis. Group targets are created on
// the first observed message, channel targets on the first explicit analysis
// request; neither is ever deleted. Username is the public handle and is
// only set for channels.
type Target struct {
	ChatID      int64     `db:"chat_id"`
	Title       string    `db:"title"`
	Username    string    `db:"username"`
	Kind        string    `db:"kind"`
	MemberCount int       `db:"member_count"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Message is one retained message for a target. At most the configured
// window of messages is kept per target; older rows are trimmed when new
// ones are stored.
type Message struct {
	ID        uint      `db:"id"`
	ChatID    int64     `db:"chat_id"`
	UserID    int64     `db:"user_id"`
	Username  string    `db:"username"`
	FirstName string    `db:"first_name"`
	Content   string    `db:"content"`
	MessageID int64     `db:"message_id"`
	Timestamp time.Time `db:"timestamp"`
	CreatedAt time.Time `db:"created_at"`
}

// Membership is the per-(target, author) activity aggregate used to rank
// the most active authors.
type Membership struct {
	ChatID        int64     `db:"chat_id"`
	UserID        int64     `db:"user_id"`
	Username      string    `db:"username"`
	FirstName     string    `db:"first_name"`
	MessageCount  int       `db:"message_count"`
	LastMessageAt time.Time `db:"last_message_at"`
}

// DisplayName returns the best available human-readable name for the author.
func (m *Membership) DisplayName() string {
	if m.Username != "" {
		return "@" + m.Username
	}
	if m.FirstName != "" {
		return m.FirstName
	}
	return ""
}

// Analysis is one immutable completed analysis snapshot for a target.
// AnalysisData holds a JSON object mapping author id to a variant->text map;
// AnalyzedUserIDs holds a JSON array of the analyzed author ids. Newer
// analyses supersede older ones but rows are never overwritten.
type Analysis struct {
	ID                       uint      `db:"id"`
	ChatID                   int64     `db:"chat_id"`
	AnalysisData             string    `db:"analysis_data"`
	AnalyzedUserIDs          string    `db:"analyzed_user_ids"`
	MessageCountWhenAnalyzed int64     `db:"message_count_when_analyzed"`
	CreatedAt                time.Time `db:"created_at"`
}

// VariantsByAuthor decodes AnalysisData into its author->variant->text form.
func (a *Analysis) VariantsByAuthor() (map[int64]map[string]string, error) {
	out := make(map[int64]map[string]string)
	if err := json.Unmarshal([]byte(a.AnalysisData), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AuthorIDs decodes AnalyzedUserIDs.
func (a *Analysis) AuthorIDs() ([]int64, error) {
	var ids []int64
	if err := json.Unmarshal([]byte(a.AnalyzedUserIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// AnalysisJob is the durable per-target analysis lock. A row exists while an
// analysis is in flight; a row that survives a crash is an orphan the
// recovery sweep picks up.
type AnalysisJob struct {
	ChatID     int64     `db:"chat_id"`
	OwnerToken string    `db:"owner_token"`
	StartedAt  time.Time `db:"started_at"`
}

// Outbound message statuses.
const (
	OutboundStatusPending = "pending"
	OutboundStatusSent    = "sent"
	OutboundStatusFailed  = "failed"
)

// QueuedMessage is one pending outbound notification. Retry state lives on
// the row so the dispatcher is stateless across restarts.
type QueuedMessage struct {
	ID            uint      `db:"id"`
	ChatID        int64     `db:"chat_id"`
	Payload       string    `db:"payload"`
	Status        string    `db:"status"`
	Attempts      int       `db:"attempts"`
	NextAttemptAt time.Time `db:"next_attempt_at"`
	LastError     string    `db:"last_error"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// User is a requester in the reveal flow, carrying their credit balance.
type User struct {
	UserID       int64     `db:"user_id"`
	Username     string    `db:"username"`
	FirstName    string    `db:"first_name"`
	Credits      int       `db:"credits"`
	TotalReveals int       `db:"total_reveals"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// AccessRecord records that a user unlocked one (analysis, author, variant)
// tuple. Its presence makes later views of the same tuple free.
type AccessRecord struct {
	ID             uint      `db:"id"`
	UserID         int64     `db:"user_id"`
	AnalysisID     uint      `db:"analysis_id"`
	AuthorID       int64     `db:"author_id"`
	Variant        string    `db:"variant"`
	CreditsCharged int       `db:"credits_charged"`
	CreatedAt      time.Time `db:"created_at"`
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrInsufficientCredits is returned by DebitAndRecordAccess when the user's
// balance cannot cover the reveal cost.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Store defines the data access interface. Methods accept context.Context
// for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertTarget creates or refreshes a target's metadata.
	UpsertTarget(ctx context.Context, target *Target) error

	// GetTarget returns a target by chat ID. Returns nil, nil if not found.
	GetTarget(ctx context.Context, chatID int64) (*Target, error)

	// GetTargetByUsername returns the channel target with the given public
	// username. Returns nil, nil if not found.
	GetTargetByUsername(ctx context.Context, username string) (*Target, error)

	// AppendMessage inserts a message and trims the target's retained window
	// in the same transaction.
	AppendMessage(ctx context.Context, message *Message) error

	// SaveFetchedMessages stores a batch of collector-fetched messages for a
	// target, bumping memberships and trimming the window, all in one
	// transaction.
	SaveFetchedMessages(ctx context.Context, chatID int64, msgs []Message) error

	// MessageCount returns the number of retained messages for a target.
	MessageCount(ctx context.Context, chatID int64) (int64, error)

	// RecentMessages returns up to limit retained messages for a target,
	// newest first.
	RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error)

	// BumpMembership increments the (target, author) activity aggregate and
	// refreshes the author's display name snapshot.
	BumpMembership(ctx context.Context, chatID, userID int64, username, firstName string) error

	// TopActiveAuthors returns up to limit authors for a target ordered by
	// message count descending, most recent activity breaking ties.
	TopActiveAuthors(ctx context.Context, chatID int64, limit int) ([]Membership, error)

	// IsMember reports whether the user has a membership record for the target.
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)

	// UserTargets returns the chat IDs of all targets the user is a member of.
	UserTargets(ctx context.Context, userID int64) ([]int64, error)

	// LatestAnalysis returns the newest analysis for a target. Returns
	// nil, nil if none exists.
	LatestAnalysis(ctx context.Context, chatID int64) (*Analysis, error)

	// SaveAnalysis inserts a new analysis row. Analyses are immutable; this
	// never updates an existing row.
	SaveAnalysis(ctx context.Context, analysis *Analysis) error

	// TryAcquireJob inserts the durable per-target job lock. Returns false
	// if the lock is already held.
	TryAcquireJob(ctx context.Context, chatID int64, ownerToken string, startedAt time.Time) (bool, error)

	// ReleaseJob deletes the job lock if held by ownerToken.
	ReleaseJob(ctx context.Context, chatID int64, ownerToken string) error

	// ForceReleaseJob deletes the job lock regardless of owner. Used by the
	// recovery sweep on orphaned locks.
	ForceReleaseJob(ctx context.Context, chatID int64) error

	// OrphanedJobs returns job locks with no analysis newer than their
	// acquisition time.
	OrphanedJobs(ctx context.Context) ([]AnalysisJob, error)

	// EnqueueOutbound inserts a pending outbound message.
	EnqueueOutbound(ctx context.Context, msg *QueuedMessage) error

	// DueOutbound returns up to limit pending messages whose next attempt
	// time has passed, oldest first.
	DueOutbound(ctx context.Context, now time.Time, limit int) ([]QueuedMessage, error)

	// MarkOutboundSent marks a message delivered.
	MarkOutboundSent(ctx context.Context, id uint) error

	// RescheduleOutbound records a failed attempt and the next retry time.
	RescheduleOutbound(ctx context.Context, id uint, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkOutboundFailed marks a message permanently failed.
	MarkOutboundFailed(ctx context.Context, id uint, lastError string) error

	// PurgeSentOutbound deletes sent messages older than the cutoff and
	// returns how many were removed.
	PurgeSentOutbound(ctx context.Context, olderThan time.Time) (int64, error)

	// GetOrCreateUser returns the user, creating it with the given starting
	// balance on first contact.
	GetOrCreateUser(ctx context.Context, userID int64, username, firstName string, initialCredits int) (*User, error)

	// HasAccess reports whether the user already unlocked the
	// (analysis, author, variant) tuple.
	HasAccess(ctx context.Context, userID int64, analysisID uint, authorID int64, variant string) (bool, error)

	// DebitAndRecordAccess atomically debits cost credits (if cost > 0) and
	// records the access. Returns ErrInsufficientCredits when the balance is
	// too low; no access record is written in that case.
	DebitAndRecordAccess(ctx context.Context, userID int64, analysisID uint, authorID int64, variant string, cost int) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore implements Store using sqlx over SQLite.
type sqlxStore struct {
	db            *sqlx.DB
	logger        *slog.Logger
	messageWindow int
}

// NewStore creates a Store backed by sqlx. messageWindow is the maximum
// number of messages retained per target.
func NewStore(db *sqlx.DB, logger *slog.Logger, messageWindow int) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if messageWindow <= 0 {
		messageWindow = 1000
	}
	return &sqlxStore{
		db:            db,
		logger:        logger.With("component", "store"),
		messageWindow: messageWindow,
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rollback is the common deferred-rollback helper: a no-op once the
// transaction committed.
func (s *sqlxStore) rollback(ctx context.Context, tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.WarnContext(ctx, "Error rolling back transaction", "error", err)
	}
}

func (s *sqlxStore) UpsertTarget(ctx context.Context, target *Target) error {
	if target == nil {
		return fmt.Errorf("cannot upsert nil target")
	}
	if target.ChatID == 0 {
		return fmt.Errorf("target must have a non-zero chat_id")
	}
	if target.Kind != TargetKindGroup && target.Kind != TargetKindChannel {
		return fmt.Errorf("unknown target kind %q", target.Kind)
	}

	now := time.Now().UTC()
	target.UpdatedAt = now
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}

	query := `
        INSERT INTO targets (chat_id, title, username, kind, member_count, created_at, updated_at)
        VALUES (:chat_id, :title, :username, :kind, :member_count, :created_at, :updated_at)
        ON CONFLICT (chat_id) DO UPDATE SET
            title = excluded.title,
            username = excluded.username,
            kind = excluded.kind,
            member_count = excluded.member_count,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, target); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting target", "chat_id", target.ChatID, "error", err)
		return fmt.Errorf("failed to upsert target %d: %w", target.ChatID, err)
	}
	return nil
}

func (s *sqlxStore) GetTarget(ctx context.Context, chatID int64) (*Target, error) {
	var target Target
	query := `SELECT chat_id, title, username, kind, member_count, created_at, updated_at
	          FROM targets WHERE chat_id = ?`

	err := s.db.GetContext(ctx, &target, query, chatID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get target %d: %w", chatID, err)
	}
	return &target, nil
}

func (s *sqlxStore) GetTargetByUsername(ctx context.Context, username string) (*Target, error) {
	var target Target
	query := `SELECT chat_id, title, username, kind, member_count, created_at, updated_at
	          FROM targets WHERE username = ? AND kind = ? LIMIT 1`

	err := s.db.GetContext(ctx, &target, query, username, TargetKindChannel)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get target @%s: %w", username, err)
	}
	return &target, nil
}

func (s *sqlxStore) AppendMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ChatID == 0 {
		return fmt.Errorf("message must have a non-zero chat_id")
	}
	if message.UserID == 0 {
		return fmt.Errorf("message must have a non-zero user_id")
	}
	if message.Content == "" {
		return fmt.Errorf("message must have non-empty content")
	}
	if message.Timestamp.IsZero() {
		return fmt.Errorf("message must have a non-zero timestamp")
	}

	message.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	if err := insertMessage(ctx, tx, message); err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"chat_id", message.ChatID, "user_id", message.UserID, "error", err)
		return fmt.Errorf("failed to save message (chat %d, user %d): %w",
			message.ChatID, message.UserID, err)
	}

	deleted, err := trimMessages(ctx, tx, message.ChatID, s.messageWindow)
	if err != nil {
		return fmt.Errorf("failed to trim messages for chat %d: %w", message.ChatID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if deleted > 0 {
		s.logger.DebugContext(ctx, "Trimmed old messages",
			"chat_id", message.ChatID, "deleted", deleted)
	}
	return nil
}

func (s *sqlxStore) SaveFetchedMessages(ctx context.Context, chatID int64, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	now := time.Now().UTC()
	for i := range msgs {
		msg := &msgs[i]
		msg.ChatID = chatID
		msg.CreatedAt = now
		if msg.Content == "" || msg.UserID == 0 {
			continue
		}
		if err := insertMessage(ctx, tx, msg); err != nil {
			return fmt.Errorf("failed to save fetched message for chat %d: %w", chatID, err)
		}
		if err := upsertMembership(ctx, tx, chatID, msg.UserID, msg.Username, msg.FirstName, msg.Timestamp); err != nil {
			return fmt.Errorf("failed to bump membership for chat %d: %w", chatID, err)
		}
	}

	if _, err := trimMessages(ctx, tx, chatID, s.messageWindow); err != nil {
		return fmt.Errorf("failed to trim messages for chat %d: %w", chatID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.DebugContext(ctx, "Stored fetched messages", "chat_id", chatID, "count", len(msgs))
	return nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, message *Message) error {
	query := `
        INSERT INTO messages (chat_id, user_id, username, first_name, content, message_id, timestamp, created_at)
        VALUES (:chat_id, :user_id, :username, :first_name, :content, :message_id, :timestamp, :created_at);
    `
	result, err := tx.NamedExecContext(ctx, query, message)
	if err != nil {
		return err
	}
	if id, err := result.LastInsertId(); err == nil {
		message.ID = uint(id) //nolint:gosec
	}
	return nil
}

// trimMessages enforces the per-target retention window, keeping the most
// recent rows by timestamp (insertion order breaking ties).
func trimMessages(ctx context.Context, tx *sqlx.Tx, chatID int64, window int) (int64, error) {
	result, err := tx.ExecContext(ctx, `
        DELETE FROM messages
        WHERE chat_id = ?
          AND id NOT IN (
              SELECT id FROM messages
              WHERE chat_id = ?
              ORDER BY timestamp DESC, id DESC
              LIMIT ?
          );
    `, chatID, chatID, window)
	if err != nil {
		return 0, err
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

func (s *sqlxStore) MessageCount(ctx context.Context, chatID int64) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages for chat %d: %w", chatID, err)
	}
	return count, nil
}

func (s *sqlxStore) RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.messageWindow
	}

	var messages []Message
	query := `
        SELECT id, chat_id, user_id, username, first_name, content, message_id, timestamp, created_at
        FROM messages
        WHERE chat_id = ?
        ORDER BY timestamp DESC, id DESC
        LIMIT ?;
    `
	if err := s.db.SelectContext(ctx, &messages, query, chatID, limit); err != nil {
		return nil, fmt.Errorf("failed to get recent messages for chat %d: %w", chatID, err)
	}
	return messages, nil
}

func (s *sqlxStore) BumpMembership(ctx context.Context, chatID, userID int64, username, firstName string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	if err := upsertMembership(ctx, tx, chatID, userID, username, firstName, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error bumping membership",
			"chat_id", chatID, "user_id", userID, "error", err)
		return fmt.Errorf("failed to bump membership (chat %d, user %d): %w", chatID, userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertMembership(ctx context.Context, tx *sqlx.Tx, chatID, userID int64, username, firstName string, lastMessageAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO memberships (chat_id, user_id, username, first_name, message_count, last_message_at)
        VALUES (?, ?, ?, ?, 1, ?)
        ON CONFLICT (chat_id, user_id) DO UPDATE SET
            username = excluded.username,
            first_name = excluded.first_name,
            message_count = memberships.message_count + 1,
            last_message_at = excluded.last_message_at;
    `, chatID, userID, username, firstName, lastMessageAt)
	return err
}

func (s *sqlxStore) TopActiveAuthors(ctx context.Context, chatID int64, limit int) ([]Membership, error) {
	if limit <= 0 {
		limit = 10
	}

	var members []Membership
	query := `
        SELECT chat_id, user_id, username, first_name, message_count, last_message_at
        FROM memberships
        WHERE chat_id = ?
        ORDER BY message_count DESC, last_message_at DESC
        LIMIT ?;
    `
	if err := s.db.SelectContext(ctx, &members, query, chatID, limit); err != nil {
		return nil, fmt.Errorf("failed to get top authors for chat %d: %w", chatID, err)
	}
	return members, nil
}

func (s *sqlxStore) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists,
		`SELECT 1 FROM memberships WHERE chat_id = ? AND user_id = ? LIMIT 1`, chatID, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check membership (chat %d, user %d): %w", chatID, userID, err)
	}
	return true, nil
}

func (s *sqlxStore) UserTargets(ctx context.Context, userID int64) ([]int64, error) {
	var chatIDs []int64
	err := s.db.SelectContext(ctx, &chatIDs,
		`SELECT DISTINCT chat_id FROM memberships WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get targets for user %d: %w", userID, err)
	}
	return chatIDs, nil
}

func (s *sqlxStore) LatestAnalysis(ctx context.Context, chatID int64) (*Analysis, error) {
	var analysis Analysis
	query := `
        SELECT id, chat_id, analysis_data, analyzed_user_ids, message_count_when_analyzed, created_at
        FROM analyses
        WHERE chat_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT 1;
    `
	err := s.db.GetContext(ctx, &analysis, query, chatID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get latest analysis for chat %d: %w", chatID, err)
	}
	return &analysis, nil
}

func (s *sqlxStore) SaveAnalysis(ctx context.Context, analysis *Analysis) error {
	if analysis == nil {
		return fmt.Errorf("cannot save nil analysis")
	}
	if analysis.ChatID == 0 {
		return fmt.Errorf("analysis must have a non-zero chat_id")
	}
	if analysis.AnalysisData == "" {
		return fmt.Errorf("analysis must have non-empty data")
	}

	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO analyses (chat_id, analysis_data, analyzed_user_ids, message_count_when_analyzed, created_at)
        VALUES (:chat_id, :analysis_data, :analyzed_user_ids, :message_count_when_analyzed, :created_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, analysis)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving analysis", "chat_id", analysis.ChatID, "error", err)
		return fmt.Errorf("failed to save analysis for chat %d: %w", analysis.ChatID, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		analysis.ID = uint(id) //nolint:gosec
	}

	s.logger.DebugContext(ctx, "Analysis saved",
		"chat_id", analysis.ChatID, "analysis_id", analysis.ID,
		"message_count", analysis.MessageCountWhenAnalyzed)
	return nil
}

func (s *sqlxStore) TryAcquireJob(ctx context.Context, chatID int64, ownerToken string, startedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO analysis_jobs (chat_id, owner_token, started_at)
        VALUES (?, ?, ?)
        ON CONFLICT (chat_id) DO NOTHING;
    `, chatID, ownerToken, startedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acquire job lock for chat %d: %w", chatID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check job lock acquisition for chat %d: %w", chatID, err)
	}
	return affected == 1, nil
}

func (s *sqlxStore) ReleaseJob(ctx context.Context, chatID int64, ownerToken string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM analysis_jobs WHERE chat_id = ? AND owner_token = ?`, chatID, ownerToken)
	if err != nil {
		return fmt.Errorf("failed to release job lock for chat %d: %w", chatID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		s.logger.WarnContext(ctx, "Job lock release found no matching row",
			"chat_id", chatID, "owner_token", ownerToken)
	}
	return nil
}

func (s *sqlxStore) ForceReleaseJob(ctx context.Context, chatID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM analysis_jobs WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to force-release job lock for chat %d: %w", chatID, err)
	}
	return nil
}

func (s *sqlxStore) OrphanedJobs(ctx context.Context) ([]AnalysisJob, error) {
	var jobs []AnalysisJob
	query := `
        SELECT j.chat_id, j.owner_token, j.started_at
        FROM analysis_jobs j
        WHERE NOT EXISTS (
            SELECT 1 FROM analyses a
            WHERE a.chat_id = j.chat_id AND a.created_at > j.started_at
        )
        ORDER BY j.started_at ASC;
    `
	if err := s.db.SelectContext(ctx, &jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list orphaned jobs: %w", err)
	}
	return jobs, nil
}

func (s *sqlxStore) EnqueueOutbound(ctx context.Context, msg *QueuedMessage) error {
	if msg == nil {
		return fmt.Errorf("cannot enqueue nil message")
	}
	if msg.ChatID == 0 {
		return fmt.Errorf("queued message must have a non-zero chat_id")
	}
	if msg.Payload == "" {
		return fmt.Errorf("queued message must have a non-empty payload")
	}

	now := time.Now().UTC()
	msg.Status = OutboundStatusPending
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = now
	}

	query := `
        INSERT INTO outbound_messages (chat_id, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at)
        VALUES (:chat_id, :payload, :status, :attempts, :next_attempt_at, :last_error, :created_at, :updated_at);
    `
	result, err := s.db.NamedExecContext(ctx, query, msg)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error enqueueing outbound message", "chat_id", msg.ChatID, "error", err)
		return fmt.Errorf("failed to enqueue outbound message for chat %d: %w", msg.ChatID, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		msg.ID = uint(id) //nolint:gosec
	}
	return nil
}

func (s *sqlxStore) DueOutbound(ctx context.Context, now time.Time, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	var msgs []QueuedMessage
	query := `
        SELECT id, chat_id, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at
        FROM outbound_messages
        WHERE status = ? AND next_attempt_at <= ?
        ORDER BY id ASC
        LIMIT ?;
    `
	if err := s.db.SelectContext(ctx, &msgs, query, OutboundStatusPending, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to get due outbound messages: %w", err)
	}
	return msgs, nil
}

func (s *sqlxStore) MarkOutboundSent(ctx context.Context, id uint) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE outbound_messages SET status = ?, last_error = '', updated_at = ?
        WHERE id = ?;
    `, OutboundStatusSent, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark outbound message %d sent: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) RescheduleOutbound(ctx context.Context, id uint, attempts int, nextAttemptAt time.Time, lastError string) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE outbound_messages SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
        WHERE id = ?;
    `, attempts, nextAttemptAt.UTC(), lastError, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to reschedule outbound message %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) MarkOutboundFailed(ctx context.Context, id uint, lastError string) error {
	if _, err := s.db.ExecContext(ctx, `
        UPDATE outbound_messages SET status = ?, last_error = ?, updated_at = ?
        WHERE id = ?;
    `, OutboundStatusFailed, lastError, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark outbound message %d failed: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) PurgeSentOutbound(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM outbound_messages WHERE status = ? AND updated_at < ?`,
		OutboundStatusSent, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sent outbound messages: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

func (s *sqlxStore) GetOrCreateUser(ctx context.Context, userID int64, username, firstName string, initialCredits int) (*User, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	var user User
	query := `SELECT user_id, username, first_name, credits, total_reveals, created_at, updated_at
	          FROM users WHERE user_id = ?`
	err = tx.GetContext(ctx, &user, query, userID)
	switch {
	case err == nil:
		// Refresh the display name snapshot if it changed.
		if user.Username != username || user.FirstName != firstName {
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET username = ?, first_name = ?, updated_at = ? WHERE user_id = ?`,
				username, firstName, now, userID); err != nil {
				return nil, fmt.Errorf("failed to refresh user %d: %w", userID, err)
			}
			user.Username = username
			user.FirstName = firstName
			user.UpdatedAt = now
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &user, nil

	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		user = User{
			UserID:    userID,
			Username:  username,
			FirstName: firstName,
			Credits:   initialCredits,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.NamedExecContext(ctx, `
            INSERT INTO users (user_id, username, first_name, credits, total_reveals, created_at, updated_at)
            VALUES (:user_id, :username, :first_name, :credits, :total_reveals, :created_at, :updated_at);
        `, &user); err != nil {
			return nil, fmt.Errorf("failed to create user %d: %w", userID, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.logger.DebugContext(ctx, "Created user", "user_id", userID, "credits", initialCredits)
		return &user, nil

	default:
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}
}

func (s *sqlxStore) HasAccess(ctx context.Context, userID int64, analysisID uint, authorID int64, variant string) (bool, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists, `
        SELECT 1 FROM analysis_access
        WHERE user_id = ? AND analysis_id = ? AND author_id = ? AND variant = ?
        LIMIT 1;
    `, userID, analysisID, authorID, variant)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check access (user %d, analysis %d): %w", userID, analysisID, err)
	}
	return true, nil
}

func (s *sqlxStore) DebitAndRecordAccess(ctx context.Context, userID int64, analysisID uint, authorID int64, variant string, cost int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	if cost > 0 {
		result, err := tx.ExecContext(ctx, `
            UPDATE users SET credits = credits - ?, total_reveals = total_reveals + 1, updated_at = ?
            WHERE user_id = ? AND credits >= ?;
        `, cost, time.Now().UTC(), userID, cost)
		if err != nil {
			return fmt.Errorf("failed to debit user %d: %w", userID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check debit for user %d: %w", userID, err)
		}
		if affected == 0 {
			return fmt.Errorf("user %d: %w", userID, ErrInsufficientCredits)
		}
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO analysis_access (user_id, analysis_id, author_id, variant, credits_charged, created_at)
        VALUES (?, ?, ?, ?, ?, ?);
    `, userID, analysisID, authorID, variant, cost, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record access (user %d, analysis %d): %w", userID, analysisID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.DebugContext(ctx, "Access recorded",
		"user_id", userID, "analysis_id", analysisID, "author_id", authorID,
		"variant", variant, "credits_charged", cost)
	return nil
}

// RunSQLMaintenance executes a VACUUM on the SQLite database. VACUUM must
// run outside a transaction.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)")

	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed")
	return nil
}

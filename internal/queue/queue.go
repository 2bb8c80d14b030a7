// Package queue implements the persisted outbound delivery queue. Messages
// survive restarts; retry state lives on the row, so a restarted dispatcher
// resumes exactly where the previous process stopped.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
)

// Sender delivers one payload to a chat. Satisfied by the Telegram adapter.
type Sender interface {
	Send(ctx context.Context, chatID int64, payload string) error
}

// Dispatcher polls the queue and delivers due messages with capped
// exponential backoff on failure.
type Dispatcher struct {
	store  database.Store
	sender Sender
	cfg    config.QueueConfig
	logger *slog.Logger

	now func() time.Time
}

// NewDispatcher creates the queue dispatcher.
func NewDispatcher(store database.Store, sender Sender, cfg config.QueueConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: logger.With("component", "queue"),
		now:    time.Now,
	}
}

// SetSender installs the sender after construction. The Telegram sender
// needs the bot instance, which is built after the dispatcher, so it wires
// late. Must be called before Run.
func (d *Dispatcher) SetSender(s Sender) {
	d.sender = s
}

// Enqueue schedules a payload for delivery. The message becomes due
// immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, chatID int64, payload string) error {
	msg := &database.QueuedMessage{ChatID: chatID, Payload: payload, NextAttemptAt: d.now()}
	if err := d.store.EnqueueOutbound(ctx, msg); err != nil {
		return err
	}
	d.logger.DebugContext(ctx, "Message enqueued", "chat_id", chatID, "message_id", msg.ID)
	return nil
}

// Run polls for due messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "Queue dispatcher started", "poll_interval", d.cfg.PollInterval)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "Queue dispatcher stopping")
			return nil
		case <-ticker.C:
			if err := d.DispatchDue(ctx); err != nil {
				d.logger.ErrorContext(ctx, "Queue sweep failed", "error", err)
			}
		}
	}
}

// DispatchDue delivers one batch of due messages. A failure on one message
// only affects that message; the rest of the batch proceeds.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	due, err := d.store.DueOutbound(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to load due messages: %w", err)
	}

	for _, msg := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.deliver(ctx, msg)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg database.QueuedMessage) {
	err := d.sender.Send(ctx, msg.ChatID, msg.Payload)
	if err == nil {
		if err := d.store.MarkOutboundSent(ctx, msg.ID); err != nil {
			d.logger.ErrorContext(ctx, "Failed to mark message sent",
				"message_id", msg.ID, "error", err)
		} else {
			d.logger.DebugContext(ctx, "Message delivered",
				"message_id", msg.ID, "chat_id", msg.ChatID, "attempts", msg.Attempts)
		}
		return
	}

	attempts := msg.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		d.logger.ErrorContext(ctx, "Message permanently failed",
			"message_id", msg.ID, "chat_id", msg.ChatID, "attempts", attempts, "error", err)
		if markErr := d.store.MarkOutboundFailed(ctx, msg.ID, err.Error()); markErr != nil {
			d.logger.ErrorContext(ctx, "Failed to mark message failed",
				"message_id", msg.ID, "error", markErr)
		}
		return
	}

	nextAt := d.now().Add(d.backoff(msg.Attempts))
	d.logger.WarnContext(ctx, "Delivery failed, rescheduling",
		"message_id", msg.ID, "chat_id", msg.ChatID,
		"attempts", attempts, "next_attempt_at", nextAt, "error", err)
	if reschedErr := d.store.RescheduleOutbound(ctx, msg.ID, attempts, nextAt, err.Error()); reschedErr != nil {
		d.logger.ErrorContext(ctx, "Failed to reschedule message",
			"message_id", msg.ID, "error", reschedErr)
	}
}

// backoff returns the delay before the next attempt: base doubled per prior
// attempt, capped at the configured maximum.
func (d *Dispatcher) backoff(priorAttempts int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 0; i < priorAttempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxDelay {
			return d.cfg.MaxDelay
		}
	}
	if delay > d.cfg.MaxDelay {
		return d.cfg.MaxDelay
	}
	return delay
}

// PurgeSent deletes delivered messages older than retention. Wired to the
// scheduled queue sweep.
func (d *Dispatcher) PurgeSent(ctx context.Context, retention time.Duration) (int64, error) {
	return d.store.PurgeSentOutbound(ctx, d.now().Add(-retention))
}

// Package bot implements the orchestration core of ChatLens: the service
// facade behind the Telegram handlers, the component lifecycle, and the
// task scheduler.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbot "github.com/go-telegram/bot"
	"golang.org/x/sync/errgroup"

	"github.com/chatlens/chatlens/internal/queue"
)

// Bot owns the long-running components and their lifecycle: the Telegram
// listener, the delivery queue dispatcher, and the task scheduler.
type Bot struct {
	logger     *slog.Logger
	tgBot      *tgbot.Bot
	dispatcher *queue.Dispatcher
	scheduler  *Scheduler
}

// NewBot creates the orchestrator over its components.
func NewBot(logger *slog.Logger, tgBot *tgbot.Bot, dispatcher *queue.Dispatcher, scheduler *Scheduler) *Bot {
	return &Bot{
		logger:     logger.With("component", "orchestrator"),
		tgBot:      tgBot,
		dispatcher: dispatcher,
		scheduler:  scheduler,
	}
}

// Run starts all components and blocks until ctx is cancelled or a component
// fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting orchestrator")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("Starting Telegram listener")
		b.tgBot.Start(gCtx)
		b.logger.Info("Telegram listener stopped")

		if gCtx.Err() == nil {
			return fmt.Errorf("telegram listener stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		return b.dispatcher.Run(gCtx)
	})

	g.Go(func() error {
		if err := b.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler")
		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Orchestrator stopped gracefully")
	return nil
}

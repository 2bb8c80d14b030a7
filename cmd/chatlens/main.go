// Package main contains the ChatLens command-line entrypoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/spf13/cobra"

	"github.com/chatlens/chatlens/internal/analysis"
	botpkg "github.com/chatlens/chatlens/internal/bot"
	"github.com/chatlens/chatlens/internal/bot/handlers"
	"github.com/chatlens/chatlens/internal/bot/tasks"
	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/gemini"
	"github.com/chatlens/chatlens/internal/logger"
	"github.com/chatlens/chatlens/internal/platform"
	"github.com/chatlens/chatlens/internal/queue"
	"github.com/chatlens/chatlens/internal/ratelimit"
	"github.com/chatlens/chatlens/internal/session"
	"github.com/chatlens/chatlens/internal/telegram"

	_ "modernc.org/sqlite"
)

var version = "dev"

var (
	configPath string
	cfg        *config.Config
)

// errRunFailed signals a failure that was already logged; main exits nonzero
// without printing it again.
var errRunFailed = errors.New("run failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "chatlens",
	Short:         "Telegram group analysis bot",
	Long:          "ChatLens observes group conversations, profiles the most active members with an LLM, and gates reveals behind credits.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(exportCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if code := run(cmd.Context()); code != 0 {
			return errRunFailed
		}
		return nil
	},
}

// run initializes all application components, performs the crash-recovery
// sweep, starts the orchestrator, and returns an exit code.
func run(ctx context.Context) int {
	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log, cfg.Analysis.MessageWindow)

	gemClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	collector := platform.NewClient(cfg.Collector.BaseURL, cfg.Collector.RequestTimeout, log)
	preview := platform.NewPreviewFetcher("", cfg.Collector.RequestTimeout, log)

	sessions, err := session.Discover(cfg.Sessions.Dir, log)
	if err != nil {
		log.Error("Failed to discover sessions", "dir", cfg.Sessions.Dir, "error", err)
		return 1
	}
	pool := session.NewPool(sessions, cfg.Sessions.AcquireTimeout, log)
	if len(sessions) > 0 {
		// A pool where nothing validates cannot serve channel refreshes and
		// will never heal on its own, so that is fatal at startup.
		if err := pool.ValidateAll(ctx, collector); err != nil {
			log.Error("Session validation failed", "error", err)
			return 1
		}
	} else {
		log.Warn("No session files found; channel targets will fall back to public previews",
			"dir", cfg.Sessions.Dir)
	}

	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.Budget{
		ratelimit.ClassPlatform: budget(cfg.RateLimit.Platform),
		ratelimit.ClassLLM:      budget(cfg.RateLimit.LLM),
		ratelimit.ClassDBWrite:  budget(cfg.RateLimit.DBWrite),
	}, log)

	cache := analysis.NewCache(store, cfg.Analysis.StalenessDelta)
	engine := analysis.NewEngine(store, gemClient, limiter, pool, collector, preview, nil, cfg.Analysis, log)
	dispatcher := queue.NewDispatcher(store, nil, cfg.Queue, log)

	svc := botpkg.NewService(store, cache, engine, dispatcher, limiter, cfg, log)
	engine.SetNotifier(svc)

	hDeps := handlers.HandlerDeps{
		Logger:   log,
		Config:   cfg,
		Store:    store,
		Service:  svc,
		Sessions: pool,
	}
	tDeps := tasks.TaskDeps{
		Logger:     log,
		Config:     cfg,
		Store:      store,
		Sessions:   pool,
		Collector:  collector,
		Dispatcher: dispatcher,
	}

	botOpts := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(handlers.NewGroupHandler(hDeps)),
	}
	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log, botOpts...)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		return 1
	}
	dispatcher.SetSender(telegram.NewSender(tg, log))

	cfg.Telegram.BotInfo, err = tg.GetMe(ctx)
	if err != nil {
		log.Error("Failed to get bot info", "error", err)
		return 1
	}
	log.Info("Retrieved bot info", "bot_id", cfg.Telegram.BotInfo.ID, "bot_username", cfg.Telegram.BotInfo.Username)

	cmdHandlers := handlers.RegisterAllCommands(hDeps)
	if err := telegram.RegisterHandlers(tg, log, cmdHandlers); err != nil {
		log.Error("Failed to register Telegram handlers", "error", err)
		return 1
	}

	// Interrupted analyses are swept before the bot takes traffic so their
	// targets do not sit behind stale locks.
	if err := analysis.NewRecovery(store, engine, log).Sweep(ctx); err != nil {
		log.Error("Crash-recovery sweep failed", "error", err)
		return 1
	}

	sched, err := botpkg.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}
	app := botpkg.NewBot(log, tg, dispatcher, sched)

	log.Info("Starting bot...")
	runErr := app.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}

func budget(b config.RateBudget) ratelimit.Budget {
	return ratelimit.Budget{Limit: b.Limit, Window: b.Window, MaxWait: b.MaxWait}
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Validate the session directory and report per-session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
		slog.SetDefault(log)

		sessions, err := session.Discover(cfg.Sessions.Dir, log)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Printf("No session files in %s\n", cfg.Sessions.Dir)
			return nil
		}

		collector := platform.NewClient(cfg.Collector.BaseURL, cfg.Collector.RequestTimeout, log)

		valid := 0
		for _, s := range sessions {
			if err := collector.ValidateSession(cmd.Context(), s.Token); err != nil {
				fmt.Printf("%-24s invalid  (%v)\n", s.ID, err)
				continue
			}
			fmt.Printf("%-24s valid\n", s.ID)
			valid++
		}
		fmt.Printf("\n%d/%d sessions valid\n", valid, len(sessions))

		if valid == 0 {
			return session.ErrNoValidSessions
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <chat_id>",
	Short: "Dump a target's retained messages as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q: %w", args[0], err)
		}

		log := logger.NewLogger("error", cfg.Logger.JSON)
		slog.SetDefault(log)

		db, err := database.NewDB(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.CloseDB(db)
		store := database.NewStore(db, log, cfg.Analysis.MessageWindow)

		ctx := cmd.Context()
		target, err := store.GetTarget(ctx, chatID)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("chat %d is not a known target", chatID)
		}

		messages, err := store.RecentMessages(ctx, chatID, cfg.Analysis.MessageWindow)
		if err != nil {
			return err
		}
		// Storage returns newest first; the export reads better oldest first.
		sort.Slice(messages, func(i, j int) bool {
			if messages[i].Timestamp.Equal(messages[j].Timestamp) {
				return messages[i].ID < messages[j].ID
			}
			return messages[i].Timestamp.Before(messages[j].Timestamp)
		})

		type exportedMessage struct {
			MessageID int64     `json:"message_id"`
			UserID    int64     `json:"user_id"`
			Username  string    `json:"username,omitempty"`
			FirstName string    `json:"first_name,omitempty"`
			Content   string    `json:"content"`
			Timestamp time.Time `json:"timestamp"`
		}
		rows := make([]exportedMessage, 0, len(messages))
		for _, m := range messages {
			rows = append(rows, exportedMessage{
				MessageID: m.MessageID,
				UserID:    m.UserID,
				Username:  m.Username,
				FirstName: m.FirstName,
				Content:   m.Content,
				Timestamp: m.Timestamp,
			})
		}

		out := struct {
			ChatID   int64             `json:"chat_id"`
			Title    string            `json:"title"`
			Kind     string            `json:"kind"`
			Count    int               `json:"count"`
			Messages []exportedMessage `json:"messages"`
		}{
			ChatID:   target.ChatID,
			Title:    target.Title,
			Kind:     target.Kind,
			Count:    len(rows),
			Messages: rows,
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

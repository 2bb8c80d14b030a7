// Package config provides configuration loading and validation for ChatLens.
// Configuration is read from a YAML file with BOT_-prefixed environment
// variable overrides, then validated.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-telegram/bot/models"
	"github.com/spf13/viper"
)

// LoggerConfig controls the slog root logger.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds SQLite connection settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TelegramConfig holds bot credentials and runtime bot identity.
type TelegramConfig struct {
	Token   string `mapstructure:"token" validate:"required"`
	AdminID int64  `mapstructure:"admin_id"`

	// BotInfo is populated at startup from GetMe, not from the config file.
	BotInfo *models.User `mapstructure:"-"`
}

// GeminiConfig holds settings for the text-generation collaborator.
type GeminiConfig struct {
	APIKey            string  `mapstructure:"api_key" validate:"required"`
	ModelName         string  `mapstructure:"model_name" validate:"required"`
	FallbackModelName string  `mapstructure:"fallback_model_name"`
	Temperature       float32 `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxRetries        int     `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=1"`
}

// SessionsConfig controls collector session discovery and acquisition.
type SessionsConfig struct {
	Dir            string        `mapstructure:"dir" validate:"required"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"min=1s"`
}

// CollectorConfig points at the session-backed message collector service.
type CollectorConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s"`
}

// RateBudget is one resource-class budget: Limit calls per Window, with
// MaxWait bounding how long a caller may be suspended before the budget is
// reported as exhausted.
type RateBudget struct {
	Limit   int           `mapstructure:"limit" validate:"min=1"`
	Window  time.Duration `mapstructure:"window" validate:"min=1ms"`
	MaxWait time.Duration `mapstructure:"max_wait" validate:"min=1ms"`
}

// RateLimitConfig holds the per-resource-class budgets.
type RateLimitConfig struct {
	Platform RateBudget `mapstructure:"platform"`
	LLM      RateBudget `mapstructure:"llm"`
	DBWrite  RateBudget `mapstructure:"db_write"`
}

// AnalysisConfig holds the staleness and author-selection parameters.
type AnalysisConfig struct {
	MessageWindow     int `mapstructure:"message_window" validate:"min=1"`
	StalenessDelta    int `mapstructure:"staleness_delta" validate:"min=1"`
	MinAuthors        int `mapstructure:"min_authors" validate:"min=1"`
	MaxAuthors        int `mapstructure:"max_authors" validate:"min=1"`
	MinAuthorMessages int `mapstructure:"min_author_messages" validate:"min=1"`

	Variants []string `mapstructure:"variants" validate:"min=1"`
}

// QueueConfig holds the delivery queue retry policy.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=100ms"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
	BaseDelay    time.Duration `mapstructure:"base_delay" validate:"min=1s"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"min=1s"`
}

// CreditsConfig holds the reveal-charging policy.
type CreditsConfig struct {
	RevealCost      int  `mapstructure:"reveal_cost" validate:"min=0"`
	InitialBalance  int  `mapstructure:"initial_balance" validate:"min=0"`
	RepeatViewsFree bool `mapstructure:"repeat_views_free"`
}

// MessagesConfig holds the user-facing message templates.
type MessagesConfig struct {
	Welcome             string `mapstructure:"welcome" validate:"required"`
	Help                string `mapstructure:"help" validate:"required"`
	AnalysisStarted     string `mapstructure:"analysis_started" validate:"required"`
	AnalysisInProgress  string `mapstructure:"analysis_in_progress" validate:"required"`
	InsufficientData    string `mapstructure:"insufficient_data" validate:"required"`
	UpstreamUnavailable string `mapstructure:"upstream_unavailable" validate:"required"`
	NotMember           string `mapstructure:"not_member" validate:"required"`
	NoAnalysis          string `mapstructure:"no_analysis" validate:"required"`
	AuthorNotCovered    string `mapstructure:"author_not_covered" validate:"required"`
	UnknownVariant      string `mapstructure:"unknown_variant" validate:"required"`
	InsufficientCredits string `mapstructure:"insufficient_credits" validate:"required"`
	Unauthorized        string `mapstructure:"unauthorized" validate:"required"`
	ErrorGeneral        string `mapstructure:"error_general" validate:"required"`
}

// SchedulerTaskConfig enables one named scheduled task.
type SchedulerTaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig maps task names to their cron schedules.
type SchedulerConfig struct {
	Tasks map[string]SchedulerTaskConfig `mapstructure:"tasks"`
}

// Config is the root application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Collector CollectorConfig `mapstructure:"collector"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	Messages  MessagesConfig  `mapstructure:"messages"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoadConfig reads the configuration file at path, applies defaults and
// BOT_-prefixed environment overrides, and validates the result. A missing
// config file is not an error; defaults plus environment must then satisfy
// validation.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Analysis.MinAuthors > cfg.Analysis.MaxAuthors {
		return nil, fmt.Errorf("config validation failed: analysis.min_authors (%d) exceeds analysis.max_authors (%d)",
			cfg.Analysis.MinAuthors, cfg.Analysis.MaxAuthors)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("database.path", "chatlens.db")

	v.SetDefault("gemini.model_name", "gemini-2.5-flash")
	v.SetDefault("gemini.fallback_model_name", "gemini-2.5-pro")
	v.SetDefault("gemini.temperature", 1.0)
	v.SetDefault("gemini.max_retries", 3)
	v.SetDefault("gemini.retry_delay_seconds", 1)

	v.SetDefault("sessions.dir", "sessions")
	v.SetDefault("sessions.acquire_timeout", 30*time.Second)

	v.SetDefault("collector.base_url", "http://localhost:8085")
	v.SetDefault("collector.request_timeout", 30*time.Second)

	v.SetDefault("rate_limit.platform.limit", 20)
	v.SetDefault("rate_limit.platform.window", time.Minute)
	v.SetDefault("rate_limit.platform.max_wait", 2*time.Minute)
	v.SetDefault("rate_limit.llm.limit", 10)
	v.SetDefault("rate_limit.llm.window", time.Minute)
	v.SetDefault("rate_limit.llm.max_wait", 5*time.Minute)
	v.SetDefault("rate_limit.db_write.limit", 200)
	v.SetDefault("rate_limit.db_write.window", time.Second)
	v.SetDefault("rate_limit.db_write.max_wait", 10*time.Second)

	v.SetDefault("analysis.message_window", 1000)
	v.SetDefault("analysis.staleness_delta", 50)
	v.SetDefault("analysis.min_authors", 3)
	v.SetDefault("analysis.max_authors", 10)
	v.SetDefault("analysis.min_author_messages", 3)
	v.SetDefault("analysis.variants", []string{"professional", "personal", "roast"})

	v.SetDefault("queue.poll_interval", 2*time.Second)
	v.SetDefault("queue.batch_size", 20)
	v.SetDefault("queue.max_attempts", 8)
	v.SetDefault("queue.base_delay", 5*time.Second)
	v.SetDefault("queue.max_delay", 10*time.Minute)

	v.SetDefault("credits.reveal_cost", 1)
	v.SetDefault("credits.initial_balance", 1)
	v.SetDefault("credits.repeat_views_free", true)

	v.SetDefault("messages.welcome", "Hi! Add me to a group and mention me to get an analysis of its most active members.")
	v.SetDefault("messages.help", "Mention me in a group to trigger an analysis.\nCommands:\n/analyze <@channel> - analyze a public channel\n/reveal <author_id> <variant> - unlock an author profile\n/credits - show your balance\n/help - this message")
	v.SetDefault("messages.analysis_started", "Working on it! I'll post the results here when the analysis is ready.")
	v.SetDefault("messages.analysis_in_progress", "An analysis for this chat is already running. Hang tight!")
	v.SetDefault("messages.insufficient_data", "Not enough activity to analyze yet. Keep chatting and try again later.")
	v.SetDefault("messages.upstream_unavailable", "I couldn't reach the analysis backend. Please try again in a few minutes.")
	v.SetDefault("messages.not_member", "You can only view analyses for groups you are a member of.")
	v.SetDefault("messages.no_analysis", "No analysis exists for this chat yet. Mention me to start one.")
	v.SetDefault("messages.author_not_covered", "That author or variant isn't part of the latest analysis.")
	v.SetDefault("messages.unknown_variant", "Unknown variant. Available variants: professional, personal, roast.")
	v.SetDefault("messages.insufficient_credits", "You're out of credits. Each reveal costs 1 credit.")
	v.SetDefault("messages.unauthorized", "You are not authorized to use this command.")
	v.SetDefault("messages.error_general", "Something went wrong. Please try again.")

	v.SetDefault("scheduler.tasks", map[string]SchedulerTaskConfig{
		"session_revalidation": {Enabled: true, Schedule: "0 */30 * * * *"},
		"queue_sweep":          {Enabled: true, Schedule: "0 15 * * * *"},
		"sql_maintenance":      {Enabled: true, Schedule: "0 0 4 * * *"},
	})
}

// Package gemini implements the text-generation collaborator that turns a
// target's retained messages into per-author analysis variants.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
)

// Client defines the AI operations used by the analysis engine.
type Client interface {
	// GenerateGroupAnalyses produces the variant texts for each author worth
	// analyzing. The result maps author id to variant name to text; authors
	// the model declined to cover are simply absent.
	GenerateGroupAnalyses(ctx context.Context, chatTitle string, messages []database.Message, authors []database.Membership, variants []string) (map[int64]map[string]string, error)
}

type sdkClient struct {
	genaiClient       *genai.Client
	log               *slog.Logger
	contentConfig     *genai.GenerateContentConfig
	defaultModelName  string
	fallbackModelName string
	maxRetries        int
	retryDelay        time.Duration
}

// NewClient creates a Gemini client from the configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		Temperature: &cfg.Temperature,

		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},

		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: GroupAnalysisSystemInstruction}},
		},
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized successfully", "model", cfg.ModelName)
	return &sdkClient{
		genaiClient:       gi,
		log:               logger,
		contentConfig:     baseCfg,
		defaultModelName:  cfg.ModelName,
		fallbackModelName: cfg.FallbackModelName,
		maxRetries:        cfg.MaxRetries,
		retryDelay:        time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, nil
}

func (c *sdkClient) GenerateGroupAnalyses(ctx context.Context, chatTitle string, messages []database.Message, authors []database.Membership, variants []string) (map[int64]map[string]string, error) {
	c.log.DebugContext(ctx, "Generating group analyses",
		"chat_title", chatTitle, "message_count", len(messages), "author_count", len(authors))

	prompt, err := buildGroupAnalysisPrompt(chatTitle, messages, authors, variants)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	copyCfg := *c.contentConfig
	copyCfg.ResponseMIMEType = "application/json"

	resp, err := c.generateContentWithRetries(ctx, c.defaultModelName, contents, &copyCfg)
	if err != nil && c.fallbackModelName != "" && c.fallbackModelName != c.defaultModelName {
		c.log.WarnContext(ctx, "Primary model failed, trying fallback",
			"primary", c.defaultModelName, "fallback", c.fallbackModelName, "error", err)
		resp, err = c.generateContentWithRetries(ctx, c.fallbackModelName, contents, &copyCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate group analyses: %w", err)
	}

	jsonText, err := c.extractTextFromResponse(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("failed to extract analysis response: %w", err)
	}

	analyses, err := parseGroupAnalyses(jsonText, variants)
	if err != nil {
		c.log.ErrorContext(ctx, "Failed to parse analysis JSON", "error", err, "response_text", jsonText)
		return nil, err
	}

	c.log.DebugContext(ctx, "Parsed group analyses", "analyzed_authors", len(analyses))
	return analyses, nil
}

// generateContentWithRetries retries the call on retriable API errors
// (HTTP 500 and 503) up to maxRetries times with exponential backoff.
func (c *sdkClient) generateContentWithRetries(ctx context.Context, modelName string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	delay := c.retryDelay
	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry",
			"attempt", i+1, "max_retries", c.maxRetries, "model", modelName, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.InfoContext(ctx, "Retrying Gemini API call", "delay", delay, "code", apiErr.Code)
				select {
				case <-ctx.Done():
					return nil, fmt.Errorf("gemini retry interrupted: %w", ctx.Err())
				case <-time.After(delay):
				}
				delay *= 2
				continue
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w",
				c.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}

	return nil, err
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", fmt.Errorf("request blocked by safety filter: %s", reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "finish_reason", finishReason)
		return "", fmt.Errorf("gemini returned no content, finish reason: %s", finishReason)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned empty text")
	}
	return text, nil
}

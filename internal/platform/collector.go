// Package platform talks to the message collector service that reads channel
// history on behalf of a pooled session identity, and provides a sessionless
// public-preview fallback for target metadata.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrSessionInvalid reports that the collector rejected the session identity.
// The session must be removed from rotation.
var ErrSessionInvalid = errors.New("session rejected by collector")

// RateLimitedError reports that the collector throttled the session. The
// session must sit out until Until.
type RateLimitedError struct {
	Until time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("session rate limited until %s", e.Until.Format(time.RFC3339))
}

// Message is one message fetched from the collector.
type Message struct {
	MessageID int64     `json:"message_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsBot     bool      `json:"is_bot"`
}

// ChatInfo is target metadata as reported by the collector.
type ChatInfo struct {
	ChatID      int64  `json:"chat_id"`
	Title       string `json:"title"`
	Username    string `json:"username"`
	MemberCount int    `json:"member_count"`
}

// Client is the HTTP client for the collector service. Requests authenticate
// with the leased session's token as a bearer credential.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a collector client for the service at baseURL.
func NewClient(baseURL string, requestTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.With("component", "collector"),
	}
}

// ValidateSession checks the session token against the collector.
func (c *Client) ValidateSession(ctx context.Context, token string) error {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.get(ctx, token, "/v1/session/validate", &out); err != nil {
		return err
	}
	if !out.Valid {
		return ErrSessionInvalid
	}
	return nil
}

// FetchRecentMessages reads up to limit recent messages of a chat using the
// session token.
func (c *Client) FetchRecentMessages(ctx context.Context, token string, chatID int64, limit int) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/chats/%d/messages?limit=%d", chatID, limit)
	if err := c.get(ctx, token, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ResolveChat maps a public channel username to its chat metadata using the
// session token.
func (c *Client) ResolveChat(ctx context.Context, token, username string) (*ChatInfo, error) {
	var out ChatInfo
	path := "/v1/chats/resolve?username=" + url.QueryEscape(strings.TrimPrefix(username, "@"))
	if err := c.get(ctx, token, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchChatInfo reads target metadata using the session token.
func (c *Client) FetchChatInfo(ctx context.Context, token string, chatID int64) (*ChatInfo, error) {
	var out ChatInfo
	path := fmt.Sprintf("/v1/chats/%d", chatID)
	if err := c.get(ctx, token, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create collector request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("collector request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WarnContext(ctx, "Error closing collector response body", "error", err)
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrSessionInvalid
	case http.StatusTooManyRequests:
		return &RateLimitedError{Until: retryAfter(resp)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collector returned status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode collector response: %w", err)
	}
	return nil
}

// retryAfter derives the sit-out horizon from the Retry-After header,
// defaulting to five minutes when absent or unparsable.
func retryAfter(resp *http.Response) time.Time {
	const fallback = 5 * time.Minute

	header := resp.Header.Get("Retry-After")
	if header == "" {
		return time.Now().Add(fallback)
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Now().Add(time.Duration(seconds) * time.Second)
	}
	if t, err := http.ParseTime(header); err == nil {
		return t
	}
	return time.Now().Add(fallback)
}

package platform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// Preview is the public metadata extracted from a channel's web preview
// page. It carries no message content; it only lets us keep target metadata
// fresh when every session is sidelined.
type Preview struct {
	Title       string
	Description string
	MemberCount int
}

// PreviewFetcher reads the sessionless public preview page of a channel.
type PreviewFetcher struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPreviewFetcher creates a preview fetcher. baseURL defaults to the
// public t.me preview host.
func NewPreviewFetcher(baseURL string, timeout time.Duration, logger *slog.Logger) *PreviewFetcher {
	if baseURL == "" {
		baseURL = "https://t.me"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PreviewFetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "preview"),
	}
}

var memberCountRe = regexp.MustCompile(`([\d\s,.]+)\s+(?:members|subscribers)`)

// Fetch reads and extracts the public preview for the channel username.
func (f *PreviewFetcher) Fetch(ctx context.Context, username string) (*Preview, error) {
	previewURL := fmt.Sprintf("%s/s/%s", f.baseURL, strings.TrimPrefix(username, "@"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, previewURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create preview request: %w", err)
	}
	req.Header.Set("User-Agent", "ChatLens/1.0 (channel preview)")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preview request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.WarnContext(ctx, "Error closing preview response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("preview returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read preview body: %w", err)
	}

	parsedURL, _ := url.Parse(previewURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to extract preview content: %w", err)
	}

	preview := &Preview{
		Title:       strings.TrimSpace(article.Title),
		Description: strings.TrimSpace(article.Excerpt),
	}
	if m := memberCountRe.FindStringSubmatch(article.TextContent); len(m) == 2 {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, m[1])
		if n, err := strconv.Atoi(digits); err == nil {
			preview.MemberCount = n
		}
	}

	return preview, nil
}

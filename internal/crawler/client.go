package crawler

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

	"github.com/stockapp/crawlsync/internal/models"
)

const maxResponseBytes = 8 << 20

// ErrNotConfigured is returned by Fetch when no feed URL is set.
var ErrNotConfigured = errors.New("crawl source url not configured")

// Config configures the news feed client.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	Retry    RetryPolicy
}

// Client fetches per-symbol news from an HTTP JSON feed.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a feed client. A zero Retry policy uses DefaultRetryPolicy.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type feedResponse struct {
	Data []feedArticle `json:"data"`
}

type feedArticle struct {
	UUID        string   `json:"uuid"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Keywords    string   `json:"keywords"`
	Snippet     string   `json:"snippet"`
	URL         string   `json:"url"`
	ImageURL    string   `json:"image_url"`
	Language    string   `json:"language"`
	PublishedAt string   `json:"published_at"`
	Source      string   `json:"source"`
	Relevance   *float64 `json:"relevance"`
	Entities    []string `json:"entities"`
}

// Fetch retrieves the current news items for symbol. Transient failures
// (network errors, 429 and 5xx) are retried per the configured policy.
func (c *Client) Fetch(ctx context.Context, symbol string) ([]models.NewsItem, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}

	var body []byte
	err := Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var fetchErr error
		body, fetchErr = c.fetchOnce(ctx, symbol)
		if fetchErr != nil && IsRetryable(fetchErr) {
			c.logger.Warn("news feed request failed, retrying", "symbol", symbol, "error", fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch news for %s: %w", symbol, err)
	}

	var resp feedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode news feed for %s: %w", symbol, err)
	}

	items := make([]models.NewsItem, 0, len(resp.Data))
	for _, article := range resp.Data {
		items = append(items, c.toNewsItem(symbol, article))
	}

	c.logger.Debug("fetched news feed", "symbol", symbol, "items", len(items))
	return items, nil
}

func (c *Client) fetchOnce(ctx context.Context, symbol string) ([]byte, error) {
	endpoint, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid crawl source url: %w", err)
	}
	query := endpoint.Query()
	query.Set("symbols", symbol)
	if c.cfg.APIToken != "" {
		query.Set("api_token", c.cfg.APIToken)
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewRetryableError(fmt.Errorf("http get failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		statusErr := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		return nil, NewRetryableErrorWithDelay(statusErr, retryAfter(resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewRetryableError(fmt.Errorf("failed to read body: %w", err))
	}
	return body, nil
}

func (c *Client) toNewsItem(symbol string, a feedArticle) models.NewsItem {
	item := models.NewsItem{
		UUID:           strings.TrimSpace(a.UUID),
		Company:        models.CompanyRef{Symbol: strings.ToUpper(symbol)},
		Title:          a.Title,
		Description:    a.Description,
		Snippet:        a.Snippet,
		URL:            a.URL,
		ImageURL:       a.ImageURL,
		Language:       a.Language,
		Source:         a.Source,
		Keywords:       a.Keywords,
		RelevanceScore: a.Relevance,
	}

	// Unparseable dates are left zero so ingestion rejects the item.
	if a.PublishedAt != "" {
		if published, err := parsePublishedAt(a.PublishedAt); err == nil {
			item.PublishedAt = published
		} else {
			c.logger.Warn("unparseable published_at", "uuid", a.UUID, "value", a.PublishedAt)
		}
	}

	for _, raw := range a.Entities {
		if entity, ok := models.ParseNewsEntity(raw); ok {
			item.Entities = append(item.Entities, entity)
		}
	}
	return item
}

func parsePublishedAt(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time format %q", value)
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

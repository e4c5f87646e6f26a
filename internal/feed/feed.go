// Package feed implements the marketplace feed client: paced HTTP polling
// of recent sale events, parsed into the internal sale representation.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/openmint/mintwatch/internal/sale/domain"
)

const defaultTimeout = 30 * time.Second

// Config holds feed client configuration.
type Config struct {
	// BaseURL is the feed API root, without a trailing slash.
	BaseURL string
	// APIKey is sent with every request when set.
	APIKey string
	// Collection is the collection slug whose sales are watched.
	Collection string
	// RequestsPerSec paces outgoing requests; the feed bans aggressive
	// pollers well before the posting platform does.
	RequestsPerSec float64
	// Timeout bounds one fetch round trip.
	Timeout time.Duration
}

// Client fetches recent sale events over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a new feed Client.
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RequestsPerSec <= 0 {
		config.RequestsPerSec = 1
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSec), 1),
		logger:     logger,
	}
}

// FetchRecent returns the feed's current window of sale events, newest last.
// Events that fail to parse are skipped with a warning; one malformed event
// must not block ingestion of the rest.
func (c *Client) FetchRecent(ctx context.Context) ([]*domain.Sale, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := c.config.BaseURL + "/sales/recent"
	if c.config.Collection != "" {
		url += "?collection=" + neturl.QueryEscape(c.config.Collection)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feed returned status %d: %s", resp.StatusCode, string(body))
	}

	var events []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("failed to decode feed response: %w", err)
	}

	sales := make([]*domain.Sale, 0, len(events))
	for _, raw := range events {
		sale, err := domain.ParseFeedEvent(raw)
		if err != nil {
			c.logger.Warn("skipping unparseable feed event", slog.Any("error", err))
			continue
		}
		sales = append(sales, sale)
	}

	return sales, nil
}

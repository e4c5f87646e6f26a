// Package publisher implements the social platform client. Every post is
// routed through the rate governor: guarded before the network call, and the
// response's rate telemetry headers fed back after, whatever the outcome.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	ratedomain "github.com/openmint/mintwatch/internal/rate/domain"
	"github.com/openmint/mintwatch/internal/rate/governor"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

const defaultTimeout = 60 * time.Second

// telemetryHeaders are the rate limit headers carried on platform responses,
// most specific bucket first.
var telemetryHeaders = []string{
	"x-user-limit-24hour-limit",
	"x-user-limit-24hour-remaining",
	"x-user-limit-24hour-reset",
	"x-app-limit-24hour-limit",
	"x-app-limit-24hour-remaining",
	"x-app-limit-24hour-reset",
	"x-rate-limit-limit",
	"x-rate-limit-remaining",
	"x-rate-limit-reset",
}

// AllowanceGovernor is the publisher's view of the rate governor.
type AllowanceGovernor interface {
	Guard(ctx context.Context, endpoint string) (*ratedomain.State, error)
	OnSuccess(ctx context.Context, endpoint string, telemetry []byte) error
	OnError(ctx context.Context, endpoint string, telemetry []byte) error
	Snapshot(ctx context.Context, endpoint string) (*ratedomain.State, error)
}

// Config holds publisher client configuration.
type Config struct {
	// BaseURL is the platform API root (v2 endpoints).
	BaseURL string
	// UploadURL is the media upload API root (the platform keeps uploads on
	// a separate host).
	UploadURL string
	// BearerToken authenticates all requests.
	BearerToken string
	// Timeout bounds one round trip; media uploads get double.
	Timeout time.Duration
}

// Client talks to the posting platform.
type Client struct {
	config       Config
	httpClient   *http.Client
	uploadClient *http.Client
	governor     AllowanceGovernor
	logger       *slog.Logger
}

// NewClient creates a new platform Client.
func NewClient(config Config, allowance AllowanceGovernor, logger *slog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		uploadClient: &http.Client{Timeout: 2 * config.Timeout},
		governor:     allowance,
		logger:       logger,
	}
}

type postRequest struct {
	Text  string     `json:"text"`
	Media *postMedia `json:"media,omitempty"`
}

type postMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type postResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Post publishes a post. The governor is consulted first; its limit error
// propagates to the caller without any network call being made. Response
// telemetry is always fed back to the governor, on failure included.
func (c *Client) Post(ctx context.Context, text string, mediaIDs []string) (*domain.PostResult, error) {
	if _, err := c.governor.Guard(ctx, governor.PostEndpoint); err != nil {
		return nil, err
	}

	payload := postRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &postMedia{MediaIDs: mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/tweets", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// No response, no telemetry; the governor assumes the worst.
		if gerr := c.governor.OnError(ctx, governor.PostEndpoint, nil); gerr != nil {
			c.logger.Error("failed to record post outcome", slog.Any("error", gerr))
		}
		return nil, fmt.Errorf("post request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	telemetry := headerTelemetry(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if gerr := c.governor.OnError(ctx, governor.PostEndpoint, telemetry); gerr != nil {
			c.logger.Error("failed to record post outcome", slog.Any("error", gerr))
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			// The governor just absorbed the 429 telemetry; re-guarding
			// converts it into a limit error with the safe reset time.
			if _, gerr := c.governor.Guard(ctx, governor.PostEndpoint); gerr != nil {
				return nil, gerr
			}
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("post returned status %d: %s", resp.StatusCode, string(raw))
	}

	if gerr := c.governor.OnSuccess(ctx, governor.PostEndpoint, telemetry); gerr != nil {
		c.logger.Error("failed to record post outcome", slog.Any("error", gerr))
	}

	var parsed postResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode post response: %w", err)
	}

	return &domain.PostResult{ID: parsed.Data.ID, Text: parsed.Data.Text}, nil
}

// UploadMedia uploads a media file and returns the platform media id.
// Uploads are not part of the guarded posting allowance.
func (c *Client) UploadMedia(ctx context.Context, path, mimeType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := writer.WriteField("media_category", "tweet_video"); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	url := c.config.UploadURL + "/media/upload.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("media upload failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("media upload returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if parsed.MediaIDString == "" {
		return "", fmt.Errorf("upload response carried no media id")
	}

	return parsed.MediaIDString, nil
}

// FetchRecent returns the account's most recent posts, used by crash
// reconciliation to check whether an interrupted attempt actually landed.
func (c *Client) FetchRecent(ctx context.Context, limit int) ([]domain.PostResult, error) {
	url := c.config.BaseURL + "/users/me/tweets?max_results=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("timeline request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("timeline returned status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Data []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode timeline response: %w", err)
	}

	results := make([]domain.PostResult, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		results = append(results, domain.PostResult{ID: item.ID, Text: item.Text})
	}

	return results, nil
}

// CheckRateLimit exposes the governor's current view of the allowance.
func (c *Client) CheckRateLimit(ctx context.Context) (*ratedomain.State, error) {
	return c.governor.Snapshot(ctx, governor.PostEndpoint)
}

// headerTelemetry flattens the platform's rate limit headers into the JSON
// document the telemetry parser understands. Returns nil when the response
// carried none.
func headerTelemetry(h http.Header) []byte {
	values := make(map[string]string)
	for _, key := range telemetryHeaders {
		if v := h.Get(key); v != "" {
			values[key] = v
		}
	}
	if len(values) == 0 {
		return nil
	}

	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return raw
}

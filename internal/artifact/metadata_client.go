package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MetadataConfig holds metadata client configuration.
type MetadataConfig struct {
	// BaseURL is the token metadata API root.
	BaseURL string
	// Timeout bounds one fetch.
	Timeout time.Duration
}

// MetadataClient fetches token enrichment attributes over HTTP.
type MetadataClient struct {
	config     MetadataConfig
	httpClient *http.Client
}

// NewMetadataClient creates a new MetadataClient.
func NewMetadataClient(config MetadataConfig) *MetadataClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &MetadataClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type tokenMetadata struct {
	Name       string `json:"name"`
	Attributes []struct {
		TraitType string `json:"trait_type"`
		Value     string `json:"value"`
	} `json:"attributes"`
}

// Fetch returns the token's display name and a comma-joined traits line,
// the two attributes the post text uses.
func (c *MetadataClient) Fetch(ctx context.Context, tokenID string) (map[string]string, error) {
	url := fmt.Sprintf("%s/tokens/%s", c.config.BaseURL, tokenID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("metadata returned status %d: %s", resp.StatusCode, string(body))
	}

	var meta tokenMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata response: %w", err)
	}

	attrs := make(map[string]string)
	if meta.Name != "" {
		attrs["name"] = meta.Name
	}

	traits := make([]string, 0, len(meta.Attributes))
	for _, attr := range meta.Attributes {
		if attr.Value != "" {
			traits = append(traits, attr.Value)
		}
	}
	if len(traits) > 0 {
		attrs["traits"] = strings.Join(traits, ", ")
	}

	return attrs, nil
}

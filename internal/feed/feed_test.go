package feed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string) *Client {
	return NewClient(Config{
		BaseURL:        serverURL,
		APIKey:         "test-key",
		Collection:     "punks",
		RequestsPerSec: 100,
	}, slog.New(slog.DiscardHandler))
}

func TestClient_FetchRecent(t *testing.T) {
	t.Run("parses events and skips malformed ones", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/sales/recent", r.URL.Path)
			assert.Equal(t, "punks", r.URL.Query().Get("collection"))
			assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[
				{"id":"sale-1","token_id":"1","collection":"punks","price":0.5,"payment_symbol":"ETH","side":"ask"},
				{"token_id":"2","side":"ask"},
				{"id":"sale-3","token_id":"3","collection":"punks","price":1.2,"payment_symbol":"ETH","side":"bid"}
			]`))
		}))
		defer server.Close()

		sales, err := newTestClient(server.URL).FetchRecent(context.Background())
		require.NoError(t, err)
		require.Len(t, sales, 2)
		assert.Equal(t, "sale-1", sales[0].ID)
		assert.Equal(t, "sale-3", sales[1].ID)
		assert.Equal(t, "bid", sales[1].Side)
	})

	t.Run("non-200 status is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).FetchRecent(context.Background())
		assert.ErrorContains(t, err, "status 503")
	})

	t.Run("malformed body is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"oops"`))
		}))
		defer server.Close()

		_, err := newTestClient(server.URL).FetchRecent(context.Background())
		assert.ErrorContains(t, err, "decode")
	})
}

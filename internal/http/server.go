// Package http provides the status API server and the metrics server.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	"github.com/openmint/mintwatch/internal/metrics"
	ratedomain "github.com/openmint/mintwatch/internal/rate/domain"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

const defaultRecentLimit = 20

// SaleReader is the read-only view of the sale queue the status API exposes.
type SaleReader interface {
	ListRecent(ctx context.Context, limit int) ([]*domain.Sale, error)
}

// RateReader exposes the current posting allowance.
type RateReader interface {
	CheckRateLimit(ctx context.Context) (*ratedomain.State, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the status API server: health, readiness, recent sales and the
// current rate allowance.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a new status Server.
func NewServer(
	host string,
	port int,
	ginMode string,
	logger *slog.Logger,
	sales SaleReader,
	rates RateReader,
	pinger Pinger,
	metricsProvider *metrics.Provider,
	metricsNamespace string,
) *Server {
	gin.SetMode(ginMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(RequestLoggerMiddleware(logger))
	if metricsProvider != nil {
		router.Use(metrics.HTTPMetricsMiddleware(metricsProvider.MeterProvider(), metricsNamespace))
	}

	router.GET("/health", healthHandler())
	router.GET("/ready", readinessHandler(pinger))

	v1 := router.Group("/v1")
	v1.GET("/sales/recent", recentSalesHandler(sales))
	v1.GET("/rate", rateHandler(rates))

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// GetHandler returns the http.Handler for testing purposes.
func (s *Server) GetHandler() http.Handler {
	return s.server.Handler
}

// Start starts the status server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting status server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start status server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the status server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.server.Shutdown(ctx)
}

func healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

func readinessHandler(pinger Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := pinger.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// saleResponse is the wire shape of one sale on the status API. Artifact
// paths stay internal; the API shows pipeline position and outcome only.
type saleResponse struct {
	ID           string     `json:"id"`
	TokenID      string     `json:"tokenId"`
	Collection   string     `json:"collection"`
	Price        float64    `json:"price"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attemptCount"`
	SeenAt       time.Time  `json:"seenAt"`
	PostedAt     *time.Time `json:"postedAt,omitempty"`
	TweetID      *string    `json:"tweetId,omitempty"`
}

func recentSalesHandler(sales SaleReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		recent, err := sales.ListRecent(c.Request.Context(), defaultRecentLimit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sales"})
			return
		}

		response := make([]saleResponse, 0, len(recent))
		for _, sale := range recent {
			response = append(response, saleResponse{
				ID:           sale.ID,
				TokenID:      sale.TokenID,
				Collection:   sale.Collection,
				Price:        sale.Price,
				Symbol:       sale.Symbol,
				Side:         sale.Side,
				Status:       string(sale.Status),
				AttemptCount: sale.AttemptCount,
				SeenAt:       sale.SeenAt,
				PostedAt:     sale.PostedAt,
				TweetID:      sale.TweetID,
			})
		}

		c.JSON(http.StatusOK, gin.H{"sales": response})
	}
}

func rateHandler(rates RateReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := rates.CheckRateLimit(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read rate state"})
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

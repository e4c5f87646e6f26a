// Package app provides the dependency injection container assembling the
// application components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/openmint/mintwatch/internal/artifact"
	"github.com/openmint/mintwatch/internal/backoff"
	"github.com/openmint/mintwatch/internal/config"
	"github.com/openmint/mintwatch/internal/database"
	"github.com/openmint/mintwatch/internal/feed"
	mintwatchHTTP "github.com/openmint/mintwatch/internal/http"
	"github.com/openmint/mintwatch/internal/keyvalue"
	keyvalueRepository "github.com/openmint/mintwatch/internal/keyvalue/repository"
	"github.com/openmint/mintwatch/internal/metrics"
	"github.com/openmint/mintwatch/internal/publisher"
	"github.com/openmint/mintwatch/internal/rate/governor"
	saleRepository "github.com/openmint/mintwatch/internal/sale/repository"
	saleUsecase "github.com/openmint/mintwatch/internal/sale/usecase"
)

// renderRootID names the sale card's root element, shared by the HTML
// producer and the workflow's checkpoint check.
const renderRootID = "sale-card"

// recentPostsLimit bounds the timeline window crash reconciliation inspects.
const recentPostsLimit = 50

// Container holds all application dependencies and provides methods to
// access them. Components are created lazily on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger *slog.Logger
	db     *sql.DB

	// Managers
	txManager database.TxManager

	// Repositories
	kvStore  keyvalue.Store
	saleRepo saleUsecase.SaleRepository

	// Domain services
	rateGovernor   *governor.Governor
	feedClient     *feed.Client
	pubClient      *publisher.Client
	htmlProducer   *artifact.HTMLProducer
	frameCapturer  *artifact.FrameCapturer
	videoRenderer  *artifact.VideoRenderer
	metadataClient *artifact.MetadataClient

	// Use cases
	workflow saleUsecase.Workflow
	poller   *saleUsecase.PollerUseCase

	// Observability and servers
	metricsProvider *metrics.Provider
	businessMetrics metrics.BusinessMetrics
	statusServer    *mintwatchHTTP.Server
	metricsServer   *mintwatchHTTP.MetricsServer

	// Initialization flags and mutex for thread-safety
	mu                  sync.Mutex
	loggerInit          sync.Once
	dbInit              sync.Once
	txManagerInit       sync.Once
	kvStoreInit         sync.Once
	saleRepoInit        sync.Once
	governorInit        sync.Once
	feedInit            sync.Once
	publisherInit       sync.Once
	htmlProducerInit    sync.Once
	frameCapturerInit   sync.Once
	videoRendererInit   sync.Once
	metadataClientInit  sync.Once
	workflowInit        sync.Once
	pollerInit          sync.Once
	metricsProviderInit sync.Once
	businessMetricsInit sync.Once
	statusServerInit    sync.Once
	metricsServerInit   sync.Once
	initErrors          map[string]error
}

// NewContainer creates a new dependency injection container.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// DB returns the database connection.
func (c *Container) DB() (*sql.DB, error) {
	c.dbInit.Do(func() {
		db, err := database.Connect(database.Config{
			Driver:             c.config.DBDriver,
			ConnectionString:   c.config.DBConnectionString,
			MaxOpenConnections: c.config.DBMaxOpenConnections,
			MaxIdleConnections: c.config.DBMaxIdleConnections,
			ConnMaxLifetime:    c.config.DBConnMaxLifetime,
		})
		if err != nil {
			c.initErrors["db"] = fmt.Errorf("failed to connect to database: %w", err)
			return
		}
		c.db = db
	})
	if storedErr, exists := c.initErrors["db"]; exists {
		return nil, storedErr
	}
	return c.db, nil
}

// TxManager returns the transaction manager.
func (c *Container) TxManager() (database.TxManager, error) {
	c.txManagerInit.Do(func() {
		db, err := c.DB()
		if err != nil {
			c.initErrors["txManager"] = err
			return
		}
		c.txManager = database.NewTxManager(db)
	})
	if storedErr, exists := c.initErrors["txManager"]; exists {
		return nil, storedErr
	}
	return c.txManager, nil
}

// KeyValueStore returns the key/value repository for the configured driver.
func (c *Container) KeyValueStore() (keyvalue.Store, error) {
	c.kvStoreInit.Do(func() {
		db, err := c.DB()
		if err != nil {
			c.initErrors["kvStore"] = err
			return
		}
		switch c.config.DBDriver {
		case "mysql":
			c.kvStore = keyvalueRepository.NewMySQLKeyValueRepository(db)
		case "postgres":
			c.kvStore = keyvalueRepository.NewPostgreSQLKeyValueRepository(db)
		default:
			c.initErrors["kvStore"] = fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
		}
	})
	if storedErr, exists := c.initErrors["kvStore"]; exists {
		return nil, storedErr
	}
	return c.kvStore, nil
}

// SaleRepository returns the sale repository for the configured driver.
func (c *Container) SaleRepository() (saleUsecase.SaleRepository, error) {
	c.saleRepoInit.Do(func() {
		db, err := c.DB()
		if err != nil {
			c.initErrors["saleRepo"] = err
			return
		}
		switch c.config.DBDriver {
		case "mysql":
			c.saleRepo = saleRepository.NewMySQLSaleRepository(db)
		case "postgres":
			c.saleRepo = saleRepository.NewPostgreSQLSaleRepository(db)
		default:
			c.initErrors["saleRepo"] = fmt.Errorf("unsupported database driver: %s", c.config.DBDriver)
		}
	})
	if storedErr, exists := c.initErrors["saleRepo"]; exists {
		return nil, storedErr
	}
	return c.saleRepo, nil
}

// RateGovernor returns the posting allowance governor.
func (c *Container) RateGovernor() (*governor.Governor, error) {
	c.governorInit.Do(func() {
		kv, err := c.KeyValueStore()
		if err != nil {
			c.initErrors["governor"] = err
			return
		}
		c.rateGovernor = governor.New(governor.Config{
			Limit:   c.config.PostDailyLimit,
			Reserve: c.config.PostReserve,
			Window:  c.config.RateWindow,
		}, kv, c.Logger())
	})
	if storedErr, exists := c.initErrors["governor"]; exists {
		return nil, storedErr
	}
	return c.rateGovernor, nil
}

// FeedClient returns the marketplace feed client.
func (c *Container) FeedClient() *feed.Client {
	c.feedInit.Do(func() {
		c.feedClient = feed.NewClient(feed.Config{
			BaseURL:        c.config.FeedBaseURL,
			APIKey:         c.config.FeedAPIKey,
			Collection:     c.config.FeedCollection,
			RequestsPerSec: c.config.FeedRequestsPerSec,
		}, c.Logger())
	})
	return c.feedClient
}

// Publisher returns the platform client.
func (c *Container) Publisher() (*publisher.Client, error) {
	c.publisherInit.Do(func() {
		rateGovernor, err := c.RateGovernor()
		if err != nil {
			c.initErrors["publisher"] = err
			return
		}
		c.pubClient = publisher.NewClient(publisher.Config{
			BaseURL:     c.config.PublisherBaseURL,
			UploadURL:   c.config.PublisherUploadURL,
			BearerToken: c.config.PublisherBearerToken,
		}, rateGovernor, c.Logger())
	})
	if storedErr, exists := c.initErrors["publisher"]; exists {
		return nil, storedErr
	}
	return c.pubClient, nil
}

// HTMLProducer returns the sale card producer.
func (c *Container) HTMLProducer() *artifact.HTMLProducer {
	c.htmlProducerInit.Do(func() {
		c.htmlProducer = artifact.NewHTMLProducer(artifact.HTMLConfig{
			WorkDir:      filepath.Join(c.config.ArtifactDir, "html"),
			AssetBaseURL: c.config.AssetBaseURL,
			RenderRootID: renderRootID,
		})
	})
	return c.htmlProducer
}

// FrameCapturer returns the browser frame capturer.
func (c *Container) FrameCapturer() *artifact.FrameCapturer {
	c.frameCapturerInit.Do(func() {
		c.frameCapturer = artifact.NewFrameCapturer(artifact.CaptureConfig{
			WorkDir:   filepath.Join(c.config.ArtifactDir, "frames"),
			TargetFPS: c.config.DefaultCaptureFPS,
		})
	})
	return c.frameCapturer
}

// VideoRenderer returns the ffmpeg video renderer.
func (c *Container) VideoRenderer() *artifact.VideoRenderer {
	c.videoRendererInit.Do(func() {
		c.videoRenderer = artifact.NewVideoRenderer(artifact.VideoConfig{
			WorkDir:    filepath.Join(c.config.ArtifactDir, "video"),
			FFmpegPath: c.config.FFmpegPath,
		})
	})
	return c.videoRenderer
}

// MetadataClient returns the token metadata client.
func (c *Container) MetadataClient() *artifact.MetadataClient {
	c.metadataClientInit.Do(func() {
		c.metadataClient = artifact.NewMetadataClient(artifact.MetadataConfig{
			BaseURL: c.config.MetadataBaseURL,
		})
	})
	return c.metadataClient
}

// MetricsProvider returns the metrics provider, or nil when disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	c.metricsProviderInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		provider, err := metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["metricsProvider"] = err
			return
		}
		c.metricsProvider = provider
	})
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// BusinessMetrics returns the business metrics recorder. A disabled metrics
// stack yields the no-op implementation.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	c.businessMetricsInit.Do(func() {
		provider, err := c.MetricsProvider()
		if err != nil {
			c.initErrors["businessMetrics"] = err
			return
		}
		if provider == nil {
			c.businessMetrics = metrics.NewNoOpBusinessMetrics()
			return
		}
		bm, err := metrics.NewBusinessMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["businessMetrics"] = err
			return
		}
		c.businessMetrics = bm
	})
	if storedErr, exists := c.initErrors["businessMetrics"]; exists {
		return nil, storedErr
	}
	return c.businessMetrics, nil
}

// Workflow returns the pipeline workflow engine, wrapped with metrics.
func (c *Container) Workflow() (saleUsecase.Workflow, error) {
	c.workflowInit.Do(func() {
		saleRepo, err := c.SaleRepository()
		if err != nil {
			c.initErrors["workflow"] = err
			return
		}
		pub, err := c.Publisher()
		if err != nil {
			c.initErrors["workflow"] = err
			return
		}
		bm, err := c.BusinessMetrics()
		if err != nil {
			c.initErrors["workflow"] = err
			return
		}

		workflow := saleUsecase.NewWorkflowUseCase(
			saleUsecase.WorkflowConfig{
				DefaultCaptureFPS:  c.config.DefaultCaptureFPS,
				MediaUploadTTL:     c.config.MediaUploadTTL,
				RenderRootSelector: "#" + renderRootID,
			},
			saleRepo,
			c.HTMLProducer(),
			c.FrameCapturer(),
			c.VideoRenderer(),
			c.MetadataClient(),
			pub,
			c.Logger(),
		)
		c.workflow = saleUsecase.NewWorkflowWithMetrics(workflow, bm)
	})
	if storedErr, exists := c.initErrors["workflow"]; exists {
		return nil, storedErr
	}
	return c.workflow, nil
}

// Poller returns the orchestrator.
func (c *Container) Poller() (*saleUsecase.PollerUseCase, error) {
	c.pollerInit.Do(func() {
		txManager, err := c.TxManager()
		if err != nil {
			c.initErrors["poller"] = err
			return
		}
		saleRepo, err := c.SaleRepository()
		if err != nil {
			c.initErrors["poller"] = err
			return
		}
		kv, err := c.KeyValueStore()
		if err != nil {
			c.initErrors["poller"] = err
			return
		}
		pub, err := c.Publisher()
		if err != nil {
			c.initErrors["poller"] = err
			return
		}
		workflow, err := c.Workflow()
		if err != nil {
			c.initErrors["poller"] = err
			return
		}
		rateGovernor, err := c.RateGovernor()
		if err != nil {
			c.initErrors["poller"] = err
			return
		}

		c.poller = saleUsecase.NewPollerUseCase(
			saleUsecase.PollerConfig{
				Interval:          c.config.PollInterval,
				Cooldown:          c.config.Cooldown,
				Reserve:           c.config.PostReserve,
				PostingStaleAfter: c.config.PostingStaleAfter,
				PruneRetention:    c.config.PruneRetention,
				PruneMinInterval:  c.config.PruneMinInterval,
				RecentPostsLimit:  recentPostsLimit,
			},
			txManager,
			saleRepo,
			kv,
			c.FeedClient(),
			pub,
			workflow,
			rateGovernor,
			backoff.NewPolicy(),
			c.Logger(),
		)
	})
	if storedErr, exists := c.initErrors["poller"]; exists {
		return nil, storedErr
	}
	return c.poller, nil
}

// StatusServer returns the status API server.
func (c *Container) StatusServer() (*mintwatchHTTP.Server, error) {
	c.statusServerInit.Do(func() {
		saleRepo, err := c.SaleRepository()
		if err != nil {
			c.initErrors["statusServer"] = err
			return
		}
		pub, err := c.Publisher()
		if err != nil {
			c.initErrors["statusServer"] = err
			return
		}
		db, err := c.DB()
		if err != nil {
			c.initErrors["statusServer"] = err
			return
		}
		provider, err := c.MetricsProvider()
		if err != nil {
			c.initErrors["statusServer"] = err
			return
		}

		c.statusServer = mintwatchHTTP.NewServer(
			c.config.StatusServerHost,
			c.config.StatusServerPort,
			c.config.GetGinMode(),
			c.Logger(),
			saleRepo,
			pub,
			db,
			provider,
			c.config.MetricsNamespace,
		)
	})
	if storedErr, exists := c.initErrors["statusServer"]; exists {
		return nil, storedErr
	}
	return c.statusServer, nil
}

// MetricsServer returns the metrics server, or nil when metrics are disabled.
func (c *Container) MetricsServer() (*mintwatchHTTP.MetricsServer, error) {
	c.metricsServerInit.Do(func() {
		provider, err := c.MetricsProvider()
		if err != nil {
			c.initErrors["metricsServer"] = err
			return
		}
		if provider == nil {
			return
		}
		c.metricsServer = mintwatchHTTP.NewMetricsServer(
			c.config.StatusServerHost,
			c.config.MetricsPort,
			c.Logger(),
			provider,
		)
	})
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// Shutdown performs cleanup of all initialized resources.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	if c.statusServer != nil {
		if err := c.statusServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("status server shutdown: %w", err))
		}
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}

	return nil
}

// initLogger creates a structured JSON logger at the configured level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// Package usecase implements the sale pipeline business logic: the workflow
// engine driving one claimed sale to a published post, and the poller
// orchestrating ingestion, claiming, recovery and pruning.
package usecase

import (
	"context"
	"time"

	ratedomain "github.com/openmint/mintwatch/internal/rate/domain"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

// Feed reads recent sale events from the external marketplace feed.
type Feed interface {
	FetchRecent(ctx context.Context) ([]*domain.Sale, error)
}

// Publisher talks to the rate-limited social platform. Post is expected to
// consult the rate governor before spending and to feed telemetry back after.
type Publisher interface {
	Post(ctx context.Context, text string, mediaIDs []string) (*domain.PostResult, error)
	UploadMedia(ctx context.Context, path, mimeType string) (string, error)
	FetchRecent(ctx context.Context, limit int) ([]domain.PostResult, error)
	CheckRateLimit(ctx context.Context) (*ratedomain.State, error)
}

// HTMLProducer renders the sale card HTML for a token.
type HTMLProducer interface {
	Produce(ctx context.Context, tokenID string) (string, error)
}

// FrameCapturer renders the HTML in a browser and captures animation frames,
// reporting the rate they were actually captured at.
type FrameCapturer interface {
	Capture(ctx context.Context, htmlPath string) (dir string, fps float64, err error)
}

// VideoRenderer encodes a frames directory into a video clip.
type VideoRenderer interface {
	Render(ctx context.Context, framesDir string, fps float64) (string, error)
}

// MetadataFetcher returns enrichment attributes (name, traits) for a token.
type MetadataFetcher interface {
	Fetch(ctx context.Context, tokenID string) (map[string]string, error)
}

// RateGovernor is the poller's read-only view of the posting allowance.
type RateGovernor interface {
	Snapshot(ctx context.Context, endpoint string) (*ratedomain.State, error)
}

// KeyValueStore persists small orchestration flags next to the sale queue.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// SaleRepository defines sale persistence operations.
type SaleRepository interface {
	SeedSeen(ctx context.Context, sales []*domain.Sale, seenAt time.Time) (int, error)
	EnqueueNew(ctx context.Context, sales []*domain.Sale, seenAt time.Time, cooldown time.Duration) (int, error)
	ClaimNextReady(ctx context.Context, now time.Time) (*domain.Sale, error)
	MarkPosted(ctx context.Context, saleID, tweetID, tweetText string, postedAt time.Time) error
	RequeueAfterRateLimit(ctx context.Context, saleID string, nextAttemptAt time.Time) error
	ScheduleRetry(ctx context.Context, saleID string, nextAttemptAt time.Time) error
	RequeueStale(ctx context.Context, saleID string, nextAttemptAt time.Time) error
	UpdateStatus(ctx context.Context, saleID string, status domain.Status) error
	SetHTMLPath(ctx context.Context, saleID, htmlPath string) error
	SetFramesDir(ctx context.Context, saleID, framesDir string) error
	SetVideoPath(ctx context.Context, saleID, videoPath string) error
	SetCaptureFPS(ctx context.Context, saleID string, fps float64) error
	SetMediaUpload(ctx context.Context, saleID, mediaID string, uploadedAt time.Time) error
	ClearMediaUpload(ctx context.Context, saleID string) error
	SetMetadataJSON(ctx context.Context, saleID, metadataJSON string) error
	ListStalePosting(ctx context.Context, cutoff time.Time) ([]*domain.Sale, error)
	PruneOld(ctx context.Context, cutoff time.Time) (int64, error)
	GetByID(ctx context.Context, saleID string) (*domain.Sale, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.Sale, error)
}

// Workflow drives one claimed sale through the pipeline to a published post.
type Workflow interface {
	Process(ctx context.Context, sale *domain.Sale) error
}

// Poller defines the orchestrator operations.
type Poller interface {
	Start(ctx context.Context) error
	BootstrapIfNeeded(ctx context.Context) error
	RecoverInFlight(ctx context.Context) error
	PollOnce(ctx context.Context) error
	PruneOnce(ctx context.Context) error
}

package usecase

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	ratedomain "github.com/openmint/mintwatch/internal/rate/domain"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

// MockTxManager is a mock implementation of database.TxManager
type MockTxManager struct {
	mock.Mock
}

func (m *MockTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, fn)
	if args.Get(0) != nil {
		return args.Error(0)
	}
	// Execute the function to test the logic inside
	return fn(ctx)
}

// MockSaleRepository is a mock implementation of SaleRepository
type MockSaleRepository struct {
	mock.Mock
}

func (m *MockSaleRepository) SeedSeen(ctx context.Context, sales []*domain.Sale, seenAt time.Time) (int, error) {
	args := m.Called(ctx, sales, seenAt)
	return args.Int(0), args.Error(1)
}

func (m *MockSaleRepository) EnqueueNew(
	ctx context.Context,
	sales []*domain.Sale,
	seenAt time.Time,
	cooldown time.Duration,
) (int, error) {
	args := m.Called(ctx, sales, seenAt, cooldown)
	return args.Int(0), args.Error(1)
}

func (m *MockSaleRepository) ClaimNextReady(ctx context.Context, now time.Time) (*domain.Sale, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Sale), args.Error(1)
}

func (m *MockSaleRepository) MarkPosted(
	ctx context.Context,
	saleID, tweetID, tweetText string,
	postedAt time.Time,
) error {
	args := m.Called(ctx, saleID, tweetID, tweetText, postedAt)
	return args.Error(0)
}

func (m *MockSaleRepository) RequeueAfterRateLimit(ctx context.Context, saleID string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, saleID, nextAttemptAt)
	return args.Error(0)
}

func (m *MockSaleRepository) ScheduleRetry(ctx context.Context, saleID string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, saleID, nextAttemptAt)
	return args.Error(0)
}

func (m *MockSaleRepository) RequeueStale(ctx context.Context, saleID string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, saleID, nextAttemptAt)
	return args.Error(0)
}

func (m *MockSaleRepository) UpdateStatus(ctx context.Context, saleID string, status domain.Status) error {
	args := m.Called(ctx, saleID, status)
	return args.Error(0)
}

func (m *MockSaleRepository) SetHTMLPath(ctx context.Context, saleID, htmlPath string) error {
	args := m.Called(ctx, saleID, htmlPath)
	return args.Error(0)
}

func (m *MockSaleRepository) SetFramesDir(ctx context.Context, saleID, framesDir string) error {
	args := m.Called(ctx, saleID, framesDir)
	return args.Error(0)
}

func (m *MockSaleRepository) SetVideoPath(ctx context.Context, saleID, videoPath string) error {
	args := m.Called(ctx, saleID, videoPath)
	return args.Error(0)
}

func (m *MockSaleRepository) SetCaptureFPS(ctx context.Context, saleID string, fps float64) error {
	args := m.Called(ctx, saleID, fps)
	return args.Error(0)
}

func (m *MockSaleRepository) SetMediaUpload(
	ctx context.Context,
	saleID, mediaID string,
	uploadedAt time.Time,
) error {
	args := m.Called(ctx, saleID, mediaID, uploadedAt)
	return args.Error(0)
}

func (m *MockSaleRepository) ClearMediaUpload(ctx context.Context, saleID string) error {
	args := m.Called(ctx, saleID)
	return args.Error(0)
}

func (m *MockSaleRepository) SetMetadataJSON(ctx context.Context, saleID, metadataJSON string) error {
	args := m.Called(ctx, saleID, metadataJSON)
	return args.Error(0)
}

func (m *MockSaleRepository) ListStalePosting(ctx context.Context, cutoff time.Time) ([]*domain.Sale, error) {
	args := m.Called(ctx, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Sale), args.Error(1)
}

func (m *MockSaleRepository) PruneOld(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSaleRepository) GetByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	args := m.Called(ctx, saleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Sale), args.Error(1)
}

func (m *MockSaleRepository) ListRecent(ctx context.Context, limit int) ([]*domain.Sale, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Sale), args.Error(1)
}

// MockKeyValueStore is a mock implementation of KeyValueStore
type MockKeyValueStore struct {
	mock.Mock
}

func (m *MockKeyValueStore) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockKeyValueStore) Set(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

// MockFeed is a mock implementation of Feed
type MockFeed struct {
	mock.Mock
}

func (m *MockFeed) FetchRecent(ctx context.Context) ([]*domain.Sale, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Sale), args.Error(1)
}

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Post(ctx context.Context, text string, mediaIDs []string) (*domain.PostResult, error) {
	args := m.Called(ctx, text, mediaIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PostResult), args.Error(1)
}

func (m *MockPublisher) UploadMedia(ctx context.Context, path, mimeType string) (string, error) {
	args := m.Called(ctx, path, mimeType)
	return args.String(0), args.Error(1)
}

func (m *MockPublisher) FetchRecent(ctx context.Context, limit int) ([]domain.PostResult, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.PostResult), args.Error(1)
}

func (m *MockPublisher) CheckRateLimit(ctx context.Context) (*ratedomain.State, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ratedomain.State), args.Error(1)
}

// MockHTMLProducer is a mock implementation of HTMLProducer
type MockHTMLProducer struct {
	mock.Mock
}

func (m *MockHTMLProducer) Produce(ctx context.Context, tokenID string) (string, error) {
	args := m.Called(ctx, tokenID)
	return args.String(0), args.Error(1)
}

// MockFrameCapturer is a mock implementation of FrameCapturer
type MockFrameCapturer struct {
	mock.Mock
}

func (m *MockFrameCapturer) Capture(ctx context.Context, htmlPath string) (string, float64, error) {
	args := m.Called(ctx, htmlPath)
	return args.String(0), args.Get(1).(float64), args.Error(2)
}

// MockVideoRenderer is a mock implementation of VideoRenderer
type MockVideoRenderer struct {
	mock.Mock
}

func (m *MockVideoRenderer) Render(ctx context.Context, framesDir string, fps float64) (string, error) {
	args := m.Called(ctx, framesDir, fps)
	return args.String(0), args.Error(1)
}

// MockMetadataFetcher is a mock implementation of MetadataFetcher
type MockMetadataFetcher struct {
	mock.Mock
}

func (m *MockMetadataFetcher) Fetch(ctx context.Context, tokenID string) (map[string]string, error) {
	args := m.Called(ctx, tokenID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

// MockWorkflow is a mock implementation of Workflow
type MockWorkflow struct {
	mock.Mock
}

func (m *MockWorkflow) Process(ctx context.Context, sale *domain.Sale) error {
	args := m.Called(ctx, sale)
	return args.Error(0)
}

// MockRateGovernor is a mock implementation of RateGovernor
type MockRateGovernor struct {
	mock.Mock
}

func (m *MockRateGovernor) Snapshot(ctx context.Context, endpoint string) (*ratedomain.State, error) {
	args := m.Called(ctx, endpoint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ratedomain.State), args.Error(1)
}

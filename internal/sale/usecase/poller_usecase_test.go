package usecase

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openmint/mintwatch/internal/backoff"
	apperrors "github.com/openmint/mintwatch/internal/errors"
	"github.com/openmint/mintwatch/internal/keyvalue"
	ratedomain "github.com/openmint/mintwatch/internal/rate/domain"
	"github.com/openmint/mintwatch/internal/rate/governor"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

type pollerMocks struct {
	txManager *MockTxManager
	saleRepo  *MockSaleRepository
	kv        *MockKeyValueStore
	feed      *MockFeed
	publisher *MockPublisher
	workflow  *MockWorkflow
	governor  *MockRateGovernor
}

func newTestPoller(now time.Time) (*PollerUseCase, *pollerMocks) {
	m := &pollerMocks{
		txManager: &MockTxManager{},
		saleRepo:  &MockSaleRepository{},
		kv:        &MockKeyValueStore{},
		feed:      &MockFeed{},
		publisher: &MockPublisher{},
		workflow:  &MockWorkflow{},
		governor:  &MockRateGovernor{},
	}

	config := PollerConfig{
		Interval:          time.Minute,
		Cooldown:          24 * time.Hour,
		Reserve:           1,
		PostingStaleAfter: 120 * time.Second,
		PruneRetention:    30 * 24 * time.Hour,
		PruneMinInterval:  6 * time.Hour,
		RecentPostsLimit:  50,
	}

	uc := NewPollerUseCase(
		config,
		m.txManager,
		m.saleRepo,
		m.kv,
		m.feed,
		m.publisher,
		m.workflow,
		m.governor,
		backoff.NewPolicy(),
		slog.New(slog.DiscardHandler),
	)
	uc.now = func() time.Time { return now }

	return uc, m
}

func TestPollerUseCase_BootstrapIfNeeded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("seeds snapshot on first run", func(t *testing.T) {
		uc, m := newTestPoller(now)
		sales := []*domain.Sale{{ID: "sale-1"}, {ID: "sale-2"}}

		m.kv.On("Get", ctx, keyvalue.KeyInitialized).Return("", apperrors.ErrNotFound).Once()
		m.feed.On("FetchRecent", ctx).Return(sales, nil).Once()
		m.txManager.On("WithTx", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil).Once()
		m.saleRepo.On("SeedSeen", ctx, sales, now).Return(2, nil).Once()
		m.kv.On("Set", ctx, keyvalue.KeyInitialized, "true").Return(nil).Once()

		require.NoError(t, uc.BootstrapIfNeeded(ctx))
		m.saleRepo.AssertExpectations(t)
		m.kv.AssertExpectations(t)
	})

	t.Run("skips when already initialized", func(t *testing.T) {
		uc, m := newTestPoller(now)

		m.kv.On("Get", ctx, keyvalue.KeyInitialized).Return("true", nil).Once()

		require.NoError(t, uc.BootstrapIfNeeded(ctx))
		m.feed.AssertNotCalled(t, "FetchRecent", mock.Anything)
		m.saleRepo.AssertNotCalled(t, "SeedSeen", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPollerUseCase_RecoverInFlight(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("matched sale is marked posted", func(t *testing.T) {
		uc, m := newTestPoller(now)

		metadataJSON := `{"name":"Punk #42"}`
		stale := []*domain.Sale{{
			ID: "sale-1", TokenID: "42", Collection: "punks",
			Price: 0.5, Symbol: "ETH", Side: "ask",
			Status: domain.StatusPosting, MetadataJSON: &metadataJSON,
		}}

		m.saleRepo.On("ListStalePosting", ctx, now.Add(-120*time.Second)).Return(stale, nil).Once()
		m.publisher.On("FetchRecent", ctx, 50).Return([]domain.PostResult{
			{ID: "tweet-7", Text: "something else"},
			{ID: "tweet-9", Text: "Punk #42 sold for 0.5 ETH"},
		}, nil).Once()
		m.saleRepo.On("MarkPosted", ctx, "sale-1", "tweet-9", "Punk #42 sold for 0.5 ETH", now).Return(nil).Once()

		require.NoError(t, uc.RecoverInFlight(ctx))
		m.saleRepo.AssertExpectations(t)
		m.saleRepo.AssertNotCalled(t, "RequeueStale", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("fuzzy match covers a lost metadata checkpoint", func(t *testing.T) {
		uc, m := newTestPoller(now)

		stale := []*domain.Sale{{
			ID: "sale-1", TokenID: "42", Collection: "punks",
			Price: 0.5, Symbol: "ETH", Side: "ask",
			Status: domain.StatusPosting,
		}}

		m.saleRepo.On("ListStalePosting", ctx, mock.Anything).Return(stale, nil).Once()
		// Posted under the enriched name, which the store no longer knows.
		m.publisher.On("FetchRecent", ctx, 50).Return([]domain.PostResult{
			{ID: "tweet-9", Text: "Alien Punk #42 sold for 0.5 ETH"},
		}, nil).Once()
		m.saleRepo.On("MarkPosted", ctx, "sale-1", "tweet-9", "Alien Punk #42 sold for 0.5 ETH", now).Return(nil).Once()

		require.NoError(t, uc.RecoverInFlight(ctx))
		m.saleRepo.AssertExpectations(t)
	})

	t.Run("unmatched sale is requeued with a short delay", func(t *testing.T) {
		uc, m := newTestPoller(now)

		stale := []*domain.Sale{{
			ID: "sale-1", TokenID: "42", Price: 0.5, Symbol: "ETH", Side: "ask",
			Status: domain.StatusPosting,
		}}

		m.saleRepo.On("ListStalePosting", ctx, mock.Anything).Return(stale, nil).Once()
		m.publisher.On("FetchRecent", ctx, 50).Return([]domain.PostResult{}, nil).Once()
		m.saleRepo.On("RequeueStale", ctx, "sale-1", now.Add(time.Minute)).Return(nil).Once()

		require.NoError(t, uc.RecoverInFlight(ctx))
		m.saleRepo.AssertExpectations(t)
		m.saleRepo.AssertNotCalled(t, "MarkPosted", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("nothing stale skips the publisher", func(t *testing.T) {
		uc, m := newTestPoller(now)

		m.saleRepo.On("ListStalePosting", ctx, mock.Anything).Return([]*domain.Sale{}, nil).Once()

		require.NoError(t, uc.RecoverInFlight(ctx))
		m.publisher.AssertNotCalled(t, "FetchRecent", mock.Anything, mock.Anything)
	})
}

func TestPollerUseCase_PollOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	recentPrune := now.Add(-time.Hour).Format(time.RFC3339)

	t.Run("processes ready sales until the queue empties", func(t *testing.T) {
		uc, m := newTestPoller(now)
		incoming := []*domain.Sale{{ID: "sale-1", TokenID: "1", Side: "ask"}}
		claimed := &domain.Sale{ID: "sale-1", Status: domain.StatusPosting}

		m.feed.On("FetchRecent", ctx).Return(incoming, nil).Once()
		m.txManager.On("WithTx", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil)
		m.saleRepo.On("EnqueueNew", ctx, incoming, now, 24*time.Hour).Return(1, nil).Once()

		m.governor.On("Snapshot", ctx, governor.PostEndpoint).Return(&ratedomain.State{Limit: 17, Remaining: 5}, nil).Twice()
		m.saleRepo.On("ClaimNextReady", ctx, now).Return(claimed, nil).Once()
		m.workflow.On("Process", ctx, claimed).Return(nil).Once()
		m.saleRepo.On("ClaimNextReady", ctx, now).Return(nil, apperrors.ErrNotFound).Once()

		m.kv.On("Get", ctx, keyvalue.KeyLastPruneAt).Return(recentPrune, nil).Once()

		require.NoError(t, uc.PollOnce(ctx))
		m.workflow.AssertExpectations(t)
		m.saleRepo.AssertExpectations(t)
	})

	t.Run("allowance at reserve defers the queue", func(t *testing.T) {
		uc, m := newTestPoller(now)

		m.feed.On("FetchRecent", ctx).Return([]*domain.Sale{}, nil).Once()
		m.governor.On("Snapshot", ctx, governor.PostEndpoint).Return(&ratedomain.State{Limit: 17, Remaining: 1}, nil).Once()
		m.kv.On("Get", ctx, keyvalue.KeyLastPruneAt).Return(recentPrune, nil).Once()

		require.NoError(t, uc.PollOnce(ctx))
		m.saleRepo.AssertNotCalled(t, "ClaimNextReady", mock.Anything, mock.Anything)
	})

	t.Run("limit error defers the sale and stops claiming", func(t *testing.T) {
		uc, m := newTestPoller(now)
		claimed := &domain.Sale{ID: "sale-1", Status: domain.StatusPosting, AttemptCount: 0}
		limitErr := &ratedomain.LimitError{ResetAt: now.Add(2 * time.Hour), Remaining: 1, Limit: 17}

		m.feed.On("FetchRecent", ctx).Return([]*domain.Sale{}, nil).Once()
		m.txManager.On("WithTx", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil)
		m.governor.On("Snapshot", ctx, governor.PostEndpoint).Return(&ratedomain.State{Limit: 17, Remaining: 5}, nil).Once()
		m.saleRepo.On("ClaimNextReady", ctx, now).Return(claimed, nil).Once()
		m.workflow.On("Process", ctx, claimed).Return(limitErr).Once()

		// The buffered reset is later than the first backoff step, so it wins.
		m.saleRepo.On("RequeueAfterRateLimit", ctx, "sale-1", now.Add(2*time.Hour)).Return(nil).Once()
		m.kv.On("Get", ctx, keyvalue.KeyLastPruneAt).Return(recentPrune, nil).Once()

		require.NoError(t, uc.PollOnce(ctx))
		m.saleRepo.AssertExpectations(t)
	})

	t.Run("transient failure schedules a backoff retry and ends the batch", func(t *testing.T) {
		uc, m := newTestPoller(now)
		claimed := &domain.Sale{ID: "sale-1", Status: domain.StatusPosting, AttemptCount: 0}

		m.feed.On("FetchRecent", ctx).Return([]*domain.Sale{}, nil).Once()
		m.txManager.On("WithTx", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil)
		m.governor.On("Snapshot", ctx, governor.PostEndpoint).Return(&ratedomain.State{Limit: 17, Remaining: 5}, nil).Once()
		m.saleRepo.On("ClaimNextReady", ctx, now).Return(claimed, nil).Once()
		m.workflow.On("Process", ctx, claimed).Return(errors.New("render failed")).Once()
		m.saleRepo.On("ScheduleRetry", ctx, "sale-1", now.Add(time.Minute)).Return(nil).Once()
		m.kv.On("Get", ctx, keyvalue.KeyLastPruneAt).Return(recentPrune, nil).Once()

		require.NoError(t, uc.PollOnce(ctx))
		m.saleRepo.AssertExpectations(t)
		// Even with more sales ready, one failing collaborator ends the
		// batch so their attempt counts stay untouched.
		m.saleRepo.AssertNumberOfCalls(t, "ClaimNextReady", 1)
		m.workflow.AssertNumberOfCalls(t, "Process", 1)
	})

	t.Run("skips when the previous iteration still runs", func(t *testing.T) {
		uc, m := newTestPoller(now)

		uc.pollMu.Lock()
		defer uc.pollMu.Unlock()

		require.NoError(t, uc.PollOnce(ctx))
		m.feed.AssertNotCalled(t, "FetchRecent", mock.Anything)
	})
}

func TestPollerUseCase_Prune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("prune runs when the last run is old enough", func(t *testing.T) {
		uc, m := newTestPoller(now)

		m.kv.On("Get", ctx, keyvalue.KeyLastPruneAt).Return(now.Add(-7*time.Hour).Format(time.RFC3339), nil).Once()
		m.txManager.On("WithTx", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil).Once()
		m.saleRepo.On("PruneOld", ctx, now.Add(-30*24*time.Hour)).Return(int64(3), nil).Once()
		m.kv.On("Set", ctx, keyvalue.KeyLastPruneAt, now.Format(time.RFC3339)).Return(nil).Once()

		require.NoError(t, uc.maybePrune(ctx))
		m.saleRepo.AssertExpectations(t)
		m.kv.AssertExpectations(t)
	})

	t.Run("prune is gated by the minimum interval", func(t *testing.T) {
		uc, m := newTestPoller(now)

		m.kv.On("Get", ctx, keyvalue.KeyLastPruneAt).Return(now.Add(-time.Hour).Format(time.RFC3339), nil).Once()

		require.NoError(t, uc.maybePrune(ctx))
		m.saleRepo.AssertNotCalled(t, "PruneOld", mock.Anything, mock.Anything)
	})

	t.Run("PruneOnce ignores the gate", func(t *testing.T) {
		uc, m := newTestPoller(now)

		m.txManager.On("WithTx", ctx, mock.AnythingOfType("func(context.Context) error")).Return(nil).Once()
		m.saleRepo.On("PruneOld", ctx, now.Add(-30*24*time.Hour)).Return(int64(0), nil).Once()
		m.kv.On("Set", ctx, keyvalue.KeyLastPruneAt, now.Format(time.RFC3339)).Return(nil).Once()

		require.NoError(t, uc.PruneOnce(ctx))
		m.saleRepo.AssertExpectations(t)
	})
}

func TestPollerUseCase_ComputeRateReset(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	uc, _ := newTestPoller(now)

	t.Run("buffered reset wins when later than backoff", func(t *testing.T) {
		limitErr := &ratedomain.LimitError{ResetAt: now.Add(3 * time.Hour)}
		assert.Equal(t, now.Add(3*time.Hour), uc.computeRateReset(limitErr, 1))
	})

	t.Run("backoff wins after repeated deferrals", func(t *testing.T) {
		limitErr := &ratedomain.LimitError{ResetAt: now.Add(2 * time.Minute)}
		// Attempt 6: 60s doubled five times = 32 minutes.
		assert.Equal(t, now.Add(32*time.Minute), uc.computeRateReset(limitErr, 6))
	})
}

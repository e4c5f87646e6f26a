package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openmint/mintwatch/internal/backoff"
	"github.com/openmint/mintwatch/internal/database"
	apperrors "github.com/openmint/mintwatch/internal/errors"
	"github.com/openmint/mintwatch/internal/keyvalue"
	ratedomain "github.com/openmint/mintwatch/internal/rate/domain"
	"github.com/openmint/mintwatch/internal/rate/governor"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

// staleRequeueDelay spaces out retries of sales recovered from an
// interrupted posting attempt.
const staleRequeueDelay = time.Minute

// PollerConfig holds poller configuration.
type PollerConfig struct {
	Interval          time.Duration
	Cooldown          time.Duration
	Reserve           int
	PostingStaleAfter time.Duration
	PruneRetention    time.Duration
	PruneMinInterval  time.Duration
	RecentPostsLimit  int
}

// PollerUseCase orchestrates the pipeline: ingest feed events, claim ready
// sales one at a time, hand them to the workflow, and dispatch on the
// outcome. One iteration runs at a time; a tick arriving while the previous
// iteration still works is skipped, not queued.
type PollerUseCase struct {
	config    PollerConfig
	txManager database.TxManager
	saleRepo  SaleRepository
	kv        KeyValueStore
	feed      Feed
	publisher Publisher
	workflow  Workflow
	governor  RateGovernor
	backoff   backoff.Policy
	logger    *slog.Logger
	now       func() time.Time
	pollMu    sync.Mutex
}

// NewPollerUseCase creates a new PollerUseCase.
func NewPollerUseCase(
	config PollerConfig,
	txManager database.TxManager,
	saleRepo SaleRepository,
	kv KeyValueStore,
	feed Feed,
	publisher Publisher,
	workflow Workflow,
	rateGovernor RateGovernor,
	policy backoff.Policy,
	logger *slog.Logger,
) *PollerUseCase {
	return &PollerUseCase{
		config:    config,
		txManager: txManager,
		saleRepo:  saleRepo,
		kv:        kv,
		feed:      feed,
		publisher: publisher,
		workflow:  workflow,
		governor:  rateGovernor,
		backoff:   policy,
		logger:    logger,
		now:       time.Now,
	}
}

// Start bootstraps the store, reconciles interrupted work, then runs the
// polling loop until the context is cancelled.
func (p *PollerUseCase) Start(ctx context.Context) error {
	p.logger.Info("starting sale poller",
		slog.Duration("interval", p.config.Interval),
		slog.Duration("cooldown", p.config.Cooldown),
	)

	if err := p.BootstrapIfNeeded(ctx); err != nil {
		return err
	}
	if err := p.RecoverInFlight(ctx); err != nil {
		return err
	}

	if err := p.PollOnce(ctx); err != nil {
		p.logger.Error("poll iteration failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("stopping sale poller")
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Error("poll iteration failed", slog.Any("error", err))
			}
		}
	}
}

// BootstrapIfNeeded seeds the store from the current feed snapshot on the
// very first run. Every sale in the snapshot is recorded as seen, never
// queued: the system starts by alerting on what happens next, not on
// history. Gated by a persisted flag so restarts skip it.
func (p *PollerUseCase) BootstrapIfNeeded(ctx context.Context) error {
	_, err := p.kv.Get(ctx, keyvalue.KeyInitialized)
	if err == nil {
		return nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	sales, err := p.feed.FetchRecent(ctx)
	if err != nil {
		return err
	}

	seenAt := p.now()
	var seeded int
	err = p.txManager.WithTx(ctx, func(ctx context.Context) error {
		seeded, err = p.saleRepo.SeedSeen(ctx, sales, seenAt)
		if err != nil {
			return err
		}
		return p.kv.Set(ctx, keyvalue.KeyInitialized, "true")
	})
	if err != nil {
		return err
	}

	p.logger.Info("store bootstrapped", slog.Int("seeded", seeded))
	return nil
}

// RecoverInFlight reconciles sales stuck in posting from a crashed run. The
// attempt may have succeeded after the post left the process but before the
// outcome was recorded, so the published timeline is consulted: a recent
// post whose text matches the sale (exactly, or loosely on token, price,
// currency and side) marks it posted; otherwise the sale is requeued with a
// short delay.
func (p *PollerUseCase) RecoverInFlight(ctx context.Context) error {
	now := p.now()

	stale, err := p.saleRepo.ListStalePosting(ctx, now.Add(-p.config.PostingStaleAfter))
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	recent, err := p.publisher.FetchRecent(ctx, p.config.RecentPostsLimit)
	if err != nil {
		return err
	}

	for _, sale := range stale {
		match := findPublishedPost(sale, recent)
		if match != nil {
			if err := p.saleRepo.MarkPosted(ctx, sale.ID, match.ID, match.Text, now); err != nil {
				return err
			}
			p.logger.Info("recovered sale already posted",
				slog.String("sale_id", sale.ID),
				slog.String("tweet_id", match.ID),
			)
			continue
		}

		if err := p.saleRepo.RequeueStale(ctx, sale.ID, now.Add(staleRequeueDelay)); err != nil {
			return err
		}
		p.logger.Info("requeued stale sale", slog.String("sale_id", sale.ID))
	}

	return nil
}

// PollOnce runs one orchestration iteration: fetch and enqueue new feed
// events, then claim and process ready sales until the queue runs dry, the
// allowance reaches the reserve, or a failure ends the batch, then prune.
func (p *PollerUseCase) PollOnce(ctx context.Context) error {
	if !p.pollMu.TryLock() {
		p.logger.Warn("previous poll iteration still running, skipping")
		return nil
	}
	defer p.pollMu.Unlock()

	if err := p.ingest(ctx); err != nil {
		return err
	}
	if err := p.processReady(ctx); err != nil {
		return err
	}
	return p.maybePrune(ctx)
}

func (p *PollerUseCase) ingest(ctx context.Context) error {
	sales, err := p.feed.FetchRecent(ctx)
	if err != nil {
		return err
	}
	if len(sales) == 0 {
		return nil
	}

	seenAt := p.now()
	var queued int
	err = p.txManager.WithTx(ctx, func(ctx context.Context) error {
		queued, err = p.saleRepo.EnqueueNew(ctx, sales, seenAt, p.config.Cooldown)
		return err
	})
	if err != nil {
		return err
	}

	if queued > 0 {
		p.logger.Info("enqueued new sales", slog.Int("queued", queued))
	}
	return nil
}

func (p *PollerUseCase) processReady(ctx context.Context) error {
	for {
		// Claiming below the reserve would only bounce off the guard; check
		// the allowance before taking a sale out of the queue.
		state, err := p.governor.Snapshot(ctx, governor.PostEndpoint)
		if err != nil {
			return err
		}
		if state.Remaining <= p.config.Reserve {
			p.logger.Info("posting allowance at reserve, deferring queue",
				slog.Int("remaining", state.Remaining),
				slog.Int("reserve", p.config.Reserve),
			)
			return nil
		}

		var sale *domain.Sale
		err = p.txManager.WithTx(ctx, func(ctx context.Context) error {
			sale, err = p.saleRepo.ClaimNextReady(ctx, p.now())
			return err
		})
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := p.workflow.Process(ctx, sale); err != nil {
			// Any failure ends the iteration: a limit error means the whole
			// endpoint is out of allowance, and a transient failure usually
			// means a collaborator is down, so claiming further sales would
			// burn an attempt on each of them.
			return p.dispatchFailure(ctx, sale, err)
		}
	}
}

// dispatchFailure routes a workflow failure: a limit error defers the sale
// to the governor's safe reset, anything else is a transient failure
// rescheduled with exponential backoff.
func (p *PollerUseCase) dispatchFailure(ctx context.Context, sale *domain.Sale, procErr error) error {
	attempts := sale.AttemptCount + 1

	var limitErr *ratedomain.LimitError
	if errors.As(procErr, &limitErr) {
		next := p.computeRateReset(limitErr, attempts)
		if err := p.saleRepo.RequeueAfterRateLimit(ctx, sale.ID, next); err != nil {
			return err
		}
		p.logger.Warn("sale deferred by rate limit",
			slog.String("sale_id", sale.ID),
			slog.Time("next_attempt_at", next),
			slog.Int("remaining", limitErr.Remaining),
		)
		return nil
	}

	delay := p.backoff.Delay(attempts)
	next := p.now().Add(delay)
	if err := p.saleRepo.ScheduleRetry(ctx, sale.ID, next); err != nil {
		return err
	}
	p.logger.Error("sale processing failed, retry scheduled",
		slog.String("sale_id", sale.ID),
		slog.Int("attempt_count", attempts),
		slog.Duration("delay", delay),
		slog.Any("error", procErr),
	)
	return nil
}

// computeRateReset picks the later of the exponential backoff and the
// governor's buffered reset, so a deferred sale neither hammers an
// exhausted endpoint nor retries before replenishment.
func (p *PollerUseCase) computeRateReset(limitErr *ratedomain.LimitError, attempts int) time.Time {
	next := p.now().Add(p.backoff.Delay(attempts))
	if limitErr.ResetAt.After(next) {
		return limitErr.ResetAt
	}
	return next
}

// maybePrune deletes old terminal sales when the persisted prune timestamp
// is at least the configured interval in the past.
func (p *PollerUseCase) maybePrune(ctx context.Context) error {
	now := p.now()

	raw, err := p.kv.Get(ctx, keyvalue.KeyLastPruneAt)
	if err == nil {
		last, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr == nil && now.Sub(last) < p.config.PruneMinInterval {
			return nil
		}
	} else if !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	return p.PruneOnce(ctx)
}

// PruneOnce deletes terminal sales older than the retention window and
// records the run, regardless of the interval gate.
func (p *PollerUseCase) PruneOnce(ctx context.Context) error {
	now := p.now()
	cutoff := now.Add(-p.config.PruneRetention)

	var deleted int64
	err := p.txManager.WithTx(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = p.saleRepo.PruneOld(ctx, cutoff)
		if err != nil {
			return err
		}
		return p.kv.Set(ctx, keyvalue.KeyLastPruneAt, now.Format(time.RFC3339))
	})
	if err != nil {
		return err
	}

	if deleted > 0 {
		p.logger.Info("pruned old sales", slog.Int64("deleted", deleted))
	}
	return nil
}

// findPublishedPost looks for a recent post describing the sale, preferring
// an exact text match reconstructed from the metadata checkpoint and falling
// back to the loose field match.
func findPublishedPost(sale *domain.Sale, recent []domain.PostResult) *domain.PostResult {
	expected := domain.FormatPostText(sale, decodeAttrs(sale.MetadataJSON))

	for i := range recent {
		if recent[i].Text == expected {
			return &recent[i]
		}
	}
	for i := range recent {
		if domain.MatchesPost(sale, recent[i].Text) {
			return &recent[i]
		}
	}
	return nil
}

// Package governor implements the self-healing allowance tracker protecting
// the platform's posting quota. State is persisted per endpoint in the
// key/value store shared with the sale queue, so the allowance survives
// restarts and heals purely from the passage of time.
package governor

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	apperrors "github.com/openmint/mintwatch/internal/errors"
	"github.com/openmint/mintwatch/internal/keyvalue"
	"github.com/openmint/mintwatch/internal/rate/domain"
)

// ResetBuffer is added on top of any known or synthesized reset before a
// deferred retry, so retries never race the actual replenishment.
const ResetBuffer = 60 * time.Second

// PostEndpoint names the guarded posting allowance in the key/value store.
const PostEndpoint = "post"

// Config holds governor configuration for one endpoint family.
type Config struct {
	// Limit is the daily posting allowance.
	Limit int
	// Reserve is the number of slots never spent (>= 1), keeping the hard
	// external cap out of reach.
	Reserve int
	// Window is the allowance replenishment window.
	Window time.Duration
}

// slotDuration is the fallback pacing used when no authoritative telemetry
// is available: ceil(window / limit).
func (c Config) slotDuration() time.Duration {
	if c.Limit <= 0 {
		return c.Window
	}
	secs := int64(math.Ceil(c.Window.Seconds() / float64(c.Limit)))
	return time.Duration(secs) * time.Second
}

// Governor tracks and protects a single external call allowance.
type Governor struct {
	config Config
	kv     keyvalue.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Governor backed by the given key/value store.
func New(config Config, kv keyvalue.Store, logger *slog.Logger) *Governor {
	return &Governor{
		config: config,
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

// Guard checks the allowance for endpoint before a spend. It returns the
// current state when a slot is available, or a *domain.LimitError carrying
// the safe reset time when remaining is at or below the reserve.
func (g *Governor) Guard(ctx context.Context, endpoint string) (*domain.State, error) {
	state, err := g.loadAndRefresh(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	if state.Remaining > g.config.Reserve {
		return state, nil
	}

	now := g.now()

	// Prefer the stored reset while it is still ahead of us; otherwise
	// synthesize one from the last spend and the fallback slot pacing.
	var reset time.Time
	if state.Reset > 0 && time.Unix(state.Reset, 0).After(now) {
		reset = time.Unix(state.Reset, 0)
	} else {
		base := now
		if spent := time.Unix(state.LastSpentAt, 0); state.LastSpentAt > 0 && spent.After(base) {
			base = spent
		}
		reset = base.Add(g.config.slotDuration())

		// Persist the synthetic reset so repeated guard calls agree,
		// but never overwrite a reset the platform told us about.
		if state.Reset == 0 {
			state.Reset = reset.Unix()
			if err := g.persist(ctx, endpoint, state); err != nil {
				return nil, err
			}
		}
	}

	return nil, &domain.LimitError{
		ResetAt:   reset.Add(ResetBuffer),
		Remaining: state.Remaining,
		Limit:     state.Limit,
	}
}

// OnSuccess records the outcome of a successful spend. Parseable telemetry
// replaces the stored state; otherwise the local remaining is pessimistically
// decremented by one, assuming the call counted against the allowance.
func (g *Governor) OnSuccess(ctx context.Context, endpoint string, telemetry []byte) error {
	state, err := g.loadAndRefresh(ctx, endpoint)
	if err != nil {
		return err
	}

	now := g.now()
	if parsed, ok := domain.ParseTelemetry(telemetry); ok {
		state.Limit = parsed.Limit
		state.Remaining = parsed.Remaining
		state.Reset = parsed.Reset
	} else {
		state.Remaining--
	}
	state.LastSpentAt = now.Unix()

	return g.persist(ctx, endpoint, state)
}

// OnError records the outcome of a failed spend. Without telemetry the
// failure is treated as worst case: allowance exhausted, reset one fallback
// slot away. An unknown failure is never optimistically retried against a
// hard external ban.
func (g *Governor) OnError(ctx context.Context, endpoint string, telemetry []byte) error {
	state, err := g.loadAndRefresh(ctx, endpoint)
	if err != nil {
		return err
	}

	if parsed, ok := domain.ParseTelemetry(telemetry); ok {
		state.Limit = parsed.Limit
		state.Remaining = parsed.Remaining
		state.Reset = parsed.Reset
	} else {
		state.Remaining = 0
		state.Reset = g.now().Add(g.config.slotDuration()).Unix()
	}

	return g.persist(ctx, endpoint, state)
}

// Snapshot returns the current (refreshed) state without consuming anything.
func (g *Governor) Snapshot(ctx context.Context, endpoint string) (*domain.State, error) {
	return g.loadAndRefresh(ctx, endpoint)
}

// loadAndRefresh loads the endpoint state, creating it lazily on first use,
// and self-heals an expired record: once now >= reset the allowance is fully
// replenished with no network call required.
func (g *Governor) loadAndRefresh(ctx context.Context, endpoint string) (*domain.State, error) {
	raw, err := g.kv.Get(ctx, keyvalue.RateStatePrefix+endpoint)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		state := &domain.State{Limit: g.config.Limit, Remaining: g.config.Limit}
		if err := g.persist(ctx, endpoint, state); err != nil {
			return nil, err
		}
		return state, nil
	}
	if err != nil {
		return nil, err
	}

	var state domain.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// A corrupt record is replaced with a fresh one rather than
		// blocking posting forever.
		g.logger.Warn("discarding unreadable rate state",
			slog.String("endpoint", endpoint),
			slog.Any("error", err),
		)
		state = domain.State{Limit: g.config.Limit, Remaining: g.config.Limit}
		if err := g.persist(ctx, endpoint, &state); err != nil {
			return nil, err
		}
		return &state, nil
	}

	if state.Limit == 0 {
		state.Limit = g.config.Limit
	}

	if state.Expired(g.now()) {
		state.Replenish()
		if err := g.persist(ctx, endpoint, &state); err != nil {
			return nil, err
		}
	}

	return &state, nil
}

func (g *Governor) persist(ctx context.Context, endpoint string, state *domain.State) error {
	state.Sanitize()
	state.StoredAt = g.now().Unix()

	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return g.kv.Set(ctx, keyvalue.RateStatePrefix+endpoint, string(raw))
}

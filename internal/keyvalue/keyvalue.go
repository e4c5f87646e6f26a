// Package keyvalue defines the persisted key/value store shared with the
// sale queue's database. It backs the rate governor state, the bootstrap
// initialized flag and the last-prune timestamp.
package keyvalue

import "context"

// Reserved keys.
const (
	// KeyInitialized gates bootstrap seeding so it runs exactly once
	// across restarts.
	KeyInitialized = "store_initialized"
	// KeyLastPruneAt records when the prune maintenance last ran.
	KeyLastPruneAt = "last_prune_at"
	// RateStatePrefix prefixes per-endpoint rate governor records.
	RateStatePrefix = "rate_state:"
)

// Store is the persisted key/value port. Get returns errors.ErrNotFound for
// an absent key; Set upserts.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Package domain defines the rate governor's persisted state, the typed
// rate-limit error, and telemetry parsing for platform responses.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// State is the persisted allowance record for one rate-governed endpoint.
// All instants are unix seconds. Remaining is never negative; once
// now >= Reset the record is expired and must be treated as fully
// replenished before being consumed again.
type State struct {
	Limit       int   `json:"limit"`
	Remaining   int   `json:"remaining"`
	Reset       int64 `json:"reset"`
	LastSpentAt int64 `json:"lastSpentAt"`
	StoredAt    int64 `json:"storedAt"`
}

// Expired reports whether the stored reset has passed.
func (s *State) Expired(now time.Time) bool {
	return s.Reset > 0 && now.Unix() >= s.Reset
}

// Replenish restores the full allowance and clears the reset.
func (s *State) Replenish() {
	s.Remaining = s.Limit
	s.Reset = 0
}

// Sanitize clamps the record into its invariants before persisting.
func (s *State) Sanitize() {
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	if s.Remaining > s.Limit && s.Limit > 0 {
		s.Remaining = s.Limit
	}
	if s.Reset < 0 {
		s.Reset = 0
	}
}

// LimitError is raised when the posting allowance is at or below the
// reserve. It is always recoverable: callers defer the sale until ResetAt
// instead of dropping it.
type LimitError struct {
	ResetAt   time.Time
	Remaining int
	Limit     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf(
		"rate limit exhausted: %d/%d remaining, resets at %s",
		e.Remaining, e.Limit, e.ResetAt.UTC().Format(time.RFC3339),
	)
}

// bucketKeys lists telemetry buckets in precedence order. The per-user daily
// cap is the binding constraint for posting, so it outranks the per-app
// daily bucket, which outranks the generic rate bucket.
var bucketKeys = []string{
	"x-user-limit-24hour",
	"x-app-limit-24hour",
	"x-rate-limit",
}

// ParseTelemetry extracts an allowance triple from raw platform telemetry
// (response headers and/or body merged into one JSON object). Precedence:
// per-user daily bucket, per-app daily bucket, generic rate bucket, nested
// rateLimit/rateLimits objects, bare limit/remaining/reset fields. Returns
// false when no complete triple is present.
func ParseTelemetry(raw []byte) (*State, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}

	// Flat header triples, e.g. x-user-limit-24hour-remaining.
	for _, key := range bucketKeys {
		if state, ok := tripleFromFlat(doc, key); ok {
			return state, true
		}
	}

	// Nested body objects.
	for _, key := range []string{"rateLimit", "rateLimits"} {
		if state, ok := tripleFromNested(doc[key]); ok {
			return state, true
		}
	}

	// Bare top-level fields.
	return tripleFromObject(doc)
}

func tripleFromFlat(doc map[string]any, prefix string) (*State, bool) {
	limit, okLimit := asInt(doc[prefix+"-limit"])
	remaining, okRemaining := asInt(doc[prefix+"-remaining"])
	reset, okReset := asInt(doc[prefix+"-reset"])
	if !okLimit || !okRemaining || !okReset {
		return nil, false
	}
	return &State{Limit: int(limit), Remaining: int(remaining), Reset: reset}, true
}

func tripleFromNested(value any) (*State, bool) {
	switch v := value.(type) {
	case map[string]any:
		return tripleFromObject(v)
	case []any:
		if len(v) > 0 {
			if obj, ok := v[0].(map[string]any); ok {
				return tripleFromObject(obj)
			}
		}
	}
	return nil, false
}

func tripleFromObject(obj map[string]any) (*State, bool) {
	limit, okLimit := asInt(obj["limit"])
	remaining, okRemaining := asInt(obj["remaining"])
	reset, okReset := asInt(obj["reset"])
	if !okLimit || !okRemaining || !okReset {
		return nil, false
	}
	return &State{Limit: int(limit), Remaining: int(remaining), Reset: reset}, true
}

// asInt accepts the value shapes telemetry actually carries: JSON numbers
// and numeric header strings. Non-finite values are dropped.
func asInt(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(v, "%g", &parsed); err != nil {
			return 0, false
		}
		if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return int64(parsed), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Package backoff provides the retry delay policy for failed pipeline attempts.
package backoff

import "time"

// Default policy values: one minute doubling per attempt, capped at one hour.
const (
	DefaultBase = time.Minute
	DefaultCap  = time.Hour
)

// Policy maps an attempt count to a retry delay. It is a pure function of
// its configuration; persistence of the resulting next-attempt time belongs
// to the caller.
type Policy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Cap bounds the exponential growth.
	Cap time.Duration
}

// NewPolicy returns a Policy with the default base and cap.
func NewPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap}
}

// Delay returns the wait before the next attempt, doubling with each failed
// attempt: attempt 1 waits Base, attempt 2 waits 2*Base, and so on up to Cap.
// Attempt counts below one are treated as one.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

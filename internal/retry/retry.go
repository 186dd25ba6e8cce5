// Package retry holds the pure backoff decision function. It has no side
// effects: the random source is injected so tests are reproducible.
package retry

import (
	"time"

	"serialarr/internal/model"
)

// Decision is the outcome of one retry evaluation. A zero Decision is
// terminal.
type Decision struct {
	Retry bool
	After time.Duration
}

// Terminal is the no-retry decision.
var Terminal = Decision{}

// Policy evaluates whether a failed attempt should be retried and how long
// to wait. Transient failures back off exponentially up to Cap; Structural
// and Auth failures are terminal on the first attempt; Internal failures
// are never acked at all, so they don't reach this function in practice.
type Policy struct {
	// MaxAttempts bounds total tries (first attempt included).
	MaxAttempts int
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Cap bounds the computed delay.
	Cap time.Duration
	// Jitter is the +/- fraction applied to the delay (0.2 = 20%).
	Jitter float64
	// Rand returns a value in [0,1). Injected for determinism; nil disables
	// jitter.
	Rand func() float64
}

func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        30 * time.Second,
		Cap:         30 * time.Minute,
		Jitter:      0.2,
	}
}

// Decide returns the retry decision for a task that has failed `attempt`
// times (attempt >= 1) with the given failure kind.
func (p Policy) Decide(attempt int, kind model.FailureKind) Decision {
	switch kind {
	case model.FailureTransient:
	default:
		// Structural, Auth, and anything unclassified-terminal.
		return Terminal
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if attempt >= maxAttempts {
		return Terminal
	}

	base := p.Base
	if base <= 0 {
		base = 30 * time.Second
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 30 * time.Minute
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}

	if p.Jitter > 0 && p.Rand != nil {
		// Uniform in [-Jitter, +Jitter).
		r := (p.Rand()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > cap {
			d = cap
		}
	}

	return Decision{Retry: true, After: d}
}

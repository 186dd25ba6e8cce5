// Package politeness bounds how hard serialarr leans on any one source
// site: per-provider concurrent-request permits plus a minimum spacing
// between grants, with a randomized extra delay so concurrent deployments
// don't synchronize their bursts.
package politeness

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"serialarr/pkg/logx"
)

// Limits configures one provider's gate.
type Limits struct {
	// MaxConcurrent bounds in-flight requests to the provider.
	MaxConcurrent int
	// MinDelay is the minimum spacing between successive grants.
	MinDelay time.Duration
	// MaxDelay stretches the spacing randomly up to this value.
	MaxDelay time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = 1
	}
	if l.MinDelay <= 0 {
		l.MinDelay = 2 * time.Second
	}
	if l.MaxDelay < l.MinDelay {
		l.MaxDelay = l.MinDelay
	}
	return l
}

// Gate hands out request permits per provider. State is per-provider, so a
// backlog against one site never starves another.
type Gate struct {
	mu        sync.Mutex
	defaults  Limits
	providers map[string]*providerGate

	log logx.Logger
	rng *rand.Rand
}

type providerGate struct {
	limits  Limits
	permits chan struct{}
	spacing *rate.Limiter
}

func New(defaults Limits, log logx.Logger) *Gate {
	return &Gate{
		defaults:  defaults.withDefaults(),
		providers: map[string]*providerGate{},
		log:       log,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Configure sets the limits for one provider. Must be called before traffic
// flows for that provider; later calls replace the gate (in-flight permits
// from the old gate still release safely).
func (g *Gate) Configure(providerID string, l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[providerID] = newProviderGate(l.withDefaults())
}

func newProviderGate(l Limits) *providerGate {
	pg := &providerGate{
		limits:  l,
		permits: make(chan struct{}, l.MaxConcurrent),
		// rate.Every spaces grants at least MinDelay apart; burst 1 means no
		// saved-up credit after idle periods.
		spacing: rate.NewLimiter(rate.Every(l.MinDelay), 1),
	}
	for i := 0; i < l.MaxConcurrent; i++ {
		pg.permits <- struct{}{}
	}
	return pg
}

func (g *Gate) gateFor(providerID string) *providerGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	pg := g.providers[providerID]
	if pg == nil {
		pg = newProviderGate(g.defaults)
		g.providers[providerID] = pg
	}
	return pg
}

// Acquire blocks until a permit for the provider is available and the
// spacing constraint is satisfied. It honors ctx cancellation at every
// suspension point. On success the caller must Release.
func (g *Gate) Acquire(ctx context.Context, providerID string) error {
	pg := g.gateFor(providerID)

	select {
	case <-pg.permits:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Spacing between grants; on cancellation hand the permit back.
	if err := pg.spacing.Wait(ctx); err != nil {
		g.release(pg)
		return err
	}

	// Random extra sleep in [0, MaxDelay-MinDelay] to mimic irregular human
	// pacing (carried over from the original polite-requester behavior).
	if extra := pg.limits.MaxDelay - pg.limits.MinDelay; extra > 0 {
		g.mu.Lock()
		d := time.Duration(g.rng.Int63n(int64(extra) + 1))
		g.mu.Unlock()
		if d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				g.release(pg)
				return ctx.Err()
			}
		}
	}
	return nil
}

// Release returns the provider's permit.
func (g *Gate) Release(providerID string) {
	g.release(g.gateFor(providerID))
}

func (g *Gate) release(pg *providerGate) {
	// Best-effort: never block on release.
	select {
	case pg.permits <- struct{}{}:
	default:
	}
}

// InFlight reports currently held permits per provider (for the status
// surface).
func (g *Gate) InFlight() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.providers))
	for id, pg := range g.providers {
		out[id] = cap(pg.permits) - len(pg.permits)
	}
	return out
}

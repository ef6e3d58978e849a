package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits caps how hard a single process may drive one provider, independent
// of how many jobs and fields are running.
type Limits struct {
	MaxConcurrent int64   `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// Gate combines a concurrency semaphore and a request rate limiter. Zero
// values disable the corresponding cap.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewGate builds a gate from limits.
func NewGate(l Limits) *Gate {
	g := &Gate{}
	if l.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(l.MaxConcurrent)
	}
	if l.RatePerSec > 0 {
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(l.RatePerSec), burst)
	}
	return g
}

// Acquire blocks until a call slot and a rate token are available or ctx is
// done. The returned func releases the slot and must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, eris.Wrap(err, "provider gate: acquire slot")
		}
	}
	release := func() {
		if g.sem != nil {
			g.sem.Release(1)
		}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			release()
			return nil, eris.Wrap(err, "provider gate: rate limit")
		}
	}
	return release, nil
}

package catalog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum interval between outbound catalog calls across all
// workers. The lock is held only while waiting for the limiter; the HTTP call
// itself happens after Wait returns.
type Pacer struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	interval time.Duration
}

// NewPacer creates a pacer shared by every worker of one pipeline. A zero or
// negative interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// Interval returns the configured spacing.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait takes the pacing lock, waits for the next slot and releases it.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.limiter.Wait(ctx)
}

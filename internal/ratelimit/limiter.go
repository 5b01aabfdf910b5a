// Package ratelimit implements the shared token bucket bounding
// external call volume.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/contentharvest/harvester/internal/telemetry"
)

// Limiter is the single process-wide quota gate. Every external call,
// across all jobs and all phase fan-out, funnels through one instance,
// so raising internal concurrency never raises the external call rate.
// Admission is FIFO, so late callers under high fan-out cannot starve.
type Limiter struct {
	lim *rate.Limiter
}

// Config holds rate limiter configuration.
type Config struct {
	// RPS is both the refill rate and the bucket capacity R.
	RPS float64
	// Burst overrides the bucket capacity; defaults to ceil(RPS), min 1.
	Burst int
}

// New creates a Limiter. Non-positive RPS disables limiting, which is
// only intended for tests.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS)
		if float64(burst) < cfg.RPS {
			burst++
		}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(r, burst)}
}

// Wait blocks until a slot is available, respecting the context. It
// never drops the caller; a non-nil error means the context ended
// before a slot opened.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitWait(waited)
	}
	return nil
}

// AllowAt reports whether a slot would be granted at the given instant
// without blocking. Exposed so tests can drive the bucket with a
// synthetic clock.
func (l *Limiter) AllowAt(t time.Time) bool {
	return l.lim.AllowN(t, 1)
}

// Package pacer enforces a minimum delay between successive remote
// write calls, derived from a requests-per-minute budget.
package pacer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer serializes outbound writes under a per-account rate ceiling.
// A burst of 1 makes the limiter equivalent to a fixed inter-call
// delay of ceil(60000ms / requestsPerMinute).
type Pacer struct {
	writes        *rate.Limiter
	throttleReads bool
}

// New creates a Pacer for the given requests-per-minute budget.
// throttleReads extends pacing to verification reads; by default only
// writes are throttled.
func New(requestsPerMinute int, throttleReads bool) *Pacer {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	return &Pacer{
		writes:        rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		throttleReads: throttleReads,
	}
}

// WaitWrite blocks until the next write slot is available.
func (p *Pacer) WaitWrite(ctx context.Context) error {
	return p.writes.Wait(ctx)
}

// WaitRead blocks before a verification read when read throttling is
// enabled, and returns immediately otherwise.
func (p *Pacer) WaitRead(ctx context.Context) error {
	if !p.throttleReads {
		return nil
	}
	return p.writes.Wait(ctx)
}

// Interval returns the minimum spacing between writes.
func (p *Pacer) Interval() time.Duration {
	return time.Duration(float64(time.Second) / float64(p.writes.Limit()))
}

// Package bandwidth implements an optional global throughput cap shared by
// every active segment worker, built on a token bucket so throttling shows
// up as reduced throughput rather than dropped bytes.
package bandwidth

import (
	"context"

	"golang.org/x/time/rate"
)

// Manager gates byte consumption across all active downloads.
type Manager struct {
	limiter *rate.Limiter
}

// Unlimited returns a Manager that never throttles.
func Unlimited() *Manager {
	return &Manager{limiter: rate.NewLimiter(rate.Inf, 0)}
}

// NewLimited caps aggregate throughput at bytesPerSecond, bursting up to one
// second's worth of traffic.
func NewLimited(bytesPerSecond int) *Manager {
	if bytesPerSecond <= 0 {
		return Unlimited()
	}
	return &Manager{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

// WaitN blocks until n bytes' worth of budget is available, or ctx is done.
func (m *Manager) WaitN(ctx context.Context, n int) error {
	if m == nil || n <= 0 {
		return nil
	}
	return m.limiter.WaitN(ctx, n)
}

// SetLimit changes the cap at runtime; 0 or negative removes the cap.
func (m *Manager) SetLimit(bytesPerSecond int) {
	if bytesPerSecond <= 0 {
		m.limiter.SetLimit(rate.Inf)
		return
	}
	m.limiter.SetLimit(rate.Limit(bytesPerSecond))
	m.limiter.SetBurst(bytesPerSecond)
}

package loadctrl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// StartLimiter bounds how many sessions may start per second using a token
// bucket. A rate <= 0 is unlimited.
//
// Thread Safety: Safe for concurrent use.
type StartLimiter struct {
	limiter *rate.Limiter

	mu    sync.RWMutex
	perS  float64
	burst int

	started   atomic.Int64
	totalWait atomic.Int64 // nanoseconds
}

// StartLimiterStats is a snapshot of a StartLimiter.
type StartLimiterStats struct {
	Started     int64
	Rate        float64
	AvgWaitTime time.Duration
}

// NewStartLimiter creates a limiter allowing perSecond starts per second
// with bursts of up to burst. A burst <= 0 defaults to max(1, int(perSecond)).
func NewStartLimiter(perSecond float64, burst int) *StartLimiter {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &StartLimiter{
		limiter: rate.NewLimiter(limitOf(perSecond), burst),
		perS:    max(perSecond, 0),
		burst:   burst,
	}
}

// Wait blocks until a session may start or ctx is done.
func (l *StartLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.started.Add(1)
	l.totalWait.Add(int64(time.Since(start)))
	return nil
}

// SetRate changes the rate. It takes effect immediately.
func (l *StartLimiter) SetRate(perSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perS = max(perSecond, 0)
	l.limiter.SetLimit(limitOf(perSecond))
}

// Rate returns the configured rate, 0 when unlimited.
func (l *StartLimiter) Rate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.perS
}

// Burst returns the bucket size.
func (l *StartLimiter) Burst() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.burst
}

// Stats returns a snapshot of the limiter.
func (l *StartLimiter) Stats() StartLimiterStats {
	started := l.started.Load()
	var avg time.Duration
	if started > 0 {
		avg = time.Duration(l.totalWait.Load() / started)
	}
	return StartLimiterStats{Started: started, Rate: l.Rate(), AvgWaitTime: avg}
}

func limitOf(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

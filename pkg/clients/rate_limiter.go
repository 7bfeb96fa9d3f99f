// Package clients provides the transport building blocks shared by
// connectors: rate limiting, retry with backoff, HTTP transport and
// request authentication.
package clients

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the real SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RateLimiter defines the interface for rate limiting implementations.
type RateLimiter interface {
	// Allow checks if a request is allowed without blocking
	Allow() bool
	// Wait blocks until a request is allowed
	Wait(ctx context.Context) error
	// GetStats returns rate limiter statistics
	GetStats() RateLimiterStats
}

// RateLimiterStats provides statistics about rate limiter state.
type RateLimiterStats struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	Burst             int           `json:"burst"`
	AllowedRequests   int64         `json:"allowed_requests"`
	WaitedRequests    int64         `json:"waited_requests"`
	TotalWait         time.Duration `json:"total_wait"`
	CurrentTokens     float64       `json:"current_tokens"`
}

// TokenBucketRateLimiter implements the token bucket algorithm with a
// requests-per-minute rate. With the default burst of one, callers are
// spaced evenly at 60s/rpm.
type TokenBucketRateLimiter struct {
	rpm      int
	perToken time.Duration
	burst    int
	tokens   float64
	lastTime time.Time

	now   func() time.Time
	sleep SleepFunc

	allowedRequests int64
	waitedRequests  int64
	totalWait       int64

	mu sync.Mutex
}

// RateLimiterOption configures a TokenBucketRateLimiter.
type RateLimiterOption func(*TokenBucketRateLimiter)

// WithBurst sets the bucket capacity.
func WithBurst(burst int) RateLimiterOption {
	return func(tb *TokenBucketRateLimiter) {
		if burst > 0 {
			tb.burst = burst
		}
	}
}

// WithClock replaces the time source and sleep function, for tests.
func WithClock(now func() time.Time, sleep SleepFunc) RateLimiterOption {
	return func(tb *TokenBucketRateLimiter) {
		if now != nil {
			tb.now = now
		}
		if sleep != nil {
			tb.sleep = sleep
		}
	}
}

// NewRateLimiter creates a limiter allowing requestsPerMinute requests. A
// non-positive rate returns a limiter that never blocks.
func NewRateLimiter(requestsPerMinute int, opts ...RateLimiterOption) RateLimiter {
	if requestsPerMinute <= 0 {
		return unlimited{}
	}
	return NewTokenBucketRateLimiter(requestsPerMinute, opts...)
}

// NewTokenBucketRateLimiter creates a token bucket limiter.
func NewTokenBucketRateLimiter(requestsPerMinute int, opts ...RateLimiterOption) *TokenBucketRateLimiter {
	tb := &TokenBucketRateLimiter{
		rpm:      requestsPerMinute,
		perToken: time.Minute / time.Duration(requestsPerMinute),
		burst:    1,
		now:      time.Now,
		sleep:    SleepContext,
	}
	for _, opt := range opts {
		opt(tb)
	}
	tb.tokens = float64(tb.burst)
	tb.lastTime = tb.now()
	return tb
}

// Allow checks if a request is allowed immediately.
// Returns true if a token is available and consumes it, false otherwise.
func (tb *TokenBucketRateLimiter) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1.0 {
		tb.tokens--
		atomic.AddInt64(&tb.allowedRequests, 1)
		return true
	}
	return false
}

// Wait blocks until a request is allowed
func (tb *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	waited := false
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens >= 1.0 {
			tb.tokens--
			tb.mu.Unlock()
			atomic.AddInt64(&tb.allowedRequests, 1)
			if waited {
				atomic.AddInt64(&tb.waitedRequests, 1)
			}
			return nil
		}
		deficit := 1.0 - tb.tokens
		wait := time.Duration(deficit * float64(tb.perToken))
		tb.mu.Unlock()

		waited = true
		atomic.AddInt64(&tb.totalWait, int64(wait))
		if err := tb.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// refill adds tokens for the time elapsed since the last refill. Callers
// hold tb.mu.
func (tb *TokenBucketRateLimiter) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastTime)
	if elapsed <= 0 {
		return
	}
	tb.tokens += float64(elapsed) / float64(tb.perToken)
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}
	tb.lastTime = now
}

// GetStats returns rate limiter statistics
func (tb *TokenBucketRateLimiter) GetStats() RateLimiterStats {
	tb.mu.Lock()
	tokens := tb.tokens
	tb.mu.Unlock()
	return RateLimiterStats{
		RequestsPerMinute: tb.rpm,
		Burst:             tb.burst,
		AllowedRequests:   atomic.LoadInt64(&tb.allowedRequests),
		WaitedRequests:    atomic.LoadInt64(&tb.waitedRequests),
		TotalWait:         time.Duration(atomic.LoadInt64(&tb.totalWait)),
		CurrentTokens:     tokens,
	}
}

type unlimited struct{}

func (unlimited) Allow() bool                  { return true }
func (unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (unlimited) GetStats() RateLimiterStats  { return RateLimiterStats{} }

package base

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/clients"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/errors"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
	// Sleep waits between attempts; defaults to clients.SleepContext
	Sleep clients.SleepFunc
}

// NewRetryPolicy creates a new retry policy with exponential backoff
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        5 * time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
		Sleep:           clients.SleepContext,
	}
}

// RetryPolicyFromConfig builds a policy from connector retry settings,
// falling back to def for unset fields.
func RetryPolicyFromConfig(rc config.RetryConfig, def config.RetryConfig) *RetryPolicy {
	pick := func(v, d int) int {
		if v > 0 {
			return v
		}
		return d
	}
	pickDur := func(v, d time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return d
	}
	rp := NewRetryPolicy(pick(rc.MaxAttempts, def.MaxAttempts), pickDur(rc.BaseDelay, def.BaseDelay))
	rp.MaxDelay = pickDur(rc.MaxDelay, pickDur(def.MaxDelay, rp.MaxDelay))
	if rc.Multiplier > 0 {
		rp.Multiplier = rc.Multiplier
	} else if def.Multiplier > 0 {
		rp.Multiplier = def.Multiplier
	}
	if rc.Jitter > 0 {
		rp.RandomizeFactor = rc.Jitter
	} else {
		rp.RandomizeFactor = def.Jitter
	}
	if rp.MaxAttempts < 1 {
		rp.MaxAttempts = 1
	}
	return rp
}

// Execute runs a function with the retry policy, retrying every error.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	return rp.ExecuteWithCondition(ctx, fn, func(error) bool { return true })
}

// ExecuteWithCondition runs a function with retry only if condition is met.
// A server supplied Retry-After hint replaces the computed backoff for that
// attempt.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error
	sleep := rp.Sleep
	if sleep == nil {
		sleep = clients.SleepContext
	}

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		// Don't retry on the last attempt
		if attempt == rp.MaxAttempts-1 {
			break
		}

		delay := rp.calculateDelay(attempt)
		if hint, ok := errors.RetryAfter(err); ok {
			delay = hint
		}

		if err := sleep(ctx, delay); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "retry cancelled")
		}
	}

	return errors.Wrap(lastErr, errors.TypeOf(lastErr), fmt.Sprintf("all %d attempts failed", rp.MaxAttempts))
}

// calculateDelay calculates the delay for a given attempt
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.calculateDelay(attempt)
}

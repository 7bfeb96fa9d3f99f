package base

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
	"sync"

	"github.com/ajitpratap0/opsflow/pkg/errors"
)

var nonRetryablePatterns = []string{
	"invalid credentials",
	"unauthorized",
	"forbidden",
	"not found",
	"bad request",
	"invalid configuration",
	"syntax error",
}

var retryablePatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"deadlock",
	"i/o timeout",
}

// ShouldRetry classifies an error as transient. Typed errors decide by
// category; driver and network errors fall back to their message.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		if errors.IsRetryable(err) {
			return true
		}
		switch typed.Type {
		case errors.ErrorTypeInternal, errors.ErrorTypeQuery, errors.ErrorTypeData:
			// wrapped driver errors still get the message check below
		default:
			return false
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ErrorCounter tallies errors by category for health details.
type ErrorCounter struct {
	mu     sync.Mutex
	counts map[errors.ErrorType]int64
}

// NewErrorCounter creates an empty counter.
func NewErrorCounter() *ErrorCounter {
	return &ErrorCounter{counts: make(map[errors.ErrorType]int64)}
}

// Add records err and returns its category.
func (c *ErrorCounter) Add(err error) errors.ErrorType {
	t := errors.TypeOf(err)
	c.mu.Lock()
	c.counts[t]++
	c.mu.Unlock()
	return t
}

// Snapshot returns a copy of the counts keyed by category name.
func (c *ErrorCounter) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[string(k)] = v
	}
	return out
}

package base

import (
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

const (
	defaultHealthWindow = 100
	unhealthyAfter      = 3
	degradedBelowRate   = 0.9
)

type sample struct {
	ok       bool
	duration time.Duration
}

// HealthChecker keeps rolling request statistics for a connector: success
// rate and mean response time over the last window requests, plus the
// consecutive failure streak. Three consecutive failures mark the
// connector unhealthy; a failure streak or low success rate degrades it.
type HealthChecker struct {
	name   string
	window int
	now    func() time.Time

	mu               sync.RWMutex
	samples          []sample
	next             int
	consecutiveFails int
	lastError        string
	lastCheck        time.Time
	checkCount       int64
	failureCount     int64
}

// NewHealthChecker creates a health checker with the given window size.
func NewHealthChecker(name string, window int, now func() time.Time) *HealthChecker {
	if window <= 0 {
		window = defaultHealthWindow
	}
	if now == nil {
		now = time.Now
	}
	return &HealthChecker{
		name:    name,
		window:  window,
		now:     now,
		samples: make([]sample, 0, window),
	}
}

// Record adds one request outcome.
func (hc *HealthChecker) Record(err error, d time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	s := sample{ok: err == nil, duration: d}
	if len(hc.samples) < hc.window {
		hc.samples = append(hc.samples, s)
	} else {
		hc.samples[hc.next] = s
		hc.next = (hc.next + 1) % hc.window
	}

	hc.checkCount++
	hc.lastCheck = hc.now()
	if err != nil {
		hc.failureCount++
		hc.consecutiveFails++
		hc.lastError = err.Error()
	} else {
		hc.consecutiveFails = 0
		hc.lastError = ""
	}
}

// GetStatus returns the current rolled up health.
func (hc *HealthChecker) GetStatus() core.HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := core.HealthStatus{
		Timestamp: hc.lastCheck,
		Error:     hc.lastError,
		Details: map[string]interface{}{
			"check_count":          hc.checkCount,
			"failure_count":        hc.failureCount,
			"consecutive_failures": hc.consecutiveFails,
		},
	}
	if len(hc.samples) == 0 {
		status.Status = models.ConnectionUnknown
		return status
	}

	var ok int
	var total time.Duration
	for _, s := range hc.samples {
		if s.ok {
			ok++
		}
		total += s.duration
	}
	status.SuccessRate = float64(ok) / float64(len(hc.samples))
	status.AvgResponseTime = total / time.Duration(len(hc.samples))

	switch {
	case hc.consecutiveFails >= unhealthyAfter:
		status.Status = models.ConnectionUnhealthy
	case hc.consecutiveFails > 0 || status.SuccessRate < degradedBelowRate:
		status.Status = models.ConnectionDegraded
	default:
		status.Status = models.ConnectionHealthy
	}
	return status
}

// IsHealthy reports whether the connector is currently healthy.
func (hc *HealthChecker) IsHealthy() bool {
	return hc.GetStatus().Status == models.ConnectionHealthy
}

// Package alert defines the alerting hook the pipeline raises on elevated
// error rates, failing aggregation sources and exhausted retries.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"go.uber.org/zap"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one notification.
type Alert struct {
	Severity  Severity               `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Alerter delivers alerts. Implementations must be safe for concurrent use.
type Alerter interface {
	Raise(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to a zap logger and counts them.
type LogAlerter struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLogAlerter creates an alerter backed by logger.
func NewLogAlerter(logger *zap.Logger, m *metrics.Metrics) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger.With(zap.String("component", "alerts")), metrics: m}
}

// Raise logs the alert at Error for high and critical severities.
func (l *LogAlerter) Raise(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("severity", string(a.Severity)),
		zap.String("title", a.Title),
		zap.Any("details", a.Details),
	}
	switch a.Severity {
	case SeverityHigh, SeverityCritical:
		l.logger.Error(a.Message, fields...)
	default:
		l.logger.Warn(a.Message, fields...)
	}
	l.metrics.RecordAlert(string(a.Severity))
	return nil
}

// Multi fans an alert out to several alerters. Every alerter is attempted;
// the first failure is returned.
type Multi []Alerter

// Raise implements Alerter.
func (m Multi) Raise(ctx context.Context, a Alert) error {
	var first error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Raise(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps alerts in memory, for tests and the CLI summary.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Raise implements Alerter.
func (r *Recorder) Raise(_ context.Context, a Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Nop discards alerts.
type Nop struct{}

// Raise implements Alerter.
func (Nop) Raise(context.Context, Alert) error { return nil }

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
)

// Audit actions.
const (
	AuditRunQueued     = "run.queued"
	AuditJobStarted    = "job.started"
	AuditJobRetrying   = "job.retrying"
	AuditJobCompleted  = "job.completed"
	AuditJobFailed     = "job.failed"
	AuditJobCancelled  = "job.cancelled"
	AuditConfigChanged = "job.config_changed"
)

// AuditEvent describes one state change for an external audit log.
type AuditEvent struct {
	Action    string             `json:"action"`
	JobID     string             `json:"job_id"`
	RunID     string             `json:"run_id,omitempty"`
	Principal string             `json:"principal,omitempty"`
	Status    models.RunStatus   `json:"status,omitempty"`
	Counters  models.RowCounters `json:"counters"`
	Message   string             `json:"message,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// AuditSink receives audit events. Implementations must be safe for
// concurrent use.
type AuditSink interface {
	Record(ctx context.Context, e AuditEvent) error
}

// LogAuditSink writes audit events as structured log entries.
type LogAuditSink struct {
	logger *zap.Logger
}

// NewLogAuditSink creates a sink logging through l.
func NewLogAuditSink(l *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger.OrDefault(l, "audit")}
}

// Record implements AuditSink.
func (s *LogAuditSink) Record(_ context.Context, e AuditEvent) error {
	s.logger.Info("audit",
		zap.String("action", e.Action),
		zap.String("job_id", e.JobID),
		zap.String("run_id", e.RunID),
		zap.String("principal", e.Principal),
		zap.String("status", string(e.Status)),
		zap.Int64("rows_processed", e.Counters.Processed),
		zap.Int64("rows_inserted", e.Counters.Inserted),
		zap.Int64("rows_failed", e.Counters.Failed),
		zap.String("message", e.Message),
		zap.Time("timestamp", e.Timestamp))
	return nil
}

// MemoryAuditSink keeps events in memory.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Record implements AuditSink.
func (s *MemoryAuditSink) Record(_ context.Context, e AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemoryAuditSink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

// Actions returns the recorded actions for runID in order.
func (s *MemoryAuditSink) Actions(runID string) []string {
	var out []string
	for _, e := range s.Events() {
		if e.RunID == runID {
			out = append(out, e.Action)
		}
	}
	return out
}

// RunSummary is published when a run reaches a terminal state.
type RunSummary struct {
	RunID            string           `json:"run_id"`
	JobID            string           `json:"job_id"`
	JobType          models.JobType   `json:"job_type"`
	Status           models.RunStatus `json:"status"`
	Attempts         int              `json:"attempts"`
	RowsScanned      int64            `json:"rows_scanned"`
	RowsInserted     int64            `json:"rows_inserted"`
	RowsFailed       int64            `json:"rows_failed"`
	RowsSkipped      int64            `json:"rows_skipped"`
	ValidationErrors int64            `json:"validation_errors"`
	Duration         time.Duration    `json:"duration"`
	SampleErrors     []string         `json:"sample_errors,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// SummaryListener is called once per terminal run.
type SummaryListener func(RunSummary)

func summarize(run *models.ETLRun) RunSummary {
	return RunSummary{
		RunID:            run.ID,
		JobID:            run.JobID,
		JobType:          run.JobType,
		Status:           run.Status,
		Attempts:         run.Attempt + 1,
		RowsScanned:      run.Rows.Processed,
		RowsInserted:     run.Rows.Inserted,
		RowsFailed:       run.Rows.Failed,
		RowsSkipped:      run.Rows.Skipped,
		ValidationErrors: run.ValidationErrors,
		Duration:         run.Duration(),
		SampleErrors:     append([]string(nil), run.SampleErrors...),
		Error:            run.ErrorMessage,
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/opsflow/internal/alert"
	"github.com/ajitpratap0/opsflow/internal/archive"
	"github.com/ajitpratap0/opsflow/internal/staging"
	"github.com/ajitpratap0/opsflow/internal/transform"
	"github.com/ajitpratap0/opsflow/internal/validation"
	"github.com/ajitpratap0/opsflow/internal/warehouse"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is used when neither the job nor the executor sets one.
	DefaultBatchSize = 500
	// DefaultRetentionDays bounds how long processed events are kept.
	DefaultRetentionDays = 30
	maxSamples           = 5
)

// errRunCancelled is returned by executors that stopped at a batch
// boundary because the run was cancelled.
var errRunCancelled = errors.New(errors.ErrorTypeCancelled, "run cancelled")

// Execution is what an executor sees of the run it performs.
type Execution struct {
	Job *models.ETLJob
	Run *models.ETLRun
	// Cancelled reports whether cancellation was requested. Executors
	// check it between batches.
	Cancelled func() bool
}

func (e *Execution) cancelled() bool { return e.Cancelled != nil && e.Cancelled() }

// Outcome is the result of one attempt.
type Outcome struct {
	Rows             models.RowCounters
	ValidationErrors int64
	Samples          []string
	CheckpointBefore models.Document
	CheckpointAfter  models.Document
}

func (o *Outcome) sample(s ...string) {
	for _, v := range s {
		if len(o.Samples) >= maxSamples {
			return
		}
		o.Samples = append(o.Samples, v)
	}
}

// Executor performs one attempt of a run.
type Executor interface {
	Execute(ctx context.Context, exec *Execution) (*Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, exec *Execution) (*Outcome, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, exec *Execution) (*Outcome, error) {
	return f(ctx, exec)
}

func decodeSettings(doc models.Document, out interface{}) error {
	if len(doc) == 0 {
		return nil
	}
	if err := config.Decode(doc, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid job configuration")
	}
	return nil
}

func checkpointDoc(source string, t models.CheckpointType, value string) models.Document {
	return models.Document{"source": source, "type": string(t), "value": value}
}

// ConnectorProvider resolves a configured connector by name.
type ConnectorProvider interface {
	Connector(name string) (core.Connector, error)
}

// Connectors is a fixed set of connectors keyed by name.
type Connectors map[string]core.Connector

// Connector implements ConnectorProvider.
func (c Connectors) Connector(name string) (core.Connector, error) {
	conn, ok := c[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "connector %s is not configured", name)
	}
	return conn, nil
}

// IngestionSettings is decoded from an ingestion job's source config.
type IngestionSettings struct {
	Connector string                 `mapstructure:"connector"`
	BatchSize int                    `mapstructure:"batch_size"`
	Limit     int                    `mapstructure:"limit"`
	Filters   map[string]interface{} `mapstructure:"filters"`
}

// IngestionExecutor pulls pages from a connector and stages them in
// batches. The checkpoint for a page is committed once all of its batches
// are staged, so a restart re-extracts at most the page in flight.
type IngestionExecutor struct {
	Connectors ConnectorProvider
	Ingestor   *staging.Ingestor
	Repo       Repository
	BatchSize  int
	Now        func() time.Time
	Logger     *zap.Logger
}

// Execute implements Executor.
func (x *IngestionExecutor) Execute(ctx context.Context, exec *Execution) (*Outcome, error) {
	var s IngestionSettings
	if err := decodeSettings(exec.Job.SourceConfig, &s); err != nil {
		return nil, err
	}
	if s.Connector == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "ingestion job %s has no connector", exec.Job.ID)
	}
	conn, err := x.Connectors.Connector(s.Connector)
	if err != nil {
		return nil, err
	}
	now := x.Now
	if now == nil {
		now = time.Now
	}
	batchSize := firstPositive(s.BatchSize, exec.Job.BatchSize, x.BatchSize, DefaultBatchSize)
	source, cpType := conn.Source(), conn.CheckpointType()
	log := logger.FromContext(ctx, logger.OrDefault(x.Logger, "ingestion")).With(
		zap.String("job_id", exec.Job.ID), zap.String("run_id", exec.Run.ID), zap.String("source", source))

	prev, err := x.Repo.GetCheckpoint(ctx, exec.Job.ID, source)
	if err != nil {
		return nil, err
	}
	params := core.QueryParams{Limit: s.Limit, Filters: s.Filters}
	out := &Outcome{}
	if prev != nil {
		params.Checkpoint = prev.CheckpointValue
		out.CheckpointBefore = checkpointDoc(source, prev.CheckpointType, prev.CheckpointValue)
		if prev.CheckpointType == models.CheckpointTimestamp {
			if t, err := parseTimestamp(prev.CheckpointValue); err == nil {
				params.Since = &t
			}
		}
	}

	err = conn.ExtractPages(ctx, params, func(ctx context.Context, page core.Page) error {
		for b, start := 0, 0; start < len(page.Records); b, start = b+1, start+batchSize {
			if exec.cancelled() {
				return errRunCancelled
			}
			end := min(start+batchSize, len(page.Records))
			records := make([]map[string]interface{}, 0, end-start)
			for _, r := range page.Records[start:end] {
				records = append(records, r.Data)
			}
			batchID := fmt.Sprintf("%s-p%d-b%d", exec.Run.ID, page.Number, b)
			res, err := x.Ingestor.IngestBatch(ctx, source, batchID, records)
			if err != nil {
				return err
			}
			out.Rows.Add(models.RowCounters{
				Processed: int64(res.Total),
				Inserted:  int64(res.Ingested),
				Skipped:   int64(res.Duplicates),
				Failed:    int64(res.Errors),
			})
			for _, o := range res.Outcomes {
				if o.Err != nil {
					out.sample(o.IngestID + ": " + o.Err.Error())
				}
			}
		}
		if page.Checkpoint == "" {
			return nil
		}
		cp, err := x.Repo.CommitCheckpoint(ctx, CheckpointCommit{
			JobID:  exec.Job.ID,
			Source: source,
			Type:   cpType,
			Value:  page.Checkpoint,
			Rows:   int64(len(page.Records)),
			RunID:  exec.Run.ID,
			At:     now(),
		})
		if err != nil {
			return err
		}
		out.CheckpointAfter = checkpointDoc(source, cp.CheckpointType, cp.CheckpointValue)
		log.Debug("checkpoint committed", zap.Int("page", page.Number), zap.String("value", cp.CheckpointValue))
		return nil
	})
	if err != nil {
		return out, err
	}
	log.Info("ingestion finished",
		zap.Int64("processed", out.Rows.Processed),
		zap.Int64("inserted", out.Rows.Inserted),
		zap.Int64("duplicates", out.Rows.Skipped),
		zap.Int64("errors", out.Rows.Failed))
	return out, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// PassSettings is decoded by the validation and transformation executors.
// An empty source covers every source.
type PassSettings struct {
	Source string `mapstructure:"source"`
	Limit  int    `mapstructure:"limit"`
}

// ValidationExecutor validates pending events.
type ValidationExecutor struct {
	Validator *validation.Validator
	Store     staging.Store
}

// Execute implements Executor.
func (x *ValidationExecutor) Execute(ctx context.Context, exec *Execution) (*Outcome, error) {
	var s PassSettings
	if err := decodeSettings(exec.Job.SourceConfig, &s); err != nil {
		return nil, err
	}
	if exec.cancelled() {
		return nil, errRunCancelled
	}
	res, err := x.Validator.ProcessPending(ctx, x.Store, s.Source, firstPositive(s.Limit, exec.Job.BatchSize))
	if res == nil {
		return nil, err
	}
	out := &Outcome{
		Rows: models.RowCounters{
			Processed: int64(res.Scanned),
			Updated:   int64(res.Valid + res.Invalid),
			Failed:    int64(res.Invalid + res.Failed),
		},
		ValidationErrors: int64(res.Invalid),
	}
	out.sample(res.Samples...)
	return out, err
}

// TransformationExecutor enriches valid events.
type TransformationExecutor struct {
	Transformer *transform.Transformer
	Store       staging.Store
}

// Execute implements Executor.
func (x *TransformationExecutor) Execute(ctx context.Context, exec *Execution) (*Outcome, error) {
	var s PassSettings
	if err := decodeSettings(exec.Job.SourceConfig, &s); err != nil {
		return nil, err
	}
	if exec.cancelled() {
		return nil, errRunCancelled
	}
	res, err := x.Transformer.EnrichValid(ctx, x.Store, s.Source, firstPositive(s.Limit, exec.Job.BatchSize))
	if res == nil {
		return nil, err
	}
	out := &Outcome{Rows: models.RowCounters{
		Processed: int64(res.Scanned),
		Updated:   int64(res.Enriched),
		Failed:    int64(res.Failed),
		Skipped:   int64(res.Skipped),
	}}
	out.sample(res.Samples...)
	return out, err
}

// AggregationSettings is decoded from an aggregation job's transform
// config. WindowHours, when set, limits the pass to recent business time.
type AggregationSettings struct {
	Types       []string `mapstructure:"types"`
	WindowHours int      `mapstructure:"window_hours"`
}

// AggregationExecutor runs a warehouse pass. Failing sources are reported
// in the outcome; they do not fail the run.
type AggregationExecutor struct {
	Aggregator *warehouse.Aggregator
	Now        func() time.Time
}

// Execute implements Executor.
func (x *AggregationExecutor) Execute(ctx context.Context, exec *Execution) (*Outcome, error) {
	var s AggregationSettings
	if err := decodeSettings(exec.Job.TransformConfig, &s); err != nil {
		return nil, err
	}
	if exec.cancelled() {
		return nil, errRunCancelled
	}
	req := warehouse.AggregationRequest{Types: s.Types, RunID: exec.Run.ID}
	if s.WindowHours > 0 {
		now := x.Now
		if now == nil {
			now = time.Now
		}
		req.From = now().Add(-time.Duration(s.WindowHours) * time.Hour)
	}
	rep, err := x.Aggregator.Run(ctx, req)
	if rep == nil {
		return nil, err
	}
	out := &Outcome{}
	for _, src := range rep.PerSource {
		out.Rows.Processed += int64(src.Events)
	}
	out.Rows.Inserted = int64(rep.RowsWritten)
	out.Rows.Updated = rep.EventsMarked
	out.Rows.Failed = int64(len(rep.Failed))
	for _, src := range rep.Failed {
		out.sample(src + ": " + rep.PerSource[src].Err)
	}
	return out, err
}

// CleanupSettings is decoded from a cleanup job's target config.
type CleanupSettings struct {
	RetentionDays int  `mapstructure:"retention_days"`
	SkipArchive   bool `mapstructure:"skip_archive"`
	// StaleErrorDays raises an alert for unresolved quarantined records
	// older than this many days; zero disables the check
	StaleErrorDays int `mapstructure:"stale_error_days"`
}

// CleanupExecutor archives and purges processed events ingested before the
// settled month boundary of the retention window.
type CleanupExecutor struct {
	Store         staging.Store
	Sink          archive.Sink
	RetentionDays int
	Alerter       alert.Alerter
	Now           func() time.Time
	Logger        *zap.Logger
}

// Execute implements Executor.
func (x *CleanupExecutor) Execute(ctx context.Context, exec *Execution) (*Outcome, error) {
	var s CleanupSettings
	if err := decodeSettings(exec.Job.TargetConfig, &s); err != nil {
		return nil, err
	}
	now := x.Now
	if now == nil {
		now = time.Now
	}
	log := logger.FromContext(ctx, logger.OrDefault(x.Logger, "cleanup")).With(zap.String("run_id", exec.Run.ID))
	// A job may keep events longer than the configured retention, never
	// shorter: the aggregator settles periods by the configured value.
	days := firstPositive(s.RetentionDays, x.RetentionDays, DefaultRetentionDays)
	if x.RetentionDays > days {
		days = x.RetentionDays
	}
	cutoff := warehouse.SettledBefore(now(), days)
	out := &Outcome{}

	if x.Sink != nil && !s.SkipArchive {
		events, err := x.Store.ListEvents(ctx, staging.EventQuery{Processed: staging.Bool(true), To: &cutoff})
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			if exec.cancelled() {
				return nil, errRunCancelled
			}
			name := fmt.Sprintf("processed/%s/%s", cutoff.Format("2006-01-02"), exec.Run.ID)
			loc, err := x.Sink.Write(ctx, name, events)
			if err != nil {
				return nil, err
			}
			out.Rows.Inserted = int64(len(events))
			log.Info("archived processed events", zap.Int("events", len(events)), zap.String("location", loc))
		}
	}
	if exec.cancelled() {
		return out, errRunCancelled
	}
	purged, err := x.Store.PurgeProcessed(ctx, cutoff)
	if err != nil {
		return out, err
	}
	out.Rows.Processed = purged

	if s.StaleErrorDays > 0 {
		stale, err := x.staleErrors(ctx, now().UTC().AddDate(0, 0, -s.StaleErrorDays))
		if err != nil {
			return out, err
		}
		if stale > 0 {
			msg := fmt.Sprintf("%d quarantined records unresolved for more than %d days", stale, s.StaleErrorDays)
			out.sample(msg)
			if x.Alerter != nil {
				aerr := x.Alerter.Raise(ctx, alert.Alert{
					Severity:  alert.SeverityMedium,
					Title:     "Stale quarantined records",
					Message:   msg,
					Details:   map[string]interface{}{"count": stale, "days": s.StaleErrorDays},
					Timestamp: now(),
				})
				if aerr != nil {
					log.Error("failed to raise alert", zap.Error(aerr))
				}
			}
		}
	}
	log.Info("cleanup finished", zap.Int64("purged", purged), zap.Time("cutoff", cutoff))
	return out, nil
}

func (x *CleanupExecutor) staleErrors(ctx context.Context, before time.Time) (int, error) {
	errs, err := x.Store.ListErrors(ctx, staging.ErrorQuery{Resolved: staging.Bool(false)})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range errs {
		if e.CreatedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

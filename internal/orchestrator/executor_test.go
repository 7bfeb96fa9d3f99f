package orchestrator

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ajitpratap0/opsflow/internal/alert"
	"github.com/ajitpratap0/opsflow/internal/archive"
	"github.com/ajitpratap0/opsflow/internal/staging"
	"github.com/ajitpratap0/opsflow/internal/transform"
	"github.com/ajitpratap0/opsflow/internal/validation"
	"github.com/ajitpratap0/opsflow/internal/warehouse"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/ajitpratap0/opsflow/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var execNow = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

// pagedConnector serves records in fixed-size pages with sequence
// checkpoints, resuming after the offset in params.Checkpoint.
type pagedConnector struct {
	records  []map[string]interface{}
	pageSize int
	seen     []core.QueryParams
}

func (c *pagedConnector) Name() string { return "pos_api" }
func (c *pagedConnector) Type() string { return "fake" }
func (c *pagedConnector) Source() string { return "pos" }
func (c *pagedConnector) CheckpointType() models.CheckpointType { return models.CheckpointSequence }
func (c *pagedConnector) ValidateConfig() core.ValidationResult { return core.ValidationResult{Valid: true} }
func (c *pagedConnector) Close(context.Context) error { return nil }

func (c *pagedConnector) HealthCheck(context.Context) core.HealthStatus {
	return core.HealthStatus{Status: models.ConnectionHealthy}
}

func (c *pagedConnector) Extract(ctx context.Context, params core.QueryParams) ([]core.Record, error) {
	var out []core.Record
	err := c.ExtractPages(ctx, params, func(_ context.Context, p core.Page) error {
		out = append(out, p.Records...)
		return nil
	})
	return out, err
}

func (c *pagedConnector) ExtractPages(ctx context.Context, params core.QueryParams, fn core.PageFunc) error {
	c.seen = append(c.seen, params)
	start := 0
	if params.Checkpoint != "" {
		n, err := strconv.Atoi(params.Checkpoint)
		if err != nil {
			return err
		}
		start = n
	}
	for page := 1; start < len(c.records); page++ {
		end := min(start+c.pageSize, len(c.records))
		var recs []core.Record
		for _, r := range c.records[start:end] {
			recs = append(recs, core.Record{Data: r})
		}
		if err := fn(ctx, core.Page{Number: page, Records: recs, Checkpoint: strconv.Itoa(end)}); err != nil {
			return err
		}
		start = end
	}
	return nil
}

func posRecords() []map[string]interface{} {
	return []map[string]interface{}{
		{"order_id": "A1", "qty": 2, "price": 5.00, "total": 10.00, "storeId": "BR1", "customer_id": "C1", "timestamp": "2024-03-01T10:00:00Z"},
		{"order_id": "A2", "qty": 1, "price": 5.50, "total": 5.50, "storeId": "BR1", "customer_id": "C2", "timestamp": "2024-03-01T11:00:00Z"},
		{"order_id": "A3", "qty": -1, "price": 5.00, "total": -5.00, "storeId": "BR1", "timestamp": "2024-03-01T12:00:00Z"},
		{"order_id": "A4", "qty": 3, "price": 5.00, "total": 15.00, "storeId": "BR2", "customer_id": "C1", "timestamp": "2024-03-02T09:00:00Z"},
		{"order_id": "A1", "qty": 2, "price": 5.00, "total": 10.00, "storeId": "BR1", "customer_id": "C1", "timestamp": "2024-03-01T10:00:00Z"},
	}
}

type ingestFixture struct {
	conn  *pagedConnector
	store *staging.MemoryStore
	repo  *MemoryRepository
	exec  *IngestionExecutor
	job   *models.ETLJob
}

func newIngestFixture(t *testing.T) *ingestFixture {
	f := &ingestFixture{
		conn:  &pagedConnector{records: posRecords(), pageSize: 3},
		store: staging.NewMemoryStore(),
		repo:  NewMemoryRepository(),
	}
	f.exec = &IngestionExecutor{
		Connectors: Connectors{"pos_api": f.conn},
		Ingestor:   staging.NewIngestor(f.store, staging.IngestorOptions{Logger: testutil.TestLogger(t), Now: func() time.Time { return execNow }}),
		Repo:       f.repo,
		Now:        func() time.Time { return execNow },
		Logger:     testutil.TestLogger(t),
	}
	j := job("pos_ingest", models.JobTypeIngestion)
	j.SourceConfig = models.Document{"connector": "pos_api", "batch_size": 2}
	f.job = &j
	return f
}

func (f *ingestFixture) execution(runID string, cancelAfter int) *Execution {
	checks := 0
	return &Execution{
		Job: f.job,
		Run: &models.ETLRun{ID: runID, JobID: f.job.ID},
		Cancelled: func() bool {
			checks++
			return cancelAfter > 0 && checks > cancelAfter
		},
	}
}

func TestIngestionExecutor(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)

	out, err := f.exec.Execute(ctx, f.execution("run-1", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Rows.Processed)
	assert.Equal(t, int64(4), out.Rows.Inserted)
	assert.Equal(t, int64(1), out.Rows.Skipped, "replayed A1 is a duplicate")
	assert.Nil(t, out.CheckpointBefore)
	assert.Equal(t, "5", out.CheckpointAfter["value"])

	cp, err := f.repo.GetCheckpoint(ctx, "pos_ingest", "pos")
	require.NoError(t, err)
	assert.Equal(t, "5", cp.CheckpointValue)
	assert.Equal(t, int64(5), cp.RowsProcessed)

	events, err := f.store.ListEvents(ctx, staging.EventQuery{BatchID: "run-1-p1-b1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pos_A3", events[0].IngestID)

	f.conn.records = append(f.conn.records, map[string]interface{}{"order_id": "A5", "qty": 1, "price": 1.00, "total": 1.00})
	out, err = f.exec.Execute(ctx, f.execution("run-2", 0))
	require.NoError(t, err)
	assert.Equal(t, "5", f.conn.seen[1].Checkpoint, "resumes after the committed checkpoint")
	assert.Equal(t, int64(1), out.Rows.Inserted)
	assert.Equal(t, "5", out.CheckpointBefore["value"])
	assert.Equal(t, "6", out.CheckpointAfter["value"])
}

func TestIngestionCancelledBetweenBatches(t *testing.T) {
	ctx := context.Background()

	t.Run("mid page keeps no checkpoint", func(t *testing.T) {
		f := newIngestFixture(t)
		out, err := f.exec.Execute(ctx, f.execution("run-1", 1))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
		assert.Equal(t, int64(2), out.Rows.Processed, "first batch completes")
		cp, err := f.repo.GetCheckpoint(ctx, "pos_ingest", "pos")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("after a page keeps that page's checkpoint", func(t *testing.T) {
		f := newIngestFixture(t)
		out, err := f.exec.Execute(ctx, f.execution("run-1", 2))
		require.Error(t, err)
		assert.Equal(t, int64(3), out.Rows.Processed)
		cp, err := f.repo.GetCheckpoint(ctx, "pos_ingest", "pos")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, "3", cp.CheckpointValue)
	})
}

func TestIngestionConfigErrors(t *testing.T) {
	f := newIngestFixture(t)
	f.job.SourceConfig = models.Document{}
	_, err := f.exec.Execute(context.Background(), f.execution("run-1", 0))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	f.job.SourceConfig = models.Document{"connector": "crm"}
	_, err = f.exec.Execute(context.Background(), f.execution("run-1", 0))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.False(t, transient(err))
}

func TestPOSPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	_, err := f.exec.Execute(ctx, f.execution("ingest-1", 0))
	require.NoError(t, err)

	now := func() time.Time { return execNow }
	val := &ValidationExecutor{Validator: validation.New(validation.Options{Logger: testutil.TestLogger(t), Now: now}), Store: f.store}
	vjob := job("pos_validate", models.JobTypeValidation)
	vjob.SourceConfig = models.Document{"source": "pos"}
	out, err := val.Execute(ctx, &Execution{Job: &vjob, Run: &models.ETLRun{ID: "validate-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), out.Rows.Processed)
	assert.Equal(t, int64(1), out.ValidationErrors)
	require.Len(t, out.Samples, 1)
	assert.Contains(t, out.Samples[0], "pos_A3")

	tr := &TransformationExecutor{Transformer: transform.New(transform.Options{Logger: testutil.TestLogger(t), Now: now}), Store: f.store}
	tjob := job("pos_transform", models.JobTypeTransformation)
	out, err = tr.Execute(ctx, &Execution{Job: &tjob, Run: &models.ETLRun{ID: "transform-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.Rows.Updated)

	wh := warehouse.NewMemoryStore()
	agg, err := warehouse.NewAggregator(f.store, wh, warehouse.Options{Logger: testutil.TestLogger(t), Now: now})
	require.NoError(t, err)
	ax := &AggregationExecutor{Aggregator: agg, Now: now}
	ajob := job("daily", models.JobTypeAggregation)
	ajob.TransformConfig = models.Document{"types": []interface{}{warehouse.TypeDailySales}}
	out, err = ax.Execute(ctx, &Execution{Job: &ajob, Run: &models.ETLRun{ID: "agg-1"}})
	require.NoError(t, err)
	assert.Zero(t, out.Rows.Failed)
	assert.Equal(t, int64(3), out.Rows.Updated, "enriched events are marked processed")

	var daily []warehouse.DailySales
	require.NoError(t, wh.Load(ctx, &daily))
	require.Len(t, daily, 2)
	assert.Equal(t, "BR1", daily[0].BranchID)
	assert.True(t, decimal.RequireFromString("15.50").Equal(daily[0].Revenue), daily[0].Revenue.String())
	assert.Equal(t, int64(2), daily[0].Transactions)
	assert.Equal(t, "BR2", daily[1].BranchID)

	a3, err := f.store.GetEvent(ctx, "pos_A3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvalid, a3.ValidationStatus)
	assert.False(t, a3.Processed)
}

func TestCleanupCannotShortenConfiguredRetention(t *testing.T) {
	ctx := context.Background()
	store := staging.NewMemoryStore()
	old := execNow.AddDate(0, 0, -40)
	require.NoError(t, store.InsertEvent(ctx, &models.RawEvent{IngestID: "pos_old", Source: "pos",
		RawPayload: models.Document{"a": 1}, ValidationStatus: models.StatusEnriched, IngestedAt: old}))
	_, err := store.MarkProcessed(ctx, []string{"pos_old"}, "agg-1", execNow)
	require.NoError(t, err)

	x := &CleanupExecutor{Store: store, RetentionDays: 60, Now: func() time.Time { return execNow }, Logger: testutil.TestLogger(t)}
	cjob := job("cleanup", models.JobTypeCleanup)
	cjob.TargetConfig = models.Document{"retention_days": 30}

	out, err := x.Execute(ctx, &Execution{Job: &cjob, Run: &models.ETLRun{ID: "cleanup-1"}})
	require.NoError(t, err)
	assert.Zero(t, out.Rows.Processed)
	_, err = store.GetEvent(ctx, "pos_old")
	assert.NoError(t, err)
}

type memorySink struct {
	names  []string
	events int
}

func (s *memorySink) Write(_ context.Context, name string, events []models.RawEvent) (string, error) {
	s.names = append(s.names, name)
	s.events += len(events)
	return "mem://" + name + archive.Extension, nil
}

func TestCleanupExecutor(t *testing.T) {
	ctx := context.Background()
	store := staging.NewMemoryStore()
	old := execNow.AddDate(0, 0, -40)
	recent := execNow.AddDate(0, 0, -1)
	for _, e := range []*models.RawEvent{
		{IngestID: "pos_old", Source: "pos", RawPayload: models.Document{"a": 1}, ValidationStatus: models.StatusEnriched, IngestedAt: old},
		{IngestID: "pos_new", Source: "pos", RawPayload: models.Document{"a": 2}, ValidationStatus: models.StatusEnriched, IngestedAt: recent},
		{IngestID: "pos_pending", Source: "pos", RawPayload: models.Document{"a": 3}, ValidationStatus: models.StatusPending, IngestedAt: old},
	} {
		require.NoError(t, store.InsertEvent(ctx, e))
	}
	_, err := store.MarkProcessed(ctx, []string{"pos_old", "pos_new"}, "agg-1", execNow)
	require.NoError(t, err)
	require.NoError(t, store.InsertError(ctx, &models.RawError{ID: "e1", IngestID: "pos_bad", Source: "pos",
		ErrorType: models.ErrorTypeValidation, ErrorMessage: "bad", CreatedAt: old}))

	sink := &memorySink{}
	rec := &alert.Recorder{}
	x := &CleanupExecutor{Store: store, Sink: sink, Alerter: rec, Now: func() time.Time { return execNow }, Logger: testutil.TestLogger(t)}
	cjob := job("cleanup", models.JobTypeCleanup)
	cjob.TargetConfig = models.Document{"retention_days": 30, "stale_error_days": 7}

	out, err := x.Execute(ctx, &Execution{Job: &cjob, Run: &models.ETLRun{ID: "cleanup-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Rows.Processed, "one event purged")
	assert.Equal(t, int64(1), out.Rows.Inserted, "one event archived")
	assert.Equal(t, []string{"processed/2024-02-01/cleanup-1"}, sink.names, "cutoff is the settled month start")

	_, err = store.GetEvent(ctx, "pos_old")
	assert.Error(t, err)
	_, err = store.GetEvent(ctx, "pos_new")
	assert.NoError(t, err)
	_, err = store.GetEvent(ctx, "pos_pending")
	assert.NoError(t, err, "unprocessed events are kept")

	alerts := rec.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityMedium, alerts[0].Severity)
}

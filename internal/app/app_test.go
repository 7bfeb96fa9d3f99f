package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ajitpratap0/opsflow/internal/orchestrator"
	"github.com/ajitpratap0/opsflow/internal/warehouse"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/ajitpratap0/opsflow/pkg/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const posCSV = `order_id,qty,price,total,storeId,customer_id,timestamp
A1,2,5.00,10.00,BR1,C1,2024-03-01T10:00:00Z
A2,1,5.50,5.50,BR1,C2,2024-03-01T11:00:00Z
A3,-1,5.00,-5.00,BR1,,2024-03-01T12:00:00Z
A4,3,5.00,15.00,BR2,C1,2024-03-02T09:00:00Z
A1,2,5.00,10.00,BR1,C1,2024-03-01T10:00:00Z
`

const jobsYAML = `jobs:
  - id: pos_agg_weekly
    job_type: aggregation
    active: false
    depends_on: [pos_daily]
    transform_config:
      types: [daily_sales]
      window_hours: 168
  - id: pos_cleanup
    job_type: cleanup
    target_config:
      retention_days: 30
  - id: pos_daily
    job_type: aggregation
    transform_config:
      types: [daily_sales]
  - id: pos_transform
    job_type: transformation
    source_config:
      source: pos
  - id: pos_validate
    job_type: validation
    source_config:
      source: pos
  - id: pos_ingest
    name: POS file ingest
    job_type: ingestion
    max_retries: 1
    schedule:
      enabled: true
      interval_seconds: 3600
    source_config:
      connector: pos
      batch_size: 2
`

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	app     *App
	clock   *clock
	dir     string
	jobs    string
	archive string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "pos.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(posCSV), 0o600))
	jobsPath := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(jobsPath, []byte(jobsYAML), 0o600))
	archiveDir := filepath.Join(dir, "archive")

	cfg := config.Default()
	cfg.Database.DSN = ":memory:"
	cfg.Database.ConnMaxLife = 0
	cfg.Staging.Backend = "gorm"
	cfg.Batch.Workers = 1
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Archive = config.ArchiveConfig{Backend: "file", Path: archiveDir}
	cfg.Connectors = []config.ConnectorConfig{{
		Name: "pos",
		Type: "file",
		Params: map[string]interface{}{
			"path":        csvPath,
			"format":      "csv",
			"infer_types": true,
			"page_size":   3,
		},
	}}

	clk := &clock{t: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	a, err := New(context.Background(), cfg, Options{
		Logger:   testutil.TestLogger(t),
		Registry: prometheus.NewRegistry(),
		Now:      clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return &fixture{app: a, clock: clk, dir: dir, jobs: jobsPath, archive: archiveDir}
}

func TestReadJobsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(jobsYAML), 0o600))

	jobs, err := ReadJobs(path, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 6)

	byID := map[string]models.ETLJob{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	ingest := byID["pos_ingest"]
	assert.Equal(t, "POS file ingest", ingest.Name)
	assert.True(t, ingest.Active)
	assert.Equal(t, 1, ingest.MaxRetries)
	assert.True(t, ingest.Schedule.Enabled)
	assert.Equal(t, 3600, ingest.Schedule.IntervalSeconds)

	daily := byID["pos_daily"]
	assert.Equal(t, "pos_daily", daily.Name)
	assert.Equal(t, 3, daily.MaxRetries)
	assert.True(t, daily.Active)

	weekly := byID["pos_agg_weekly"]
	assert.False(t, weekly.Active)
	assert.Equal(t, models.StringList{"pos_daily"}, weekly.DependsOn)
	assert.Equal(t, 168, weekly.TransformConfig["window_hours"])
}

func TestReadJobsRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"missing id":   "jobs:\n  - job_type: ingestion\n",
		"unknown type": "jobs:\n  - id: x\n    job_type: reporting\n",
	} {
		path := filepath.Join(dir, "jobs.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := ReadJobs(path, 3)
		require.Error(t, err, name)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), name)
	}

	_, err := ReadJobs(filepath.Join(dir, "absent.yaml"), 3)
	assert.Error(t, err)
}

func TestLoadJobsSavesDependenciesFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.app.LoadJobs(ctx, f.jobs, "test")
	require.NoError(t, err)
	require.Len(t, saved, 6)
	// the file lists pos_agg_weekly before the job it depends on
	assert.Equal(t, "pos_daily", saved[0].ID)
	assert.Equal(t, "pos_agg_weekly", saved[1].ID)

	jobs, err := f.app.Repo.ListJobs(ctx, true)
	require.NoError(t, err)
	assert.Len(t, jobs, 5)

	// reloading updates in place
	_, err = f.app.LoadJobs(ctx, f.jobs, "test")
	require.NoError(t, err)
	jobs, err = f.app.Repo.ListJobs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, jobs, 6)
}

func TestPipelineRuns(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	_, err := f.app.LoadJobs(ctx, f.jobs, "test")
	require.NoError(t, err)

	s, err := f.app.RunJob(ctx, "pos_ingest", "test")
	require.NoError(t, err)
	require.Equal(t, models.RunSuccess, s.Status, s.Error)
	assert.Equal(t, int64(4), s.RowsInserted)
	assert.Equal(t, int64(1), s.RowsSkipped)

	cp, err := f.app.Repo.GetCheckpoint(ctx, "pos_ingest", "pos")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "5", cp.CheckpointValue)

	s, err = f.app.RunJob(ctx, "pos_validate", "test")
	require.NoError(t, err)
	require.Equal(t, models.RunSuccess, s.Status, s.Error)
	assert.Equal(t, int64(1), s.ValidationErrors)

	s, err = f.app.RunJob(ctx, "pos_transform", "test")
	require.NoError(t, err)
	require.Equal(t, models.RunSuccess, s.Status, s.Error)
	run, err := f.app.Repo.GetRun(ctx, s.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), run.Rows.Updated)

	s, err = f.app.RunJob(ctx, "pos_daily", "test")
	require.NoError(t, err)
	require.Equal(t, models.RunSuccess, s.Status, s.Error)

	var daily []warehouse.DailySales
	require.NoError(t, f.app.Warehouse.Load(ctx, &daily))
	require.Len(t, daily, 2)
	assert.Equal(t, "BR1", daily[0].BranchID)
	assert.True(t, decimal.RequireFromString("15.50").Equal(daily[0].Revenue), daily[0].Revenue.String())
	assert.Equal(t, "BR2", daily[1].BranchID)
	assert.Equal(t, int64(1), daily[1].Transactions)

	// 30 days back from May 4 is in April, so March is settled
	f.clock.Advance(60 * 24 * time.Hour)
	s, err = f.app.RunJob(ctx, "pos_cleanup", "test")
	require.NoError(t, err)
	require.Equal(t, models.RunSuccess, s.Status, s.Error)

	archived, err := filepath.Glob(filepath.Join(f.archive, "processed", "*", "*"))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	// the invalid record is never processed, so it survives cleanup
	a3, err := f.app.Staging.GetEvent(ctx, "pos_A3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvalid, a3.ValidationStatus)

	runs, err := f.app.Repo.ListRuns(ctx, orchestrator.RunQuery{JobID: "pos_ingest"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunJobUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.RunJob(context.Background(), "nope", "test")
	assert.Error(t, err)
}

func TestCheckConnectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sources, err := f.app.CheckConnectors(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "pos", sources[0].Name)
	assert.Equal(t, "file", sources[0].Type)
	assert.Equal(t, models.ConnectionHealthy, sources[0].ConnectionStatus)
	require.NotNil(t, sources[0].LastCheckedAt)

	stored, err := f.app.Repo.GetDataSource(ctx, "pos")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionHealthy, stored.ConnectionStatus)

	require.NoError(t, os.Remove(filepath.Join(f.dir, "pos.csv")))
	sources, err = f.app.CheckConnectors(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, models.ConnectionHealthy, sources[0].ConnectionStatus)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = ":memory:"
	cfg.Staging.Backend = "redis"
	_, err := New(context.Background(), cfg, Options{Logger: testutil.TestLogger(t)})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg = config.Default()
	cfg.Database.Driver = "oracle"
	_, err = New(context.Background(), cfg, Options{Logger: testutil.TestLogger(t)})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

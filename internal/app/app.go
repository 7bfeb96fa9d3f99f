// Package app assembles an opsflow process from a PipelineConfig: stores,
// connectors, executors, the task queue, the supervisor and the scheduler.
package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/internal/alert"
	"github.com/ajitpratap0/opsflow/internal/archive"
	"github.com/ajitpratap0/opsflow/internal/orchestrator"
	"github.com/ajitpratap0/opsflow/internal/staging"
	"github.com/ajitpratap0/opsflow/internal/transform"
	"github.com/ajitpratap0/opsflow/internal/validation"
	"github.com/ajitpratap0/opsflow/internal/warehouse"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/connector/registry"
	"github.com/ajitpratap0/opsflow/pkg/connector/sources"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options carries collaborators that are not part of the configuration.
type Options struct {
	Logger   *zap.Logger
	Registry *prometheus.Registry
	// Connectors replaces the connectors built from cfg.Connectors
	Connectors map[string]core.Connector
	Now        func() time.Time
}

// App is a wired opsflow process.
type App struct {
	Config     *config.PipelineConfig
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	DB         *gorm.DB
	Staging    staging.Store
	Warehouse  warehouse.Store
	Repo       orchestrator.Repository
	Queue      orchestrator.TaskQueue
	Supervisor *orchestrator.Supervisor
	Scheduler  *orchestrator.Scheduler
	Connectors map[string]core.Connector
	Archive    archive.Sink
	// Alerts keeps every alert raised by this process
	Alerts *alert.Recorder

	mongo   *mongo.Client
	mu      sync.Mutex
	started bool
}

// New wires an App. Stores are migrated when cfg.Database.AutoMigrate is
// set. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.PipelineConfig, opts Options) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger.OrDefault(opts.Logger, "app"),
		Metrics: metrics.New(opts.Registry),
		Alerts:  &alert.Recorder{},
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if err := a.build(ctx, opts, now); err != nil {
		if cerr := a.Close(ctx); cerr != nil {
			a.Logger.Warn("cleanup after failed start", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options, now func() time.Time) error {
	cfg := a.Config
	base := opts.Logger
	if base == nil {
		base = logger.Get()
	}
	alerter := alert.Multi{alert.NewLogAlerter(base, a.Metrics), a.Alerts}

	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	a.DB = db

	repo := orchestrator.NewGormRepository(db)
	wh := warehouse.NewGormStore(db)
	markers := orchestrator.NewGormMarkers(db)
	if cfg.Database.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		if err := wh.Migrate(ctx); err != nil {
			return err
		}
		if err := markers.Migrate(ctx); err != nil {
			return err
		}
	}
	a.Repo, a.Warehouse = repo, wh

	if err := a.openStaging(ctx); err != nil {
		return err
	}

	a.Connectors = opts.Connectors
	if a.Connectors == nil {
		reg, err := sources.NewRegistry(registry.NewRegistry(base))
		if err != nil {
			return err
		}
		a.Connectors, err = reg.CreateAll(cfg.Connectors, core.Dependencies{Logger: base, Metrics: a.Metrics, Now: now})
		if err != nil {
			return err
		}
	}

	if a.Archive, err = archive.New(ctx, cfg.Archive); err != nil {
		return err
	}

	if a.Queue, err = newQueue(cfg, a.Metrics, base); err != nil {
		return err
	}

	keys := staging.DefaultKeyExtractor()
	keys.Configure(cfg.Staging.DedupKeys)
	ingestor := staging.NewIngestor(a.Staging, staging.IngestorOptions{
		ErrorRateThreshold: cfg.Staging.ErrorRateThreshold,
		Keys:               keys,
		Alerter:            alerter,
		Metrics:            a.Metrics,
		Logger:             base,
		Now:                now,
	})
	aggregator, err := warehouse.NewAggregator(a.Staging, wh, warehouse.Options{
		RetentionDays: cfg.Staging.RetentionDays,
		Alerter:       alerter,
		Metrics:       a.Metrics,
		Logger:        base,
		Now:           now,
	})
	if err != nil {
		return err
	}

	a.Supervisor, err = orchestrator.NewSupervisor(orchestrator.SupervisorOptions{
		Repo:  repo,
		Queue: a.Queue,
		Executors: map[models.JobType]orchestrator.Executor{
			models.JobTypeIngestion: &orchestrator.IngestionExecutor{
				Connectors: orchestrator.Connectors(a.Connectors),
				Ingestor:   ingestor,
				Repo:       repo,
				BatchSize:  cfg.Batch.Size,
				Now:        now,
				Logger:     base,
			},
			models.JobTypeValidation: &orchestrator.ValidationExecutor{
				Validator: validation.New(validation.Options{Logger: base, Metrics: a.Metrics, Now: now}),
				Store:     a.Staging,
			},
			models.JobTypeTransformation: &orchestrator.TransformationExecutor{
				Transformer: transform.New(transform.Options{Logger: base, Metrics: a.Metrics, Now: now, MaxRetries: cfg.Retry.MaxAttempts}),
				Store:       a.Staging,
			},
			models.JobTypeAggregation: &orchestrator.AggregationExecutor{Aggregator: aggregator, Now: now},
			models.JobTypeCleanup: &orchestrator.CleanupExecutor{
				Store:         a.Staging,
				Sink:          a.Archive,
				RetentionDays: cfg.Staging.RetentionDays,
				Alerter:       alerter,
				Now:           now,
				Logger:        base,
			},
		},
		Retry:   orchestrator.RetryPolicy{BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay},
		Alerter: alerter,
		Audit:   orchestrator.NewLogAuditSink(base),
		Metrics: a.Metrics,
		Logger:  base,
		Now:     now,
	})
	if err != nil {
		return err
	}
	a.Scheduler = orchestrator.NewScheduler(orchestrator.SchedulerOptions{
		Repo:       repo,
		Trigger:    a.Supervisor,
		Markers:    markers,
		Tick:       cfg.Scheduler.Tick,
		TriggerTTL: cfg.Scheduler.TriggerTTL,
		Now:        now,
		Logger:     base,
	})
	return nil
}

func (a *App) openStaging(ctx context.Context) error {
	switch a.Config.Staging.Backend {
	case "", "memory":
		a.Staging = staging.NewMemoryStore()
	case "gorm":
		st := staging.NewGormStore(a.DB)
		if a.Config.Database.AutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				return err
			}
		}
		a.Staging = st
	case "mongo":
		client, db, err := OpenMongo(ctx, a.Config.Mongo)
		if err != nil {
			return err
		}
		a.mongo = client
		st := staging.NewMongoStore(db)
		if err := st.EnsureIndexes(ctx); err != nil {
			return err
		}
		a.Staging = st
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown staging backend %q", a.Config.Staging.Backend)
	}
	return nil
}

func newQueue(cfg *config.PipelineConfig, m *metrics.Metrics, l *zap.Logger) (orchestrator.TaskQueue, error) {
	switch cfg.Queue.Backend {
	case "", "memory":
		return orchestrator.NewMemoryQueue(cfg.Queue.Capacity, cfg.Batch.Workers, m, l), nil
	case "kafka":
		q, err := orchestrator.NewKafkaQueue(cfg.Queue, l)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unknown queue backend %q", cfg.Queue.Backend)
}

// Start launches the task queue workers. It is a no-op when already started.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if err := a.Supervisor.Start(ctx); err != nil {
		return err
	}
	a.started = true
	return nil
}

// RunJob triggers jobID and waits for its run to finish.
func (a *App) RunJob(ctx context.Context, jobID, principal string) (orchestrator.RunSummary, error) {
	done := make(chan orchestrator.RunSummary, 16)
	a.Supervisor.AddSummaryListener(func(s orchestrator.RunSummary) {
		select {
		case done <- s:
		default:
		}
	})
	if err := a.Start(ctx); err != nil {
		return orchestrator.RunSummary{}, err
	}
	run, err := a.Supervisor.Trigger(ctx, jobID, principal)
	if err != nil {
		return orchestrator.RunSummary{}, err
	}
	if s, ok := a.Supervisor.Summary(run.ID); ok {
		return s, nil
	}
	for {
		select {
		case s := <-done:
			if s.RunID == run.ID {
				return s, nil
			}
		case <-ctx.Done():
			if cerr := a.Supervisor.Cancel(context.WithoutCancel(ctx), run.ID); cerr != nil {
				a.Logger.Warn("failed to cancel run", zap.String("run_id", run.ID), zap.Error(cerr))
			}
			return orchestrator.RunSummary{}, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "run "+run.ID+" interrupted")
		}
	}
}

// CheckConnectors health checks every connector and records the result as
// a DataSource row. Results are ordered by connector name.
func (a *App) CheckConnectors(ctx context.Context) ([]models.DataSource, error) {
	names := make([]string, 0, len(a.Connectors))
	for name := range a.Connectors {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	out := make([]models.DataSource, 0, len(names))
	for _, name := range names {
		conn := a.Connectors[name]
		h := conn.HealthCheck(ctx)
		checked := h.Timestamp
		if checked.IsZero() {
			checked = time.Now()
		}
		ds := models.DataSource{
			Name:              name,
			Type:              conn.Type(),
			SuccessRate:       h.SuccessRate,
			AvgResponseTimeMs: float64(h.AvgResponseTime.Microseconds()) / 1000,
			ConnectionStatus:  h.Status,
			LastCheckedAt:     &checked,
			UpdatedAt:         checked,
		}
		if cc, ok := a.Config.Connector(name); ok {
			ds.AuthType = cc.Auth.Type
			ds.RateLimitPerMinute = cc.RateLimitPerMinute
		}
		if err := a.Repo.SaveDataSource(ctx, &ds); err != nil {
			result = multierror.Append(result, err)
		}
		out = append(out, ds)
	}
	return out, result.ErrorOrNil()
}

// Close releases every resource the App opened.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.Supervisor != nil {
		if err := a.Supervisor.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	} else if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for name, c := range a.Connectors {
		if err := c.Close(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeConnection, "close connector "+name))
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

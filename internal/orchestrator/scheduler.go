package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SchedulerPrincipal is recorded as TriggeredBy on scheduled runs.
const SchedulerPrincipal = "scheduler"

// DefaultTriggerTTL bounds how long a trigger marker suppresses repeats.
const DefaultTriggerTTL = time.Minute

// MarkerStore holds short-lived trigger markers shared by schedulers.
type MarkerStore interface {
	// Acquire sets key for ttl and reports whether it was not already set.
	Acquire(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error)
}

// MemoryMarkers is a process-local MarkerStore.
type MemoryMarkers struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryMarkers returns an empty marker store.
func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{expires: map[string]time.Time{}}
}

func (m *MemoryMarkers) Acquire(_ context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

// TriggerMarker is the row behind GormMarkers.
type TriggerMarker struct {
	Key       string    `gorm:"column:marker_key;primaryKey;size:191"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

func (TriggerMarker) TableName() string { return "scheduler_markers" }

// GormMarkers shares markers between scheduler processes through the
// orchestration database.
type GormMarkers struct {
	db *gorm.DB
}

// NewGormMarkers returns a marker store on db. Call Migrate first.
func NewGormMarkers(db *gorm.DB) *GormMarkers { return &GormMarkers{db: db} }

// Migrate creates the marker table.
func (g *GormMarkers) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(&TriggerMarker{})
}

func (g *GormMarkers) Acquire(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	acquired := false
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// an expired marker is replaced, a live one wins
		if err := tx.Where("marker_key = ? AND expires_at <= ?", key, now).Delete(&TriggerMarker{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&TriggerMarker{Key: key, ExpiresAt: now.Add(ttl)})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	return acquired, err
}

// Triggerer starts runs; Supervisor implements it.
type Triggerer interface {
	Trigger(ctx context.Context, jobID, principal string) (*models.ETLRun, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Repo       Repository
	Trigger    Triggerer
	Markers    MarkerStore
	Tick       time.Duration
	TriggerTTL time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

// Scheduler triggers jobs whose interval has elapsed.
type Scheduler struct {
	repo    Repository
	trigger Triggerer
	markers MarkerStore
	tick    time.Duration
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewScheduler builds a scheduler with defaults for unset options.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	s := &Scheduler{
		repo:    opts.Repo,
		trigger: opts.Trigger,
		markers: opts.Markers,
		tick:    opts.Tick,
		ttl:     opts.TriggerTTL,
		now:     opts.Now,
		logger:  logger.OrDefault(opts.Logger, "scheduler"),
	}
	if s.markers == nil {
		s.markers = NewMemoryMarkers()
	}
	if s.tick <= 0 {
		s.tick = 10 * time.Second
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTriggerTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Decision explains why a job was or was not triggered on a tick.
type Decision struct {
	JobID  string
	Run    *models.ETLRun
	Reason string
}

const (
	reasonTriggered    = "triggered"
	reasonDisabled     = "schedule disabled"
	reasonNotDue       = "interval not elapsed"
	reasonMinInterval  = "ran within minimum interval"
	reasonActive       = "run in progress"
	reasonDependency   = "dependency in progress"
	reasonMarkerActive = "trigger marker active"
	reasonError        = "trigger failed"
)

// Tick evaluates every active job once, in dependency order.
func (s *Scheduler) Tick(ctx context.Context) ([]Decision, error) {
	jobs, err := s.repo.ListJobs(ctx, true)
	if err != nil {
		return nil, err
	}
	ordered, err := DependencyOrder(jobs)
	if err != nil {
		return nil, err
	}
	now := s.now()
	busy := map[string]bool{}
	decisions := make([]Decision, 0, len(ordered))
	for i := range ordered {
		job := &ordered[i]
		d := s.evaluate(ctx, job, busy, now)
		if d.Reason == reasonTriggered || d.Reason == reasonActive {
			busy[job.ID] = true
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (s *Scheduler) evaluate(ctx context.Context, job *models.ETLJob, busy map[string]bool, now time.Time) Decision {
	d := Decision{JobID: job.ID}
	log := s.logger.With(zap.String("job_id", job.ID))
	if !job.Schedule.Enabled || job.Schedule.IntervalSeconds <= 0 {
		d.Reason = reasonDisabled
		return d
	}
	active, err := s.repo.ListRuns(ctx, RunQuery{JobID: job.ID,
		Status: []models.RunStatus{models.RunQueued, models.RunRunning, models.RunRetrying}, Limit: 1})
	if err != nil {
		log.Error("failed to list active runs", zap.Error(err))
		d.Reason = reasonError
		return d
	}
	if len(active) > 0 {
		d.Reason = reasonActive
		return d
	}
	for _, dep := range job.DependsOn {
		if busy[dep] {
			d.Reason = reasonDependency
			return d
		}
	}
	last, err := s.repo.ListRuns(ctx, RunQuery{JobID: job.ID, Limit: 1})
	if err != nil {
		log.Error("failed to list runs", zap.Error(err))
		d.Reason = reasonError
		return d
	}
	if len(last) > 0 {
		since := now.Sub(last[0].QueuedAt)
		if min := time.Duration(job.Schedule.MinIntervalSeconds) * time.Second; since < min {
			d.Reason = reasonMinInterval
			return d
		}
		if since < time.Duration(job.Schedule.IntervalSeconds)*time.Second {
			d.Reason = reasonNotDue
			return d
		}
	}
	ok, err := s.markers.Acquire(ctx, "trigger:"+job.ID, s.ttl, now)
	if err != nil {
		log.Error("failed to acquire trigger marker", zap.Error(err))
		d.Reason = reasonError
		return d
	}
	if !ok {
		d.Reason = reasonMarkerActive
		return d
	}
	run, err := s.trigger.Trigger(ctx, job.ID, SchedulerPrincipal)
	if err != nil {
		log.Error("scheduled trigger failed", zap.Error(err))
		d.Reason = reasonError
		return d
	}
	log.Info("job scheduled", zap.String("run_id", run.ID))
	d.Run = run
	d.Reason = reasonTriggered
	return d
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

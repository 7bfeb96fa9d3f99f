package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/internal/alert"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/ajitpratap0/opsflow/pkg/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errStaleTask marks a task whose run already moved past the attempt it
// was queued for, such as a redelivered message.
var errStaleTask = errors.New(errors.ErrorTypeOrchestration, "stale task")

// RetryPolicy sets run level retry delays. MaxAttempts comes from the job.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Backoff returns BaseDelay * 2^attempt, capped at MaxDelay when set.
// attempt counts the failures before this one, starting at zero.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

// transient reports whether a failed attempt is worth retrying.
func transient(err error) bool {
	if errors.IsRetryable(err) {
		return true
	}
	switch errors.TypeOf(err) {
	case errors.ErrorTypeConfig, errors.ErrorTypeValidation, errors.ErrorTypeOrchestration,
		errors.ErrorTypeNotFound, errors.ErrorTypeAuthentication, errors.ErrorTypeCancelled:
		return false
	}
	return true
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Repo      Repository
	Queue     TaskQueue
	Executors map[models.JobType]Executor
	Retry     RetryPolicy
	Alerter   alert.Alerter
	Audit     AuditSink
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string
	// After schedules fn once d has elapsed; defaults to time.AfterFunc
	After func(d time.Duration, fn func())
}

// Supervisor owns the run state machine.
type Supervisor struct {
	repo      Repository
	queue     TaskQueue
	executors map[models.JobType]Executor
	retry     RetryPolicy
	alerter   alert.Alerter
	audit     AuditSink
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	after     func(time.Duration, func())

	// state serializes read-modify-write of runs
	state sync.Mutex

	mu        sync.RWMutex
	ctx       context.Context
	cancels   map[string]bool
	summaries map[string]RunSummary
	listeners []SummaryListener
	closed    bool
}

// NewSupervisor wires a supervisor to its queue's completion callbacks.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Repo == nil || opts.Queue == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "supervisor requires a repository and a task queue")
	}
	s := &Supervisor{
		repo:      opts.Repo,
		queue:     opts.Queue,
		executors: opts.Executors,
		retry:     opts.Retry,
		alerter:   opts.Alerter,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		logger:    logger.OrDefault(opts.Logger, "supervisor"),
		now:       opts.Now,
		newID:     opts.NewID,
		after:     opts.After,
		ctx:       context.Background(),
		cancels:   map[string]bool{},
		summaries: map[string]RunSummary{},
	}
	if s.executors == nil {
		s.executors = map[models.JobType]Executor{}
	}
	if s.alerter == nil {
		s.alerter = alert.Nop{}
	}
	if s.audit == nil {
		s.audit = NewLogAuditSink(s.logger)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.after == nil {
		s.after = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	s.queue.OnComplete(s.complete)
	return s, nil
}

// Register sets the executor for a job type.
func (s *Supervisor) Register(t models.JobType, x Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[t] = x
}

// AddSummaryListener registers fn for every terminal run.
func (s *Supervisor) AddSummaryListener(fn SummaryListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Summary returns the summary of a finished run seen by this process.
func (s *Supervisor) Summary(runID string) (RunSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[runID]
	return sum, ok
}

// Start launches the queue workers. ctx bounds every execution.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	return s.queue.Start(ctx, s.handle)
}

// Close stops scheduling retries and closes the queue.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.queue.Close()
}

// SaveJob validates job against the existing job graph, stores it and
// emits a config change audit event.
func (s *Supervisor) SaveJob(ctx context.Context, job *models.ETLJob, principal string) error {
	if !job.JobType.Valid() {
		return errors.Newf(errors.ErrorTypeValidation, "job %s has unknown type %q", job.ID, job.JobType)
	}
	jobs, err := s.repo.ListJobs(ctx, false)
	if err != nil {
		return err
	}
	replaced := false
	for i := range jobs {
		if jobs[i].ID == job.ID {
			jobs[i] = *job
			replaced = true
		}
	}
	if !replaced {
		jobs = append(jobs, *job)
	}
	if err := ValidateDependencies(jobs); err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now().UTC()
	}
	job.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveJob(ctx, job); err != nil {
		return err
	}
	s.record(ctx, AuditEvent{Action: AuditConfigChanged, JobID: job.ID, Principal: principal})
	return nil
}

func snapshot(job *models.ETLJob) models.Document {
	return models.Document{
		"job_type":         string(job.JobType),
		"source_config":    map[string]interface{}(job.SourceConfig.Clone()),
		"target_config":    map[string]interface{}(job.TargetConfig.Clone()),
		"transform_config": map[string]interface{}(job.TransformConfig.Clone()),
		"batch_size":       job.BatchSize,
		"max_retries":      job.MaxRetries,
	}
}

// Trigger queues a new run of jobID.
func (s *Supervisor) Trigger(ctx context.Context, jobID, principal string) (*models.ETLRun, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOrchestration, "cannot trigger job "+jobID)
	}
	if !job.Active {
		return nil, errors.Newf(errors.ErrorTypeOrchestration, "job %s is inactive", jobID)
	}
	run := &models.ETLRun{
		ID:             s.newID(),
		JobID:          job.ID,
		JobType:        job.JobType,
		Status:         models.RunQueued,
		TriggeredBy:    principal,
		QueuedAt:       s.now().UTC(),
		ConfigSnapshot: snapshot(job),
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.record(ctx, AuditEvent{Action: AuditRunQueued, JobID: job.ID, RunID: run.ID, Principal: principal, Status: run.Status})

	task := Task{RunID: run.ID, JobID: job.ID, JobType: job.JobType, EnqueuedAt: run.QueuedAt}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.fail(ctx, run, errors.Wrap(err, errors.ErrorTypeOrchestration, "failed to enqueue run"))
		return run, err
	}
	s.logger.Info("run queued", zap.String("job_id", job.ID), zap.String("run_id", run.ID))
	return run, nil
}

// Cancel stops a run. Queued and retrying runs are cancelled at once; a
// running run stops at its next batch boundary.
func (s *Supervisor) Cancel(ctx context.Context, runID string) error {
	s.state.Lock()
	defer s.state.Unlock()
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return errors.Newf(errors.ErrorTypeConflict, "run %s already %s", runID, run.Status)
	}
	s.mu.Lock()
	s.cancels[runID] = true
	s.mu.Unlock()

	run.CancelRequested = true
	if run.Status == models.RunRunning {
		return s.repo.UpdateRun(ctx, run)
	}
	if err := Transition(run, models.RunCancelled, s.now()); err != nil {
		return err
	}
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	s.finish(ctx, run)
	return nil
}

func (s *Supervisor) cancelRequested(ctx context.Context, runID string) bool {
	s.mu.RLock()
	local := s.cancels[runID]
	s.mu.RUnlock()
	if local {
		return true
	}
	run, err := s.repo.GetRun(ctx, runID)
	return err == nil && run.CancelRequested
}

// handle is the queue handler: it moves the run to running and executes
// one attempt. State changes after execution happen in complete.
func (s *Supervisor) handle(ctx context.Context, t Task) (res TaskResult) {
	res.Task = t
	s.state.Lock()
	run, err := s.repo.GetRun(ctx, t.RunID)
	if err != nil {
		s.state.Unlock()
		res.Err = err
		return res
	}
	if run.Status.IsTerminal() || run.Status == models.RunRunning || run.Attempt != t.Attempt {
		s.state.Unlock()
		res.Err = errStaleTask
		return res
	}
	job, err := s.repo.GetJob(ctx, t.JobID)
	if err != nil {
		s.state.Unlock()
		res.Err = errors.Wrap(err, errors.ErrorTypeOrchestration, "job of run "+run.ID)
		return res
	}
	if err := Transition(run, models.RunRunning, s.now()); err != nil {
		s.state.Unlock()
		res.Err = err
		return res
	}
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		s.state.Unlock()
		res.Err = err
		return res
	}
	s.state.Unlock()
	s.record(ctx, AuditEvent{Action: AuditJobStarted, JobID: job.ID, RunID: run.ID, Principal: run.TriggeredBy, Status: run.Status})

	s.mu.RLock()
	x := s.executors[job.JobType]
	s.mu.RUnlock()
	if x == nil {
		res.Err = errors.Newf(errors.ErrorTypeOrchestration, "no executor for job type %s", job.JobType)
		return res
	}

	ctx, span := observability.StartSpan(ctx, "orchestrator.execute", map[string]string{
		"job_id": job.ID, "run_id": run.ID, "job_type": string(job.JobType), "attempt": fmt.Sprint(run.Attempt),
	})
	defer func() {
		if p := recover(); p != nil {
			res.Err = errors.Newf(errors.ErrorTypeInternal, "executor panic: %v", p)
			s.logger.Error("executor panicked", zap.String("run_id", run.ID), zap.Any("panic", p))
		}
		observability.EndSpan(span, res.Err)
	}()
	ctx = logger.ContextWith(logger.ContextWith(ctx, logger.JobIDKey, job.ID), logger.RunIDKey, run.ID)
	exec := &Execution{Job: job, Run: run, Cancelled: func() bool { return s.cancelRequested(ctx, run.ID) }}
	res.Outcome, res.Err = x.Execute(ctx, exec)
	return res
}

// complete advances the run after an attempt finished.
func (s *Supervisor) complete(res TaskResult) {
	if errors.Is(res.Err, errStaleTask) {
		s.logger.Debug("ignoring stale task", zap.String("run_id", res.Task.RunID), zap.Int("attempt", res.Task.Attempt))
		return
	}
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	ctx = context.WithoutCancel(ctx)

	s.state.Lock()
	defer s.state.Unlock()
	run, err := s.repo.GetRun(ctx, res.Task.RunID)
	if err != nil {
		s.logger.Error("completed task for unknown run", zap.String("run_id", res.Task.RunID), zap.Error(err))
		return
	}
	if run.Status.IsTerminal() {
		return
	}
	applyOutcome(run, res.Outcome)
	log := s.logger.With(zap.String("job_id", run.JobID), zap.String("run_id", run.ID))

	switch {
	case res.Err == nil:
		if err := Transition(run, models.RunSuccess, s.now()); err != nil {
			log.Error("invalid completion", zap.Error(err))
			return
		}
		run.ErrorMessage = ""
		if err := s.repo.UpdateRun(ctx, run); err != nil {
			log.Error("failed to store run", zap.Error(err))
			return
		}
		log.Info("run succeeded", zap.Int64("rows", run.Rows.Processed), zap.Duration("duration", run.Duration()))
		s.finish(ctx, run)

	case errors.IsType(res.Err, errors.ErrorTypeCancelled) || run.CancelRequested:
		run.ErrorMessage = res.Err.Error()
		if err := Transition(run, models.RunCancelled, s.now()); err != nil {
			log.Error("invalid cancellation", zap.Error(err))
			return
		}
		if err := s.repo.UpdateRun(ctx, run); err != nil {
			log.Error("failed to store run", zap.Error(err))
			return
		}
		log.Info("run cancelled")
		s.finish(ctx, run)

	case run.Status == models.RunRunning && transient(res.Err) && run.Attempt < s.maxRetries(ctx, run.JobID):
		delay := s.retry.Backoff(run.Attempt)
		if err := Transition(run, models.RunRetrying, s.now()); err != nil {
			log.Error("invalid retry", zap.Error(err))
			return
		}
		next := s.now().Add(delay).UTC()
		run.NextRetryAt = &next
		run.ErrorMessage = res.Err.Error()
		if err := s.repo.UpdateRun(ctx, run); err != nil {
			log.Error("failed to store run", zap.Error(err))
			return
		}
		log.Warn("run failed, retrying", zap.Int("attempt", run.Attempt), zap.Duration("delay", delay), zap.Error(res.Err))
		s.record(ctx, AuditEvent{Action: AuditJobRetrying, JobID: run.JobID, RunID: run.ID, Status: run.Status,
			Counters: run.Rows, Message: run.ErrorMessage})
		task := Task{RunID: run.ID, JobID: run.JobID, JobType: run.JobType, Attempt: run.Attempt}
		s.after(delay, func() { s.requeue(task) })

	default:
		s.fail(ctx, run, res.Err)
	}
}

func (s *Supervisor) requeue(t Task) {
	s.mu.RLock()
	ctx, closed := s.ctx, s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	t.EnqueuedAt = s.now().UTC()
	if err := s.queue.Enqueue(ctx, t); err != nil {
		ctx = context.WithoutCancel(ctx)
		s.state.Lock()
		defer s.state.Unlock()
		run, gerr := s.repo.GetRun(ctx, t.RunID)
		if gerr != nil || run.Status.IsTerminal() {
			return
		}
		s.fail(ctx, run, errors.Wrap(err, errors.ErrorTypeOrchestration, "failed to requeue run"))
	}
}

func (s *Supervisor) maxRetries(ctx context.Context, jobID string) int {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return 0
	}
	return job.MaxRetries
}

// fail marks run failed and raises a critical alert.
func (s *Supervisor) fail(ctx context.Context, run *models.ETLRun, cause error) {
	run.ErrorMessage = cause.Error()
	if err := Transition(run, models.RunFailed, s.now()); err != nil {
		s.logger.Error("invalid failure transition", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		s.logger.Error("failed to store run", zap.String("run_id", run.ID), zap.Error(err))
	}
	s.logger.Error("run failed", zap.String("job_id", run.JobID), zap.String("run_id", run.ID),
		zap.Int("attempts", run.Attempt+1), zap.Error(cause))
	aerr := s.alerter.Raise(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Title:    "ETL run failed",
		Message:  fmt.Sprintf("job %s run %s failed after %d attempt(s): %s", run.JobID, run.ID, run.Attempt+1, cause),
		Details: map[string]interface{}{
			"job_id":   run.JobID,
			"run_id":   run.ID,
			"job_type": string(run.JobType),
			"attempts": run.Attempt + 1,
		},
		Timestamp: s.now(),
	})
	if aerr != nil {
		s.logger.Error("failed to raise alert", zap.Error(aerr))
	}
	s.finish(ctx, run)
}

// finish emits the terminal audit event, metrics and summary.
func (s *Supervisor) finish(ctx context.Context, run *models.ETLRun) {
	action := AuditJobCompleted
	switch run.Status {
	case models.RunFailed:
		action = AuditJobFailed
	case models.RunCancelled:
		action = AuditJobCancelled
	}
	s.record(ctx, AuditEvent{Action: action, JobID: run.JobID, RunID: run.ID, Principal: run.TriggeredBy,
		Status: run.Status, Counters: run.Rows, Message: run.ErrorMessage})
	s.metrics.RecordRun(string(run.JobType), string(run.Status), run.Duration())

	sum := summarize(run)
	s.mu.Lock()
	s.summaries[run.ID] = sum
	delete(s.cancels, run.ID)
	listeners := append([]SummaryListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(sum)
	}
}

func (s *Supervisor) record(ctx context.Context, e AuditEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error("failed to record audit event", zap.String("action", e.Action), zap.Error(err))
	}
}

func applyOutcome(run *models.ETLRun, o *Outcome) {
	if o == nil {
		return
	}
	run.Rows.Add(o.Rows)
	run.ValidationErrors += o.ValidationErrors
	for _, sm := range o.Samples {
		if len(run.SampleErrors) >= maxSamples {
			break
		}
		run.SampleErrors = append(run.SampleErrors, sm)
	}
	if run.CheckpointBefore == nil && o.CheckpointBefore != nil {
		run.CheckpointBefore = o.CheckpointBefore
	}
	if o.CheckpointAfter != nil {
		run.CheckpointAfter = o.CheckpointAfter
	}
}

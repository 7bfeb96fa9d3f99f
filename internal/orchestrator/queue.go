package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New(errors.ErrorTypeOrchestration, "task queue closed")

// Task is one unit of work: execute attempt Attempt of run RunID.
type Task struct {
	RunID      string         `json:"run_id"`
	JobID      string         `json:"job_id"`
	JobType    models.JobType `json:"job_type"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// TaskResult reports how a task ended. Err is nil on success.
type TaskResult struct {
	Task    Task
	Outcome *Outcome
	Err     error
}

// Handler executes a task.
type Handler func(ctx context.Context, t Task) TaskResult

// TaskQueue decouples run creation from execution. Completion callbacks
// fire on the worker that executed the task.
type TaskQueue interface {
	Enqueue(ctx context.Context, t Task) error
	OnComplete(fn func(TaskResult))
	// Start launches the workers. It returns once they are running.
	Start(ctx context.Context, h Handler) error
	// Close stops accepting tasks and waits for in-flight work.
	Close() error
}

// callbacks is the completion fan-out shared by queue implementations.
type callbacks struct {
	mu  sync.RWMutex
	fns []func(TaskResult)
}

func (c *callbacks) add(fn func(TaskResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

func (c *callbacks) fire(r TaskResult) {
	c.mu.RLock()
	fns := append(([]func(TaskResult))(nil), c.fns...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(r)
	}
}

// MemoryQueue is a bounded channel drained by a fixed worker pool.
type MemoryQueue struct {
	tasks   chan Task
	workers int
	cb      callbacks
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewMemoryQueue creates a queue holding up to capacity pending tasks.
func NewMemoryQueue(capacity, workers int, m *metrics.Metrics, l *zap.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 1
	}
	return &MemoryQueue{
		tasks:   make(chan Task, capacity),
		workers: workers,
		metrics: m,
		logger:  logger.OrDefault(l, "task_queue"),
	}
}

// Enqueue implements TaskQueue. It blocks while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- t:
		q.metrics.SetQueueDepth(len(q.tasks))
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "enqueue cancelled")
	}
}

// OnComplete implements TaskQueue.
func (q *MemoryQueue) OnComplete(fn func(TaskResult)) { q.cb.add(fn) }

// Start implements TaskQueue.
func (q *MemoryQueue) Start(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return errors.New(errors.ErrorTypeOrchestration, "task queue already started")
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i, h)
	}
	q.logger.Info("task queue started", zap.Int("workers", q.workers), zap.Int("capacity", cap(q.tasks)))
	return nil
}

func (q *MemoryQueue) work(ctx context.Context, id int, h Handler) {
	defer q.wg.Done()
	for {
		select {
		case t, ok := <-q.tasks:
			if !ok {
				return
			}
			q.metrics.SetQueueDepth(len(q.tasks))
			q.logger.Debug("task picked up", zap.Int("worker", id), zap.String("run_id", t.RunID))
			q.cb.fire(h(ctx, t))
		case <-ctx.Done():
			return
		}
	}
}

// Close implements TaskQueue. Tasks already queued are still executed
// unless the start context is cancelled.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

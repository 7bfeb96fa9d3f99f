package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

// MemoryRepository keeps everything in process memory.
type MemoryRepository struct {
	mu          sync.RWMutex
	jobs        map[string]models.ETLJob
	runs        map[string]models.ETLRun
	checkpoints map[[2]string]models.Checkpoint
	sources     map[string]models.DataSource
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:        map[string]models.ETLJob{},
		runs:        map[string]models.ETLRun{},
		checkpoints: map[[2]string]models.Checkpoint{},
		sources:     map[string]models.DataSource{},
	}
}

func cloneDoc(d models.Document) models.Document {
	if d == nil {
		return nil
	}
	return d.Clone()
}

func cloneRun(r models.ETLRun) models.ETLRun {
	r.ConfigSnapshot = cloneDoc(r.ConfigSnapshot)
	r.CheckpointBefore = cloneDoc(r.CheckpointBefore)
	r.CheckpointAfter = cloneDoc(r.CheckpointAfter)
	r.SampleErrors = append(models.StringList(nil), r.SampleErrors...)
	return r
}

// SaveJob implements Repository.
func (m *MemoryRepository) SaveJob(_ context.Context, job *models.ETLJob) error {
	if job.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "job id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

// GetJob implements Repository.
func (m *MemoryRepository) GetJob(_ context.Context, id string) (*models.ETLJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrap(ErrJobNotFound, errors.ErrorTypeNotFound, id)
	}
	return &j, nil
}

// ListJobs implements Repository. Jobs are ordered by id.
func (m *MemoryRepository) ListJobs(_ context.Context, activeOnly bool) ([]models.ETLJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ETLJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if activeOnly && !j.Active {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateRun implements Repository.
func (m *MemoryRepository) CreateRun(_ context.Context, run *models.ETLRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "run %s already exists", run.ID)
	}
	m.runs[run.ID] = cloneRun(*run)
	return nil
}

// UpdateRun implements Repository.
func (m *MemoryRepository) UpdateRun(_ context.Context, run *models.ETLRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; !exists {
		return errors.Wrap(ErrRunNotFound, errors.ErrorTypeNotFound, run.ID)
	}
	m.runs[run.ID] = cloneRun(*run)
	return nil
}

// GetRun implements Repository.
func (m *MemoryRepository) GetRun(_ context.Context, id string) (*models.ETLRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errors.Wrap(ErrRunNotFound, errors.ErrorTypeNotFound, id)
	}
	r = cloneRun(r)
	return &r, nil
}

// ListRuns implements Repository.
func (m *MemoryRepository) ListRuns(_ context.Context, q RunQuery) ([]models.ETLRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ETLRun
	for _, r := range m.runs {
		if q.matches(&r) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.After(out[j].QueuedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetCheckpoint implements Repository.
func (m *MemoryRepository) GetCheckpoint(_ context.Context, jobID, source string) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checkpoints[[2]string{jobID, source}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// CommitCheckpoint implements Repository.
func (m *MemoryRepository) CommitCheckpoint(_ context.Context, c CheckpointCommit) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]string{c.JobID, c.Source}
	var prev *models.Checkpoint
	if cur, ok := m.checkpoints[k]; ok {
		prev = &cur
	}
	next, err := advance(prev, c)
	if err != nil {
		return nil, err
	}
	m.checkpoints[k] = *next
	return next, nil
}

// ListCheckpoints implements Repository.
func (m *MemoryRepository) ListCheckpoints(_ context.Context, jobID string) ([]models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Checkpoint
	for k, c := range m.checkpoints {
		if jobID == "" || k[0] == jobID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

// SaveDataSource implements Repository.
func (m *MemoryRepository) SaveDataSource(_ context.Context, ds *models.DataSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[ds.Name] = *ds
	return nil
}

// GetDataSource implements Repository.
func (m *MemoryRepository) GetDataSource(_ context.Context, name string) (*models.DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.sources[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "data source %s not found", name)
	}
	return &ds, nil
}

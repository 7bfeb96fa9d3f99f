package orchestrator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New(errors.ErrorTypeNotFound, "job not found")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New(errors.ErrorTypeNotFound, "run not found")
	// ErrCheckpointRegression is returned when a commit would move an
	// ordered checkpoint backwards.
	ErrCheckpointRegression = errors.New(errors.ErrorTypeOrchestration, "checkpoint would move backwards")
)

// RunQuery filters runs. Zero fields do not filter. Results are newest
// first.
type RunQuery struct {
	JobID  string
	Status []models.RunStatus
	Limit  int
}

func (q RunQuery) matches(r *models.ETLRun) bool {
	if q.JobID != "" && r.JobID != q.JobID {
		return false
	}
	if len(q.Status) == 0 {
		return true
	}
	for _, s := range q.Status {
		if r.Status == s {
			return true
		}
	}
	return false
}

// CheckpointCommit records progress for one (job, source) pair.
type CheckpointCommit struct {
	JobID  string
	Source string
	Type   models.CheckpointType
	Value  string
	// Rows is added to the cumulative row counter
	Rows  int64
	RunID string
	At    time.Time
}

// Repository persists jobs, runs, checkpoints and data source health.
type Repository interface {
	SaveJob(ctx context.Context, job *models.ETLJob) error
	GetJob(ctx context.Context, id string) (*models.ETLJob, error)
	ListJobs(ctx context.Context, activeOnly bool) ([]models.ETLJob, error)

	CreateRun(ctx context.Context, run *models.ETLRun) error
	UpdateRun(ctx context.Context, run *models.ETLRun) error
	GetRun(ctx context.Context, id string) (*models.ETLRun, error)
	ListRuns(ctx context.Context, q RunQuery) ([]models.ETLRun, error)

	// GetCheckpoint returns nil and no error when none was committed.
	GetCheckpoint(ctx context.Context, jobID, source string) (*models.Checkpoint, error)
	// CommitCheckpoint upserts the single active checkpoint for the pair.
	// Timestamp and sequence checkpoints never move backwards.
	CommitCheckpoint(ctx context.Context, c CheckpointCommit) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error)

	SaveDataSource(ctx context.Context, ds *models.DataSource) error
	GetDataSource(ctx context.Context, name string) (*models.DataSource, error)
}

// advance validates moving a checkpoint from prev to next and returns the
// resulting row.
func advance(prev *models.Checkpoint, c CheckpointCommit) (*models.Checkpoint, error) {
	next := &models.Checkpoint{
		JobID:           c.JobID,
		Source:          c.Source,
		CheckpointType:  c.Type,
		CheckpointValue: c.Value,
		RowsProcessed:   c.Rows,
		Active:          true,
		RunID:           c.RunID,
		UpdatedAt:       c.At.UTC(),
	}
	if prev == nil {
		return next, nil
	}
	next.RowsProcessed += prev.RowsProcessed
	if prev.CheckpointType == c.Type {
		cmp, err := compareCheckpoint(c.Type, prev.CheckpointValue, c.Value)
		if err != nil {
			return nil, err
		}
		if cmp > 0 {
			return nil, errors.Wrap(ErrCheckpointRegression, errors.ErrorTypeOrchestration,
				prev.CheckpointValue+" -> "+c.Value).
				WithDetail("job_id", c.JobID).
				WithDetail("source", c.Source)
		}
	}
	return next, nil
}

// compareCheckpoint orders a and b for ordered types; cursor and batch
// values are opaque and always compare equal.
func compareCheckpoint(t models.CheckpointType, a, b string) (int, error) {
	if a == "" || b == "" {
		return 0, nil
	}
	switch t {
	case models.CheckpointTimestamp:
		ta, err := parseTimestamp(a)
		if err != nil {
			return 0, err
		}
		tb, err := parseTimestamp(b)
		if err != nil {
			return 0, err
		}
		return ta.Compare(tb), nil
	case models.CheckpointSequence:
		na, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeData, "invalid sequence checkpoint "+a)
		}
		nb, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeData, "invalid sequence checkpoint "+b)
		}
		switch {
		case na < nb:
			return -1, nil
		case na > nb:
			return 1, nil
		}
	}
	return 0, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeData, "invalid timestamp checkpoint "+s)
	}
	return t, nil
}

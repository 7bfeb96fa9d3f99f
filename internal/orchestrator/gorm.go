package orchestrator

import (
	"context"
	stderrors "errors"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormRepository persists orchestration state in a relational database.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository wraps db. Call Migrate once before use.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Models lists the tables owned by the repository.
func Models() []interface{} {
	return []interface{}{&models.ETLJob{}, &models.ETLRun{}, &models.Checkpoint{}, &models.DataSource{}}
}

// Migrate creates or updates the orchestration tables.
func (r *GormRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to migrate orchestration tables")
	}
	return nil
}

// SaveJob implements Repository. Every column is written so that false and
// zero values survive column defaults.
func (r *GormRepository) SaveJob(ctx context.Context, job *models.ETLJob) error {
	if job.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "job id is required")
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Select("*").
		Create(job).Error
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to save job").WithDetail("job_id", job.ID)
	}
	return nil
}

// GetJob implements Repository.
func (r *GormRepository) GetJob(ctx context.Context, id string) (*models.ETLJob, error) {
	var job models.ETLJob
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(ErrJobNotFound, errors.ErrorTypeNotFound, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load job")
	}
	return &job, nil
}

// ListJobs implements Repository.
func (r *GormRepository) ListJobs(ctx context.Context, activeOnly bool) ([]models.ETLJob, error) {
	db := r.db.WithContext(ctx).Order("id")
	if activeOnly {
		db = db.Where("active = ?", true)
	}
	var jobs []models.ETLJob
	if err := db.Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list jobs")
	}
	return jobs, nil
}

// CreateRun implements Repository.
func (r *GormRepository) CreateRun(ctx context.Context, run *models.ETLRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create run").WithDetail("run_id", run.ID)
	}
	return nil
}

// UpdateRun implements Repository.
func (r *GormRepository) UpdateRun(ctx context.Context, run *models.ETLRun) error {
	res := r.db.WithContext(ctx).Model(&models.ETLRun{}).
		Where("id = ?", run.ID).
		Select("*").
		Updates(run)
	if res.Error != nil {
		return errors.Wrap(res.Error, errors.ErrorTypeQuery, "failed to update run").WithDetail("run_id", run.ID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(ErrRunNotFound, errors.ErrorTypeNotFound, run.ID)
	}
	return nil
}

// GetRun implements Repository.
func (r *GormRepository) GetRun(ctx context.Context, id string) (*models.ETLRun, error) {
	var run models.ETLRun
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(ErrRunNotFound, errors.ErrorTypeNotFound, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load run")
	}
	return &run, nil
}

// ListRuns implements Repository.
func (r *GormRepository) ListRuns(ctx context.Context, q RunQuery) ([]models.ETLRun, error) {
	db := r.db.WithContext(ctx).Order("queued_at DESC").Order("id DESC")
	if q.JobID != "" {
		db = db.Where("job_id = ?", q.JobID)
	}
	if len(q.Status) > 0 {
		db = db.Where("status IN ?", q.Status)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var runs []models.ETLRun
	if err := db.Find(&runs).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list runs")
	}
	return runs, nil
}

// GetCheckpoint implements Repository.
func (r *GormRepository) GetCheckpoint(ctx context.Context, jobID, source string) (*models.Checkpoint, error) {
	return getCheckpoint(r.db.WithContext(ctx), jobID, source)
}

func getCheckpoint(db *gorm.DB, jobID, source string) (*models.Checkpoint, error) {
	var c models.Checkpoint
	err := db.Where("job_id = ? AND source = ? AND active = ?", jobID, source, true).Take(&c).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load checkpoint")
	}
	return &c, nil
}

// CommitCheckpoint implements Repository. The read and write share a
// transaction so concurrent commits for the same pair serialize.
func (r *GormRepository) CommitCheckpoint(ctx context.Context, c CheckpointCommit) (*models.Checkpoint, error) {
	var out *models.Checkpoint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := getCheckpoint(tx.Clauses(clause.Locking{Strength: "UPDATE"}), c.JobID, c.Source)
		if err != nil {
			return err
		}
		next, err := advance(prev, c)
		if err != nil {
			return err
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "source"}},
			DoUpdates: clause.AssignmentColumns([]string{"checkpoint_type", "checkpoint_value", "rows_processed", "active", "run_id", "updated_at"}),
		}).Create(next).Error
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to commit checkpoint")
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListCheckpoints implements Repository.
func (r *GormRepository) ListCheckpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	db := r.db.WithContext(ctx).Order("job_id").Order("source")
	if jobID != "" {
		db = db.Where("job_id = ?", jobID)
	}
	var out []models.Checkpoint
	if err := db.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list checkpoints")
	}
	return out, nil
}

// SaveDataSource implements Repository.
func (r *GormRepository) SaveDataSource(ctx context.Context, ds *models.DataSource) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, UpdateAll: true}).
		Create(ds).Error
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to save data source").WithDetail("name", ds.Name)
	}
	return nil
}

// GetDataSource implements Repository.
func (r *GormRepository) GetDataSource(ctx context.Context, name string) (*models.DataSource, error) {
	var ds models.DataSource
	err := r.db.WithContext(ctx).Where("name = ?", name).Take(&ds).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "data source %s not found", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load data source")
	}
	return &ds, nil
}

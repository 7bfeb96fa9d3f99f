package staging

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const markChunk = 500

// GormStore persists staging records in a relational database. The
// primary key on ingest_id makes InsertEvent an atomic unique insert.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. Call Migrate once before use.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the staging tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.RawEvent{}, &models.RawError{}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to migrate staging tables")
	}
	return nil
}

// InsertEvent implements Store using INSERT ... ON CONFLICT DO NOTHING; no
// affected row means the ingest id was already present.
func (s *GormStore) InsertEvent(ctx context.Context, e *models.RawEvent) error {
	res := s.db.WithContext(ctx).
		Session(&gorm.Session{SkipDefaultTransaction: true}).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "ingest_id"}}, DoNothing: true}).
		Create(e)
	if res.Error != nil {
		return errors.Wrap(res.Error, errors.ErrorTypeIngestion, "failed to stage event").
			WithDetail("ingest_id", e.IngestID)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetEvent implements Store.
func (s *GormStore) GetEvent(ctx context.Context, id string) (*models.RawEvent, error) {
	var e models.RawEvent
	err := s.db.WithContext(ctx).Where("ingest_id = ?", id).Take(&e).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load event")
	}
	return &e, nil
}

// UpdateEvent implements Store. The current row is locked while the
// transition is checked.
func (s *GormStore) UpdateEvent(ctx context.Context, e *models.RawEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.RawEvent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("ingest_id = ?", e.IngestID).Take(&prev).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to load event")
		}
		if err := checkUpdate(&prev, e); err != nil {
			return err
		}
		if err := tx.Save(e).Error; err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to update event")
		}
		return nil
	})
}

func (s *GormStore) eventScope(ctx context.Context, q EventQuery) *gorm.DB {
	db := s.db.WithContext(ctx).Model(&models.RawEvent{})
	if q.Source != "" {
		db = db.Where("source = ?", q.Source)
	}
	if q.BatchID != "" {
		db = db.Where("batch_id = ?", q.BatchID)
	}
	if q.Status != "" {
		db = db.Where("validation_status = ?", q.Status)
	}
	if q.Processed != nil {
		db = db.Where("processed = ?", *q.Processed)
	}
	if q.From != nil {
		db = db.Where("ingested_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("ingested_at < ?", *q.To)
	}
	return db
}

// ListEvents implements Store, ordered by ingestion time.
func (s *GormStore) ListEvents(ctx context.Context, q EventQuery) ([]models.RawEvent, error) {
	var out []models.RawEvent
	db := s.eventScope(ctx, q).Order("ingested_at, ingest_id")
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	if err := db.Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list events")
	}
	return out, nil
}

// CountEvents implements Store.
func (s *GormStore) CountEvents(ctx context.Context, q EventQuery) (int64, error) {
	var n int64
	if err := s.eventScope(ctx, q).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count events")
	}
	return n, nil
}

// InsertError implements Store.
func (s *GormStore) InsertError(ctx context.Context, e *models.RawError) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to quarantine record")
	}
	return nil
}

// ListErrors implements Store.
func (s *GormStore) ListErrors(ctx context.Context, q ErrorQuery) ([]models.RawError, error) {
	db := s.db.WithContext(ctx).Model(&models.RawError{})
	if q.Source != "" {
		db = db.Where("source = ?", q.Source)
	}
	if q.BatchID != "" {
		db = db.Where("batch_id = ?", q.BatchID)
	}
	if q.IngestID != "" {
		db = db.Where("ingest_id = ?", q.IngestID)
	}
	if q.ErrorType != "" {
		db = db.Where("error_type = ?", q.ErrorType)
	}
	if q.Resolved != nil {
		db = db.Where("resolved = ?", *q.Resolved)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var out []models.RawError
	if err := db.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list raw errors")
	}
	return out, nil
}

// ResolveError implements Store.
func (s *GormStore) ResolveError(ctx context.Context, id, notes string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.RawError{}).Where("id = ?", id).Updates(map[string]interface{}{
		"resolved":         true,
		"resolved_at":      at,
		"resolution_notes": notes,
	})
	if res.Error != nil {
		return errors.Wrap(res.Error, errors.ErrorTypeQuery, "failed to resolve raw error")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateError implements Store.
func (s *GormStore) UpdateError(ctx context.Context, id, message string) error {
	res := s.db.WithContext(ctx).Model(&models.RawError{}).
		Where("id = ? AND resolved = ?", id, false).
		Update("error_message", message)
	if res.Error != nil {
		return errors.Wrap(res.Error, errors.ErrorTypeQuery, "failed to update raw error")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProcessed implements Store.
func (s *GormStore) MarkProcessed(ctx context.Context, ids []string, runID string, at time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += markChunk {
			end := start + markChunk
			if end > len(ids) {
				end = len(ids)
			}
			res := tx.Model(&models.RawEvent{}).
				Where("ingest_id IN ? AND validation_status = ? AND processed = ?", ids[start:end], models.StatusEnriched, false).
				Updates(map[string]interface{}{
					"processed":    true,
					"processed_at": at,
					"etl_run_id":   runID,
					"updated_at":   at,
				})
			if res.Error != nil {
				return res.Error
			}
			total += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to mark events processed")
	}
	return total, nil
}

// PurgeProcessed implements Store.
func (s *GormStore) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("processed = ? AND ingested_at < ?", true, before).
		Delete(&models.RawEvent{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, errors.ErrorTypeQuery, "failed to purge processed events")
	}
	return res.RowsAffected, nil
}

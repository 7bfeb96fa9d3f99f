// Package staging holds raw ingested records and quarantined errors. The
// store admits each ingest id at most once; the insert itself enforces
// uniqueness so concurrent batches cannot both admit the same record.
package staging

import (
	"context"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

var (
	// ErrDuplicate is returned by InsertEvent when the ingest id exists.
	ErrDuplicate = errors.New(errors.ErrorTypeConflict, "ingest id already staged")
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New(errors.ErrorTypeNotFound, "staged record not found")
	// ErrInvalidTransition is returned when an update would move a record
	// backwards through the validation states.
	ErrInvalidTransition = errors.New(errors.ErrorTypeValidation, "invalid validation status transition")
)

// EventQuery filters staged events. Zero fields do not filter.
type EventQuery struct {
	Source    string
	BatchID   string
	Status    models.ValidationStatus
	Processed *bool
	From      *time.Time
	To        *time.Time
	Limit     int
}

// ErrorQuery filters quarantined records.
type ErrorQuery struct {
	Source    string
	BatchID   string
	IngestID  string
	ErrorType models.ErrorType
	Resolved  *bool
	Limit     int
}

// Store is the staging persistence contract.
type Store interface {
	// InsertEvent atomically admits e, returning ErrDuplicate if its
	// ingest id is already present.
	InsertEvent(ctx context.Context, e *models.RawEvent) error
	GetEvent(ctx context.Context, ingestID string) (*models.RawEvent, error)
	// UpdateEvent replaces a staged record, enforcing forward-only status
	// transitions.
	UpdateEvent(ctx context.Context, e *models.RawEvent) error
	ListEvents(ctx context.Context, q EventQuery) ([]models.RawEvent, error)
	CountEvents(ctx context.Context, q EventQuery) (int64, error)

	InsertError(ctx context.Context, e *models.RawError) error
	ListErrors(ctx context.Context, q ErrorQuery) ([]models.RawError, error)
	ResolveError(ctx context.Context, id, notes string, at time.Time) error
	// UpdateError replaces the message of an open quarantined record.
	UpdateError(ctx context.Context, id, message string) error

	// MarkProcessed flags enriched, unprocessed events with runID and
	// returns how many were marked.
	MarkProcessed(ctx context.Context, ids []string, runID string, at time.Time) (int64, error)
	// PurgeProcessed deletes processed events ingested before cutoff.
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

// checkUpdate validates moving a record from prev to next.
func checkUpdate(prev, next *models.RawEvent) error {
	if prev.ValidationStatus != next.ValidationStatus && !prev.ValidationStatus.CanTransition(next.ValidationStatus) {
		return errors.Wrap(ErrInvalidTransition, errors.ErrorTypeValidation,
			string(prev.ValidationStatus)+" -> "+string(next.ValidationStatus)).
			WithDetail("ingest_id", next.IngestID)
	}
	if next.Processed && next.ValidationStatus != models.StatusEnriched {
		return errors.Wrap(ErrInvalidTransition, errors.ErrorTypeValidation, "only enriched records can be processed").
			WithDetail("ingest_id", next.IngestID)
	}
	if prev.Processed && !next.Processed {
		return errors.Wrap(ErrInvalidTransition, errors.ErrorTypeValidation, "processed flag cannot be cleared").
			WithDetail("ingest_id", next.IngestID)
	}
	return nil
}

func (q EventQuery) matches(e *models.RawEvent) bool {
	if q.Source != "" && e.Source != q.Source {
		return false
	}
	if q.BatchID != "" && e.BatchID != q.BatchID {
		return false
	}
	if q.Status != "" && e.ValidationStatus != q.Status {
		return false
	}
	if q.Processed != nil && e.Processed != *q.Processed {
		return false
	}
	if q.From != nil && e.IngestedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && !e.IngestedAt.Before(*q.To) {
		return false
	}
	return true
}

func (q ErrorQuery) matches(e *models.RawError) bool {
	if q.Source != "" && e.Source != q.Source {
		return false
	}
	if q.BatchID != "" && e.BatchID != q.BatchID {
		return false
	}
	if q.IngestID != "" && e.IngestID != q.IngestID {
		return false
	}
	if q.ErrorType != "" && e.ErrorType != q.ErrorType {
		return false
	}
	if q.Resolved != nil && e.Resolved != *q.Resolved {
		return false
	}
	return true
}

// Bool returns a pointer to b, for query fields.
func Bool(b bool) *bool { return &b }

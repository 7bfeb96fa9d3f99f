package staging

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

// MemoryStore is a mutex guarded in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*models.RawEvent
	order  []string
	errs   map[string]*models.RawError
	errOrd []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*models.RawEvent),
		errs:   make(map[string]*models.RawError),
	}
}

func copyEvent(e *models.RawEvent) *models.RawEvent {
	c := *e
	c.RawPayload = e.RawPayload.Clone()
	if e.EnrichedData != nil {
		c.EnrichedData = e.EnrichedData.Clone()
	}
	c.ValidationErrors = append(models.FieldErrors(nil), e.ValidationErrors...)
	return &c
}

// InsertEvent implements Store.
func (s *MemoryStore) InsertEvent(_ context.Context, e *models.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[e.IngestID]; exists {
		return ErrDuplicate
	}
	s.events[e.IngestID] = copyEvent(e)
	s.order = append(s.order, e.IngestID)
	return nil
}

// GetEvent implements Store.
func (s *MemoryStore) GetEvent(_ context.Context, id string) (*models.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(e), nil
}

// UpdateEvent implements Store.
func (s *MemoryStore) UpdateEvent(_ context.Context, e *models.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.events[e.IngestID]
	if !ok {
		return ErrNotFound
	}
	if err := checkUpdate(prev, e); err != nil {
		return err
	}
	s.events[e.IngestID] = copyEvent(e)
	return nil
}

// ListEvents implements Store. Events come back in insertion order.
func (s *MemoryStore) ListEvents(_ context.Context, q EventQuery) ([]models.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RawEvent
	for _, id := range s.order {
		e, ok := s.events[id]
		if !ok || !q.matches(e) {
			continue
		}
		out = append(out, *copyEvent(e))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// CountEvents implements Store.
func (s *MemoryStore) CountEvents(_ context.Context, q EventQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.events {
		if q.matches(e) {
			n++
		}
	}
	return n, nil
}

// InsertError implements Store.
func (s *MemoryStore) InsertError(_ context.Context, e *models.RawError) error {
	if e.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "raw error id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.errs[e.ID]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "raw error %s exists", e.ID)
	}
	c := *e
	s.errs[e.ID] = &c
	s.errOrd = append(s.errOrd, e.ID)
	return nil
}

// ListErrors implements Store.
func (s *MemoryStore) ListErrors(_ context.Context, q ErrorQuery) ([]models.RawError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RawError
	for _, id := range s.errOrd {
		e := s.errs[id]
		if !q.matches(e) {
			continue
		}
		out = append(out, *e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// ResolveError implements Store.
func (s *MemoryStore) ResolveError(_ context.Context, id, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.errs[id]
	if !ok {
		return ErrNotFound
	}
	e.Resolved = true
	e.ResolvedAt = &at
	e.ResolutionNotes = notes
	return nil
}

// UpdateError implements Store.
func (s *MemoryStore) UpdateError(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.errs[id]
	if !ok || e.Resolved {
		return ErrNotFound
	}
	e.ErrorMessage = message
	return nil
}

// MarkProcessed implements Store.
func (s *MemoryStore) MarkProcessed(_ context.Context, ids []string, runID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		e, ok := s.events[id]
		if !ok || e.Processed || e.ValidationStatus != models.StatusEnriched {
			continue
		}
		e.Processed = true
		t := at
		e.ProcessedAt = &t
		e.ETLRunID = runID
		e.UpdatedAt = at
		n++
	}
	return n, nil
}

// PurgeProcessed implements Store.
func (s *MemoryStore) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.order[:0]
	for _, id := range s.order {
		e := s.events[id]
		if e.Processed && e.IngestedAt.Before(before) {
			delete(s.events, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return n, nil
}

package warehouse

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store writes warehouse rows with insert-or-replace semantics keyed on
// each row's natural key.
type Store interface {
	Upsert(ctx context.Context, rows []Row) error
	// Load fills dest, a pointer to a slice of one row type, ordered by
	// natural key.
	Load(ctx context.Context, dest interface{}) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Row
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]Row)}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		t := s.tables[r.TableName()]
		if t == nil {
			t = make(map[string]Row)
			s.tables[r.TableName()] = t
		}
		t[r.NaturalKey()] = r
	}
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, dest interface{}) error {
	slice, elem, err := sliceOf(dest)
	if err != nil {
		return err
	}
	table := reflect.Zero(elem).Interface().(Row).TableName()

	s.mu.RLock()
	rows := s.tables[table]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := reflect.MakeSlice(slice.Type(), 0, len(keys))
	for _, k := range keys {
		out = reflect.Append(out, reflect.ValueOf(rows[k]))
	}
	s.mu.RUnlock()

	slice.Set(out)
	return nil
}

func sliceOf(dest interface{}) (reflect.Value, reflect.Type, error) {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Slice {
		return reflect.Value{}, nil, errors.New(errors.ErrorTypeInternal, "load destination must be a pointer to a slice")
	}
	elem := v.Elem().Type().Elem()
	if !elem.Implements(reflect.TypeOf((*Row)(nil)).Elem()) {
		return reflect.Value{}, nil, errors.Newf(errors.ErrorTypeInternal, "%s is not a warehouse row", elem)
	}
	return v.Elem(), elem, nil
}

// GormStore persists rows through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the warehouse tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to migrate warehouse tables")
	}
	return nil
}

// Upsert implements Store. All rows are written in one transaction.
func (s *GormStore) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range rows {
			cols := make([]clause.Column, 0, len(r.KeyColumns()))
			for _, c := range r.KeyColumns() {
				cols = append(cols, clause.Column{Name: c})
			}
			// gorm needs an addressable struct
			ptr := reflect.New(reflect.TypeOf(r))
			ptr.Elem().Set(reflect.ValueOf(r))
			res := tx.Clauses(clause.OnConflict{
				Columns:   cols,
				DoUpdates: clause.AssignmentColumns(r.ValueColumns()),
			}).Create(ptr.Interface())
			if res.Error != nil {
				return errors.Wrap(res.Error, errors.ErrorTypeQuery, "failed to upsert "+r.TableName()).
					WithDetail("key", r.NaturalKey())
			}
		}
		return nil
	})
}

// Load implements Store.
func (s *GormStore) Load(ctx context.Context, dest interface{}) error {
	_, elem, err := sliceOf(dest)
	if err != nil {
		return err
	}
	row := reflect.Zero(elem).Interface().(Row)
	db := s.db.WithContext(ctx)
	for _, c := range row.KeyColumns() {
		db = db.Order(c)
	}
	if err := db.Find(dest).Error; err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to load "+row.TableName())
	}
	return nil
}

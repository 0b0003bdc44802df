// Package sqlstore implements store.Store on gorm for sqlite and postgres.
// T is a gorm model. Filters, changes and orderings name fields by their
// json tag (the column name when untagged), never by column. A
// gorm.DeletedAt field turns on soft delete.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"github.com/unkn0wn-root/cacheaside/store"
)

var ErrNoSoftDelete = errors.New("sqlstore: model has no gorm.DeletedAt field")

var deletedAtType = reflect.TypeOf(gorm.DeletedAt{})

type Store[T any] struct {
	db      *gorm.DB
	table   string
	columns map[string]string // field -> column
	primary *schema.Field
	soft    bool
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)

func New[T any](db *gorm.DB) (*Store[T], error) {
	if db == nil {
		return nil, errors.New("sqlstore: nil db")
	}
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(new(T)); err != nil {
		return nil, fmt.Errorf("sqlstore: parse model: %w", err)
	}
	sch := stmt.Schema
	if sch.PrioritizedPrimaryField == nil {
		return nil, fmt.Errorf("sqlstore: %s has no primary key", sch.Table)
	}

	s := &Store[T]{
		db:      db,
		table:   sch.Table,
		columns: make(map[string]string, len(sch.Fields)),
		primary: sch.PrioritizedPrimaryField,
	}
	for _, f := range sch.Fields {
		if f.DBName == "" {
			continue
		}
		if f.FieldType == deletedAtType {
			s.soft = true
			continue
		}
		s.columns[fieldName(f)] = f.DBName
	}
	return s, nil
}

func fieldName(f *schema.Field) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return f.DBName
	}
	return name
}

func (s *Store[T]) HasField(field string) bool {
	_, ok := s.columns[field]
	return ok
}

func (s *Store[T]) FindOne(ctx context.Context, q store.Query) (T, bool, error) {
	var zero T
	q.Limit = 1
	rows, err := s.Find(ctx, q)
	if err != nil || len(rows) == 0 {
		return zero, false, err
	}
	return rows[0], true, nil
}

func (s *Store[T]) Find(ctx context.Context, q store.Query) ([]T, error) {
	tx, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: find %s: %w", s.table, err)
	}
	return out, nil
}

func (s *Store[T]) Count(ctx context.Context, q store.Query) (int64, error) {
	q.Order, q.Limit, q.Offset = nil, 0, 0
	tx, err := s.query(ctx, q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("sqlstore: count %s: %w", s.table, err)
	}
	return n, nil
}

// query scopes a statement to q.
func (s *Store[T]) query(ctx context.Context, q store.Query) (*gorm.DB, error) {
	tx := s.db.WithContext(ctx).Model(new(T))
	if q.WithDeleted {
		tx = tx.Unscoped()
	}
	where, err := s.where(q.Filter)
	if err != nil {
		return nil, err
	}
	tx = tx.Where(where)
	for _, o := range q.Order {
		col, ok := s.columns[o.Field]
		if !ok {
			return nil, fmt.Errorf("%w: order %q", store.ErrUnknownField, o.Field)
		}
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: col}, Desc: o.Desc})
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	return tx, nil
}

// Insert assigns a UUID when v has an empty string primary key.
func (s *Store[T]) Insert(ctx context.Context, v T) (T, error) {
	rv := reflect.ValueOf(&v).Elem()
	if id, zero := s.primary.ValueOf(ctx, rv); zero {
		if _, ok := id.(string); ok {
			if err := s.primary.Set(ctx, rv, uuid.NewString()); err != nil {
				var none T
				return none, fmt.Errorf("sqlstore: assign id %s: %w", s.table, err)
			}
		}
	}
	if err := s.db.WithContext(ctx).Create(&v).Error; err != nil {
		var none T
		return none, fmt.Errorf("sqlstore: insert %s: %w", s.table, err)
	}
	return v, nil
}

func (s *Store[T]) Update(ctx context.Context, f store.Filter, ch store.Changes) (int64, error) {
	if len(ch) == 0 {
		return 0, nil
	}
	set := make(map[string]any, len(ch))
	for field, v := range ch {
		col, ok := s.columns[field]
		if !ok {
			return 0, fmt.Errorf("%w: change %q", store.ErrUnknownField, field)
		}
		set[col] = v
	}
	where, err := s.where(f)
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(new(T)).Unscoped().Where(where).Updates(set)
	return s.affected("update", res)
}

func (s *Store[T]) Delete(ctx context.Context, f store.Filter) (int64, error) {
	where, err := s.where(f)
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Unscoped().Where(where).Delete(new(T))
	return s.affected("delete", res)
}

// SoftDelete sets the deleted-at timestamp of matching rows that are still
// visible.
func (s *Store[T]) SoftDelete(ctx context.Context, f store.Filter) (int64, error) {
	if !s.soft {
		return 0, ErrNoSoftDelete
	}
	where, err := s.where(f)
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Where(where).Delete(new(T))
	return s.affected("soft delete", res)
}

func (s *Store[T]) affected(op string, res *gorm.DB) (int64, error) {
	if res.Error != nil {
		return 0, fmt.Errorf("sqlstore: %s %s: %w", op, s.table, res.Error)
	}
	return res.RowsAffected, nil
}

// where maps a field filter to columns. gorm renders a nil value as IS NULL.
func (s *Store[T]) where(f store.Filter) (map[string]any, error) {
	out := make(map[string]any, len(f))
	for field, v := range f {
		col, ok := s.columns[field]
		if !ok {
			return nil, fmt.Errorf("%w: filter %q", store.ErrUnknownField, field)
		}
		out[col] = v
	}
	return out, nil
}

// Package store defines the backing-store contract the repository layer
// reads through. The store is the source of truth; every method that
// changes rows is a single atomic statement.
package store

import (
	"context"
	"errors"
)

// ErrUnknownField is returned when a filter, change set or ordering names a
// field the store does not map.
var ErrUnknownField = errors.New("store: unknown field")

// Filter is an equality conjunction: every field must equal its value.
type Filter map[string]any

// Changes is a partial update: field -> new value.
type Changes map[string]any

type Order struct {
	Field string
	Desc  bool
}

// Query selects rows. Soft-deleted rows are hidden unless WithDeleted is set.
type Query struct {
	Filter      Filter
	Order       []Order
	Limit       int // 0 => no limit
	Offset      int
	WithDeleted bool
}

// Page is a listing request. Sort uses the signed field list convention:
// "-createdAt fullname" sorts createdAt descending, then fullname ascending.
type Page struct {
	Filter Filter
	Sort   string
	Limit  int
	Offset int
}

// Store is implemented by the relational integration (see sqlstore).
type Store[T any] interface {
	// HasField reports whether field can be used in filters, changes and
	// orderings.
	HasField(field string) bool

	FindOne(ctx context.Context, q Query) (T, bool, error)
	Find(ctx context.Context, q Query) ([]T, error)
	Count(ctx context.Context, q Query) (int64, error)

	// Insert stores v and returns the stored row, with its id assigned.
	Insert(ctx context.Context, v T) (T, error)
	// Update applies changes to matching rows, soft-deleted ones included.
	Update(ctx context.Context, filter Filter, changes Changes) (int64, error)
	// Delete removes matching rows, soft-deleted ones included.
	Delete(ctx context.Context, filter Filter) (int64, error)
	// SoftDelete marks visible matching rows as deleted.
	SoftDelete(ctx context.Context, filter Filter) (int64, error)
}

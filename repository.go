package cacheaside

import (
	"context"

	"github.com/unkn0wn-root/cacheaside/internal/keys"
	"github.com/unkn0wn-root/cacheaside/store"
)

const defaultPageLimit = 10

// Paged is one page of a listing plus the total row count for the filter.
type Paged[T any] struct {
	Items      []T
	TotalCount int64
}

// Repository puts an EntityCache in front of a store.Store. Single-entity
// reads go through the cache; listings and bulk writes go straight to the
// store. Every single-row write invalidates before returning, so a caller's
// own update -> get observes the update.
type Repository[T any] struct {
	entities *EntityCache[T]
	backing  store.Store[T]
	log      Logger
	idField  string
	keyField map[string]struct{}
}

// NewRepository checks every descriptor field against the store. A field
// the store does not map is a *ConfigError.
func NewRepository[T any](entities *EntityCache[T], backing store.Store[T]) (*Repository[T], error) {
	if entities == nil {
		return nil, &ConfigError{Component: "repository", Field: "EntityCache", Reason: "required"}
	}
	if backing == nil {
		return nil, &ConfigError{Component: "repository", Field: "Store", Reason: "required"}
	}
	desc := entities.Descriptor()
	r := &Repository[T]{
		entities: entities,
		backing:  backing,
		log:      entities.scope.kv.log,
		idField:  desc.Primary.Field,
		keyField: make(map[string]struct{}),
	}
	for _, f := range desc.Fields() {
		if !backing.HasField(f) {
			return nil, &ConfigError{Component: "repository " + desc.Namespace, Field: f, Reason: "unknown to store"}
		}
		r.keyField[f] = struct{}{}
	}
	return r, nil
}

func (r *Repository[T]) Entities() *EntityCache[T] { return r.entities }

// GetByKey resolves key, a primary value or "<field>:<value>". A miss loads
// one visible row and caches it. No row is (zero, false, nil); a store
// failure is a *StoreError. Fields that are not descriptor keys never
// match, since their cache entries could not be invalidated.
func (r *Repository[T]) GetByKey(ctx context.Context, key string) (T, bool, error) {
	if v, ok := r.entities.Get(ctx, key); ok {
		return v, true, nil
	}
	v, ok, err := r.load(ctx, key, false)
	if err != nil || !ok {
		return v, ok, err
	}
	r.entities.Put(ctx, v)
	return v, true, nil
}

// GetByKeyWithDeleted is GetByKey with soft-deleted rows visible. Rows
// loaded this way are not cached.
func (r *Repository[T]) GetByKeyWithDeleted(ctx context.Context, key string) (T, bool, error) {
	if v, ok := r.entities.Get(ctx, key); ok {
		return v, true, nil
	}
	return r.load(ctx, key, true)
}

func (r *Repository[T]) load(ctx context.Context, key string, withDeleted bool) (T, bool, error) {
	var zero T
	field, value, primary := keys.Parse(key)
	if primary {
		field = r.idField
	}
	if _, ok := r.keyField[field]; !ok || value == "" {
		r.log.Debug("lookup on non-key field", Fields{"ns": r.entities.desc.Namespace, "key": key})
		return zero, false, nil
	}
	v, ok, err := r.backing.FindOne(ctx, store.Query{
		Filter:      store.Filter{field: value},
		WithDeleted: withDeleted,
	})
	if err != nil {
		return zero, false, storeErr("find_one", key, err)
	}
	return v, ok, nil
}

// Save clears every key v would occupy, then inserts it. Clearing first
// drops ghosts left under reused unique values.
func (r *Repository[T]) Save(ctx context.Context, v T) (T, error) {
	r.entities.Remove(ctx, v)
	out, err := r.backing.Insert(ctx, v)
	if err != nil {
		var zero T
		return zero, storeErr("insert", "", err)
	}
	return out, nil
}

// UpdateByID writes changes to the row with the given id, then removes the
// keys of the previous snapshot and of the fresh row. Keys built from a
// value this update replaced can only be found through the old snapshot.
func (r *Repository[T]) UpdateByID(ctx context.Context, id string, changes store.Changes) error {
	prev, err := r.snapshots(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.backing.Update(ctx, r.byID(id), changes); err != nil {
		return storeErr("update", id, err)
	}
	fresh, ok, err := r.findByID(ctx, id)
	if ok {
		prev = append(prev, fresh)
	}
	r.evict(ctx, id, prev...)
	if err != nil {
		return storeErr("find_one", id, err)
	}
	return nil
}

// DeleteByID removes the row, soft-deleted or not. A missing row is a no-op.
func (r *Repository[T]) DeleteByID(ctx context.Context, id string) error {
	return r.remove(ctx, id, "delete", r.backing.Delete)
}

// SoftDeleteByID marks the row deleted. A missing row is a no-op.
func (r *Repository[T]) SoftDeleteByID(ctx context.Context, id string) error {
	return r.remove(ctx, id, "soft_delete", r.backing.SoftDelete)
}

func (r *Repository[T]) remove(ctx context.Context, id, op string, fn func(context.Context, store.Filter) (int64, error)) error {
	prev, err := r.snapshots(ctx, id)
	if err != nil {
		return err
	}
	if len(prev) == 0 {
		return nil
	}
	if _, err := fn(ctx, r.byID(id)); err != nil {
		return storeErr(op, id, err)
	}
	r.evict(ctx, id, prev...)
	return nil
}

// ClearCacheForID removes every cached key of the entity with the given id,
// soft-deleted rows included.
func (r *Repository[T]) ClearCacheForID(ctx context.Context, id string) error {
	prev, err := r.snapshots(ctx, id)
	r.evict(ctx, id, prev...)
	return err
}

// Paginate lists rows straight from the store. Nothing is cached.
func (r *Repository[T]) Paginate(ctx context.Context, p store.Page) (Paged[T], error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	offset := max(p.Offset, 0)

	total, err := r.backing.Count(ctx, store.Query{Filter: p.Filter})
	if err != nil {
		return Paged[T]{}, storeErr("count", "", err)
	}
	if total == 0 {
		return Paged[T]{Items: []T{}}, nil
	}
	items, err := r.backing.Find(ctx, store.Query{
		Filter: p.Filter,
		Order:  ParseSort(p.Sort),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return Paged[T]{}, storeErr("find", "", err)
	}
	return Paged[T]{Items: items, TotalCount: total}, nil
}

// BulkUpdate applies changes to every matching row. Cached snapshots of the
// affected rows are NOT invalidated and stay visible until their TTL runs
// out; callers that need fresh reads use ClearCacheForID or purge.
func (r *Repository[T]) BulkUpdate(ctx context.Context, filter store.Filter, changes store.Changes) (int64, error) {
	n, err := r.backing.Update(ctx, filter, changes)
	if err != nil {
		return 0, storeErr("update", "", err)
	}
	r.log.Debug("bulk update without invalidation", Fields{"ns": r.entities.desc.Namespace, "rows": n})
	return n, nil
}

func (r *Repository[T]) FindOne(ctx context.Context, q store.Query) (T, bool, error) {
	v, ok, err := r.backing.FindOne(ctx, q)
	return v, ok, storeErr("find_one", "", err)
}

func (r *Repository[T]) Find(ctx context.Context, q store.Query) ([]T, error) {
	vs, err := r.backing.Find(ctx, q)
	return vs, storeErr("find", "", err)
}

func (r *Repository[T]) Count(ctx context.Context, q store.Query) (int64, error) {
	n, err := r.backing.Count(ctx, q)
	return n, storeErr("count", "", err)
}

func (r *Repository[T]) byID(id string) store.Filter { return store.Filter{r.idField: id} }

func (r *Repository[T]) findByID(ctx context.Context, id string) (T, bool, error) {
	return r.backing.FindOne(ctx, store.Query{Filter: r.byID(id), WithDeleted: true})
}

// snapshots returns what is known about id before a write: the cached
// snapshot and the stored row. Either may be missing, and they differ when
// the cache holds a row a bulk update has since changed.
func (r *Repository[T]) snapshots(ctx context.Context, id string) ([]T, error) {
	var out []T
	if v, ok := r.entities.Get(ctx, id); ok {
		out = append(out, v)
	}
	v, ok, err := r.findByID(ctx, id)
	if err != nil {
		return out, storeErr("find_one", id, err)
	}
	if ok {
		out = append(out, v)
	}
	return out, nil
}

// evict deletes the union of keys of every snapshot, plus the primary key.
func (r *Repository[T]) evict(ctx context.Context, id string, snaps ...T) {
	seen := map[string]struct{}{id: {}}
	ks := []string{id}
	for _, s := range snaps {
		for _, k := range r.entities.Keys(s) {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			ks = append(ks, k)
		}
	}
	r.entities.scope.Delete(ctx, ks...)
}

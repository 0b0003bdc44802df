// Package cacheaside implements a cache-aside consistency layer in front of
// a relational store.
//
// Components:
//   - KV: best-effort byte cache over a Provider with TTLs, prefix deletes
//     and atomic counters. Scope gives a component its own namespace.
//   - EntityCache[T]: caches one entity snapshot under a primary key plus
//     any number of "<field>:<value>" sub keys.
//   - Repository[T]: read-through loads and write-path invalidation over a
//     store.Store[T].
//   - Lockout: PIN verification with an atomic failure counter.
//
// Keys:
//
//	<namespace>:<primary>
//	<namespace>:<field>:<value>
//
// Cache failures never reach the caller: a failed read is a miss, a failed
// write or delete is logged and reported to Hooks. Store failures are
// returned as *StoreError.
//
// Invalidation on update:
//
//	prev := snapshot (cache, then store)
//	store.Update(id, changes)
//	remove keys of prev and of the fresh row
package cacheaside

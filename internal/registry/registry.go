// Package registry holds the live connection records owned by one server.
package registry

// Registry is an ordered collection of live records.
//
// It is not safe for concurrent use. Every server owns exactly one Registry
// and guards it with the same mutex that protects the rest of its shared
// state, so a record is only ever linked, unlinked or released by the
// goroutine holding that mutex.
type Registry[T any] struct {
	items []T
}

// Insert links v at the tail of the registry.
func (r *Registry[T]) Insert(v T) {
	r.items = append(r.items, v)
}

// Len returns the number of records not yet swept.
func (r *Registry[T]) Len() int {
	return len(r.items)
}

// Snapshot returns a copy of the current records in insertion order.
func (r *Registry[T]) Snapshot() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Sweep unlinks every record for which dead reports true and then hands it
// to release. The record is already gone from the registry (and from Len)
// when release runs. It returns the number of records removed.
func (r *Registry[T]) Sweep(dead func(T) bool, release func(T)) int {
	var removed []T
	kept := r.items[:0]
	for _, v := range r.items {
		if dead(v) {
			removed = append(removed, v)
			continue
		}
		kept = append(kept, v)
	}

	var zero T
	for i := len(kept); i < len(r.items); i++ {
		r.items[i] = zero
	}
	r.items = kept

	if release != nil {
		for _, v := range removed {
			release(v)
		}
	}
	return len(removed)
}

// Drain unlinks every record and releases it.
func (r *Registry[T]) Drain(release func(T)) int {
	return r.Sweep(func(T) bool { return true }, release)
}

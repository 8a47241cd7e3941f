package config

import "sync/atomic"

// Reloadable holds a snapshot value that can be swapped atomically at
// runtime. Readers always observe a complete snapshot; a swap becomes
// visible to the next Load, never to one in flight.
type Reloadable[T any] struct {
	current atomic.Pointer[T]
}

// NewReloadable returns a holder seeded with value.
func NewReloadable[T any](value T) *Reloadable[T] {
	reloadable := &Reloadable[T]{}
	reloadable.current.Store(&value)

	return reloadable
}

// Load returns a copy of the current snapshot.
func (r *Reloadable[T]) Load() T {
	return *r.current.Load()
}

// Swap replaces the snapshot.
func (r *Reloadable[T]) Swap(value T) {
	r.current.Store(&value)
}

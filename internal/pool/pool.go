// Package pool provides a thread-safe free list for the batch-item slices
// channel.Channel reuses across ReceiveBatch calls, grounded on the
// teacher's ConnectionPool (sync.Pool wrapped with typed Get/Put and
// reset-on-get).
package pool

import "sync"

// Slice is a thread-safe free list of []T, keyed by a fixed capacity set
// at construction. Handles returned by Get must be returned via Put once
// the caller is done with them; Put clears the slice before it re-enters
// the pool so no stale data leaks into the next borrower.
type Slice[T any] struct {
	pool sync.Pool
	cap  int
}

// New builds a pool whose New Get() calls allocate with the given capacity.
func New[T any](capacity int) *Slice[T] {
	p := &Slice[T]{cap: capacity}
	p.pool = sync.Pool{
		New: func() any {
			s := make([]T, 0, capacity)
			return &s
		},
	}
	return p
}

// Get returns a zero-length slice with at least the pool's configured
// capacity, either freshly allocated or recycled from a prior Put.
func (p *Slice[T]) Get() []T {
	s := p.pool.Get().(*[]T)
	return (*s)[:0]
}

// Put clears s and returns it to the pool. Slices whose capacity has grown
// well past the pool's configured size are dropped instead of recycled, so
// one oversized batch doesn't pin outsized memory in the pool forever.
func (p *Slice[T]) Put(s []T) {
	if cap(s) > p.cap*4 {
		return
	}
	var zero T
	for i := range s {
		s[i] = zero
	}
	s = s[:0]
	p.pool.Put(&s)
}

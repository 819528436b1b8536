// Package waitlist coalesces concurrent requests for the same in-flight
// load. The first requester of a key becomes the leader and performs the
// load; later requesters are parked on the key's list and serviced in
// arrival order when the leader releases it.
//
// An entry exists only while its load is in flight.
package waitlist

import (
	"context"
	"sync"
)

// Waiter is a parked continuation.
type Waiter[T any] func(T, error)

// Waitlist maps keys to FIFO lists of waiters.
//
// Thread-safety: all methods are safe for concurrent use. Waiters run on
// the goroutine calling Release, outside the lock, one at a time.
type Waitlist[T any] struct {
	mu      sync.Mutex
	pending map[string][]Waiter[T]
}

// New creates an empty waitlist.
func New[T any]() *Waitlist[T] {
	return &Waitlist[T]{pending: make(map[string][]Waiter[T])}
}

// Join claims key. The first caller is the leader and must eventually
// call Release; later callers are parked and receive the released result
// on the returned channel. The channel is nil for the leader.
func (w *Waitlist[T]) Join(key string) (leader bool, done <-chan Result[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list, ok := w.pending[key]
	if !ok {
		w.pending[key] = nil
		return true, nil
	}
	ch := make(chan Result[T], 1)
	w.pending[key] = append(list, func(v T, err error) {
		ch <- Result[T]{Value: v, Err: err}
	})
	return false, ch
}

// Release ends the load of key and services every parked waiter, oldest
// first. Waiters parked while Release runs are serviced too.
func (w *Waitlist[T]) Release(key string, v T, err error) {
	for {
		w.mu.Lock()
		list := w.pending[key]
		if len(list) == 0 {
			delete(w.pending, key)
			w.mu.Unlock()
			return
		}
		fn := list[0]
		list[0] = nil
		w.pending[key] = list[1:]
		w.mu.Unlock()

		fn(v, err)
	}
}

// InFlight reports whether key is currently being loaded.
func (w *Waitlist[T]) InFlight(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[key]
	return ok
}

// Waiting returns the number of parked waiters for key.
func (w *Waitlist[T]) Waiting(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending[key])
}

// Result carries a released value.
type Result[T any] struct {
	Value T
	Err   error
}

// Await blocks on a Join channel until the leader releases or ctx ends.
func Await[T any](ctx context.Context, done <-chan Result[T]) (T, error) {
	select {
	case r := <-done:
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

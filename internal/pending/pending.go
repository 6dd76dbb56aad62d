// Package pending implements correlated futures: outstanding asynchronous
// requests that are resolved by exactly one of a matching result, a
// deadline, or an owner-scoped rejection (e.g. disconnect).
//
// The node invocation protocol and approval-style waits share the same
// resolve/timeout/disconnect race; this package holds the single-
// resolution guard they both need.
package pending

import (
	"sync"
	"time"
)

// Outcome is what a future resolves to: a value or an error, never both.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Future is a single outstanding request. It resolves exactly once; later
// resolutions are dropped.
type Future[T any] struct {
	done  chan Outcome[T]
	once  sync.Once
	timer *time.Timer
}

// Done returns the channel the outcome is delivered on. It receives
// exactly one value.
func (f *Future[T]) Done() <-chan Outcome[T] {
	return f.done
}

// resolve delivers the outcome if the future is still open and stops the
// deadline timer. Reports whether this call won the race.
func (f *Future[T]) resolve(out Outcome[T]) bool {
	won := false
	f.once.Do(func() {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.done <- out
		won = true
	})
	return won
}

// Registry tracks futures by correlation id, with an owner tag so all of
// one owner's futures can be rejected at once.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
}

type entry[T any] struct {
	future *Future[T]
	owner  string
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]*entry[T])}
}

// Add registers a future under the correlation id. If timeout is positive
// a deadline timer is armed that fails the future with timeoutErr.
func (r *Registry[T]) Add(correlationID, owner string, timeout time.Duration, timeoutErr error) *Future[T] {
	future := &Future[T]{done: make(chan Outcome[T], 1)}

	// The timer is armed under the lock, before the entry is published:
	// resolvers only see the future after remove() acquires the mutex, so
	// the timer field is visible to them, and an immediately-firing timer
	// blocks in Fail until the entry exists.
	r.mu.Lock()
	if timeout > 0 {
		future.timer = time.AfterFunc(timeout, func() {
			r.Fail(correlationID, timeoutErr)
		})
	}
	r.entries[correlationID] = &entry[T]{future: future, owner: owner}
	r.mu.Unlock()

	return future
}

// Resolve completes the future for the correlation id with a value.
// Returns false if no open future matched (late or unknown result).
func (r *Registry[T]) Resolve(correlationID string, value T) bool {
	future, ok := r.remove(correlationID)
	if !ok {
		return false
	}
	return future.resolve(Outcome[T]{Value: value})
}

// Fail completes the future for the correlation id with an error.
func (r *Registry[T]) Fail(correlationID string, err error) bool {
	future, ok := r.remove(correlationID)
	if !ok {
		return false
	}
	return future.resolve(Outcome[T]{Err: err})
}

// FailOwner fails every open future belonging to the owner. Used when a
// node disconnects with invocations still outstanding.
func (r *Registry[T]) FailOwner(owner string, err error) int {
	r.mu.Lock()
	var victims []*Future[T]
	for id, e := range r.entries {
		if e.owner == owner {
			victims = append(victims, e.future)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, future := range victims {
		future.resolve(Outcome[T]{Err: err})
	}
	return len(victims)
}

// Len returns the number of open futures.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry[T]) remove(correlationID string) (*Future[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[correlationID]
	if !ok {
		return nil, false
	}
	delete(r.entries, correlationID)
	return e.future, true
}

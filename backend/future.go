package backend

import (
	"context"
	"sync"
)

// Future is the asynchronous handle to a backend result. It completes
// exactly once: with a value, with an error, or by cancellation.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	val       T
	err       error
	cancelled bool
	canceller func() bool
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already resolved with v.
func Completed[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Done is closed once the future has completed.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome of a completed future. Calling it before Done
// is closed returns ErrPending.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completed {
		var zero T
		return zero, ErrPending
	}
	return f.val, f.err
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Complete resolves the future with v. It reports false if the future had
// already completed.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(v, nil, false)
}

// Fail resolves the future with err.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err, false)
}

// SetCanceller installs the hook Cancel consults. The hook reports whether
// the underlying work was withdrawn; a request already written to the wire
// cannot be.
func (f *Future[T]) SetCanceller(fn func() bool) {
	f.mu.Lock()
	f.canceller = fn
	f.mu.Unlock()
}

// Cancel attempts to cancel the future. Without a canceller the future is
// cancelled outright; with one, only if the canceller agrees.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	fn := f.canceller
	f.mu.Unlock()

	if fn != nil && !fn() {
		return false
	}
	var zero T
	return f.resolve(zero, ErrCancelled, true)
}

// Cancelled reports whether the future completed by cancellation.
func (f *Future[T]) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *Future[T]) resolve(v T, err error, cancelled bool) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.val, f.err, f.cancelled = v, err, cancelled
	f.mu.Unlock()
	close(f.done)
	return true
}

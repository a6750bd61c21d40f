package dedup

import (
	"context"
	"sync"
)

// Future is a single-resolution result. It settles exactly once, either
// with a value or with an error.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	settled   bool
	value     any
	err       error
	observers []func(any, error)
	observed  bool

	// onUnhandled is called when a failure settles with no observer.
	onUnhandled func(error)
}

// NewFuture creates a pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	f.markObserved()
	return f.done
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	f.markObserved()
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future) Result() (value any, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = true
	return f.value, f.err, f.settled
}

// Observe registers fn to run once the future settles. If the future has
// already settled, fn runs immediately on the calling goroutine; otherwise it
// runs on the settling goroutine and must not block.
func (f *Future) Observe(fn func(value any, err error)) {
	f.mu.Lock()
	f.observed = true
	if !f.settled {
		f.observers = append(f.observers, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

func (f *Future) markObserved() {
	f.mu.Lock()
	f.observed = true
	f.mu.Unlock()
}

// settle resolves the future. Returns false if it was already settled.
func (f *Future) settle(value any, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	observers := f.observers
	f.observers = nil
	unhandled := err != nil && !f.observed && f.onUnhandled != nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range observers {
		fn(value, err)
	}
	if unhandled {
		f.onUnhandled(err)
	}
	return true
}

// ignore is the internal observer attached to futures the coordinator retains.
func ignore(any, error) {}

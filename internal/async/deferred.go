// Package async holds the fire-once, cancellable request handles the client
// caches are driven by, and the single-goroutine loop their callbacks run on.
package async

import (
	"sync"
)

// Deferred is the handle of one issued request. It settles at most once, with
// either a value or an error. Cancelling an unsettled deferred discards the
// eventual outcome: no completion callback ever runs for it.
type Deferred[T any] struct {
	mu        sync.Mutex
	settled   bool
	cancelled bool
	value     T
	err       error
	callbacks []func(T, error)
	onCancel  func()
}

// NewDeferred returns an unsettled deferred. onCancel, if not nil, is called
// once when the deferred is cancelled before settling; transports use it to
// abort the underlying request.
func NewDeferred[T any](onCancel func()) *Deferred[T] {
	return &Deferred[T]{onCancel: onCancel}
}

// OnComplete registers fn to run when the deferred settles. If it already
// settled, fn runs immediately. Callbacks run in registration order.
func (d *Deferred[T]) OnComplete(fn func(T, error)) {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	if d.settled {
		v, err := d.value, d.err
		d.mu.Unlock()
		fn(v, err)
		return
	}
	d.callbacks = append(d.callbacks, fn)
	d.mu.Unlock()
}

// Resolve settles the deferred with v. It reports false if the deferred had
// already settled or was cancelled.
func (d *Deferred[T]) Resolve(v T) bool {
	return d.settle(v, nil)
}

// Reject settles the deferred with err.
func (d *Deferred[T]) Reject(err error) bool {
	var zero T
	return d.settle(zero, err)
}

func (d *Deferred[T]) settle(v T, err error) bool {
	d.mu.Lock()
	if d.settled || d.cancelled {
		d.mu.Unlock()
		return false
	}
	d.settled = true
	d.value, d.err = v, err
	callbacks := d.callbacks
	d.callbacks = nil
	d.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// Cancel abandons the request. It is a no-op once the deferred settled.
func (d *Deferred[T]) Cancel() {
	d.mu.Lock()
	if d.settled || d.cancelled {
		d.mu.Unlock()
		return
	}
	d.cancelled = true
	d.callbacks = nil
	onCancel := d.onCancel
	d.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}
}

// Cancelled reports whether Cancel won against settlement.
func (d *Deferred[T]) Cancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// Settled reports whether the deferred received an outcome.
func (d *Deferred[T]) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

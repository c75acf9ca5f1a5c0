package async

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopClosed is returned by Post after the loop stopped.
var ErrLoopClosed = errors.New("async: loop closed")

// Loop runs posted functions one at a time on the goroutine that called Run.
// Client caches are not safe for concurrent use; everything that touches them,
// including transport completions, goes through a Loop.
type Loop struct {
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewLoop returns a loop with room for size pending functions before Post
// blocks.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = 64
	}
	return &Loop{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post schedules fn. It is safe to call from any goroutine other than the
// loop's own when the queue may be full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrLoopClosed
	default:
	}
	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return ErrLoopClosed
	}
}

// Run executes posted functions until ctx is done, then closes the loop.
// Functions still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case fn := <-l.queue:
			fn()
		}
	}
}

// Drain runs every function queued right now without blocking for more.
// It returns how many ran.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case fn := <-l.queue:
			fn()
			n++
		default:
			return n
		}
	}
}

// Close stops accepting new work.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

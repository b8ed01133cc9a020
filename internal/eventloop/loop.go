// Package eventloop serializes every state transition of a chat session onto one goroutine.
//
// Transport callbacks, dial results, HTTP results and timer callbacks are all
// posted to the Loop and run in FIFO order, so session state needs no locks as
// long as it is only touched from inside posted functions.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned when work is offered to a loop that is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop is an unbounded FIFO executor drained by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	logger  *slog.Logger
}

// New creates a loop. Call Run to start draining it.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post enqueues fn without blocking. It reports false if the loop has stopped.
// Post is safe to call from inside the loop.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish.
// It must not be called from inside the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Run drains the queue until ctx is cancelled. Work still queued at that point is discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				break
			}
			l.run(fn)
		}

		if ctx.Err() == nil && len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", r)
		}
	}()
	fn()
}

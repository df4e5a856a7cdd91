// Package reactor runs every handler of one client on a single goroutine.
//
// Handlers run to completion before the next one is dispatched, so state
// owned by the session components needs no locks as long as it is only
// touched from inside posted functions. Timers created with AfterFunc
// deliver their callbacks through the same queue.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cheggaaa/mb/v3"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/clock"
)

var ErrClosed = errors.New("reactor closed")

type Reactor struct {
	queue *mb.MB[func()]
	clock clock.Clock
	log   *zap.Logger
	done  chan struct{}
}

// New creates a reactor with an unbounded queue. Call Run to start
// dispatching.
func New(clk clock.Clock, log *zap.Logger) *Reactor {
	return &Reactor{
		queue: mb.New[func()](0),
		clock: clk,
		log:   log,
		done:  make(chan struct{}),
	}
}

// Run dispatches posted functions until Close is called or ctx ends.
func (r *Reactor) Run(ctx context.Context) {
	defer close(r.done)
	for {
		fn, err := r.queue.WaitOne(ctx)
		if err != nil {
			return
		}
		r.dispatch(fn)
	}
}

func (r *Reactor) dispatch(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("reactor handler panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	fn()
}

// Post enqueues fn without blocking.
func (r *Reactor) Post(fn func()) error {
	if err := r.queue.TryAdd(fn); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Do posts fn and waits until it has run. It must not be called from
// inside the reactor.
func (r *Reactor) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := r.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops dispatching. Functions still queued are dropped.
func (r *Reactor) Close() error {
	return r.queue.Close()
}

// Done is closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) Now() time.Time {
	return r.clock.Now()
}

// Timer is a reactor-bound timer. Stop and Active must only be called
// from inside the reactor.
type Timer struct {
	inner   clock.Timer
	stopped bool
}

// AfterFunc runs fn on the reactor after d. A callback that was already
// queued when Stop is called does not run.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.inner = r.clock.AfterFunc(d, func() {
		_ = r.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Stop cancels the timer. Safe on a nil Timer.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	if t.inner != nil {
		t.inner.Stop()
	}
}

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped
}

// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAlreadyStarted is returned by Begin on a Lifecycle that left StateIdle.
var ErrAlreadyStarted = errors.New("lifecycle already started")

// Lifecycle tracks one listener from Begin to Finish. Servers embed a
// *Lifecycle.
//
// A Lifecycle is single-use: once it reaches a terminal state it cannot be
// started again.
type Lifecycle struct {
	state atomic.Int32

	mu    sync.Mutex
	cause error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready  chan struct{}
	errors chan error
}

// NewLifecycle returns an idle Lifecycle whose error channel holds up to
// buffer asynchronous errors. A buffer below 1 is raised to 1.
func NewLifecycle(buffer int) *Lifecycle {
	l := &Lifecycle{}
	l.init(buffer)
	return l
}

// State returns the current state.
func (l *Lifecycle) State() State { return State(l.state.Load()) }

// Serving reports whether the listener accepts connections.
func (l *Lifecycle) Serving() bool { return l.State() == StateServing }

// Errors delivers asynchronous serve errors. It is closed by Finish.
func (l *Lifecycle) Errors() <-chan error { return l.errors }

// Ready is closed once MarkServing runs.
func (l *Lifecycle) Ready() <-chan struct{} { return l.ready }

// Cause returns the error recorded by Fail.
func (l *Lifecycle) Cause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// Context is cancelled when shutdown begins. It is nil before Begin.
func (l *Lifecycle) Context() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx
}

// Begin moves an idle Lifecycle to StateStarting. A ctx that is already done
// fails the Lifecycle instead.
func (l *Lifecycle) Begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return l.Fail(fmt.Errorf("start cancelled: %w", err))
	}
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, l.State())
	}

	l.mu.Lock()
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.mu.Unlock()
	return nil
}

// MarkServing moves a starting Lifecycle to StateServing and releases Ready.
func (l *Lifecycle) MarkServing() {
	if l.state.CompareAndSwap(int32(StateStarting), int32(StateServing)) {
		close(l.ready)
	}
}

// Fail records err, moves to StateFailed and returns err.
func (l *Lifecycle) Fail(err error) error {
	l.mu.Lock()
	l.cause = err
	cancel := l.cancel
	l.mu.Unlock()

	l.state.Store(int32(StateFailed))
	if cancel != nil {
		cancel()
	}
	l.Report(err)
	return err
}

// BeginStop moves a starting or serving Lifecycle to StateDraining and
// cancels its context. It returns false when there is nothing to drain; an
// idle Lifecycle goes straight to StateStopped.
func (l *Lifecycle) BeginStop() bool {
	for {
		cur := l.State()
		switch cur {
		case StateIdle:
			if l.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
				return false
			}
		case StateStarting, StateServing:
			if l.state.CompareAndSwap(int32(cur), int32(StateDraining)) {
				l.mu.Lock()
				cancel := l.cancel
				l.mu.Unlock()
				if cancel != nil {
					cancel()
				}
				return true
			}
		default:
			return false
		}
	}
}

// Finish waits for spawned goroutines, moves to StateStopped and closes the
// error channel. Only the caller that won BeginStop may call it.
func (l *Lifecycle) Finish() {
	l.wg.Wait()
	l.state.Store(int32(StateStopped))
	close(l.errors)
}

// Spawn runs fn on a tracked goroutine with the lifecycle context.
func (l *Lifecycle) Spawn(fn func(ctx context.Context)) {
	ctx := l.Context()
	l.wg.Go(func() { fn(ctx) })
}

// Wait blocks until every spawned goroutine has returned.
func (l *Lifecycle) Wait() { l.wg.Wait() }

// AwaitReady blocks until the Lifecycle is serving, it fails, or ctx is done.
func (l *Lifecycle) AwaitReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case err, ok := <-l.errors:
		if !ok {
			return fmt.Errorf("lifecycle %s before ready", l.State())
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for ready: %w", ctx.Err())
	}
}

// Report sends err on the error channel without blocking; it is dropped when
// the buffer is full.
func (l *Lifecycle) Report(err error) {
	if l.State() == StateStopped {
		return
	}
	select {
	case l.errors <- err:
	default:
	}
}

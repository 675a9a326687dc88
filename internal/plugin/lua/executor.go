package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

type job struct {
	ctx    context.Context
	fn     func(L *lua.LState) error
	result chan error
}

// Executor owns a Lua state and runs every operation on it from a single
// goroutine.
//
// gopher-lua's LState is not goroutine-safe. Hooks, event callbacks and
// exported function calls all arrive from different goroutines, so they are
// queued here and run one at a time. Each job's context is installed on the
// state while it runs, which lets a deadline interrupt a runaway script.
type Executor struct {
	L      *lua.LState
	jobs   chan job
	closed atomic.Bool
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
}

// NewExecutor starts the worker goroutine for L.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	e := &Executor{
		L:      L,
		jobs:   make(chan job, queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	defer close(e.exited)
	defer e.L.Close()

	for {
		select {
		case <-e.done:
			e.drain()
			return
		case j := <-e.jobs:
			j.result <- e.run(j)
		}
	}
}

func (e *Executor) run(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}

	e.L.SetContext(j.ctx)
	defer e.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
		if err != nil && j.ctx.Err() != nil {
			err = j.ctx.Err()
		}
	}()
	return j.fn(e.L)
}

func (e *Executor) drain() {
	for {
		select {
		case j := <-e.jobs:
			j.result <- ErrExecutorClosed
		default:
			return
		}
	}
}

// Do runs fn on the executor goroutine and waits for it. If ctx ends first,
// Do returns ctx.Err(); the Lua side observes the same context and aborts
// at its next instruction.
func (e *Executor) Do(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.jobs <- j:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-j.result:
		return err
	case <-e.exited:
		// The job may have landed in the queue after the final drain.
		select {
		case err := <-j.result:
			return err
		default:
			return ErrExecutorClosed
		}
	}
}

// Go queues fn without waiting. It never blocks; a full queue is an error.
func (e *Executor) Go(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the worker, fails queued jobs with ErrExecutorClosed, closes
// the Lua state and waits for the goroutine to exit.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
	<-e.exited
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}

// IsTimeout reports whether err came from an exceeded deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout)
}

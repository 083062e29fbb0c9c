package controller

import (
	"context"
	"fmt"
	"sync"

	"zof/pkg/zof"
)

// Task outcomes recorded in metrics.
const (
	taskOutcomeOK        = "ok"
	taskOutcomeError     = "error"
	taskOutcomeCancelled = "cancelled"
	taskOutcomeRejected  = "rejected"
)

// scheduler runs asynchronous handler work. Every task is cancelled when the scheduler
// closes; close waits for the tasks to return.
type scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	report  func(context.Context, string, error)
	observe func(app string, outcome string)
}

func newScheduler(report func(context.Context, string, error), observe func(string, string)) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &scheduler{
		ctx:     ctx,
		cancel:  cancel,
		report:  report,
		observe: observe,
	}
}

// task is the zof.Task handle returned by EnsureFuture.
type task struct {
	done chan struct{}
	err  error
}

func (t *task) Done() <-chan struct{} {
	return t.done
}

func (t *task) Err() error {
	<-t.done
	return t.err
}

// spawn starts fn on its own goroutine. The task context keeps the caller's values,
// carries app and info, and is cancelled by scheduler close rather than by the caller.
func (s *scheduler) spawn(ctx context.Context, fn zof.TaskFunc, app *zof.Application, info zof.DispatchInfo) *task {
	appName := app.Name()
	handle := &task{done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handle.err = fmt.Errorf("schedule task for %s: %w", appName, zof.ErrControllerStopped)
		close(handle.done)
		s.observe(appName, taskOutcomeRejected)
		return handle
	}
	s.wg.Add(1)
	s.mu.Unlock()

	taskCtx, cancel := context.WithCancel(zof.WithDispatch(context.WithoutCancel(ctx), app, info))
	stop := context.AfterFunc(s.ctx, cancel)

	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		defer cancel()
		defer stop()

		scope := "task " + appName
		handle.err = runSafely(scope, func() error {
			return fn(taskCtx)
		})

		switch {
		case handle.err == nil:
			s.observe(appName, taskOutcomeOK)
		case isContextCancellation(handle.err):
			s.observe(appName, taskOutcomeCancelled)
		default:
			s.observe(appName, taskOutcomeError)
			s.report(taskCtx, scope, handle.err)
		}
	}()

	return handle
}

// close cancels outstanding tasks and waits for them, bounded by ctx.
func (s *scheduler) close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for tasks: %w", ctx.Err())
	}
}

package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"zof/pkg/zof"
)

// eventQueue is the bounded ingress queue drained by the single dispatch loop.
// Closing stops intake; every event an enqueue accepted is still dispatched.
type eventQueue struct {
	policy  BackpressurePolicy
	onDrop  func()
	queue   chan zof.Event
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool

	// senders counts enqueue calls admitted before close. The drain pass waits for them.
	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup
}

func newEventQueue(buffer int, policy BackpressurePolicy, onDrop func()) *eventQueue {
	if onDrop == nil {
		onDrop = func() {}
	}

	return &eventQueue{
		policy: policy,
		onDrop: onDrop,
		queue:  make(chan zof.Event, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// enqueue applies the configured backpressure policy.
func (q *eventQueue) enqueue(ctx context.Context, event zof.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("enqueue: %w", zof.ErrControllerStopped)
	}
	q.senders.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	switch q.policy {
	case BackpressureDropNewest:
		return q.enqueueDropNewest(event)
	case BackpressureDropOldest:
		return q.enqueueDropOldest(event)
	case BackpressureBlock:
		return q.enqueueBlock(ctx, event)
	default:
		return fmt.Errorf("enqueue: unknown backpressure policy %q", q.policy)
	}
}

func (q *eventQueue) enqueueDropNewest(event zof.Event) error {
	select {
	case q.queue <- event:
		return nil
	default:
		q.onDrop()
		return fmt.Errorf("enqueue: %w", zof.ErrEventDropped)
	}
}

// enqueueDropOldest evicts one queued event before retrying.
func (q *eventQueue) enqueueDropOldest(event zof.Event) error {
	select {
	case q.queue <- event:
		return nil
	default:
	}

	select {
	case <-q.queue:
		q.onDrop()
	default:
	}

	select {
	case q.queue <- event:
		return nil
	default:
		q.onDrop()
		return fmt.Errorf("enqueue: %w", zof.ErrEventDropped)
	}
}

func (q *eventQueue) enqueueBlock(ctx context.Context, event zof.Event) error {
	select {
	case q.queue <- event:
		return nil
	case <-q.stop:
		return fmt.Errorf("enqueue: %w", zof.ErrControllerStopped)
	case <-ctx.Done():
		return fmt.Errorf("enqueue: %w", ctx.Err())
	}
}

// start launches the dispatch loop. handle runs for one event at a time, in queue order.
func (q *eventQueue) start(handle func(zof.Event)) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(q.done)
		for {
			select {
			case event := <-q.queue:
				handle(event)
			case <-q.stop:
				// Blocked senders see stop and return; the rest finish their send.
				q.senders.Wait()
				for {
					select {
					case event := <-q.queue:
						handle(event)
					default:
						return
					}
				}
			}
		}
	}()
}

// shutdown closes intake and waits for the loop to drain, bounded by ctx.
func (q *eventQueue) shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stop)
	}
	q.mu.Unlock()
	if !q.started.Load() {
		return nil
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain event queue: %w", ctx.Err())
	}
}

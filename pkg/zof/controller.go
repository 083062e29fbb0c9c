package zof

import (
	"context"
	"fmt"
	"log/slog"
)

// TaskFunc is asynchronous work scheduled on the controller.
type TaskFunc func(ctx context.Context) error

// Task is the handle of a scheduled TaskFunc.
type Task interface {
	// Done is closed when the task returns.
	Done() <-chan struct{}
	// Err returns the task result after Done is closed.
	Err() error
}

// Controller is the runtime an Application belongs to.
type Controller interface {
	// Phase returns the current lifecycle phase.
	Phase() Phase
	// AddApplication inserts app into the precedence-ordered application list.
	AddApplication(app *Application) error
	// EnsureFuture schedules fn without blocking, tagged with app and connection context.
	EnsureFuture(ctx context.Context, fn TaskFunc, app *Application, info DispatchInfo) Task
	// Logger resolves a named logger, or nil when none is configured under name.
	Logger(name string) *slog.Logger
}

// ServiceRegistry stores named runtime singletons shared between applications.
type ServiceRegistry interface {
	// Register stores a named service.
	Register(name string, service any) error
	// Resolve returns a named service.
	Resolve(name string) (any, error)
}

// ResolveAs resolves a service and asserts its type.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var zero T
	service, err := registry.Resolve(name)
	if err != nil {
		return zero, err
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("resolve service %s: unexpected type %T", name, service)
	}

	return typed, nil
}

// Host is what application packages need to install themselves.
type Host interface {
	// NewApplication creates an application owned by the host controller.
	NewApplication(name string, options ...AppOption) (*Application, error)
	// Services exposes the shared service registry.
	Services() ServiceRegistry
}

// EventSink accepts events for dispatch.
type EventSink interface {
	// Post submits an event to the controller's dispatch loop.
	Post(ctx context.Context, event Event) error
}

// Source produces events from an external transport.
//
// Sources own connection concerns and tag events with datapath_id and conn_id.
type Source interface {
	// Name returns a stable source identifier.
	Name() string
	// Start publishes events until context cancellation or a fatal error.
	Start(ctx context.Context, sink EventSink) error
	// Shutdown releases resources not tied to the Start context.
	Shutdown(ctx context.Context) error
}

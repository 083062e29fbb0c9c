package zof

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
)

// fakeController is a minimal Controller for exercising applications in isolation.
type fakeController struct {
	mu      sync.Mutex
	phase   Phase
	apps    []*Application
	loggers map[string]*slog.Logger
	tasks   []scheduledTask
}

type scheduledTask struct {
	app  *Application
	info DispatchInfo
	err  error
}

func newFakeController() *fakeController {
	return &fakeController{
		phase:   PhaseInit,
		loggers: make(map[string]*slog.Logger),
	}
}

func (c *fakeController) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *fakeController) setPhase(phase Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

func (c *fakeController) AddApplication(app *Application) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps = append(c.apps, app)
	return nil
}

// EnsureFuture runs fn inline so tests observe results deterministically.
func (c *fakeController) EnsureFuture(ctx context.Context, fn TaskFunc, app *Application, info DispatchInfo) Task {
	task := &doneTask{done: make(chan struct{})}
	task.err = fn(WithDispatch(context.WithoutCancel(ctx), app, info))
	close(task.done)

	c.mu.Lock()
	c.tasks = append(c.tasks, scheduledTask{app: app, info: info, err: task.err})
	c.mu.Unlock()

	return task
}

func (c *fakeController) Logger(name string) *slog.Logger {
	return c.loggers[name]
}

func (c *fakeController) scheduled() []scheduledTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scheduledTask(nil), c.tasks...)
}

type doneTask struct {
	done chan struct{}
	err  error
}

func (t *doneTask) Done() <-chan struct{} { return t.done }
func (t *doneTask) Err() error            { return t.err }

// syncBuffer guards a bytes.Buffer shared with a slog handler.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCaptureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func newTestApp(t *testing.T, controller *fakeController, name string, options ...AppOption) *Application {
	t.Helper()

	app, err := NewApplication(controller, name, options...)
	if err != nil {
		t.Fatalf("new application %s failed: %v", name, err)
	}

	return app
}

func mustPrepareBind(t *testing.T, app *Application) {
	t.Helper()

	if err := app.PrepareBind(); err != nil {
		t.Fatalf("prepare bind %s failed: %v", app.Name(), err)
	}
}

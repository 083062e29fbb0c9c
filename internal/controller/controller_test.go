package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"zof/pkg/zof"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAddApplicationOrdersByPrecedence(t *testing.T) {
	t.Parallel()

	type appDef struct {
		name       string
		precedence int
	}

	tests := []struct {
		name string
		apps []appDef
		want []string
	}{
		{
			name: "higher precedence first",
			apps: []appDef{{"low", 10}, {"high", 1000}, {"mid", 100}},
			want: []string{"high", "mid", "low"},
		},
		{
			name: "equal precedence keeps insertion order",
			apps: []appDef{{"first", 100}, {"second", 100}, {"top", 200}, {"third", 100}},
			want: []string{"top", "first", "second", "third"},
		},
		{
			name: "negative precedence sorts last",
			apps: []appDef{{"neg", -5}, {"default", zof.DefaultPrecedence}},
			want: []string{"default", "neg"},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			controller := newTestController()
			for _, def := range testCase.apps {
				if _, err := controller.NewApplication(def.name, zof.WithPrecedence(def.precedence)); err != nil {
					t.Fatalf("new application %s failed: %v", def.name, err)
				}
			}

			if diff := cmp.Diff(testCase.want, appNames(controller.Applications())); diff != "" {
				t.Fatalf("application order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAddApplicationRejections(t *testing.T) {
	t.Parallel()

	controller := newTestController()
	if _, err := controller.NewApplication("l2switch"); err != nil {
		t.Fatalf("new application failed: %v", err)
	}

	if _, err := controller.NewApplication("l2switch"); !errors.Is(err, zof.ErrApplicationAlreadyRegistered) {
		t.Fatalf("duplicate application error = %v, want %v", err, zof.ErrApplicationAlreadyRegistered)
	}
	if err := controller.AddApplication(nil); err == nil {
		t.Fatal("expected nil application error")
	}

	controller.setPhase(context.Background(), zof.PhaseStart)
	if _, err := controller.NewApplication("late"); !errors.Is(err, zof.ErrRegistrationAfterInit) {
		t.Fatalf("late application error = %v, want %v", err, zof.ErrRegistrationAfterInit)
	}
	if err := controller.RegisterSource(&stubSource{name: "late"}); !errors.Is(err, zof.ErrRegistrationAfterInit) {
		t.Fatalf("late source error = %v, want %v", err, zof.ErrRegistrationAfterInit)
	}
}

func TestRegisterSourceRejectsDuplicates(t *testing.T) {
	t.Parallel()

	controller := newTestController()
	if err := controller.RegisterSource(&stubSource{name: "replay"}); err != nil {
		t.Fatalf("register source failed: %v", err)
	}
	if err := controller.RegisterSource(&stubSource{name: "replay"}); !errors.Is(err, zof.ErrSourceAlreadyRegistered) {
		t.Fatalf("duplicate source error = %v, want %v", err, zof.ErrSourceAlreadyRegistered)
	}
	if err := controller.RegisterSource(nil); err == nil {
		t.Fatal("expected nil source error")
	}
	if err := controller.RegisterSource(&stubSource{}); err == nil {
		t.Fatal("expected empty source name error")
	}
}

func TestDispatchWalksApplicationsInPrecedenceOrder(t *testing.T) {
	t.Parallel()

	recorder := &callRecorder{}
	controller := newTestController()
	failing := addRecordingApp(t, controller, recorder, "failing", 500, func(context.Context, zof.Event) error {
		return errors.New("boom")
	})
	addRecordingApp(t, controller, recorder, "low", 10, nil)
	addRecordingApp(t, controller, recorder, "high", 1000, nil)
	bindAll(t, controller)

	if err := controller.Dispatch(context.Background(), zof.Event{zof.FieldType: "PACKET_IN"}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if diff := cmp.Diff([]string{"high:PACKET_IN", "failing:PACKET_IN", "low:PACKET_IN"}, recorder.snapshot()); diff != "" {
		t.Fatalf("dispatch order mismatch (-want +got):\n%s", diff)
	}
	if failing.ExceptionCount() != 1 {
		t.Fatalf("exception count = %d, want 1", failing.ExceptionCount())
	}
}

func TestDispatchStopPropagation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		signal func(context.Context, zof.Event) error
	}{
		{
			name: "returned signal",
			signal: func(context.Context, zof.Event) error {
				return zof.ErrStopPropagation
			},
		},
		{
			name: "wrapped signal",
			signal: func(context.Context, zof.Event) error {
				return errors.Join(errors.New("handled"), zof.ErrStopPropagation)
			},
		},
		{
			name: "panicked signal",
			signal: func(context.Context, zof.Event) error {
				panic(zof.ErrStopPropagation)
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			recorder := &callRecorder{}
			controller := newTestController()
			stopper := addRecordingApp(t, controller, recorder, "stopper", 200, testCase.signal)
			addRecordingApp(t, controller, recorder, "after", 100, nil)
			bindAll(t, controller)

			if err := controller.Dispatch(context.Background(), zof.Event{zof.FieldType: "PACKET_IN"}); err != nil {
				t.Fatalf("dispatch failed: %v", err)
			}

			if diff := cmp.Diff([]string{"stopper:PACKET_IN"}, recorder.snapshot()); diff != "" {
				t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
			}
			if stopper.ExceptionCount() != 0 {
				t.Fatalf("exception count = %d, want 0", stopper.ExceptionCount())
			}
		})
	}
}

func TestDispatchRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	controller := newTestController()
	if err := controller.Dispatch(context.Background(), zof.Event{"msg": map[string]any{}}); !errors.Is(err, zof.ErrInvalidEvent) {
		t.Fatalf("dispatch error = %v, want %v", err, zof.ErrInvalidEvent)
	}
	if err := controller.Post(context.Background(), nil); !errors.Is(err, zof.ErrInvalidEvent) {
		t.Fatalf("post error = %v, want %v", err, zof.ErrInvalidEvent)
	}
}

func TestRunLifecycleDispatchesSourceEvents(t *testing.T) {
	t.Parallel()

	recorder := &callRecorder{}
	controller := newTestController()
	addRecordingApp(t, controller, recorder, "observer", 100, nil)

	source := &stubSource{
		name: "stub",
		events: []zof.Event{
			{zof.FieldType: "CHANNEL_UP", zof.FieldDatapathID: "00:01"},
			{zof.FieldEvent: "CUSTOM"},
			{zof.FieldType: "PACKET_IN", zof.FieldDatapathID: "00:01"},
		},
	}
	if err := controller.RegisterSource(source); err != nil {
		t.Fatalf("register source failed: %v", err)
	}

	if err := runWithTimeout(t, controller); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []string{
		"observer:PREFLIGHT",
		"observer:START",
		"observer:CHANNEL_UP",
		"observer:CUSTOM",
		"observer:PACKET_IN",
		"observer:STOP",
	}
	if diff := cmp.Diff(want, recorder.snapshot()); diff != "" {
		t.Fatalf("lifecycle mismatch (-want +got):\n%s", diff)
	}
	if source.shutdowns.Load() != 1 {
		t.Fatalf("source shutdowns = %d, want 1", source.shutdowns.Load())
	}
	if controller.Phase() != zof.PhaseStop {
		t.Fatalf("phase = %s, want %s", controller.Phase(), zof.PhaseStop)
	}
	if err := controller.Post(context.Background(), zof.Event{zof.FieldType: "PACKET_IN"}); !errors.Is(err, zof.ErrControllerStopped) {
		t.Fatalf("post after stop error = %v, want %v", err, zof.ErrControllerStopped)
	}
	if err := controller.Run(context.Background()); !errors.Is(err, zof.ErrControllerStopped) {
		t.Fatalf("second run error = %v, want %v", err, zof.ErrControllerStopped)
	}
}

func TestRunReturnsSourceFailure(t *testing.T) {
	t.Parallel()

	sourceErr := errors.New("connection refused")
	controller := newTestController()
	if err := controller.RegisterSource(&stubSource{name: "broken", startErr: sourceErr}); err != nil {
		t.Fatalf("register source failed: %v", err)
	}

	if err := runWithTimeout(t, controller); !errors.Is(err, sourceErr) {
		t.Fatalf("run error = %v, want %v", err, sourceErr)
	}
}

func TestRunWithoutSourcesWaitsForCancellation(t *testing.T) {
	t.Parallel()

	controller := newTestController()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- controller.Run(ctx)
	}()

	eventually(t, 2*time.Second, func() bool {
		return controller.Phase() == zof.PhaseStart
	})
	select {
	case err := <-result:
		t.Fatalf("run returned before cancellation: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("run error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRunClosesRegistrationBeforeBinding(t *testing.T) {
	t.Parallel()

	recorder := &callRecorder{}
	controller := newTestController()

	var lateAppErr, lateHandlerErr error
	var binding *zof.Application
	binding, err := controller.NewApplication("binding", zof.WithBind(func() any {
		_, lateAppErr = controller.NewApplication("late")
		lateHandlerErr = binding.Event("START", recorder.handler("late-handler", nil), nil)
		return &callRecorder{}
	}))
	if err != nil {
		t.Fatalf("new application failed: %v", err)
	}
	if err := binding.Event("START", recorder.handler("binding", nil), nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- controller.Run(ctx)
	}()
	eventually(t, 2*time.Second, func() bool {
		return controller.Phase() == zof.PhaseStart
	})
	cancel()
	if err := <-result; err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !errors.Is(lateAppErr, zof.ErrRegistrationAfterInit) {
		t.Fatalf("late application error = %v, want %v", lateAppErr, zof.ErrRegistrationAfterInit)
	}
	if !errors.Is(lateHandlerErr, zof.ErrRegistrationAfterInit) {
		t.Fatalf("late handler error = %v, want %v", lateHandlerErr, zof.ErrRegistrationAfterInit)
	}
	if diff := cmp.Diff([]string{"binding"}, appNames(controller.Applications())); diff != "" {
		t.Fatalf("applications mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"binding:START"}, recorder.snapshot()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if binding.ExceptionCount() != 0 {
		t.Fatalf("exceptions = %d, want 0", binding.ExceptionCount())
	}
}

func TestRunBindFailureStopsController(t *testing.T) {
	t.Parallel()

	type receiver struct{}
	controller := newTestController()
	app, err := controller.NewApplication("unbindable")
	if err != nil {
		t.Fatalf("new application failed: %v", err)
	}
	if err := app.Event("START", func(*receiver, context.Context, zof.Event) error { return nil }, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := runWithTimeout(t, controller); !errors.Is(err, zof.ErrInvalidCallback) {
		t.Fatalf("run error = %v, want %v", err, zof.ErrInvalidCallback)
	}
	if controller.Phase() != zof.PhaseStop {
		t.Fatalf("phase = %s, want %s", controller.Phase(), zof.PhaseStop)
	}
}

func TestRunPreflightUnload(t *testing.T) {
	t.Parallel()

	recorder := &callRecorder{}
	controller := newTestController()
	unloading, err := controller.NewApplication("unloading", zof.WithPrecedence(200))
	if err != nil {
		t.Fatalf("new application failed: %v", err)
	}
	if err := unloading.Event(zof.EventPreflight, func(context.Context, zof.Event) error {
		return zof.ErrPreflightUnload
	}, nil); err != nil {
		t.Fatalf("register preflight handler failed: %v", err)
	}
	if err := unloading.Register(recorder.handler("unloading", nil), zof.HandlerEvent, matchAll, nil); err != nil {
		t.Fatalf("register catch-all failed: %v", err)
	}
	addRecordingApp(t, controller, recorder, "survivor", 100, nil)

	if err := controller.RegisterSource(&stubSource{name: "empty"}); err != nil {
		t.Fatalf("register source failed: %v", err)
	}
	if err := runWithTimeout(t, controller); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []string{"survivor:PREFLIGHT", "survivor:START", "survivor:STOP"}
	if diff := cmp.Diff(want, recorder.snapshot()); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"survivor"}, appNames(controller.Applications())); diff != "" {
		t.Fatalf("applications mismatch (-want +got):\n%s", diff)
	}
}

func TestPreflightUnloadIgnoredOutsidePreflight(t *testing.T) {
	t.Parallel()

	recorder := &callRecorder{}
	controller := newTestController()
	addRecordingApp(t, controller, recorder, "stubborn", 200, func(context.Context, zof.Event) error {
		return zof.ErrPreflightUnload
	})
	addRecordingApp(t, controller, recorder, "after", 100, nil)
	bindAll(t, controller)
	controller.setPhase(context.Background(), zof.PhaseStart)

	if err := controller.Dispatch(context.Background(), zof.Event{zof.FieldType: "PACKET_IN"}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if diff := cmp.Diff([]string{"stubborn", "after"}, appNames(controller.Applications())); diff != "" {
		t.Fatalf("applications mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"stubborn:PACKET_IN", "after:PACKET_IN"}, recorder.snapshot()); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestEnsureFutureCarriesDispatchContext(t *testing.T) {
	t.Parallel()

	controller := newTestController()
	app, err := controller.NewApplication("async")
	if err != nil {
		t.Fatalf("new application failed: %v", err)
	}
	t.Cleanup(func() {
		_ = controller.tasks.close(context.Background())
	})

	type seenContext struct {
		app  *zof.Application
		info zof.DispatchInfo
	}
	seen := make(chan seenContext, 1)
	info := zof.DispatchInfo{DatapathID: "00:00:00:00:00:00:00:01", ConnID: 7}

	callerCtx, cancelCaller := context.WithCancel(context.Background())
	task := controller.EnsureFuture(callerCtx, func(ctx context.Context) error {
		gotApp, _ := zof.ApplicationFromContext(ctx)
		gotInfo, _ := zof.DispatchInfoFromContext(ctx)
		seen <- seenContext{app: gotApp, info: gotInfo}
		return nil
	}, app, info)
	cancelCaller()

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not complete")
	}
	if err := task.Err(); err != nil {
		t.Fatalf("task error: %v", err)
	}

	got := <-seen
	if got.app != app {
		t.Fatalf("task app = %v, want %v", got.app, app)
	}
	if diff := cmp.Diff(info, got.info); diff != "" {
		t.Fatalf("dispatch info mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerCancelsTasksOnClose(t *testing.T) {
	t.Parallel()

	var reported atomic.Int32
	controller := New(
		WithLogger(discardLogger()),
		WithAsyncErrorHandler(func(context.Context, string, error) {
			reported.Add(1)
		}),
	)
	app, err := controller.NewApplication("waiter")
	if err != nil {
		t.Fatalf("new application failed: %v", err)
	}

	started := make(chan struct{})
	task := controller.EnsureFuture(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, app, zof.DispatchInfo{})
	<-started

	if err := controller.tasks.close(context.Background()); err != nil {
		t.Fatalf("close tasks failed: %v", err)
	}
	if err := task.Err(); !errors.Is(err, context.Canceled) {
		t.Fatalf("task error = %v, want %v", err, context.Canceled)
	}
	if reported.Load() != 0 {
		t.Fatalf("reported errors = %d, want 0 for cancellation", reported.Load())
	}

	late := controller.EnsureFuture(context.Background(), func(context.Context) error {
		return nil
	}, app, zof.DispatchInfo{})
	if err := late.Err(); !errors.Is(err, zof.ErrControllerStopped) {
		t.Fatalf("late task error = %v, want %v", err, zof.ErrControllerStopped)
	}
}

func TestSchedulerReportsTaskFailures(t *testing.T) {
	t.Parallel()

	reported := make(chan string, 2)
	controller := New(
		WithLogger(discardLogger()),
		WithAsyncErrorHandler(func(_ context.Context, scope string, _ error) {
			reported <- scope
		}),
	)
	app, err := controller.NewApplication("flaky")
	if err != nil {
		t.Fatalf("new application failed: %v", err)
	}
	t.Cleanup(func() {
		_ = controller.tasks.close(context.Background())
	})

	failed := controller.EnsureFuture(context.Background(), func(context.Context) error {
		return errors.New("table full")
	}, app, zof.DispatchInfo{})
	panicked := controller.EnsureFuture(context.Background(), func(context.Context) error {
		panic("nil table")
	}, app, zof.DispatchInfo{})

	if failed.Err() == nil {
		t.Fatal("expected failed task error")
	}
	if panicked.Err() == nil {
		t.Fatal("expected panicked task error")
	}
	for range 2 {
		select {
		case scope := <-reported:
			if scope != "task flaky" {
				t.Fatalf("reported scope = %q, want %q", scope, "task flaky")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("task failure not reported")
		}
	}
}

func TestNamedLoggers(t *testing.T) {
	t.Parallel()

	fatal := discardLogger()
	controller := New(WithLogger(discardLogger()), WithNamedLogger("fatal", fatal))

	if controller.Logger("fatal") != fatal {
		t.Fatal("named logger not resolved")
	}
	if controller.Logger("missing") != nil {
		t.Fatal("expected nil for unknown logger name")
	}
}

var matchAll = zof.SubtypeFunc(func(string) bool { return true })

type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) handler(app string, result func(context.Context, zof.Event) error) func(context.Context, zof.Event) error {
	return func(ctx context.Context, event zof.Event) error {
		label := event.Type()
		if label == "" {
			label = event.Name()
		}
		r.mu.Lock()
		r.calls = append(r.calls, app+":"+label)
		r.mu.Unlock()

		if result == nil {
			return nil
		}
		return result(ctx, event)
	}
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

// addRecordingApp registers an application whose catch-all message and event handlers
// record every delivery and then delegate to result.
func addRecordingApp(
	t *testing.T,
	controller *Controller,
	recorder *callRecorder,
	name string,
	precedence int,
	result func(context.Context, zof.Event) error,
) *zof.Application {
	t.Helper()

	app, err := controller.NewApplication(name, zof.WithPrecedence(precedence))
	if err != nil {
		t.Fatalf("new application %s failed: %v", name, err)
	}
	handler := recorder.handler(name, result)
	if err := app.Register(handler, zof.HandlerMessage, matchAll, nil); err != nil {
		t.Fatalf("register message handler failed: %v", err)
	}
	if err := app.Register(handler, zof.HandlerMessage, matchAll, zof.Options{zof.FieldDatapathID: nil}); err != nil {
		t.Fatalf("register datapath-less message handler failed: %v", err)
	}
	if err := app.Register(handler, zof.HandlerEvent, matchAll, nil); err != nil {
		t.Fatalf("register event handler failed: %v", err)
	}

	return app
}

func bindAll(t *testing.T, controller *Controller) {
	t.Helper()

	if err := controller.prepareBind(); err != nil {
		t.Fatalf("prepare bind failed: %v", err)
	}
}

func runWithTimeout(t *testing.T, controller *Controller) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return controller.Run(ctx)
}

func appNames(apps []*zof.Application) []string {
	names := make([]string, 0, len(apps))
	for _, app := range apps {
		names = append(names, app.Name())
	}

	return names
}

func newTestController(options ...Option) *Controller {
	return New(append([]Option{WithLogger(discardLogger())}, options...)...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSource struct {
	name      string
	events    []zof.Event
	startErr  error
	shutdowns atomic.Int32
}

func (s *stubSource) Name() string {
	return s.name
}

func (s *stubSource) Start(ctx context.Context, sink zof.EventSink) error {
	if s.startErr != nil {
		return s.startErr
	}
	for _, event := range s.events {
		if err := sink.Post(ctx, event); err != nil {
			return err
		}
	}

	return nil
}

func (s *stubSource) Shutdown(context.Context) error {
	s.shutdowns.Add(1)
	return nil
}

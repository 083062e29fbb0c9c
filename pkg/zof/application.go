package zof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync/atomic"
)

// DefaultPrecedence is the precedence of applications that do not set one.
const DefaultPrecedence = 100

type appConfig struct {
	precedence     int
	exceptionFatal bool
	fatalLogger    string
	hasDatapathID  bool
	bindFactory    func() any
	logger         *slog.Logger
}

// AppOption configures an Application at construction.
type AppOption func(*appConfig)

// WithPrecedence sets the dispatch precedence; higher values see events first.
func WithPrecedence(precedence int) AppOption {
	return func(cfg *appConfig) {
		cfg.precedence = precedence
	}
}

// WithExceptionFatal makes any handler failure terminate the process.
func WithExceptionFatal() AppOption {
	return func(cfg *appConfig) {
		cfg.exceptionFatal = true
	}
}

// WithFatalLogger makes handler failures fatal and additionally logs them through the
// controller logger registered under name.
func WithFatalLogger(name string) AppOption {
	return func(cfg *appConfig) {
		cfg.exceptionFatal = true
		cfg.fatalLogger = name
	}
}

// WithoutDatapathID scopes every message handler that does not set datapath_id itself to
// datapath-less events.
func WithoutDatapathID() AppOption {
	return func(cfg *appConfig) {
		cfg.hasDatapathID = false
	}
}

// WithBind sets the factory producing the instance that receiver callbacks bind to.
// The factory runs once, in PrepareBind.
func WithBind(factory func() any) AppOption {
	return func(cfg *appConfig) {
		cfg.bindFactory = factory
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) AppOption {
	return func(cfg *appConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Application is a named, precedence-ordered collection of handlers owned by a Controller.
//
// Handlers are registered while the controller is in INIT, bound once by PrepareBind, and
// then dispatched by HandleEvent. At most one handler per application fires per event.
type Application struct {
	name       string
	cfg        appConfig
	controller Controller

	handlers     map[HandlerType][]Handler
	bound        atomic.Bool
	bindInstance any

	exceptions atomic.Uint64
	terminate  func()
}

// NewApplication creates an application and adds it to controller's ordered list.
func NewApplication(controller Controller, name string, options ...AppOption) (*Application, error) {
	if controller == nil {
		return nil, fmt.Errorf("new application %s: nil controller", name)
	}
	if name == "" {
		return nil, fmt.Errorf("new application: empty name")
	}

	cfg := appConfig{
		precedence:    DefaultPrecedence,
		hasDatapathID: true,
		logger:        slog.Default(),
	}
	for _, option := range options {
		option(&cfg)
	}

	app := &Application{
		name:       name,
		cfg:        cfg,
		controller: controller,
		handlers:   make(map[HandlerType][]Handler),
		terminate:  terminateProcess,
	}
	if err := controller.AddApplication(app); err != nil {
		return nil, fmt.Errorf("new application %s: %w", name, err)
	}

	return app, nil
}

// Name returns the application name.
func (a *Application) Name() string {
	return a.name
}

// Precedence returns the dispatch precedence.
func (a *Application) Precedence() int {
	return a.cfg.precedence
}

// ExceptionFatal reports whether handler failures terminate the process.
func (a *Application) ExceptionFatal() bool {
	return a.cfg.exceptionFatal
}

// HasDatapathID reports whether message handlers default to datapath-bound events.
func (a *Application) HasDatapathID() bool {
	return a.cfg.hasDatapathID
}

// BindInstance returns the instance created by PrepareBind, if any.
func (a *Application) BindInstance() any {
	return a.bindInstance
}

// Handlers returns a copy of the handlers registered for handlerType, in order.
func (a *Application) Handlers(handlerType HandlerType) []Handler {
	return append([]Handler(nil), a.handlers[handlerType]...)
}

// ExceptionCount returns how many handler failures were contained.
func (a *Application) ExceptionCount() uint64 {
	return a.exceptions.Load()
}

// Register appends a handler for callback. Registration is only valid while the
// controller is in INIT and before PrepareBind; options are copied, never mutated.
func (a *Application) Register(callback any, handlerType HandlerType, subtype Subtype, options Options) error {
	if a.bound.Load() {
		return fmt.Errorf(
			"register %s handler on %s after prepare bind: %w",
			handlerType, a.name, ErrRegistrationAfterInit,
		)
	}
	if phase := a.controller.Phase(); phase != PhaseInit {
		return fmt.Errorf(
			"register %s handler on %s in phase %s: %w",
			handlerType, a.name, phase, ErrRegistrationAfterInit,
		)
	}

	opts := maps.Clone(options)
	if opts == nil {
		opts = make(Options)
	}
	if handlerType == HandlerMessage && !a.cfg.hasDatapathID {
		if _, set := opts[FieldDatapathID]; !set {
			opts[FieldDatapathID] = nil
		}
	}

	handler, err := NewHandler(callback, handlerType, subtype, opts)
	if err != nil {
		return fmt.Errorf("register handler on %s: %w", a.name, err)
	}
	a.handlers[handlerType] = append(a.handlers[handlerType], handler)

	return nil
}

// Message registers a message handler for the given type.
func (a *Application) Message(subtype string, callback any, options Options) error {
	return a.Register(callback, HandlerMessage, SubtypeName(subtype), options)
}

// Event registers an internal event handler for the given event name.
func (a *Application) Event(name string, callback any, options Options) error {
	return a.Register(callback, HandlerEvent, SubtypeName(name), options)
}

// PrepareBind instantiates the bind instance, when configured, and binds every handler.
// It must run once, after registration and before the first HandleEvent. Registration is
// closed from the first call on, even when binding fails.
func (a *Application) PrepareBind() error {
	if !a.bound.CompareAndSwap(false, true) {
		return fmt.Errorf("prepare bind %s: %w", a.name, ErrAlreadyBound)
	}

	if a.cfg.bindFactory != nil {
		instance := a.cfg.bindFactory()
		if instance == nil {
			return fmt.Errorf("prepare bind %s: bind factory returned nil", a.name)
		}
		a.bindInstance = instance
	}

	for _, handlerType := range []HandlerType{HandlerMessage, HandlerEvent} {
		for idx, handler := range a.handlers[handlerType] {
			if err := handler.Bind(a.bindInstance); err != nil {
				return fmt.Errorf("prepare bind %s %s handler %d: %w", a.name, handlerType, idx, err)
			}
		}
	}

	return nil
}

// HandleEvent runs the first matching handler of handlerType. Control signals are returned
// to the caller; every other failure is contained and routed to exception handling.
func (a *Application) HandleEvent(ctx context.Context, event Event, handlerType HandlerType) error {
	handlers := a.handlers[handlerType]
	if len(handlers) == 0 {
		return nil
	}

	err := a.dispatch(ctx, event, handlers)
	if err == nil {
		return nil
	}
	if IsControlSignal(err) {
		return err
	}

	a.handleException(ctx, event, handlerType, err)

	return nil
}

// EnsureFuture schedules fn on the owning controller tagged with this application.
func (a *Application) EnsureFuture(ctx context.Context, fn TaskFunc, info DispatchInfo) Task {
	return a.controller.EnsureFuture(ctx, fn, a, info)
}

// dispatch is the first-match scan. Panics in predicates or callbacks become errors.
func (a *Application) dispatch(ctx context.Context, event Event, handlers []Handler) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered, Stack: debug.Stack()}
		}
	}()

	for _, handler := range handlers {
		if handler.Match(event) {
			return handler.Call(ctx, event, a)
		}
	}

	return nil
}

// handleException logs a contained failure and terminates the process for fatal apps.
func (a *Application) handleException(ctx context.Context, event Event, handlerType HandlerType, err error) {
	a.exceptions.Add(1)

	attrs := []any{
		"app", a.name,
		"handler_type", handlerType,
		"event", event,
		"fatal", a.cfg.exceptionFatal,
		"error", err,
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		attrs = append(attrs, "stack", string(panicErr.Stack))
	}

	a.cfg.logger.Log(ctx, LevelCritical, "zof application exception", attrs...)
	if !a.cfg.exceptionFatal {
		return
	}

	if a.cfg.fatalLogger != "" {
		if fatalLogger := a.controller.Logger(a.cfg.fatalLogger); fatalLogger != nil {
			fatalLogger.Log(ctx, LevelCritical, "zof application exception", attrs...)
		}
	}
	a.terminate()
}

// PanicError is a recovered panic from a handler, with the goroutine stack at recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Unwrap exposes panicked errors so control signals raised via panic still propagate.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

package controller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"zof/pkg/zof"
)

// Controller owns the precedence-ordered application list, the ingress queue and its
// single dispatch loop, asynchronous tasks, and event sources.
type Controller struct {
	cfg config

	services *ServiceRegistry
	queue    *eventQueue
	tasks    *scheduler
	limiter  *ingressLimiter
	metrics  *dispatchMetrics

	mu          sync.RWMutex
	phase       zof.Phase
	apps        []*zof.Application
	sources     map[string]zof.Source
	sourceOrder []string

	runMu   sync.Mutex
	running bool
}

var (
	_ zof.Controller = (*Controller)(nil)
	_ zof.Host       = (*Controller)(nil)
	_ zof.EventSink  = (*Controller)(nil)
)

// New creates a controller in phase INIT.
func New(options ...Option) *Controller {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	metrics := newDispatchMetrics(cfg.registerer)
	c := &Controller{
		cfg:      cfg,
		services: NewServiceRegistry(),
		limiter:  newIngressLimiter(cfg.ingressRate, cfg.ingressBurst),
		metrics:  metrics,
		phase:    zof.PhaseInit,
		sources:  make(map[string]zof.Source),
	}
	c.queue = newEventQueue(cfg.queueBuffer, cfg.backpressure, metrics.dropped.Inc)
	c.tasks = newScheduler(cfg.onAsyncError, metrics.observeTask)

	return c
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() zof.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// Services exposes the shared service registry.
func (c *Controller) Services() zof.ServiceRegistry {
	return c.services
}

// RegisterService publishes a named service for applications.
func (c *Controller) RegisterService(name string, service any) error {
	if err := c.services.Register(name, service); err != nil {
		return fmt.Errorf("controller register service: %w", err)
	}

	return nil
}

// Logger resolves a named logger, or nil when none is configured under name.
func (c *Controller) Logger(name string) *slog.Logger {
	return c.cfg.namedLoggers[name]
}

// NewApplication creates an application that logs through the controller logger unless
// options override it.
func (c *Controller) NewApplication(name string, options ...zof.AppOption) (*zof.Application, error) {
	opts := append([]zof.AppOption{zof.WithLogger(c.cfg.logger)}, options...)

	return zof.NewApplication(c, name, opts...)
}

// AddApplication inserts app keeping the list ordered by precedence, highest first.
// Applications with equal precedence keep insertion order.
func (c *Controller) AddApplication(app *zof.Application) error {
	if app == nil {
		return fmt.Errorf("add application: nil application")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != zof.PhaseInit {
		return fmt.Errorf("add application %s in phase %s: %w", app.Name(), c.phase, zof.ErrRegistrationAfterInit)
	}
	for _, existing := range c.apps {
		if existing.Name() == app.Name() {
			return fmt.Errorf("add application %s: %w", app.Name(), zof.ErrApplicationAlreadyRegistered)
		}
	}

	c.apps = append(c.apps, app)
	slices.SortStableFunc(c.apps, func(a, b *zof.Application) int {
		return cmp.Compare(b.Precedence(), a.Precedence())
	})
	c.metrics.trackApplication(app)

	return nil
}

// Applications returns the applications in dispatch order.
func (c *Controller) Applications() []*zof.Application {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.apps)
}

// RegisterSource registers an event source started by Run.
func (c *Controller) RegisterSource(source zof.Source) error {
	if source == nil {
		return fmt.Errorf("register source: nil source")
	}
	name := source.Name()
	if name == "" {
		return fmt.Errorf("register source: empty name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != zof.PhaseInit {
		return fmt.Errorf("register source %s in phase %s: %w", name, c.phase, zof.ErrRegistrationAfterInit)
	}
	if _, exists := c.sources[name]; exists {
		return fmt.Errorf("register source %s: %w", name, zof.ErrSourceAlreadyRegistered)
	}
	c.sources[name] = source
	c.sourceOrder = append(c.sourceOrder, name)

	return nil
}

// SetIngressRateLimit replaces the Post rate limit at runtime.
func (c *Controller) SetIngressRateLimit(limit float64, burst int) {
	c.limiter.Reload(limit, burst)
}

// Post validates event and enqueues it for the dispatch loop.
func (c *Controller) Post(ctx context.Context, event zof.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	if c.Phase() == zof.PhaseStop {
		return fmt.Errorf("post event: %w", zof.ErrControllerStopped)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("post event: rate limit: %w", err)
	}
	if err := c.queue.enqueue(ctx, event); err != nil {
		return fmt.Errorf("post event: %w", err)
	}

	return nil
}

// EnsureFuture schedules fn on the controller's task group. The task runs with app and
// info attached to its context and is cancelled at shutdown.
func (c *Controller) EnsureFuture(
	ctx context.Context,
	fn zof.TaskFunc,
	app *zof.Application,
	info zof.DispatchInfo,
) zof.Task {
	return c.tasks.spawn(ctx, fn, app, info)
}

// Dispatch hands event to every application in precedence order, inline. A handler
// returning ErrStopPropagation ends the walk. ErrPreflightUnload removes the application
// when raised during PREFLIGHT and is ignored otherwise.
func (c *Controller) Dispatch(ctx context.Context, event zof.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	handlerType, err := event.HandlerType()
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	c.metrics.events.WithLabelValues(string(handlerType)).Inc()

	for _, app := range c.Applications() {
		started := time.Now()
		err := app.HandleEvent(ctx, event, handlerType)
		c.metrics.observeDispatch(app.Name(), handlerType, time.Since(started))
		if err == nil {
			continue
		}

		c.metrics.observeSignal(app.Name(), err)
		if errors.Is(err, zof.ErrStopPropagation) {
			break
		}
		if errors.Is(err, zof.ErrPreflightUnload) {
			c.unloadApplication(ctx, app)
		}
	}

	return nil
}

// unloadApplication removes app when the controller is still in PREFLIGHT.
func (c *Controller) unloadApplication(ctx context.Context, app *zof.Application) {
	c.mu.Lock()
	phase := c.phase
	if phase == zof.PhasePreflight {
		c.apps = slices.DeleteFunc(c.apps, func(candidate *zof.Application) bool {
			return candidate == app
		})
		c.metrics.forgetApplication(app)
	}
	c.mu.Unlock()

	if phase != zof.PhasePreflight {
		c.cfg.logger.WarnContext(ctx, "zof preflight unload ignored", "app", app.Name(), "phase", phase)
		return
	}
	c.cfg.logger.InfoContext(ctx, "zof application unloaded", "app", app.Name())
}

// Run binds every application, announces PREFLIGHT and START, then dispatches queued
// events until ctx is cancelled or every source has returned. Shutdown announces STOP
// after the queue drains.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.startRun(); err != nil {
		return err
	}
	defer c.finishRun()

	// Leaving INIT first closes registration while bind factories run.
	c.setPhase(ctx, zof.PhasePreflight)
	if err := c.prepareBind(); err != nil {
		c.setPhase(ctx, zof.PhaseStop)
		return err
	}
	c.dispatchInternal(ctx, zof.EventPreflight)
	c.setPhase(ctx, zof.PhaseStart)
	c.dispatchInternal(ctx, zof.EventStart)

	loopCtx := context.WithoutCancel(ctx)
	c.queue.start(func(event zof.Event) {
		if err := c.Dispatch(loopCtx, event); err != nil {
			c.cfg.onAsyncError(loopCtx, "dispatch loop", err)
		}
	})

	runCtx, runCancel := context.WithCancel(ctx)
	sourceErr, waitSources := c.startSources(runCtx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-sourceErr:
		runErr = err
	}

	runCancel()
	waitSources()

	shutdownErr := c.shutdown(ctx)

	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, shutdownErr)
}

// startRun rejects concurrent and repeated runs.
func (c *Controller) startRun() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return fmt.Errorf("controller run: already running")
	}
	if phase := c.Phase(); phase != zof.PhaseInit {
		return fmt.Errorf("controller run in phase %s: %w", phase, zof.ErrControllerStopped)
	}
	c.running = true

	return nil
}

func (c *Controller) finishRun() {
	c.runMu.Lock()
	c.running = false
	c.runMu.Unlock()
}

func (c *Controller) prepareBind() error {
	for _, app := range c.Applications() {
		if err := app.PrepareBind(); err != nil {
			return fmt.Errorf("controller run: %w", err)
		}
	}

	return nil
}

func (c *Controller) setPhase(ctx context.Context, phase zof.Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()

	c.cfg.logger.InfoContext(ctx, "zof controller phase", "phase", phase)
}

func (c *Controller) dispatchInternal(ctx context.Context, name string) {
	if err := c.Dispatch(ctx, zof.NewInternalEvent(name)); err != nil {
		c.cfg.onAsyncError(ctx, "dispatch "+name, err)
	}
}

// startSources runs every source concurrently and returns:
// - a channel delivering the first fatal source error, or context.Canceled once all
// sources have returned, and
// - a wait function that blocks for source completion up to the shutdown timeout.
//
// Without sources the channel never fires and Run waits for ctx.
func (c *Controller) startSources(ctx context.Context) (<-chan error, func()) {
	errChannel := make(chan error, 1)
	done := make(chan struct{})
	workers := &sync.WaitGroup{}

	c.mu.RLock()
	order := slices.Clone(c.sourceOrder)
	sources := make(map[string]zof.Source, len(c.sources))
	for name, source := range c.sources {
		sources[name] = source
	}
	c.mu.RUnlock()

	for _, name := range order {
		source := sources[name]
		workers.Go(func() {
			err := runSafely("source "+name+" Start", func() error {
				return source.Start(ctx, c)
			})
			if err == nil || isContextCancellation(err) {
				return
			}
			select {
			case errChannel <- fmt.Errorf("run source %s: %w", name, err):
			default:
			}
		})
	}

	go func() {
		workers.Wait()
		close(done)
	}()

	if len(order) > 0 {
		go func() {
			<-done
			select {
			case errChannel <- context.Canceled:
			default:
			}
		}()
	}

	wait := func() {
		select {
		case <-done:
		case <-time.After(c.cfg.shutdownTimeout):
		}
	}

	return errChannel, wait
}

// shutdown enters STOP, drains the queue, announces STOP, then tears down sources and
// tasks within the shutdown timeout. It runs even after ctx is cancelled.
func (c *Controller) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.shutdownTimeout)
	defer cancel()

	c.setPhase(shutdownCtx, zof.PhaseStop)

	var shutdownErr error
	if err := c.queue.shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	c.dispatchInternal(shutdownCtx, zof.EventStop)
	if err := c.shutdownSources(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := c.tasks.close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("controller shutdown: %w", shutdownErr)
	}

	return nil
}

// shutdownSources calls Shutdown in reverse registration order.
func (c *Controller) shutdownSources(ctx context.Context) error {
	c.mu.RLock()
	order := slices.Clone(c.sourceOrder)
	sources := make(map[string]zof.Source, len(c.sources))
	for name, source := range c.sources {
		sources[name] = source
	}
	c.mu.RUnlock()

	var shutdownErr error
	for idx := len(order) - 1; idx >= 0; idx-- {
		name := order[idx]
		source := sources[name]
		err := runSafely("source "+name+" Shutdown", func() error {
			return source.Shutdown(ctx)
		})
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown source %s: %w", name, err))
		}
	}

	return shutdownErr
}

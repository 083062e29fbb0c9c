package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultQueueBuffer     = 256
)

// BackpressurePolicy defines how Post behaves when the ingress queue is full.
type BackpressurePolicy string

const (
	// BackpressureBlock blocks until queue space is available or context is canceled.
	BackpressureBlock BackpressurePolicy = "block"
	// BackpressureDropNewest drops the incoming event when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued event before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
)

// ParseBackpressurePolicy validates a policy name.
func ParseBackpressurePolicy(raw string) (BackpressurePolicy, bool) {
	switch policy := BackpressurePolicy(raw); policy {
	case BackpressureBlock, BackpressureDropNewest, BackpressureDropOldest:
		return policy, true
	default:
		return "", false
	}
}

// config stores resolved controller settings after option application.
type config struct {
	shutdownTimeout time.Duration
	queueBuffer     int
	backpressure    BackpressurePolicy
	ingressRate     float64
	ingressBurst    int
	logger          *slog.Logger
	namedLoggers    map[string]*slog.Logger
	registerer      prometheus.Registerer
	onAsyncError    func(context.Context, string, error)

	// customAsyncError keeps a WithAsyncErrorHandler handler when WithLogger follows it.
	customAsyncError bool
}

// Option mutates controller construction configuration.
type Option func(*config)

func defaultConfig() config {
	logger := slog.Default()

	return config{
		shutdownTimeout: defaultShutdownTimeout,
		queueBuffer:     defaultQueueBuffer,
		backpressure:    BackpressureBlock,
		logger:          logger,
		namedLoggers:    make(map[string]*slog.Logger),
		onAsyncError:    asyncErrorLogger(logger),
	}
}

func asyncErrorLogger(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "zof async error", "scope", scope, "error", err)
	}
}

// WithShutdownTimeout bounds queue drain, source shutdown and task cancellation.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithQueueBuffer configures the ingress queue depth.
func WithQueueBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.queueBuffer = size
		}
	}
}

// WithBackpressure configures the ingress queue full policy.
func WithBackpressure(policy BackpressurePolicy) Option {
	return func(cfg *config) {
		if _, ok := ParseBackpressurePolicy(string(policy)); ok {
			cfg.backpressure = policy
		}
	}
}

// WithIngressRateLimit throttles Post to limit events per second with the given burst.
// A non-positive limit disables throttling.
func WithIngressRateLimit(limit float64, burst int) Option {
	return func(cfg *config) {
		cfg.ingressRate = limit
		cfg.ingressBurst = burst
	}
}

// WithLogger configures the controller logger, the default application logger and, unless
// WithAsyncErrorHandler is given, the async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		if !cfg.customAsyncError {
			cfg.onAsyncError = asyncErrorLogger(logger)
		}
	}
}

// WithNamedLogger registers a logger applications can address by name, for example a
// dedicated channel for fatal application failures.
func WithNamedLogger(name string, logger *slog.Logger) Option {
	return func(cfg *config) {
		if name != "" && logger != nil {
			cfg.namedLoggers[name] = logger
		}
	}
}

// WithMetricsRegisterer configures where controller metrics are registered. By default a
// private registry is used.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(cfg *config) {
		if registerer != nil {
			cfg.registerer = registerer
		}
	}
}

// WithAsyncErrorHandler configures reporting of task and dispatch-loop failures.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
			cfg.customAsyncError = true
		}
	}
}

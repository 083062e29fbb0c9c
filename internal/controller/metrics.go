package controller

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zof/pkg/zof"
)

const metricsNamespace = "zof"

// dispatchMetrics are the controller's Prometheus collectors.
type dispatchMetrics struct {
	registerer prometheus.Registerer

	events   *prometheus.CounterVec
	dropped  prometheus.Counter
	duration *prometheus.HistogramVec
	signals  *prometheus.CounterVec
	tasks    *prometheus.CounterVec

	exceptions map[string]prometheus.Collector
}

func newDispatchMetrics(registerer prometheus.Registerer) *dispatchMetrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	return &dispatchMetrics{
		registerer: registerer,
		events: registerCollector(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "controller",
				Name:      "events_total",
				Help:      "Events dispatched to applications.",
			},
			[]string{"handler_type"},
		)),
		dropped: registerCollector(registerer, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "controller",
				Name:      "events_dropped_total",
				Help:      "Events dropped by ingress backpressure.",
			},
		)),
		duration: registerCollector(registerer, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "controller",
				Name:      "dispatch_duration_seconds",
				Help:      "Time one application spent handling one event.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"app", "handler_type"},
		)),
		signals: registerCollector(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "controller",
				Name:      "control_signals_total",
				Help:      "Control signals raised by application handlers.",
			},
			[]string{"app", "signal"},
		)),
		tasks: registerCollector(registerer, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "controller",
				Name:      "tasks_total",
				Help:      "Asynchronous handler tasks by outcome.",
			},
			[]string{"app", "outcome"},
		)),
		exceptions: make(map[string]prometheus.Collector),
	}
}

// registerCollector registers c, reusing an identical collector already registered.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}

	return c
}

func (m *dispatchMetrics) observeDispatch(app string, handlerType zof.HandlerType, elapsed time.Duration) {
	m.duration.WithLabelValues(app, string(handlerType)).Observe(elapsed.Seconds())
}

func (m *dispatchMetrics) observeSignal(app string, err error) {
	signal := "stop_propagation"
	if errors.Is(err, zof.ErrPreflightUnload) {
		signal = "preflight_unload"
	}
	m.signals.WithLabelValues(app, signal).Inc()
}

func (m *dispatchMetrics) observeTask(app string, outcome string) {
	m.tasks.WithLabelValues(app, outcome).Inc()
}

// trackApplication exports the application's contained exception count.
func (m *dispatchMetrics) trackApplication(app *zof.Application) {
	collector := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "application",
			Name:        "exceptions_total",
			Help:        "Handler failures contained by the application.",
			ConstLabels: prometheus.Labels{"app": app.Name()},
		},
		func() float64 {
			return float64(app.ExceptionCount())
		},
	)
	if err := m.registerer.Register(collector); err != nil {
		return
	}
	m.exceptions[app.Name()] = collector
}

func (m *dispatchMetrics) forgetApplication(app *zof.Application) {
	collector, ok := m.exceptions[app.Name()]
	if !ok {
		return
	}
	m.registerer.Unregister(collector)
	delete(m.exceptions, app.Name())
}

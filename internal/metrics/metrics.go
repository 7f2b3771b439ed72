// Package metrics exposes Prometheus instrumentation for the task service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	taskTransitions  *prometheus.CounterVec
	tasksRunning     prometheus.Gauge
	queueDepth       prometheus.Gauge
	runDuration      *prometheus.HistogramVec
	runFailures      *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	diagnosisRuns    *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	wsConnections    prometheus.Gauge
	dispatchDeferred prometheus.Counter
}

// New creates and registers metrics on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		taskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtest_task_transitions_total",
				Help: "Task status transitions",
			},
			[]string{"operation", "to"},
		),
		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "backtest_tasks_running",
				Help: "Tasks currently holding a worker slot",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "backtest_queue_depth",
				Help: "Pending tasks waiting in the dispatcher queue",
			},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backtest_run_duration_seconds",
				Help:    "Wall-clock duration of task runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"type", "outcome"},
		),
		runFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtest_run_failures_total",
				Help: "Failed runs by failure category",
			},
			[]string{"category"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtest_events_published_total",
				Help: "Events accepted by the progress bus",
			},
			[]string{"kind"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtest_events_dropped_total",
				Help: "Events dropped because a bus shard was full",
			},
			[]string{"kind"},
		),
		diagnosisRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtest_diagnosis_runs_total",
				Help: "Diagnosis computations",
			},
			[]string{"status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		wsConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_connections_active",
				Help: "Number of active WebSocket connections",
			},
		),
		dispatchDeferred: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "backtest_dispatch_deferred_total",
				Help: "Claims deferred because all slots were busy",
			},
		),
	}

	m.registry.MustRegister(
		m.taskTransitions,
		m.tasksRunning,
		m.queueDepth,
		m.runDuration,
		m.runFailures,
		m.eventsPublished,
		m.eventsDropped,
		m.diagnosisRuns,
		m.httpRequests,
		m.httpDuration,
		m.wsConnections,
		m.dispatchDeferred,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskTransition counts a successful status change
func (m *Metrics) TaskTransition(operation, to string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(operation, to).Inc()
}

// SetRunning sets the running gauge
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.tasksRunning.Set(float64(n))
}

// SetQueueDepth sets the queue depth gauge
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveRun records a finished run
func (m *Metrics) ObserveRun(taskType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(taskType, outcome).Observe(d.Seconds())
}

// RunFailed counts a failure by category
func (m *Metrics) RunFailed(category string) {
	if m == nil {
		return
	}
	m.runFailures.WithLabelValues(category).Inc()
}

// EventPublished counts an accepted bus event
func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

// EventDropped counts a dropped bus event
func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(kind).Inc()
}

// DiagnosisRun counts a diagnosis by status
func (m *Metrics) DiagnosisRun(status string) {
	if m == nil {
		return
	}
	m.diagnosisRuns.WithLabelValues(status).Inc()
}

// DispatchDeferred counts a claim deferred for capacity
func (m *Metrics) DispatchDeferred() {
	if m == nil {
		return
	}
	m.dispatchDeferred.Inc()
}

// WSConnected adjusts the websocket connection gauge
func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.wsConnections.Add(float64(delta))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware records request counts and latency; route resolves the route template
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := route(r)
			m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

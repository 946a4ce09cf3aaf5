package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the supervisor.
// A nil *Metrics and a disabled instance are both no-ops.
type Metrics struct {
	config MetricsConfig

	// Scheduler metrics
	taskRuns     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// Job metrics
	jobOutcomes *prometheus.CounterVec

	// Watchdog metrics
	watchdogActions *prometheus.CounterVec

	// Snapshot metrics
	snapshotOperations *prometheus.CounterVec
	snapshotDuration   *prometheus.HistogramVec
	snapshotSize       prometheus.Gauge
	snapshotsTotal     prometheus.Gauge

	// Component metrics
	componentUpdates *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	issuesCreated *prometheus.CounterVec

	// System metrics
	coreState *prometheus.GaugeVec
	freeSpace prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_task_runs_total",
				Help:      "Total number of scheduled task invocations",
			},
			[]string{"task", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_task_duration_seconds",
				Help:      "Duration of scheduled task invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"task"},
		),

		jobOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Total number of job runs by outcome",
			},
			[]string{"job", "outcome"},
		),

		watchdogActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_actions_total",
				Help:      "Total number of watchdog recovery actions",
			},
			[]string{"component", "action", "status"},
		),

		snapshotOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_operations_total",
				Help:      "Total number of snapshot and restore operations",
			},
			[]string{"operation", "status"},
		),
		snapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_operation_duration_seconds",
				Help:      "Duration of snapshot and restore operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		snapshotSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_last_size_bytes",
				Help:      "Size of the most recently created snapshot archive",
			},
		),
		snapshotsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshots",
				Help:      "Current number of snapshots in the catalog",
			},
		),

		componentUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "component_updates_total",
				Help:      "Total number of component updates",
			},
			[]string{"component", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of captured errors by error class",
			},
			[]string{"class"},
		),
		issuesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "issues_created_total",
				Help:      "Total number of issues raised to the resolution center",
			},
			[]string{"type", "context"},
		),

		coreState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "core_state",
				Help:      "Current supervisor state (1 for the active state)",
			},
			[]string{"state"},
		),
		freeSpace: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "data_free_bytes",
				Help:      "Free space on the data partition in bytes",
			},
		),
	}

	registry.MustRegister(
		m.taskRuns,
		m.taskDuration,
		m.jobOutcomes,
		m.watchdogActions,
		m.snapshotOperations,
		m.snapshotDuration,
		m.snapshotSize,
		m.snapshotsTotal,
		m.componentUpdates,
		m.errorsByClass,
		m.issuesCreated,
		m.coreState,
		m.freeSpace,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTaskRun records one scheduled task invocation.
func (m *Metrics) RecordTaskRun(task, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.taskRuns.WithLabelValues(task, status).Inc()
	m.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// RecordJobOutcome records the outcome of a job run.
func (m *Metrics) RecordJobOutcome(job, outcome string) {
	if !m.enabled() {
		return
	}
	m.jobOutcomes.WithLabelValues(job, outcome).Inc()
}

// RecordWatchdogAction records a watchdog start, restart or rebuild.
func (m *Metrics) RecordWatchdogAction(component, action string, err error) {
	if !m.enabled() {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.watchdogActions.WithLabelValues(component, action, status).Inc()
}

// RecordSnapshotOperation records a snapshot or restore with its duration.
func (m *Metrics) RecordSnapshotOperation(operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.snapshotOperations.WithLabelValues(operation, status).Inc()
	m.snapshotDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSnapshotSize records the size of the latest archive.
func (m *Metrics) SetSnapshotSize(bytes int64) {
	if !m.enabled() {
		return
	}
	m.snapshotSize.Set(float64(bytes))
}

// SetSnapshotCount sets the catalog size.
func (m *Metrics) SetSnapshotCount(count int) {
	if !m.enabled() {
		return
	}
	m.snapshotsTotal.Set(float64(count))
}

// RecordComponentUpdate records a component update attempt.
func (m *Metrics) RecordComponentUpdate(component string, err error) {
	if !m.enabled() {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.componentUpdates.WithLabelValues(component, status).Inc()
}

// RecordError records a captured error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	if errorClass == "" {
		errorClass = "unclassified"
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// RecordIssue records an issue raised to the resolution center.
func (m *Metrics) RecordIssue(issueType, issueContext string) {
	if !m.enabled() {
		return
	}
	m.issuesCreated.WithLabelValues(issueType, issueContext).Inc()
}

// SetCoreState marks state as the active one among states.
func (m *Metrics) SetCoreState(state string, states []string) {
	if !m.enabled() {
		return
	}
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.coreState.WithLabelValues(s).Set(value)
	}
}

// SetFreeSpace records the free space on the data partition.
func (m *Metrics) SetFreeSpace(bytes uint64) {
	if !m.enabled() {
		return
	}
	m.freeSpace.Set(float64(bytes))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.enabled() || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

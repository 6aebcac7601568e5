package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lakegate/lakegate/pkg/engine"
)

// Metrics provides Prometheus metrics for lakegate.
// A disabled Metrics is a valid no-op recorder.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Stage metrics
	importsTotal      *prometheus.CounterVec
	importAttempts    prometheus.Histogram
	expectationsTotal *prometheus.CounterVec
	mergeAttempts     *prometheus.CounterVec
	cleanupWarnings   prometheus.Counter

	// Catalog metrics
	catalogRequests *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

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

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished runs by disposition",
			},
			[]string{"disposition", "target"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"disposition"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each coordinator stage in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs in progress",
			},
		),

		importsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "imports_total",
				Help:      "Total number of import jobs by status",
			},
			[]string{"status"},
		),
		importAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "import_attempts",
				Help:      "Catalog calls needed per import job",
				Buckets:   []float64{1, 2, 3, 5, 8},
			},
		),
		expectationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expectations_total",
				Help:      "Total number of evaluated expectations by outcome",
			},
			[]string{"passed"},
		),
		mergeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_attempts_total",
				Help:      "Total number of merge attempts by outcome",
			},
			[]string{"status"},
		),
		cleanupWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_warnings_total",
				Help:      "Total number of ingestion branches that could not be deleted",
			},
		),

		catalogRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "catalog_request_duration_seconds",
				Help:      "Duration of catalog calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "outcome"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.stageDuration,
		m.activeRuns,
		m.importsTotal,
		m.importAttempts,
		m.expectationsTotal,
		m.mergeAttempts,
		m.cleanupWarnings,
		m.catalogRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RunStarted increments the in-progress gauge. Pair with RecordRun.
func (m *Metrics) RunStarted() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordRun records a finished run with its disposition and duration.
func (m *Metrics) RecordRun(disposition engine.Disposition, target string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(disposition), target).Inc()
	m.runDuration.WithLabelValues(string(disposition)).Observe(duration.Seconds())
}

// RunFinished decrements the in-progress gauge.
func (m *Metrics) RunFinished() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Dec()
}

// RecordStage records the time spent in a stage.
func (m *Metrics) RecordStage(stage engine.Stage, duration time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
}

// RecordImport records a finished import job.
func (m *Metrics) RecordImport(status engine.ImportStatus, attempts int) {
	if m.importsTotal == nil {
		return
	}
	m.importsTotal.WithLabelValues(string(status)).Inc()
	if attempts > 0 {
		m.importAttempts.Observe(float64(attempts))
	}
}

// RecordExpectation records one expectation result.
func (m *Metrics) RecordExpectation(passed bool) {
	if m.expectationsTotal == nil {
		return
	}
	m.expectationsTotal.WithLabelValues(strconv.FormatBool(passed)).Inc()
}

// RecordMergeAttempt records one merge call.
func (m *Metrics) RecordMergeAttempt(status engine.MergeStatus) {
	if m.mergeAttempts == nil {
		return
	}
	m.mergeAttempts.WithLabelValues(string(status)).Inc()
}

// RecordCleanupWarning records a failed branch deletion.
func (m *Metrics) RecordCleanupWarning() {
	if m.cleanupWarnings == nil {
		return
	}
	m.cleanupWarnings.Inc()
}

// RecordCatalogRequest records the latency of one catalog call.
func (m *Metrics) RecordCatalogRequest(operation, outcome string, duration time.Duration) {
	if m.catalogRequests == nil {
		return
	}
	m.catalogRequests.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint on ListenAddress.
// It returns the server so the caller can shut it down, or nil when no
// standalone endpoint is configured.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return server
}

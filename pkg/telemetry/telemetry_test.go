package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lakegate/lakegate/pkg/engine"
)

func TestMetricsRecorder(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "lakegate"})
	require.NoError(t, err)

	m.RecordRun(engine.DispositionMerged, "main", time.Second)
	m.RecordRun(engine.DispositionRejected, "main", time.Second)
	m.RecordRun(engine.DispositionMerged, "main", time.Second)
	m.RecordImport(engine.ImportStatusSuccess, 2)
	m.RecordExpectation(true)
	m.RecordExpectation(false)
	m.RecordMergeAttempt(engine.MergeStatusHeadChanged)
	m.RecordCleanupWarning()
	m.RecordCatalogRequest("merge", "success", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsCompleted.WithLabelValues("MERGED", "main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsCompleted.WithLabelValues("REJECTED", "main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.importsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.expectationsTotal.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeAttempts.WithLabelValues("head_changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cleanupWarnings))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lakegate_catalog_request_duration_seconds")
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RunStarted()
		m.RecordRun(engine.DispositionFailed, "main", time.Second)
		m.RecordStage(engine.StageBranched, time.Second)
		m.RecordImport(engine.ImportStatusFailed, 1)
		m.RecordExpectation(true)
		m.RecordMergeAttempt(engine.MergeStatusMerged)
		m.RecordCleanupWarning()
		m.RecordCatalogRequest("query", "fatal", time.Millisecond)
		m.RunFinished()
	})
	assert.Nil(t, m.Registry())
	assert.Nil(t, m.StartMetricsServer(NopLogger().Zerolog()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventPublisherAsyncOrderAndDrain(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100, MaxBatchSize: 10, EnableAsync: true})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Message)
	}, func(e engine.Event) bool { return e.RunID == "r1" })

	ctx := context.Background()
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeStageChanged, RunID: "r1", Message: msg}))
	}
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeStageChanged, RunID: "r2", Message: "other"}))

	require.NoError(t, ep.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)

	err = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted, RunID: "r1"})
	assert.Error(t, err)
}

func TestEventPublisherFillsDefaults(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	require.NoError(t, err)

	var got engine.Event
	ep.Subscribe(func(e engine.Event) { got = e }, nil)

	original := &engine.Event{Type: engine.EventTypeRunStarted, RunID: "r1"}
	require.NoError(t, ep.Publish(context.Background(), original))

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, EventLevelInfo, got.Level)
	assert.Empty(t, original.ID, "publisher must not mutate the caller's event")
}

func TestEventPublisherBufferFull(t *testing.T) {
	ep := &EventPublisher{
		config: EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 1},
		buffer: make(chan engine.Event, 1),
		done:   make(chan struct{}),
	}
	ctx := context.Background()
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted}))
	err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunCompleted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")
}

func TestFilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)
	assert.False(t, f(engine.Event{Level: EventLevelInfo}))
	assert.True(t, f(engine.Event{Level: EventLevelWarning}))
	assert.True(t, f(engine.Event{Level: EventLevelError}))
}

func TestEventPublisherMinLevel(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, MinLevel: EventLevelWarning})
	require.NoError(t, err)

	var got []engine.EventType
	ep.Subscribe(func(e engine.Event) { got = append(got, e.Type) }, nil)

	ctx := context.Background()
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunStarted}))
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeCleanupWarning, Level: EventLevelWarning}))
	require.NoError(t, ep.Publish(ctx, &engine.Event{Type: engine.EventTypeRunCompleted, Level: EventLevelError}))

	assert.Equal(t, []engine.EventType{engine.EventTypeCleanupWarning, engine.EventTypeRunCompleted}, got)
}

func TestTracingMiddlewareUsesRoutePattern(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(TracingMiddleware(provider))
	r.Get("/v1/runs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/runs/{id}", spans[0].Name)
}

func TestTracingMiddlewareNilProvider(t *testing.T) {
	called := false
	h := TracingMiddleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"otlp needs endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, "requires an endpoint"},
		{"sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"buffer", func(c *Config) { c.Events.BufferSize = 0 }, "buffer size"},
		{"event level", func(c *Config) { c.Events.MinLevel = "debug" }, "invalid event level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}

func TestLoggerContext(t *testing.T) {
	out := filepath.Join(t.TempDir(), "lakegate.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: out})
	require.NoError(t, err)

	tel := &Telemetry{Logger: logger.NewComponentLogger("run")}
	ctx := tel.WithContext(context.Background())

	l := FromContext(ctx).WithRunID("r1").WithBranch("alice.wap-r1")
	l.Debug("hidden")
	l.WithField("imports", 2).Infof("Starting run into %s", "main")
	l.WithError(errors.New("boom")).Warn("Shutdown incomplete")
	l.Error("Run failed")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "run", first["component"])
	assert.Equal(t, "r1", first["run_id"])
	assert.Equal(t, "alice.wap-r1", first["branch"])
	assert.Equal(t, float64(2), first["imports"])
	assert.Equal(t, "Starting run into main", first["message"])
	assert.Contains(t, lines[1], `"error":"boom"`)
	assert.Contains(t, lines[2], `"level":"error"`)

	// Without a logger in the context, logging is a no-op.
	FromContext(context.Background()).Info("dropped")
}

func TestTraceIDAndRecordError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	assert.Empty(t, TraceID(context.Background()))

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceID(ctx))
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

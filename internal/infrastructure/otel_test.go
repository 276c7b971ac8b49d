package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The prometheus exporter registers collectors with the default registry, so
// providers with metrics enabled are initialized once and shared across tests.
var (
	otelOnce      sync.Once
	otelProviders *OTelProviders
	otelInitErr   error
)

func sharedOTelProviders(t *testing.T) *OTelProviders {
	t.Helper()

	otelOnce.Do(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		otelProviders, otelInitErr = InitializeOTel(&OTelConfig{
			ServiceName:    "entitled-test",
			ServiceVersion: "v0.0.0-test",
			Environment:    "test",
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			EnableMetrics:  true,
			EnableTracing:  true,
			SampleRatio:    1.0,
		}, logger)
	})

	require.NoError(t, otelInitErr)
	require.NotNil(t, otelProviders)
	return otelProviders
}

func TestOTelInitialization(t *testing.T) {
	providers := sharedOTelProviders(t)

	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.PrometheusHTTP)
}

func TestInitializeOTel_TracingOnly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:    "entitled-test",
		ServiceVersion: "v0.0.0-test",
		Environment:    "test",
		TraceExporter:  "stdout",
		MetricExporter: "none",
		EnableMetrics:  false,
		EnableTracing:  true,
		SampleRatio:    1.0,
	}, logger)
	require.NoError(t, err)

	assert.NotNil(t, providers.TracerProvider)
	assert.Nil(t, providers.MeterProvider)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestInitializeOTel_UnsupportedExporters(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := InitializeOTel(&OTelConfig{
		ServiceName:   "entitled-test",
		TraceExporter: "jaeger",
		EnableTracing: true,
	}, logger)
	assert.Error(t, err)

	_, err = InitializeOTel(&OTelConfig{
		ServiceName:    "entitled-test",
		TraceExporter:  "none",
		MetricExporter: "statsd",
		EnableTracing:  true,
		EnableMetrics:  true,
	}, logger)
	assert.Error(t, err)
}

func TestDefaultOTelConfig(t *testing.T) {
	cfg := DefaultOTelConfig()

	assert.Equal(t, ServiceName, cfg.ServiceName)
	assert.True(t, cfg.EnableTracing)
	assert.True(t, cfg.EnableMetrics)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.InDelta(t, 1.0, cfg.SampleRatio, 0.001)
}

func TestTraceCorrelation(t *testing.T) {
	providers := sharedOTelProviders(t)

	ctx, span := providers.Tracer.Start(context.Background(), "verify-license")
	defer span.End()

	traceID := TraceIDFromContext(ctx)
	require.NotEmpty(t, traceID)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)

	// No span in context means no trace ID.
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestTracePropagation(t *testing.T) {
	providers := sharedOTelProviders(t)

	ctx, parent := providers.Tracer.Start(context.Background(), "activate")
	defer parent.End()

	_, child := providers.Tracer.Start(ctx, "ledger-admit")
	defer child.End()

	assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID())
	assert.NotEqual(t, parent.SpanContext().SpanID(), child.SpanContext().SpanID())
}

func TestSpanOperations(t *testing.T) {
	providers := sharedOTelProviders(t)

	ctx, span := providers.Tracer.Start(context.Background(), "activate")
	defer span.End()

	SetSpanAttributes(ctx, map[string]interface{}{
		"license_id":  "lic-1",
		"attempt":     2,
		"score":       87.5,
		"hardware":    true,
		"retry_delay": 50 * time.Millisecond,
	})

	AddSpanEvent(ctx, "ledger.admitted", map[string]interface{}{
		"activation_id": "act-1",
		"active_count":  int64(3),
	})

	RecordError(ctx, assert.AnError)

	assert.True(t, span.IsRecording())

	// Without a live span these are no-ops and must not panic.
	SetSpanAttributes(context.Background(), map[string]interface{}{"k": "v"})
	AddSpanEvent(context.Background(), "noop", nil)
	RecordError(context.Background(), assert.AnError)
}

func TestCreateBusinessMetrics(t *testing.T) {
	providers := sharedOTelProviders(t)

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	assert.NotNil(t, metrics.HTTPRequestsTotal)
	assert.NotNil(t, metrics.HTTPRequestDuration)
	assert.NotNil(t, metrics.HTTPActiveRequests)

	assert.NotNil(t, metrics.LicensesIssued)
	assert.NotNil(t, metrics.KeyCollisions)
	assert.NotNil(t, metrics.ActivationAttempts)
	assert.NotNil(t, metrics.ActivationSuccess)
	assert.NotNil(t, metrics.ActivationRejections)
	assert.NotNil(t, metrics.Deactivations)
	assert.NotNil(t, metrics.VerificationChecks)
	assert.NotNil(t, metrics.VerificationFailures)
	assert.NotNil(t, metrics.ActivationDuration)
	assert.NotNil(t, metrics.VerificationDuration)
	assert.NotNil(t, metrics.TrustScore)
	assert.NotNil(t, metrics.LedgerBusyRetries)
	assert.NotNil(t, metrics.ScoreCacheHits)
	assert.NotNil(t, metrics.ScoreCacheMisses)
	assert.NotNil(t, metrics.SecurityEvents)

	assert.NotNil(t, metrics.SystemErrors)
}

func TestRecordMetricsHelpers(t *testing.T) {
	providers := sharedOTelProviders(t)
	ctx := context.Background()

	metrics, err := CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)

	RecordActivationMetrics(ctx, metrics, "activated", 3*time.Millisecond)
	RecordActivationMetrics(ctx, metrics, "limit_exceeded", time.Millisecond)
	RecordVerificationMetrics(ctx, metrics, true, 100, time.Millisecond)
	RecordVerificationMetrics(ctx, metrics, false, 40, time.Millisecond)

	// nil metrics must be tolerated.
	RecordActivationMetrics(ctx, nil, "activated", time.Millisecond)
	RecordVerificationMetrics(ctx, nil, true, 100, time.Millisecond)
}

func TestPrometheusEndpoint(t *testing.T) {
	providers := sharedOTelProviders(t)

	server := httptest.NewServer(providers.PrometheusHTTP)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func BenchmarkSpanCreation(b *testing.B) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:    "entitled-bench",
		ServiceVersion: "v0.0.0-test",
		Environment:    "test",
		TraceExporter:  "stdout",
		MetricExporter: "none",
		EnableTracing:  true,
		SampleRatio:    1.0,
	}, logger)
	if err != nil {
		b.Fatal(err)
	}
	defer providers.Shutdown(context.Background())

	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, span := providers.Tracer.Start(ctx, "benchmark-span")
		span.End()
	}
}

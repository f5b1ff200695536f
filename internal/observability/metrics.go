package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every instrument the scheduler and proxy record
// against: queue depth, load duration, eviction count, and per-route
// request counts, all exported to Prometheus via the OTel metrics
// bridge rather than hand-rolled client_golang collectors, so every
// instrument here is also a valid OTLP metric if a collector is added
// later.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	AcquireDuration otelmetric.Float64Histogram
	LoadDuration    otelmetric.Float64Histogram
	QueueDepth      otelmetric.Int64UpDownCounter
	Evictions       otelmetric.Int64Counter
	HTTPRequests    otelmetric.Int64Counter
	HTTPDuration    otelmetric.Float64Histogram
}

// NewMetrics builds the meter provider (backed by a dedicated
// Prometheus registry) and every instrument the rest of the process
// records against. A nil *Metrics is valid: every method is a no-op on
// a nil receiver, so callers never need to branch on whether metrics
// are enabled.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("oxide-infer")

	m := &Metrics{provider: provider, registry: registry}

	if m.AcquireDuration, err = meter.Float64Histogram("scheduler_acquire_duration_seconds",
		otelmetric.WithDescription("time spent in Scheduler.Acquire, including queue wait")); err != nil {
		return nil, err
	}
	if m.LoadDuration, err = meter.Float64Histogram("scheduler_load_duration_seconds",
		otelmetric.WithDescription("time spent starting a llama-server runner")); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = meter.Int64UpDownCounter("scheduler_queue_depth",
		otelmetric.WithDescription("requests currently waiting for a runner")); err != nil {
		return nil, err
	}
	if m.Evictions, err = meter.Int64Counter("scheduler_evictions_total",
		otelmetric.WithDescription("runners evicted to free capacity or VRAM")); err != nil {
		return nil, err
	}
	if m.HTTPRequests, err = meter.Int64Counter("proxy_http_requests_total",
		otelmetric.WithDescription("proxy HTTP requests by route and status")); err != nil {
		return nil, err
	}
	if m.HTTPDuration, err = meter.Float64Histogram("proxy_http_request_duration_seconds",
		otelmetric.WithDescription("proxy HTTP request handling duration")); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler serves the Prometheus text exposition format over the
// dedicated registry NewMetrics built.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordAcquire records one Scheduler.Acquire call's total duration.
func (m *Metrics) RecordAcquire(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.AcquireDuration.Record(ctx, d.Seconds())
}

// RecordLoad records one runner load (spawn + health-probe) duration.
func (m *Metrics) RecordLoad(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.LoadDuration.Record(ctx, d.Seconds())
}

// RecordEviction increments the eviction counter by one.
func (m *Metrics) RecordEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.Evictions.Add(ctx, 1)
}

// AdjustQueueDepth changes the queue depth gauge by delta (+1 on
// enqueue, -1 on dequeue).
func (m *Metrics) AdjustQueueDepth(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(ctx, delta)
}

// RecordHTTPRequest records one proxy HTTP request's route, status,
// and handling duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.HTTPRequests.Add(ctx, 1, attrs)
	m.HTTPDuration.Record(ctx, d.Seconds(), attrs)
}

// Package metrics wires the OpenTelemetry metric API to a Prometheus
// registry so the router can serve scrapes from /metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// deniedCodes are the access-control outcomes counted separately from
// ordinary errors.
var deniedCodes = map[string]bool{
	"auth_error":        true,
	"permission_denied": true,
	"rate_limited":      true,
}

// Recorder records per-tool-call metrics. A nil Recorder is valid and
// records nothing, so callers never need to branch on whether metrics
// are enabled.
type Recorder struct {
	provider     *sdkmetric.MeterProvider
	registry     *prometheus.Registry
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	deniedCount  metric.Int64Counter
	durationHist metric.Float64Histogram
}

// NewRecorder builds a Recorder backed by its own Prometheus registry.
func NewRecorder(service string) (*Recorder, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("metrics: create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
		sdkmetric.WithReader(exporter),
	)
	meter := provider.Meter(service)

	totalCount, err := meter.Int64Counter(
		"tool.calls.total",
		metric.WithDescription("Total number of tool calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"tool.calls.errors",
		metric.WithDescription("Tool calls that returned an error envelope"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	deniedCount, err := meter.Int64Counter(
		"tool.calls.denied",
		metric.WithDescription("Tool calls rejected by authentication, authorization or rate limiting"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"tool.call.duration_ms",
		metric.WithDescription("Tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Recorder{
		provider:     provider,
		registry:     registry,
		totalCount:   totalCount,
		errorCount:   errorCount,
		deniedCount:  deniedCount,
		durationHist: durationHist,
	}, nil
}

// RecordCall records one finished tool dispatch. code is the envelope
// error code, empty on success. Attributes are restricted to tool
// name, tenant id and code; request payloads and observation text must
// never reach the metrics pipeline.
func (r *Recorder) RecordCall(ctx context.Context, tool, tenantID, code string, duration time.Duration) {
	if r == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("tenant_id", tenantID),
	}
	if code != "" {
		attrs = append(attrs, attribute.String("code", code))
	}
	opt := metric.WithAttributes(attrs...)

	r.totalCount.Add(ctx, 1, opt)
	switch {
	case code == "":
	case deniedCodes[code]:
		r.deniedCount.Add(ctx, 1, opt)
	default:
		r.errorCount.Add(ctx, 1, opt)
	}

	r.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return nil
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

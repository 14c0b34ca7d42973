// Package telemetry bridges the backend's request counters to
// Prometheus via an OpenTelemetry meter, following the
// otel-instrument-then-prometheus-scrape shape nason-kubeai's metrics
// package uses for InferenceRequestsActive, wired through the
// collector registry the way CrlsMrls-dummybox/metrics does for /metrics.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Telemetry holds the otel instruments the backend updates on the
// request path and exposes the Prometheus registry the HTTP server
// scrapes from.
type Telemetry struct {
	Registry *promclient.Registry

	requestsActive  metric.Int64UpDownCounter
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// New builds a Telemetry: a dedicated Prometheus registry, an otel
// MeterProvider backed by the otel/exporters/prometheus bridge, and the
// small set of instruments the Request Lifecycle Engine reports against.
func New() (*Telemetry, error) {
	reg := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/vast-ai/pyworker")

	requestsActive, err := meter.Int64UpDownCounter(
		"pyworker_inference_requests_active",
		metric.WithDescription("Number of inference requests currently forwarded to the model server."),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building requests_active instrument: %w", err)
	}

	requestsTotal, err := meter.Int64Counter(
		"pyworker_inference_requests_total",
		metric.WithDescription("Total inference requests, labeled by terminal outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building requests_total instrument: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"pyworker_inference_request_duration_seconds",
		metric.WithDescription("Model server round-trip latency for successfully served requests."),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building request_duration instrument: %w", err)
	}

	return &Telemetry{
		Registry:        reg,
		requestsActive:  requestsActive,
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
	}, nil
}

// Outcome labels a completed request for the requests_total counter.
type Outcome string

const (
	OutcomeServed    Outcome = "served"
	OutcomeErrored   Outcome = "errored"
	OutcomeCancelled Outcome = "cancelled"
)

// RequestStarted increments the in-flight gauge; callers must pair every
// call with exactly one RequestFinished.
func (t *Telemetry) RequestStarted(ctx context.Context, endpoint string) {
	t.requestsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RequestFinished decrements the in-flight gauge and records the
// terminal outcome and, for served requests, the observed latency.
func (t *Telemetry) RequestFinished(ctx context.Context, endpoint string, outcome Outcome, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("endpoint", endpoint), attribute.String("outcome", string(outcome)))
	t.requestsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	t.requestsTotal.Add(ctx, 1, attrs)
	if outcome == OutcomeServed {
		t.requestDuration.Record(ctx, seconds, attrs)
	}
}

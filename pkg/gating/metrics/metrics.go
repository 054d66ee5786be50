// Package metrics wires the core's OpenTelemetry counters to a
// Prometheus-scrapeable /metrics endpoint, the ambient observability the
// Non-goals don't exclude (they only exclude cross-restart persistence and
// streaming).
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder exposes the few counters the core increments: discover calls and
// execute calls (split by outcome).
type Recorder struct {
	Handler http.Handler

	discoverTotal metric.Int64Counter
	executeTotal  metric.Int64Counter
}

// New builds an OTel MeterProvider backed by the Prometheus exporter and
// registers it as the process-wide default, following the teacher pack's
// own prometheus.New()-then-WithReader setup.
func New(serviceName string) (*Recorder, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(serviceName)

	discoverTotal, err := meter.Int64Counter(
		"toolgate_discover_total",
		metric.WithDescription("Total number of discover calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create discover counter: %w", err)
	}

	executeTotal, err := meter.Int64Counter(
		"toolgate_execute_total",
		metric.WithDescription("Total number of execute calls, labeled by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create execute counter: %w", err)
	}

	return &Recorder{
		Handler:       promhttp.Handler(),
		discoverTotal: discoverTotal,
		executeTotal:  executeTotal,
	}, nil
}

// RecordDiscover increments the discover counter.
func (r *Recorder) RecordDiscover(ctx context.Context) {
	if r == nil {
		return
	}
	r.discoverTotal.Add(ctx, 1)
}

// RecordExecute increments the execute counter, labeled by outcome
// ("ok" or "error").
func (r *Recorder) RecordExecute(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.executeTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Package observe provides application-wide observability primitives for
// voicert: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicert metrics.
const meterName = "github.com/atlasvoice/voicert"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TransitionDuration tracks mode transition latency.
	TransitionDuration metric.Float64Histogram

	// ModeTransitions counts completed mode transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ModeTransitions metric.Int64Counter

	// ModeDenials counts rejected mode requests. Use with attribute:
	//   attribute.String("reason", ...)
	ModeDenials metric.Int64Counter

	// CircuitCalls counts breaker-wrapped calls. Use with attributes:
	//   attribute.String("capability", ...), attribute.String("status", ...)
	CircuitCalls metric.Int64Counter

	// CircuitOpens counts circuit-open transitions per capability.
	CircuitOpens metric.Int64Counter

	// VADDetections counts classified frames. Use with attribute:
	//   attribute.String("result", "active"|"inactive")
	VADDetections metric.Int64Counter

	// ResourceBusy tracks whether the capture resource is held (0 or 1).
	ResourceBusy metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for mode transition latencies, which are dominated by the grace period.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TransitionDuration, err = m.Float64Histogram("voicert.arbiter.transition.duration",
		metric.WithDescription("Latency of audio mode transitions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("voicert.arbiter.transitions",
		metric.WithDescription("Total completed mode transitions by from and to mode."),
	); err != nil {
		return nil, err
	}
	if met.ModeDenials, err = m.Int64Counter("voicert.arbiter.denials",
		metric.WithDescription("Total denied mode requests by reason."),
	); err != nil {
		return nil, err
	}
	if met.CircuitCalls, err = m.Int64Counter("voicert.circuit.calls",
		metric.WithDescription("Total breaker-wrapped calls by capability and status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitOpens, err = m.Int64Counter("voicert.circuit.opens",
		metric.WithDescription("Total circuit-open transitions by capability."),
	); err != nil {
		return nil, err
	}
	if met.VADDetections, err = m.Int64Counter("voicert.vad.detections",
		metric.WithDescription("Total classified audio frames by result."),
	); err != nil {
		return nil, err
	}
	if met.ResourceBusy, err = m.Int64UpDownCounter("voicert.arbiter.resource_busy",
		metric.WithDescription("Whether the capture resource is currently held."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition records a completed mode transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	)
	m.ModeTransitions.Add(ctx, 1, attrs)
	m.TransitionDuration.Record(ctx, seconds, attrs)
}

// RecordDenial records a rejected mode request.
func (m *Metrics) RecordDenial(ctx context.Context, reason string) {
	m.ModeDenials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordCircuitCall records one breaker-wrapped call outcome.
func (m *Metrics) RecordCircuitCall(ctx context.Context, capability, status string) {
	m.CircuitCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("status", status),
		),
	)
}

// RecordCircuitOpen records a circuit-open transition.
func (m *Metrics) RecordCircuitOpen(ctx context.Context, capability string) {
	m.CircuitOpens.Add(ctx, 1,
		metric.WithAttributes(attribute.String("capability", capability)),
	)
}

// RecordDetection records one classified frame.
func (m *Metrics) RecordDetection(ctx context.Context, active bool) {
	result := "inactive"
	if active {
		result = "active"
	}
	m.VADDetections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

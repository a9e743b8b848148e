package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the observability seam for turn-taking latency and counters.
// Components take this as a dependency the same way they take a Logger;
// nothing in the engine reaches for a package-level meter.
type Metrics interface {
	RecordLatency(stage string, d time.Duration)
	IncCounter(name string, attrs ...attribute.KeyValue)
	ObserveInterruption()
}

// NoOpMetrics discards everything, the default for embedders that haven't
// wired an OTel MeterProvider.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordLatency(stage string, d time.Duration)    {}
func (NoOpMetrics) IncCounter(name string, attrs ...attribute.KeyValue) {}
func (NoOpMetrics) ObserveInterruption()                           {}

// OTelMetrics records turn-taking latency breakdowns (STT, LLM first token,
// TTS first chunk, end-to-end) and interruption counts through an OTel
// metric.Meter, so they can be scraped by any OTel-compatible backend the
// host process wires up (e.g. the Prometheus exporter in cmd/agent).
type OTelMetrics struct {
	latency      metric.Float64Histogram
	counters     metric.Int64Counter
	interruption metric.Int64Counter
}

// NewOTelMetrics builds the latency histogram and the event and
// interruption counters on meter.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	latency, err := meter.Float64Histogram(
		"lumina.turn.latency",
		metric.WithDescription("latency of a turn-taking pipeline stage"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	counters, err := meter.Int64Counter(
		"lumina.turn.events",
		metric.WithDescription("count of named turn-taking events"),
	)
	if err != nil {
		return nil, err
	}

	interruption, err := meter.Int64Counter(
		"lumina.turn.interruptions",
		metric.WithDescription("count of user barge-ins"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{latency: latency, counters: counters, interruption: interruption}, nil
}

func (m *OTelMetrics) RecordLatency(stage string, d time.Duration) {
	m.latency.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

func (m *OTelMetrics) IncCounter(name string, attrs ...attribute.KeyValue) {
	all := append([]attribute.KeyValue{attribute.String("event", name)}, attrs...)
	m.counters.Add(context.Background(), 1, metric.WithAttributes(all...))
}

func (m *OTelMetrics) ObserveInterruption() {
	m.interruption.Add(context.Background(), 1)
}

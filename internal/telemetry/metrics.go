package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaot623/gogo/agentbridge/internal/domain"
)

// Metrics records completion counters and invocation latency.
type Metrics struct {
	completions metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMetrics creates instruments on the global meter provider. Instrument
// creation failures are logged and leave a no-op instrument in place.
func NewMetrics() *Metrics {
	return NewMetricsFromMeter(otel.Meter("agentbridge"))
}

// NewMetricsFromMeter creates instruments on meter.
func NewMetricsFromMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}
	var err error
	m.completions, err = meter.Int64Counter("agentbridge.completions",
		metric.WithDescription("Chat completions by outcome"))
	if err != nil {
		logrus.WithError(err).Warn("failed to create completions counter")
	}
	m.duration, err = meter.Float64Histogram("agentbridge.invocation.duration",
		metric.WithDescription("Agent invocation wall time"),
		metric.WithUnit("ms"))
	if err != nil {
		logrus.WithError(err).Warn("failed to create duration histogram")
	}
	return m
}

// RecordCompletion counts one finished completion. outcome is "ok" or a failure kind.
func (m *Metrics) RecordCompletion(ctx context.Context, stream bool, outcome string) {
	if m == nil || m.completions == nil {
		return
	}
	m.completions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("stream", stream),
		attribute.String("outcome", outcome),
	))
}

// RecordInvocation records the latency of one agent run.
func (m *Metrics) RecordInvocation(ctx context.Context, strategy domain.StrategyName, elapsed time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(attribute.String("strategy", string(strategy))))
}

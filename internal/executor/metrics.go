package executor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type executorMetrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
}

func newExecutorMetrics(logger pslog.Logger) *executorMetrics {
	meter := otel.Meter("pkt.systems/fnhost/executor")
	m := &executorMetrics{}
	var err error

	m.invocations, err = meter.Int64Counter(
		"fnhost.invocations",
		metric.WithDescription("Completed invocations by function and outcome"),
	)
	logMetricInitError(logger, "fnhost.invocations", err)

	m.duration, err = meter.Float64Histogram(
		"fnhost.invocation.duration",
		metric.WithDescription("Invocation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "fnhost.invocation.duration", err)
	return m
}

func (m *executorMetrics) record(ctx context.Context, function string, result Result) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("fnhost.function", function),
		attribute.String("fnhost.outcome", result.Kind.String()),
	)
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(result.Duration.Microseconds())/1000, attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

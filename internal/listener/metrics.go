package listener

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type processorMetrics struct {
	dequeued metric.Int64Counter
	deleted  metric.Int64Counter
	poisoned metric.Int64Counter
	renewals metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

func newProcessorMetrics(logger pslog.Logger) *processorMetrics {
	meter := otel.Meter("pkt.systems/fnhost/listener")
	m := &processorMetrics{}
	var err error

	m.dequeued, err = meter.Int64Counter(
		"fnhost.queue.dequeued",
		metric.WithDescription("Messages leased from the source queue"),
	)
	logMetricInitError(logger, "fnhost.queue.dequeued", err)

	m.deleted, err = meter.Int64Counter(
		"fnhost.queue.deleted",
		metric.WithDescription("Messages deleted after successful processing or poison routing"),
	)
	logMetricInitError(logger, "fnhost.queue.deleted", err)

	m.poisoned, err = meter.Int64Counter(
		"fnhost.queue.poisoned",
		metric.WithDescription("Messages routed to the poison queue"),
	)
	logMetricInitError(logger, "fnhost.queue.poisoned", err)

	m.renewals, err = meter.Int64Counter(
		"fnhost.queue.visibility_renewals",
		metric.WithDescription("Visibility extensions by result"),
	)
	logMetricInitError(logger, "fnhost.queue.visibility_renewals", err)

	m.inFlight, err = meter.Int64UpDownCounter(
		"fnhost.queue.in_flight",
		metric.WithDescription("Messages currently dispatched"),
	)
	logMetricInitError(logger, "fnhost.queue.in_flight", err)
	return m
}

func (m *processorMetrics) add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil || n == 0 {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (m *processorMetrics) track(ctx context.Context, delta int64, attrs ...attribute.KeyValue) {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.Add(ctx, delta, metric.WithAttributes(attrs...))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

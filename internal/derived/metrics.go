package derived

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type cacheMetrics struct {
	requests     metric.Int64Counter
	renderDur    metric.Int64Histogram
	renderBytes  metric.Int64Counter
	writeFailure metric.Int64Counter
}

func newCacheMetrics(logger pslog.Logger) *cacheMetrics {
	meter := otel.Meter("pkt.systems/attachd/derived")
	m := &cacheMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"attachd.derived.requests",
		metric.WithDescription("Derived image lookups by outcome"),
	)
	logMetricInitError(logger, "attachd.derived.requests", err)

	m.renderDur, err = meter.Int64Histogram(
		"attachd.derived.render.duration_ms",
		metric.WithDescription("Derived image render duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "attachd.derived.render.duration_ms", err)

	m.renderBytes, err = meter.Int64Counter(
		"attachd.derived.render.bytes",
		metric.WithDescription("Derived image bytes produced"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "attachd.derived.render.bytes", err)

	m.writeFailure, err = meter.Int64Counter(
		"attachd.derived.write_failures",
		metric.WithDescription("Rendered variants that could not be persisted"),
	)
	logMetricInitError(logger, "attachd.derived.write_failures", err)

	return m
}

// outcome is one of hit, hot_hit, miss, fallback or error.
func (m *cacheMetrics) recordRequest(ctx context.Context, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("attachd.derived.outcome", outcome)))
}

func (m *cacheMetrics) recordRender(ctx context.Context, format string, bytes int, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("attachd.derived.mime", format))
	if m.renderDur != nil {
		m.renderDur.Record(ctx, duration.Milliseconds(), attrs)
	}
	if m.renderBytes != nil && bytes > 0 {
		m.renderBytes.Add(ctx, int64(bytes), attrs)
	}
}

func (m *cacheMetrics) recordWriteFailure(ctx context.Context) {
	if m == nil || m.writeFailure == nil {
		return
	}
	m.writeFailure.Add(metricContext(ctx), 1)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

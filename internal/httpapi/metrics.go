package httpapi

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type httpMetrics struct {
	requests metric.Int64Counter
	duration metric.Int64Histogram
}

func newHTTPMetrics(logger pslog.Logger) *httpMetrics {
	meter := otel.Meter("pkt.systems/attachd/httpapi")
	m := &httpMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"attachd.http.requests",
		metric.WithDescription("HTTP requests by operation and status"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "attachd.http.requests", "error", err)
	}
	m.duration, err = meter.Int64Histogram(
		"attachd.http.duration_ms",
		metric.WithDescription("HTTP request handling duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "attachd.http.duration_ms", "error", err)
	}
	return m
}

func (m *httpMetrics) recordRequest(ctx context.Context, operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("attachd.operation", operation),
		attribute.String("attachd.status", strconv.Itoa(status)),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

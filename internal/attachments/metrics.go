package attachments

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type ingestMetrics struct {
	ingests     metric.Int64Counter
	ingestBytes metric.Int64Counter
}

func newIngestMetrics(logger pslog.Logger) *ingestMetrics {
	meter := otel.Meter("pkt.systems/attachd/attachments")
	m := &ingestMetrics{}
	var err error

	m.ingests, err = meter.Int64Counter(
		"attachd.attachments.ingest",
		metric.WithDescription("Attachment content loads by result"),
	)
	logMetricInitError(logger, "attachd.attachments.ingest", err)

	m.ingestBytes, err = meter.Int64Counter(
		"attachd.attachments.ingest.bytes",
		metric.WithDescription("Attachment content bytes received"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "attachd.attachments.ingest.bytes", err)
	return m
}

func (m *ingestMetrics) recordIngest(ctx context.Context, result string, bytes int) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(attribute.String("attachd.attachments.result", result))
	if m.ingests != nil {
		m.ingests.Add(ctx, 1, attrs)
	}
	if m.ingestBytes != nil && bytes > 0 {
		m.ingestBytes.Add(ctx, int64(bytes), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

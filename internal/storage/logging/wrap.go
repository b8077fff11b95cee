package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/svclog"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	return &backend{
		inner:  inner,
		logger: svclog.Ensure(logger),
		tracer: otel.Tracer("pkt.systems/attachd/storage"),
		sys:    sys,
	}
}

// Unwrap returns the decorated backend.
func (b *backend) Unwrap() storage.Backend { return b.inner }

type finishFunc func(err error, attrs ...attribute.KeyValue)

func (b *backend) start(ctx context.Context, op, namespace, key string) (context.Context, pslog.Logger, finishFunc) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "attachd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("attachd.storage.operation", op),
		attribute.String("attachd.storage.namespace", namespace),
		attribute.String("attachd.sys", b.sys),
	)
	logger := svclog.FromContext(ctx, b.logger).With("namespace", namespace, "key", key)
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage." + op + ".begin")
	return ctx, logger, func(err error, attrs ...attribute.KeyValue) {
		defer span.End()
		elapsed := time.Since(begin)
		span.SetAttributes(attrs...)
		result := "ok"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, storage.ErrNotFound):
			result = "not_found"
		case errors.Is(err, storage.ErrCASMismatch):
			result = "cas_mismatch"
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		}
		span.SetAttributes(
			attribute.String("attachd.storage.result", result),
			attribute.Int64("attachd.storage.duration_ms", elapsed.Milliseconds()),
		)
		if err != nil {
			logger.Debug("storage."+op+"."+result, "error", err, "elapsed", elapsed)
			return
		}
		logger.Debug("storage."+op+".success", "elapsed", elapsed)
	}
}

func (b *backend) StatObject(ctx context.Context, namespace, key string) (*storage.ObjectInfo, error) {
	ctx, _, finish := b.start(ctx, "stat_object", namespace, key)
	info, err := b.inner.StatObject(ctx, namespace, key)
	if err != nil {
		finish(err)
		return nil, err
	}
	finish(nil, attribute.Int64("attachd.storage.object_size", info.Size))
	return info, nil
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, _, finish := b.start(ctx, "get_object", namespace, key)
	result, err := b.inner.GetObject(ctx, namespace, key)
	if err != nil {
		finish(err)
		return result, err
	}
	size := int64(0)
	if result.Info != nil {
		size = result.Info.Size
	}
	finish(nil, attribute.Int64("attachd.storage.object_size", size))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, _, finish := b.start(ctx, "put_object", namespace, key)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	if err != nil {
		finish(err, attribute.Bool("attachd.storage.if_not_exists", opts.IfNotExists))
		return nil, err
	}
	finish(nil,
		attribute.Int64("attachd.storage.object_size", info.Size),
		attribute.String("attachd.storage.content_type", info.ContentType),
	)
	return info, nil
}

func (b *backend) Close() error {
	_, _, finish := b.start(context.Background(), "close", "", "")
	err := b.inner.Close()
	finish(err)
	return err
}

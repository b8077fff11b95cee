package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/attachd/api"
	"pkt.systems/attachd/internal/attachments"
	"pkt.systems/attachd/internal/correlation"
	"pkt.systems/attachd/internal/ids"
	"pkt.systems/attachd/internal/svclog"
)

const (
	headerRequestID = "X-Request-Id"
	// BasePath prefixes every attachment route.
	BasePath = "/v1/attachments"
)

// Config wires the handler dependencies.
type Config struct {
	Service *attachments.Service
	Logger  pslog.Logger
	// MaxUpload bounds request bodies on upload. Zero uses the ingester cap.
	MaxUpload int64
	// Ready reports readiness; nil means always ready.
	Ready func(context.Context) error
	// Version is reported by the readiness probe.
	Version            string
	HTTPTracingEnabled bool
}

// Handler serves the attachment API.
type Handler struct {
	service            *attachments.Service
	logger             pslog.Logger
	maxUpload          int64
	ready              func(context.Context) error
	version            string
	tracer             trace.Tracer
	httpTracingEnabled bool
	metrics            *httpMetrics
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := svclog.Ensure(cfg.Logger)
	return &Handler{
		service:            cfg.Service,
		logger:             logger,
		maxUpload:          cfg.MaxUpload,
		ready:              cfg.Ready,
		version:            cfg.Version,
		tracer:             otel.Tracer("pkt.systems/attachd/httpapi"),
		httpTracingEnabled: cfg.HTTPTracingEnabled,
		metrics:            newHTTPMetrics(logger),
	}
}

// Register wires the routes under /v1 and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST "+BasePath, h.wrap("attachments.upload", h.handleUpload))
	mux.Handle("GET "+BasePath+"/{id}", h.wrap("attachments.get", h.handleGet))
	mux.Handle("DELETE "+BasePath+"/{id}", h.wrap("attachments.remove", h.handleRemove))
	mux.Handle("GET "+BasePath+"/{id}/content", h.wrap("attachments.content", h.handleContent))
	mux.Handle("GET "+BasePath+"/{id}/image", h.wrap("attachments.image", h.handleImage))
	mux.Handle("GET "+BasePath+"/{id}/image/{w}", h.wrap("attachments.image", h.handleImage))
	mux.Handle("GET "+BasePath+"/{id}/image/{w}/{h}", h.wrap("attachments.image", h.handleImage))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "attachd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := ids.New()
		ctx := correlation.FromHeader(r.Context(), r.Header.Get(correlation.Header))
		span := trace.SpanFromContext(ctx)
		if h.httpTracingEnabled {
			var inner trace.Span
			ctx, inner = h.tracer.Start(ctx, "attachd.handler."+operation, trace.WithSpanKind(trace.SpanKindInternal))
			defer inner.End()
			span = inner
			span.SetAttributes(
				attribute.String("attachd.operation", operation),
				attribute.String("attachd.route", r.URL.Path),
				attribute.String("attachd.request_id", reqID),
			)
		}

		logger := svclog.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"cid", correlation.ID(ctx),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(headerRequestID, reqID)
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		rec := &statusRecorder{ResponseWriter: w}

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		err := fn(rec, r)
		elapsed := time.Since(start)
		if err != nil {
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("attachd.error_code", httpErr.Code),
					attribute.Int("attachd.error_status", httpErr.Status),
				)
			} else {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", elapsed, "error", err)
			h.handleError(ctx, rec, reqID, err)
		} else {
			logger.Trace("http.request.complete", "elapsed", elapsed, "status", rec.statusCode())
		}
		h.metrics.recordRequest(ctx, operation, rec.statusCode(), elapsed)
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) statusCode() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, reqID string, err error) {
	logger := svclog.FromContext(ctx, h.logger)
	httpErr, ok := convertError(err)
	if !ok {
		logger.Error("http.request.internal_error", "error", err)
	} else {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	h.writeJSON(w, httpErr.Status, api.ErrorResponse{
		ErrorCode: httpErr.Code,
		Detail:    httpErr.Detail,
		RequestID: reqID,
	})
}

package attachd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/attachd/internal/attachments"
	"pkt.systems/attachd/internal/clock"
	"pkt.systems/attachd/internal/delivery"
	"pkt.systems/attachd/internal/derived"
	"pkt.systems/attachd/internal/httpapi"
	"pkt.systems/attachd/internal/render"
	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/storage/logging"
	"pkt.systems/attachd/internal/svclog"
	"pkt.systems/attachd/internal/version"
)

// Server wires storage, rendering and delivery behind the HTTP API.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   storage.Backend
	service   *attachments.Service
	handler   http.Handler
	httpSrv   *http.Server
	telemetry *telemetry

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	shutdown   bool
	serveErr   error
	readyOnce  sync.Once
	readyCh    chan struct{}
}

// Option customises NewServer.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Backend    storage.Backend
	Clock      clock.Clock
	Rasterizer render.Rasterizer
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithBackend injects a storage backend instead of opening cfg.Store.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.Backend = b }
}

// WithClock overrides the clock used for record timestamps and Expires.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithRasterizer overrides the document rasterizer.
func WithRasterizer(r render.Rasterizer) Option {
	return func(o *options) { o.Rasterizer = r }
}

// NewServer validates cfg and builds a Server ready to Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := svclog.WithSubsystem(o.Logger, "server")
	baseLogger := svclog.Ensure(o.Logger)
	clk := clock.OrReal(o.Clock)
	ctx := context.Background()

	tel, err := startTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, baseLogger)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}

	backend := o.Backend
	if backend == nil {
		backend, err = OpenBackend(ctx, cfg, baseLogger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open store: %w", err)
		}
	} else {
		backend = logging.Wrap(backend, baseLogger, "storage.backend")
	}

	decoderOpts := []render.DecoderOption{render.WithMaxPixels(cfg.MaxDecodePixels)}
	rasterizer := o.Rasterizer
	if rasterizer == nil {
		gs := render.GhostscriptRasterizer{Path: cfg.Ghostscript, DPI: cfg.DocumentDPI}
		switch {
		case gs.Available():
			rasterizer = gs
		case cfg.Ghostscript != "":
			_ = backend.Close()
			cleanup()
			return nil, fmt.Errorf("config: ghostscript binary %q not found", cfg.Ghostscript)
		default:
			logger.Warn("server.ghostscript.unavailable", "detail", "documents will render as fallback images")
		}
	}
	if rasterizer != nil {
		decoderOpts = append(decoderOpts, render.WithRasterizer(rasterizer))
	}
	decoder := render.NewDecoder(decoderOpts...)
	pipeline := render.NewPipeline(render.WithQuality(cfg.ImageQuality))

	originals := storage.NewBucket(backend, cfg.OriginalsBucket)
	variants := storage.NewBucket(backend, cfg.DerivedBucket)
	cacheOpts := []derived.Option{
		derived.WithDecoder(decoder),
		derived.WithPipeline(pipeline),
		derived.WithFallbackSize(cfg.FallbackSize),
		derived.WithLogger(baseLogger),
	}
	if cfg.SingleFlight {
		cacheOpts = append(cacheOpts, derived.WithSingleFlight())
	}
	if cfg.HotCacheEntries > 0 {
		cacheOpts = append(cacheOpts, derived.WithHotCache(cfg.HotCacheEntries, cfg.HotCacheMaxObject))
	}
	cache := derived.New(originals, variants, cacheOpts...)
	deliverer := delivery.New(originals, cache, delivery.WithClock(clk), delivery.WithLogger(baseLogger))
	ingester := attachments.NewIngester(originals,
		attachments.WithDecoder(decoder),
		attachments.WithMaxUpload(cfg.UploadMax),
		attachments.WithIngestLogger(baseLogger),
	)
	records := attachments.NewBucketRecords(backend, cfg.RecordsBucket)
	service := attachments.NewService(records, ingester, deliverer,
		attachments.WithClock(clk),
		attachments.WithLogger(baseLogger),
	)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		backend:   backend,
		service:   service,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}
	api := httpapi.New(httpapi.Config{
		Service:            service,
		Logger:             baseLogger,
		MaxUpload:          cfg.UploadMax,
		Ready:              s.ready,
		Version:            version.Current(),
		HTTPTracingEnabled: cfg.OTLPEndpoint != "",
	})
	mux := http.NewServeMux()
	api.Register(mux)
	s.handler = mux
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	logger.Info("server.configured",
		"store", redactStore(cfg.Store),
		"originals_bucket", cfg.OriginalsBucket,
		"derived_bucket", cfg.DerivedBucket,
		"records_bucket", cfg.RecordsBucket,
		"image_quality", cfg.ImageQuality,
		"single_flight", cfg.SingleFlight,
		"hot_cache_entries", cfg.HotCacheEntries,
		"documents", rasterizer != nil,
	)
	return s, nil
}

// Handler exposes the HTTP handler, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Service exposes the attachment service for in-process callers.
func (s *Server) Service() *attachments.Service {
	return s.service
}

// Start listens on cfg.Listen and serves until Shutdown.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())

	serveErr := s.httpSrv.Serve(ln)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	s.mu.Lock()
	s.serveErr = serveErr
	s.mu.Unlock()
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server, closes the backend and flushes
// telemetry. Repeated calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	socketPath := s.socketPath
	serveErr := s.serveErr
	s.mu.Unlock()
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	s.logger.Info("server.shutdown.complete", "errors", len(errs))
	return errors.Join(errs...)
}

// Close shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ready probes the records namespace; a missing object proves the backend
// answered.
func (s *Server) ready(ctx context.Context) error {
	s.mu.Lock()
	closing := s.shutdown
	s.mu.Unlock()
	if closing {
		return errors.New("server shutting down")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.backend.StatObject(ctx, s.cfg.RecordsBucket, ".readyz")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// StartServer builds and starts a server in the background. The returned stop
// function shuts it down and waits for Start to return. Cancelling ctx also
// stops the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
		defer cancel()
		_ = stop(shutdownCtx)
	})
	return srv, stop, nil
}

func redactStore(store string) string {
	if base, _, ok := strings.Cut(store, "?"); ok {
		return base + "?..."
	}
	return store
}

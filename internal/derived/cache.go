// Package derived caches rendered image variants in their own bucket, keyed
// by the requested bounds and the source content hash.
package derived

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"pkt.systems/attachd/internal/contenthash"
	"pkt.systems/attachd/internal/render"
	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/svclog"
)

// DefaultHotCacheMaxObject bounds the size of a single hot cache entry when
// WithHotCache is given a non-positive limit.
const DefaultHotCacheMaxObject = 1 << 20

// Result is a rendered or cached variant.
type Result struct {
	Body     []byte
	MIMEType string
	Key      string
	// Hit is true when the body came from the derived bucket or the hot
	// cache rather than a fresh render.
	Hit bool
	// Fallback is true when the original could not be decoded and the
	// placeholder image was rendered instead.
	Fallback bool
	// CacheErr holds the derived bucket write failure, if any. The body is
	// still valid when it is set.
	CacheErr error
}

type hotEntry struct {
	body []byte
	mime string
}

// Cache renders variants on demand and persists them in the derived bucket.
type Cache struct {
	originals    storage.BlobStore
	derived      storage.BlobStore
	decoder      *render.Decoder
	pipeline     *render.Pipeline
	fallbackSize int
	logger       pslog.Logger
	tracer       trace.Tracer
	metrics      *cacheMetrics
	group        *singleflight.Group
	hot          *lru.Cache[string, hotEntry]
	hotMaxObject int
}

// Option customises a Cache.
type Option func(*Cache)

// WithDecoder overrides the default decoder.
func WithDecoder(d *render.Decoder) Option {
	return func(c *Cache) {
		if d != nil {
			c.decoder = d
		}
	}
}

// WithPipeline overrides the default render pipeline.
func WithPipeline(p *render.Pipeline) Option {
	return func(c *Cache) {
		if p != nil {
			c.pipeline = p
		}
	}
}

// WithFallbackSize sets the identicon size used for undecodable originals.
// Zero renders a single white pixel.
func WithFallbackSize(size int) Option {
	return func(c *Cache) { c.fallbackSize = max(0, size) }
}

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithSingleFlight collapses concurrent renders of the same key into one.
func WithSingleFlight() Option {
	return func(c *Cache) { c.group = &singleflight.Group{} }
}

// WithHotCache keeps up to entries recently served variants in memory.
// Bodies larger than maxObject bytes are never kept.
func WithHotCache(entries, maxObject int) Option {
	return func(c *Cache) {
		if entries <= 0 {
			c.hot = nil
			return
		}
		hot, err := lru.New[string, hotEntry](entries)
		if err != nil {
			return
		}
		c.hot = hot
		if maxObject <= 0 {
			maxObject = DefaultHotCacheMaxObject
		}
		c.hotMaxObject = maxObject
	}
}

// New returns a Cache reading originals from originals and persisting
// variants to derived.
func New(originals, derived storage.BlobStore, opts ...Option) *Cache {
	c := &Cache{
		originals: originals,
		derived:   derived,
		decoder:   render.NewDecoder(),
		pipeline:  render.NewPipeline(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = svclog.WithSubsystem(c.logger, "derived.cache")
	c.tracer = otel.Tracer("pkt.systems/attachd/derived")
	c.metrics = newCacheMetrics(c.logger)
	return c
}

// Bounds normalizes requested bounds: negatives become zero and a missing
// height mirrors the width.
func Bounds(maxWidth, maxHeight int) (int, int) {
	maxWidth = max(0, maxWidth)
	maxHeight = max(0, maxHeight)
	if maxHeight == 0 {
		maxHeight = maxWidth
	}
	return maxWidth, maxHeight
}

// Key returns the derived bucket path for a variant of hash.
func Key(hash string, maxWidth, maxHeight int) string {
	if maxWidth > 0 || maxHeight > 0 {
		return strconv.Itoa(maxWidth) + "/" + strconv.Itoa(maxHeight) + "/" + hash
	}
	return "full/" + hash
}

// GetOrRender returns the variant of hash bounded by maxWidth x maxHeight,
// rendering and persisting it on a miss. A missing original yields an error
// matching storage.ErrNotFound.
func (c *Cache) GetOrRender(ctx context.Context, hash string, maxWidth, maxHeight int) (*Result, error) {
	if !contenthash.Valid(hash) {
		return nil, fmt.Errorf("derived: invalid content hash %q", hash)
	}
	maxWidth, maxHeight = Bounds(maxWidth, maxHeight)
	key := Key(hash, maxWidth, maxHeight)

	ctx, span := c.tracer.Start(ctx, "attachd.derived.get_or_render", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("attachd.derived.key", key))
	logger := svclog.FromContext(ctx, c.logger).With("key", key)
	ctx = pslog.ContextWithLogger(ctx, logger)

	if c.hot != nil {
		if entry, ok := c.hot.Get(key); ok {
			c.metrics.recordRequest(ctx, "hot_hit")
			span.SetAttributes(attribute.String("attachd.derived.outcome", "hot_hit"))
			return &Result{Body: entry.body, MIMEType: entry.mime, Key: key, Hit: true}, nil
		}
	}
	if res, ok := c.lookup(ctx, logger, key); ok {
		c.remember(key, res)
		c.metrics.recordRequest(ctx, "hit")
		span.SetAttributes(attribute.String("attachd.derived.outcome", "hit"))
		return res, nil
	}

	var (
		res *Result
		err error
	)
	if c.group != nil {
		var v any
		v, err, _ = c.group.Do(key, func() (any, error) {
			return c.render(ctx, logger, hash, key, maxWidth, maxHeight)
		})
		if err == nil {
			shared := *v.(*Result)
			res = &shared
		}
	} else {
		res, err = c.render(ctx, logger, hash, key, maxWidth, maxHeight)
	}
	if err != nil {
		c.metrics.recordRequest(ctx, "error")
		if !errors.Is(err, storage.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "render_failed")
		}
		return nil, err
	}
	outcome := "miss"
	if res.Fallback {
		outcome = "fallback"
	}
	c.metrics.recordRequest(ctx, outcome)
	span.SetAttributes(attribute.String("attachd.derived.outcome", outcome))
	c.remember(key, res)
	return res, nil
}

func (c *Cache) lookup(ctx context.Context, logger pslog.Logger, key string) (*Result, bool) {
	body, info, err := storage.ReadAll(ctx, c.derived, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("derived.read.error", "error", err)
		}
		return nil, false
	}
	mime := ""
	if info != nil {
		mime = info.ContentType
	}
	if mime == "" || mime == storage.ContentTypeOctetStream {
		mime = mimetype.Detect(body).String()
	}
	logger.Trace("derived.read.hit", "bytes", len(body))
	return &Result{Body: body, MIMEType: mime, Key: key, Hit: true}, true
}

func (c *Cache) render(ctx context.Context, logger pslog.Logger, hash, key string, maxWidth, maxHeight int) (*Result, error) {
	begin := time.Now()
	data, _, err := storage.ReadAll(ctx, c.originals, storage.UploadPath(hash))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("derived.original.missing", "hash", hash)
		} else {
			logger.Warn("derived.original.read_error", "hash", hash, "error", err)
		}
		return nil, err
	}

	res := &Result{Key: key}
	raster, _, err := c.decoder.Decode(ctx, data)
	if err != nil {
		var de *render.DecodeError
		if !errors.As(err, &de) {
			return nil, err
		}
		logger.Info("derived.decode.fallback", "hash", hash, "mime", de.MIMEType, "error", de.Err)
		raster = render.Fallback(hash, c.fallbackSize)
		res.Fallback = true
	}

	body, mime, err := c.pipeline.Render(raster, maxWidth, maxHeight)
	if err != nil {
		logger.Error("derived.render.error", "hash", hash, "error", err)
		return nil, err
	}
	res.Body = body
	res.MIMEType = mime
	elapsed := time.Since(begin)
	c.metrics.recordRender(ctx, mime, len(body), elapsed)
	logger.Debug("derived.render.success", "mime", mime, "bytes", len(body), "elapsed", elapsed, "fallback", res.Fallback)

	if err := c.derived.Write(ctx, key, bytes.NewReader(body), mime); err != nil {
		logger.Warn("derived.write.error", "error", err)
		c.metrics.recordWriteFailure(ctx)
		res.CacheErr = err
	}
	return res, nil
}

func (c *Cache) remember(key string, res *Result) {
	if c.hot == nil || res == nil || len(res.Body) > c.hotMaxObject {
		return
	}
	c.hot.Add(key, hotEntry{body: res.Body, mime: res.MIMEType})
}

// Package delivery turns stored originals and rendered variants into HTTP
// responses with immutable caching headers and conditional 304 handling.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/attachd/internal/clock"
	"pkt.systems/attachd/internal/derived"
	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/svclog"
)

// CacheLifetime is how long clients may cache a delivered body.
const CacheLifetime = 365 * 24 * time.Hour

// CacheControl is the Cache-Control value sent with every body.
var CacheControl = "public, max-age=" + strconv.Itoa(int(CacheLifetime/time.Second))

// ErrNoContent reports an attachment that has no content hash yet.
var ErrNoContent = errors.New("delivery: attachment has no content")

// Source identifies the stored content to deliver.
type Source struct {
	ContentHash string
	MIMEType    string
}

// Conditions carries the client's conditional request headers.
type Conditions struct {
	IfNoneMatch     string
	IfModifiedSince string
}

// ConditionsFromRequest extracts Conditions from r.
func ConditionsFromRequest(r *http.Request) Conditions {
	return Conditions{
		IfNoneMatch:     r.Header.Get("If-None-Match"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
	}
}

// Response is a delivery result ready to be written. Originals arrive as a
// Stream of Size bytes (Size < 0 when unknown); variants carry Body.
type Response struct {
	NotModified bool
	Body        []byte
	Stream      io.ReadCloser
	Size        int64
	MIMEType    string
	ETag        string
	Expires     time.Time
	// Fallback is set when the variant is a placeholder for an undecodable
	// original.
	Fallback bool
}

// Deliverer serves originals and variants.
type Deliverer struct {
	originals storage.BlobStore
	variants  *derived.Cache
	clock     clock.Clock
	logger    pslog.Logger
}

// Option customises a Deliverer.
type Option func(*Deliverer)

// WithClock overrides the time source used for Expires.
func WithClock(c clock.Clock) Option {
	return func(d *Deliverer) { d.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(d *Deliverer) { d.logger = l }
}

// New returns a Deliverer reading originals from originals and variants
// through cache.
func New(originals storage.BlobStore, cache *derived.Cache, opts ...Option) *Deliverer {
	d := &Deliverer{originals: originals, variants: cache}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.clock = clock.OrReal(d.clock)
	d.logger = svclog.WithSubsystem(d.logger, "delivery")
	return d
}

// Original delivers the uploaded bytes. The identity is the content hash.
func (d *Deliverer) Original(ctx context.Context, src Source, cond Conditions) (*Response, error) {
	if src.ContentHash == "" {
		return nil, ErrNoContent
	}
	logger := svclog.FromContext(ctx, d.logger)
	if Matches(cond.IfNoneMatch, src.ContentHash) {
		logger.Trace("delivery.original.not_modified", "hash", src.ContentHash)
		return &Response{NotModified: true, ETag: src.ContentHash}, nil
	}
	rc, info, err := d.originals.Read(ctx, storage.UploadPath(src.ContentHash))
	if err != nil {
		return nil, err
	}
	mime := src.MIMEType
	size := int64(-1)
	if info != nil {
		if mime == "" {
			mime = info.ContentType
		}
		size = info.Size
	}
	if mime == "" {
		mime = storage.ContentTypeOctetStream
	}
	resp := d.body(nil, mime, src.ContentHash)
	resp.Stream = rc
	resp.Size = size
	return resp, nil
}

// Variant delivers a rendered variant bounded by maxWidth x maxHeight. The
// identity is the derived key. Any If-Modified-Since header is answered with
// 304 because variant URLs never change content.
func (d *Deliverer) Variant(ctx context.Context, src Source, maxWidth, maxHeight int, cond Conditions) (*Response, error) {
	if src.ContentHash == "" {
		return nil, ErrNoContent
	}
	maxWidth, maxHeight = derived.Bounds(maxWidth, maxHeight)
	key := derived.Key(src.ContentHash, maxWidth, maxHeight)
	if Matches(cond.IfNoneMatch, key) || strings.TrimSpace(cond.IfModifiedSince) != "" {
		svclog.FromContext(ctx, d.logger).Trace("delivery.variant.not_modified", "key", key)
		return &Response{NotModified: true, ETag: key}, nil
	}
	res, err := d.variants.GetOrRender(ctx, src.ContentHash, maxWidth, maxHeight)
	if err != nil {
		return nil, err
	}
	resp := d.body(res.Body, res.MIMEType, res.Key)
	resp.Fallback = res.Fallback
	return resp, nil
}

func (d *Deliverer) body(body []byte, mime, identity string) *Response {
	return &Response{
		Body:     body,
		Size:     int64(len(body)),
		MIMEType: mime,
		ETag:     identity,
		Expires:  d.clock.Now().Add(CacheLifetime),
	}
}

// Matches reports whether an If-None-Match header value names identity. The
// raw value is compared first, then each listed tag with quotes and weak
// prefixes removed. "*" matches any existing identity.
func Matches(header, identity string) bool {
	header = strings.TrimSpace(header)
	if header == "" || identity == "" {
		return false
	}
	if header == identity || header == "*" {
		return true
	}
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		tag = strings.TrimPrefix(tag, "W/")
		if strings.Trim(tag, `"`) == identity {
			return true
		}
	}
	return false
}

// Close releases the original's stream, if any. It is safe to call more
// than once.
func (r *Response) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	err := r.Stream.Close()
	r.Stream = nil
	return err
}

// Write sends resp on w and closes its stream. It returns the error from
// copying a streamed original; headers are already sent by then.
func Write(w http.ResponseWriter, resp *Response) error {
	defer resp.Close()
	h := w.Header()
	if resp.NotModified {
		if resp.ETag != "" {
			h.Set("ETag", resp.ETag)
		}
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	h.Set("Content-Type", resp.MIMEType)
	if resp.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.Size, 10))
	}
	h.Set("Cache-Control", CacheControl)
	h.Set("Expires", resp.Expires.UTC().Format(http.TimeFormat))
	h.Set("Pragma", "public")
	h.Set("ETag", resp.ETag)
	w.WriteHeader(http.StatusOK)
	if resp.Stream != nil {
		if _, err := io.Copy(w, resp.Stream); err != nil {
			return fmt.Errorf("delivery: stream %s: %w", resp.ETag, err)
		}
		return nil
	}
	_, err := w.Write(resp.Body)
	return err
}

package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"pkt.systems/attachd/internal/contenthash"
	"pkt.systems/attachd/internal/render"
	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/svclog"
)

// DefaultMaxUpload caps the size of a single upload.
const DefaultMaxUpload int64 = 64 << 20

// Ingester fingerprints uploads and stores each distinct content once in
// the originals bucket.
type Ingester struct {
	originals storage.BlobStore
	decoder   *render.Decoder
	maxBytes  int64
	logger    pslog.Logger
	metrics   *ingestMetrics
}

// IngesterOption customises an Ingester.
type IngesterOption func(*Ingester)

// WithDecoder sets the decoder used to identify uploaded content.
func WithDecoder(d *render.Decoder) IngesterOption {
	return func(i *Ingester) {
		if d != nil {
			i.decoder = d
		}
	}
}

// WithMaxUpload caps upload size. Zero or less disables the cap.
func WithMaxUpload(n int64) IngesterOption {
	return func(i *Ingester) { i.maxBytes = n }
}

// WithIngestLogger sets the base logger.
func WithIngestLogger(l pslog.Logger) IngesterOption {
	return func(i *Ingester) { i.logger = l }
}

// NewIngester returns an Ingester writing to originals.
func NewIngester(originals storage.BlobStore, opts ...IngesterOption) *Ingester {
	i := &Ingester{
		originals: originals,
		decoder:   render.NewDecoder(),
		maxBytes:  DefaultMaxUpload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	i.logger = svclog.WithSubsystem(i.logger, "attachments.ingest")
	i.metrics = newIngestMetrics(i.logger)
	return i
}


// LoadBytes fingerprints data, stores it under uploads/{hash} unless
// already present, and records hash, media type and size on att.
func (i *Ingester) LoadBytes(ctx context.Context, att *Attachment, data []byte) error {
	if att.HasContent() {
		return ErrContractViolation
	}
	if len(data) == 0 {
		return &ValidationError{Field: "content", Reason: "empty upload"}
	}
	if i.maxBytes > 0 && int64(len(data)) > i.maxBytes {
		return &ValidationError{Field: "content", Reason: "exceeds " + humanize.IBytes(uint64(i.maxBytes))}
	}
	logger := svclog.FromContext(ctx, i.logger)

	hash := contenthash.Sum(data)
	_, mime, err := i.decoder.Decode(ctx, data)
	if err != nil {
		var de *render.DecodeError
		if !errors.As(err, &de) {
			return err
		}
		logger.Debug("attachments.ingest.undecodable", "hash", hash, "mime", de.MIMEType, "error", de.Err)
		mime = de.MIMEType
	}

	path := storage.UploadPath(hash)
	exists, err := i.originals.Has(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		if err := i.originals.Write(ctx, path, bytes.NewReader(data), mime); err != nil {
			i.metrics.recordIngest(ctx, "error", 0)
			return err
		}
		i.metrics.recordIngest(ctx, "stored", len(data))
		logger.Info("attachments.ingest.stored", "hash", hash, "mime", mime, "size", humanize.IBytes(uint64(len(data))))
	} else {
		i.metrics.recordIngest(ctx, "deduplicated", len(data))
		logger.Debug("attachments.ingest.deduplicated", "hash", hash)
	}

	att.ContentHash = hash
	att.MIMEType = mime
	att.Size = int64(len(data))
	return nil
}

// LoadReader reads r fully, enforcing the size cap, and loads it into att.
func (i *Ingester) LoadReader(ctx context.Context, att *Attachment, r io.Reader) error {
	if att.HasContent() {
		return ErrContractViolation
	}
	if r == nil {
		return &ValidationError{Field: "content", Reason: "missing body"}
	}
	src := r
	if i.maxBytes > 0 {
		src = io.LimitReader(r, i.maxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("attachments: read upload: %w", err)
	}
	return i.LoadBytes(ctx, att, data)
}

// LoadFile loads the regular file at path into att.
func (i *Ingester) LoadFile(ctx context.Context, att *Attachment, path string) error {
	if att.HasContent() {
		return ErrContractViolation
	}
	info, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Field: "file", Reason: err.Error()}
	}
	if !info.Mode().IsRegular() {
		return &ValidationError{Field: "file", Reason: path + " is not a regular file"}
	}
	f, err := os.Open(path)
	if err != nil {
		return &ValidationError{Field: "file", Reason: err.Error()}
	}
	defer f.Close()
	return i.LoadReader(ctx, att, f)
}

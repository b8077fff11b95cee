package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// UploadsPrefix is the originals bucket folder holding content addressed
// uploads.
const UploadsPrefix = "uploads/"

// UploadPath returns the originals bucket path for a content hash.
func UploadPath(hash string) string { return UploadsPrefix + hash }

// BlobStore is the bucket view used by ingestion and the derived cache.
type BlobStore interface {
	// Has reports whether path exists.
	Has(ctx context.Context, path string) (bool, error)
	// Read streams the object at path. It returns ErrNotFound when absent.
	Read(ctx context.Context, path string) (io.ReadCloser, *ObjectInfo, error)
	// Write stores r at path, replacing any previous object.
	Write(ctx context.Context, path string, r io.Reader, contentType string) error
}

// Error reports a failed bucket operation. It unwraps to the backend error.
type Error struct {
	Op     string
	Bucket string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %s/%s: %v", e.Op, e.Bucket, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Bucket scopes a Backend to one namespace and implements BlobStore.
type Bucket struct {
	backend Backend
	name    string
}

// NewBucket returns a BlobStore over backend for the named bucket.
func NewBucket(backend Backend, name string) *Bucket {
	return &Bucket{backend: backend, name: strings.Trim(name, "/")}
}

// Has reports whether path exists in the bucket.
func (b *Bucket) Has(ctx context.Context, path string) (bool, error) {
	_, err := b.backend.StatObject(ctx, b.name, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, &Error{Op: "stat", Bucket: b.name, Path: path, Err: err}
	}
}

// Read streams path. A missing object yields an error matching ErrNotFound.
func (b *Bucket) Read(ctx context.Context, path string) (io.ReadCloser, *ObjectInfo, error) {
	res, err := b.backend.GetObject(ctx, b.name, path)
	if err != nil {
		return nil, nil, &Error{Op: "read", Bucket: b.name, Path: path, Err: err}
	}
	return res.Reader, res.Info, nil
}

// Write stores r at path with the supplied content type.
func (b *Bucket) Write(ctx context.Context, path string, r io.Reader, contentType string) error {
	if _, err := b.backend.PutObject(ctx, b.name, path, r, PutObjectOptions{ContentType: contentType}); err != nil {
		return &Error{Op: "write", Bucket: b.name, Path: path, Err: err}
	}
	return nil
}

// ReadAll reads the whole object at path into memory.
func ReadAll(ctx context.Context, store BlobStore, path string) ([]byte, *ObjectInfo, error) {
	rc, info, err := store.Read(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, info, nil
}

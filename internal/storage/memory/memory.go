package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"pkt.systems/attachd/internal/ids"
	"pkt.systems/attachd/internal/storage"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*objectEntry)}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error { return nil }

func objectKey(namespace, key string) string {
	return namespace + "/" + key
}

func (e *objectEntry) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}

// StatObject returns metadata for key.
func (s *Store) StatObject(_ context.Context, namespace, key string) (*storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[objectKey(namespace, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return entry.info(key), nil
}

// GetObject returns a reader over a snapshot of the stored payload.
func (s *Store) GetObject(_ context.Context, namespace, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[objectKey(namespace, key)]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   entry.info(key),
	}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := objectKey(namespace, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[full]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	}
	next := &objectEntry{
		payload:     payload,
		etag:        ids.New(),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	s.objs[full] = next
	return next.info(key), nil
}

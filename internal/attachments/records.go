package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"pkt.systems/attachd/internal/ids"
	"pkt.systems/attachd/internal/storage"
)

// Records persists attachment records.
type Records interface {
	// Create stores a new record. The id must not exist yet.
	Create(ctx context.Context, att *Attachment) error
	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*Attachment, error)
	// Update replaces an existing record. It returns ErrConflict when the
	// record changed since att was read.
	Update(ctx context.Context, att *Attachment) error
}

// MemoryRecords keeps records in process memory.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]*Attachment
	seq     int64
}

// NewMemoryRecords returns an empty in-memory record store.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]*Attachment)}
}

func (m *MemoryRecords) Create(_ context.Context, att *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[att.ID]; ok {
		return fmt.Errorf("%w: %s exists", ErrConflict, att.ID)
	}
	m.seq++
	att.version = fmt.Sprint(m.seq)
	m.records[att.ID] = att.Clone()
	return nil
}

func (m *MemoryRecords) Get(_ context.Context, id string) (*Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	att, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return att.Clone(), nil
}

func (m *MemoryRecords) Update(_ context.Context, att *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[att.ID]
	if !ok {
		return ErrNotFound
	}
	if att.version != "" && current.version != att.version {
		return ErrConflict
	}
	m.seq++
	att.version = fmt.Sprint(m.seq)
	m.records[att.ID] = att.Clone()
	return nil
}

// BucketRecords stores one JSON document per attachment in a backend
// namespace, using conditional writes for create and update.
type BucketRecords struct {
	backend   storage.Backend
	namespace string
}

// NewBucketRecords returns a record store over backend.
func NewBucketRecords(backend storage.Backend, namespace string) *BucketRecords {
	return &BucketRecords{backend: backend, namespace: namespace}
}

func recordKey(id string) string { return id + ".json" }

func (b *BucketRecords) Create(ctx context.Context, att *Attachment) error {
	body, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("attachments: encode record: %w", err)
	}
	info, err := b.backend.PutObject(ctx, b.namespace, recordKey(att.ID), bytes.NewReader(body), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return fmt.Errorf("%w: %s exists", ErrConflict, att.ID)
		}
		return &storage.Error{Op: "write", Bucket: b.namespace, Path: recordKey(att.ID), Err: err}
	}
	att.version = info.ETag
	return nil
}

func (b *BucketRecords) Get(ctx context.Context, id string) (*Attachment, error) {
	if !ids.Valid(id) {
		return nil, ErrNotFound
	}
	res, err := b.backend.GetObject(ctx, b.namespace, recordKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &storage.Error{Op: "read", Bucket: b.namespace, Path: recordKey(id), Err: err}
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, &storage.Error{Op: "read", Bucket: b.namespace, Path: recordKey(id), Err: err}
	}
	var att Attachment
	if err := json.Unmarshal(data, &att); err != nil {
		return nil, fmt.Errorf("attachments: decode record %s: %w", id, err)
	}
	if res.Info != nil {
		att.version = res.Info.ETag
	}
	return &att, nil
}

func (b *BucketRecords) Update(ctx context.Context, att *Attachment) error {
	body, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("attachments: encode record: %w", err)
	}
	opts := storage.PutObjectOptions{ExpectedETag: att.version, ContentType: storage.ContentTypeJSON}
	info, err := b.backend.PutObject(ctx, b.namespace, recordKey(att.ID), bytes.NewReader(body), opts)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCASMismatch):
			return ErrConflict
		case errors.Is(err, storage.ErrNotFound):
			return ErrNotFound
		}
		return &storage.Error{Op: "write", Bucket: b.namespace, Path: recordKey(att.ID), Err: err}
	}
	att.version = info.ETag
	return nil
}

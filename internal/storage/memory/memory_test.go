package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/attachd/internal/storage"
)

func TestPutObjectConditional(t *testing.T) {
	store := New()
	ctx := context.Background()

	info, err := store.PutObject(ctx, "records", "a.json", strings.NewReader(`{"v":1}`), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.PutObject(ctx, "records", "a.json", strings.NewReader(`{}`), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on duplicate create, got %v", err)
	}
	if _, err := store.PutObject(ctx, "records", "a.json", strings.NewReader(`{}`), storage.PutObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on stale etag, got %v", err)
	}
	if _, err := store.PutObject(ctx, "records", "missing.json", strings.NewReader(`{}`), storage.PutObjectOptions{ExpectedETag: info.ETag}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for cas on missing key, got %v", err)
	}
	next, err := store.PutObject(ctx, "records", "a.json", strings.NewReader(`{"v":2}`), storage.PutObjectOptions{ExpectedETag: info.ETag})
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if next.ETag == info.ETag {
		t.Fatal("expected etag to change")
	}

	res, err := store.GetObject(ctx, "records", "a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Reader.Close()
	body, _ := io.ReadAll(res.Reader)
	if !bytes.Equal(body, []byte(`{"v":2}`)) {
		t.Fatalf("unexpected body %q", body)
	}
	if res.Info.ETag != next.ETag {
		t.Fatalf("etag mismatch: %s vs %s", res.Info.ETag, next.ETag)
	}
}

func TestGetObjectSnapshotIsStable(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.PutObject(ctx, "ns", "k", strings.NewReader("first"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := store.GetObject(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := store.PutObject(ctx, "ns", "k", strings.NewReader("second"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	body, _ := io.ReadAll(res.Reader)
	if string(body) != "first" {
		t.Fatalf("reader observed overwrite: %q", body)
	}
}

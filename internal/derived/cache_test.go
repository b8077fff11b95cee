package derived

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/attachd/internal/contenthash"
	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/storage/memory"
)

type countingStore struct {
	storage.BlobStore
	reads    atomic.Int64
	writeErr error
}

func (s *countingStore) Read(ctx context.Context, path string) (io.ReadCloser, *storage.ObjectInfo, error) {
	s.reads.Add(1)
	return s.BlobStore.Read(ctx, path)
}

func (s *countingStore) Write(ctx context.Context, path string, r io.Reader, contentType string) error {
	if s.writeErr != nil {
		return &storage.Error{Op: "write", Bucket: "attachment-images", Path: path, Err: s.writeErr}
	}
	return s.BlobStore.Write(ctx, path, r, contentType)
}

type fixture struct {
	originals *countingStore
	derived   *countingStore
}

func newFixture() *fixture {
	backend := memory.New()
	return &fixture{
		originals: &countingStore{BlobStore: storage.NewBucket(backend, "attachments")},
		derived:   &countingStore{BlobStore: storage.NewBucket(backend, "attachment-images")},
	}
}

func (f *fixture) upload(t *testing.T, data []byte) string {
	t.Helper()
	hash := contenthash.Sum(data)
	if err := f.originals.Write(context.Background(), storage.UploadPath(hash), bytes.NewReader(data), ""); err != nil {
		t.Fatalf("upload: %v", err)
	}
	return hash
}

func jpegPayload(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestKey(t *testing.T) {
	t.Parallel()

	hash := contenthash.Sum([]byte("abc"))
	cases := []struct {
		w, h int
		want string
	}{
		{0, 0, "full/" + hash},
		{200, 100, "200/100/" + hash},
		{0, 50, "0/50/" + hash},
	}
	for _, tc := range cases {
		if got := Key(hash, tc.w, tc.h); got != tc.want {
			t.Fatalf("Key(%d,%d) = %q, want %q", tc.w, tc.h, got, tc.want)
		}
	}
	if w, h := Bounds(120, 0); w != 120 || h != 120 {
		t.Fatalf("height should mirror width, got %dx%d", w, h)
	}
	if w, h := Bounds(-5, 40); w != 0 || h != 40 {
		t.Fatalf("unexpected bounds %dx%d", w, h)
	}
}

func TestGetOrRenderMissThenHit(t *testing.T) {
	t.Parallel()

	f := newFixture()
	hash := f.upload(t, jpegPayload(t, 400, 200))
	cache := New(f.originals, f.derived)
	ctx := context.Background()

	first, err := cache.GetOrRender(ctx, hash, 100, 100)
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	if first.Hit || first.Fallback || first.CacheErr != nil {
		t.Fatalf("unexpected first result %+v", first)
	}
	if first.Key != "100/100/"+hash || first.MIMEType != "image/jpeg" {
		t.Fatalf("unexpected key %q mime %q", first.Key, first.MIMEType)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(first.Body))
	if err != nil {
		t.Fatalf("decode variant: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 50 {
		t.Fatalf("expected 100x50, got %dx%d", cfg.Width, cfg.Height)
	}
	if ok, _ := f.derived.Has(ctx, first.Key); !ok {
		t.Fatal("variant was not persisted")
	}

	second, err := cache.GetOrRender(ctx, hash, 100, 100)
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if !second.Hit || !bytes.Equal(second.Body, first.Body) || second.MIMEType != "image/jpeg" {
		t.Fatalf("expected identical cached hit, got hit=%v mime=%q", second.Hit, second.MIMEType)
	}
	if got := f.originals.reads.Load(); got != 1 {
		t.Fatalf("original should be read once, got %d", got)
	}
}

func TestGetOrRenderWidthOnlyMirrorsHeight(t *testing.T) {
	t.Parallel()

	f := newFixture()
	hash := f.upload(t, jpegPayload(t, 50, 300))
	res, err := New(f.originals, f.derived).GetOrRender(context.Background(), hash, 60, 0)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Key != "60/60/"+hash {
		t.Fatalf("unexpected key %q", res.Key)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 10 || cfg.Height != 60 {
		t.Fatalf("expected 10x60, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestGetOrRenderFallsBackOnUndecodableOriginal(t *testing.T) {
	t.Parallel()

	f := newFixture()
	hash := f.upload(t, []byte("%%not an image at all"))
	res, err := New(f.originals, f.derived, WithFallbackSize(40)).GetOrRender(context.Background(), hash, 0, 0)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !res.Fallback || res.MIMEType != "image/png" || res.Key != "full/"+hash {
		t.Fatalf("unexpected result fallback=%v mime=%q key=%q", res.Fallback, res.MIMEType, res.Key)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(res.Body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 40 || cfg.Height != 40 {
		t.Fatalf("expected 40x40 identicon, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestGetOrRenderMissingOriginal(t *testing.T) {
	t.Parallel()

	f := newFixture()
	hash := contenthash.Sum([]byte("never uploaded"))
	_, err := New(f.originals, f.derived).GetOrRender(context.Background(), hash, 10, 10)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := New(f.originals, f.derived).GetOrRender(context.Background(), "nope", 0, 0); err == nil {
		t.Fatal("expected error for invalid hash")
	}
}

func TestGetOrRenderSurvivesDerivedWriteFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	hash := f.upload(t, jpegPayload(t, 20, 20))
	f.derived.writeErr = errors.New("disk full")
	res, err := New(f.originals, f.derived).GetOrRender(context.Background(), hash, 0, 0)
	if err != nil {
		t.Fatalf("render should succeed: %v", err)
	}
	var serr *storage.Error
	if !errors.As(res.CacheErr, &serr) {
		t.Fatalf("expected storage error in CacheErr, got %v", res.CacheErr)
	}
	if len(res.Body) == 0 || res.MIMEType != "image/jpeg" {
		t.Fatalf("expected rendered body, got %d bytes %q", len(res.Body), res.MIMEType)
	}
}

func TestHotCacheSkipsBucket(t *testing.T) {
	t.Parallel()

	f := newFixture()
	hash := f.upload(t, jpegPayload(t, 30, 30))
	cache := New(f.originals, f.derived, WithHotCache(8, 0))
	ctx := context.Background()
	if _, err := cache.GetOrRender(ctx, hash, 0, 0); err != nil {
		t.Fatalf("render: %v", err)
	}
	readsBefore := f.derived.reads.Load()
	res, err := cache.GetOrRender(ctx, hash, 0, 0)
	if err != nil {
		t.Fatalf("hot read: %v", err)
	}
	if !res.Hit {
		t.Fatal("expected hit")
	}
	if f.derived.reads.Load() != readsBefore {
		t.Fatal("hot cache hit should not touch the derived bucket")
	}

	tiny := New(f.originals, f.derived, WithHotCache(8, 1))
	if _, err := tiny.GetOrRender(ctx, hash, 0, 0); err != nil {
		t.Fatalf("render: %v", err)
	}
	if tiny.hot.Len() != 0 {
		t.Fatal("oversized bodies must not enter the hot cache")
	}
}

func TestSingleFlightConcurrentRenders(t *testing.T) {
	t.Parallel()

	f := newFixture()
	hash := f.upload(t, jpegPayload(t, 64, 64))
	cache := New(f.originals, f.derived, WithSingleFlight())
	ctx := context.Background()

	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	errs := make([]error, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := cache.GetOrRender(ctx, hash, 32, 32)
			errs[i] = err
			if err == nil {
				bodies[i] = res.Body
			}
		}(i)
	}
	wg.Wait()
	for i := range bodies {
		if errs[i] != nil {
			t.Fatalf("render %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("render %d differs", i)
		}
	}
}

func TestConcurrentRendersConvergeWithoutSingleFlight(t *testing.T) {
	t.Parallel()

	f := newFixture()
	hash := f.upload(t, jpegPayload(t, 120, 90))
	cache := New(f.originals, f.derived)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	bodies := make([][]byte, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := cache.GetOrRender(ctx, hash, 40, 40)
			errs[i] = err
			if err == nil {
				bodies[i] = res.Body
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("render %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("render %d produced different bytes", i)
		}
	}
	stored, _, err := storage.ReadAll(ctx, f.derived, Key(hash, 40, 40))
	if err != nil {
		t.Fatalf("read stored variant: %v", err)
	}
	if !bytes.Equal(stored, bodies[0]) {
		t.Fatal("stored variant differs from the served bodies")
	}
}

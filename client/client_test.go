package client

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/attachd/internal/attachments"
	"pkt.systems/attachd/internal/correlation"
	"pkt.systems/attachd/internal/delivery"
	"pkt.systems/attachd/internal/derived"
	"pkt.systems/attachd/internal/httpapi"
	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/storage/memory"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	backend := memory.New()
	originals := storage.NewBucket(backend, "attachments")
	cache := derived.New(originals, storage.NewBucket(backend, "attachment-images"))
	svc := attachments.NewService(attachments.NewMemoryRecords(), attachments.NewIngester(originals), delivery.New(originals, cache))
	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{Service: svc}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func pngData(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 6), G: uint8(y * 12), B: 0x20, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestNewNormalizesEndpoint(t *testing.T) {
	c, err := New("127.0.0.1:9342/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Endpoint() != "http://127.0.0.1:9342" {
		t.Fatalf("unexpected endpoint %q", c.Endpoint())
	}
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if _, err := New("ftp://host"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv := newServer(t)
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	payload := pngData(t)

	att, err := c.Upload(ctx, bytes.NewReader(payload), UploadOptions{Name: "chart.png"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if att.Title != "chart" || att.MIMEType != "image/png" {
		t.Fatalf("unexpected attachment %+v", att)
	}

	got, err := c.Get(ctx, att.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentHash != att.ContentHash {
		t.Fatalf("hash mismatch %q vs %q", got.ContentHash, att.ContentHash)
	}

	content, err := c.Content(ctx, att.ID, "")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if !bytes.Equal(content.Data, payload) || content.ETag != att.ContentHash || content.Expires.IsZero() {
		t.Fatalf("unexpected content %+v", content)
	}
	cached, err := c.Content(ctx, att.ID, content.ETag)
	if err != nil {
		t.Fatalf("content revalidate: %v", err)
	}
	if !cached.NotModified || len(cached.Data) != 0 {
		t.Fatalf("expected not modified, got %+v", cached)
	}

	img, err := c.Image(ctx, att.ID, 10, 0, "")
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if img.ETag != "10/10/"+att.ContentHash || img.ContentType != "image/png" {
		t.Fatalf("unexpected image %q %q", img.ETag, img.ContentType)
	}
	again, err := c.Image(ctx, att.ID, 10, 10, img.ETag)
	if err != nil {
		t.Fatalf("image revalidate: %v", err)
	}
	if !again.NotModified {
		t.Fatal("expected not modified image")
	}

	removed, err := c.Remove(ctx, att.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.Status != "removed" {
		t.Fatalf("unexpected status %q", removed.Status)
	}
	if _, err := c.Content(ctx, att.ID, ""); !IsNotFound(err) {
		t.Fatalf("expected not found after removal, got %v", err)
	}
}

func TestClientSendsCorrelationID(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(correlation.Header)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","detail":"attachment not found"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.Get(WithCorrelationID(context.Background(), "trace-me"), "x")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if seen != "trace-me" {
		t.Fatalf("expected correlation header, got %q", seen)
	}
	apiErr := err.(*APIError)
	if apiErr.Response.ErrorCode != "not_found" {
		t.Fatalf("unexpected error code %q", apiErr.Response.ErrorCode)
	}
}

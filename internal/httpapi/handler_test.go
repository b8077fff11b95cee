package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/attachd/api"
	"pkt.systems/attachd/internal/attachments"
	"pkt.systems/attachd/internal/contenthash"
	"pkt.systems/attachd/internal/delivery"
	"pkt.systems/attachd/internal/derived"
	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/storage/memory"
)

type failingWrites struct {
	storage.BlobStore
}

func (f failingWrites) Write(_ context.Context, path string, _ io.Reader, _ string) error {
	return &storage.Error{Op: "write", Bucket: "attachments", Path: path, Err: errors.New("unavailable")}
}

func newTestServer(t *testing.T, originals storage.BlobStore) *httptest.Server {
	t.Helper()
	backend := memory.New()
	if originals == nil {
		originals = storage.NewBucket(backend, "attachments")
	}
	ingester := attachments.NewIngester(originals, attachments.WithMaxUpload(1<<20))
	cache := derived.New(originals, storage.NewBucket(backend, "attachment-images"))
	svc := attachments.NewService(attachments.NewMemoryRecords(), ingester, delivery.New(originals, cache))
	h := New(Config{Service: svc, MaxUpload: 1 << 20, Version: "test"})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func jpegBody(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 8), B: 0x40, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func upload(t *testing.T, srv *httptest.Server, query string, body []byte) api.Attachment {
	t.Helper()
	resp, err := http.Post(srv.URL+BasePath+query, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status %d: %s", resp.StatusCode, data)
	}
	var out api.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	return out.Attachment
}

func get(t *testing.T, url string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.ErrorCode
}

func TestUploadAndDeliverContent(t *testing.T) {
	srv := newTestServer(t, nil)
	payload := jpegBody(t)
	att := upload(t, srv, "?name=beach.jpg", payload)
	if att.Title != "beach" || att.MIMEType != "image/jpeg" || att.ContentHash != contenthash.Sum(payload) {
		t.Fatalf("unexpected attachment %+v", att)
	}

	resp := get(t, srv.URL+att.ContentURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("content status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, payload) {
		t.Fatal("content mismatch")
	}
	if resp.Header.Get("ETag") != att.ContentHash || resp.Header.Get("Cache-Control") != "public, max-age=31536000" || resp.Header.Get("Pragma") != "public" {
		t.Fatalf("unexpected headers %v", resp.Header)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing request id")
	}

	again := get(t, srv.URL+att.ContentURL, map[string]string{"If-None-Match": att.ContentHash})
	if again.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", again.StatusCode)
	}
}

func TestMultipartUpload(t *testing.T) {
	srv := newTestServer(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("comment", "ignored")
	fw, err := mw.CreateFormFile("file", "scan.final.jpg")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write(jpegBody(t))
	_ = mw.Close()

	resp, err := http.Post(srv.URL+BasePath, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var out api.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Attachment.Title != "scan.final" {
		t.Fatalf("unexpected title %q", out.Attachment.Title)
	}
}

func TestImageVariants(t *testing.T) {
	srv := newTestServer(t, nil)
	att := upload(t, srv, "", jpegBody(t))

	resp := get(t, srv.URL+BasePath+"/"+att.ID+"/image/16", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("image status %d", resp.StatusCode)
	}
	key := "16/16/" + att.ContentHash
	if resp.Header.Get("ETag") != key || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected headers %v", resp.Header)
	}
	cfg, err := jpeg.DecodeConfig(resp.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 16 || cfg.Height != 8 {
		t.Fatalf("expected 16x8, got %dx%d", cfg.Width, cfg.Height)
	}

	if r := get(t, srv.URL+BasePath+"/"+att.ID+"/image/16/16", map[string]string{"If-None-Match": key}); r.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", r.StatusCode)
	}
	if r := get(t, srv.URL+BasePath+"/"+att.ID+"/image", map[string]string{"If-Modified-Since": "Mon, 02 Jan 2006 15:04:05 GMT"}); r.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304 for If-Modified-Since, got %d", r.StatusCode)
	}
	if r := get(t, srv.URL+BasePath+"/"+att.ID+"/image/abc", nil); r.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad bounds, got %d", r.StatusCode)
	}
}

func TestUndecodableUploadStillServesImage(t *testing.T) {
	srv := newTestServer(t, nil)
	att := upload(t, srv, "?title=notes", []byte("plain text notes\n"))
	if !strings.HasPrefix(att.MIMEType, "text/plain") {
		t.Fatalf("unexpected mime %q", att.MIMEType)
	}
	resp := get(t, srv.URL+BasePath+"/"+att.ID+"/image", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("expected fallback png, got %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestRemoveHidesContent(t *testing.T) {
	srv := newTestServer(t, nil)
	att := upload(t, srv, "", jpegBody(t))

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+BasePath+"/"+att.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	content := get(t, srv.URL+BasePath+"/"+att.ID+"/content", nil)
	if content.StatusCode != http.StatusNotFound || errorCode(t, content) != "not_found" {
		t.Fatalf("expected 404 after removal, got %d", content.StatusCode)
	}
	record := get(t, srv.URL+BasePath+"/"+att.ID, nil)
	if record.StatusCode != http.StatusOK {
		t.Fatalf("record should stay readable, got %d", record.StatusCode)
	}
	var rec api.Attachment
	if err := json.NewDecoder(record.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Status != "removed" || rec.ContentURL != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)
	if r := get(t, srv.URL+BasePath+"/missing", nil); r.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", r.StatusCode)
	}
	resp, err := http.Post(srv.URL+BasePath, "application/octet-stream", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, resp) != "invalid_upload" {
		t.Fatalf("expected invalid_upload, got %d", resp.StatusCode)
	}

	failing := newTestServer(t, failingWrites{BlobStore: storage.NewBucket(memory.New(), "attachments")})
	resp2, err := http.Post(failing.URL+BasePath, "application/octet-stream", bytes.NewReader([]byte("data")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadGateway || errorCode(t, resp2) != "storage_error" {
		t.Fatalf("expected storage_error, got %d", resp2.StatusCode)
	}
}

func TestConvertError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{attachments.ErrContractViolation, http.StatusConflict, "content_immutable"},
		{delivery.ErrNoContent, http.StatusNotFound, "no_content"},
		{&storage.Error{Op: "read", Err: storage.ErrNotFound}, http.StatusNotFound, "content_missing"},
		{&storage.Error{Op: "write", Err: errors.New("x")}, http.StatusBadGateway, "storage_error"},
		{&attachments.ValidationError{Field: "content", Reason: "empty"}, http.StatusBadRequest, "invalid_upload"},
		{context.Canceled, http.StatusServiceUnavailable, "canceled"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		got, _ := convertError(tc.err)
		if got.Status != tc.status || got.Code != tc.code {
			t.Fatalf("convertError(%v) = %d %s, want %d %s", tc.err, got.Status, got.Code, tc.status, tc.code)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	if r := get(t, srv.URL+"/healthz", nil); r.StatusCode != http.StatusOK {
		t.Fatalf("healthz %d", r.StatusCode)
	}
	r := get(t, srv.URL+"/readyz", nil)
	var body api.HealthResponse
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.StatusCode != http.StatusOK || body.Version != "test" {
		t.Fatalf("unexpected readyz %d %+v", r.StatusCode, body)
	}
}

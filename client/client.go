package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/attachd/api"
	"pkt.systems/attachd/internal/correlation"
	"pkt.systems/attachd/internal/svclog"
)

const (
	// DefaultHTTPTimeout bounds each request unless overridden.
	DefaultHTTPTimeout = 60 * time.Second
	attachmentsPath    = "/v1/attachments"
)

// Client talks to one attachd endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svclog.WithSubsystem(logger, "client.sdk")
	}
}

// New returns a client for endpoint. Bare host:port endpoints assume http.
func New(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("attachd client: endpoint required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("attachd client: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("attachd client: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		endpoint:   strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     svclog.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Endpoint returns the normalized base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// WithCorrelationID annotates ctx with a correlation identifier sent on
// subsequent requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.Set(ctx, id)
}

// APIError is returned for non-success responses.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("attachd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("attachd: status %d", e.Status)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// UploadOptions carries optional upload metadata.
type UploadOptions struct {
	Name         string
	Title        string
	ContextClass string
	ContextID    string
	ContentType  string
}

// Upload sends body as a new attachment.
func (c *Client) Upload(ctx context.Context, body io.Reader, opts UploadOptions) (*api.Attachment, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"name":          opts.Name,
		"title":         opts.Title,
		"context_class": opts.ContextClass,
		"context_id":    opts.ContextID,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	path := attachmentsPath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	var out api.UploadResponse
	if err := c.doJSON(req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("client.upload.success", "id", out.Attachment.ID, "hash", out.Attachment.ContentHash)
	return &out.Attachment, nil
}

// Get fetches the attachment record.
func (c *Client) Get(ctx context.Context, id string) (*api.Attachment, error) {
	req, err := c.newRequest(ctx, http.MethodGet, attachmentsPath+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var out api.Attachment
	if err := c.doJSON(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove marks the attachment removed.
func (c *Client) Remove(ctx context.Context, id string) (*api.Attachment, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, attachmentsPath+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var out api.RemoveResponse
	if err := c.doJSON(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out.Attachment, nil
}

// Body is delivered content.
type Body struct {
	// NotModified is true when the supplied ETag is still current. Data is
	// empty in that case.
	NotModified bool
	Data        []byte
	ContentType string
	ETag        string
	Expires     time.Time
}

// Content downloads the original bytes. A non-empty etag is sent as
// If-None-Match.
func (c *Client) Content(ctx context.Context, id, etag string) (*Body, error) {
	return c.fetch(ctx, attachmentsPath+"/"+url.PathEscape(id)+"/content", etag)
}

// Image downloads a variant bounded by maxWidth x maxHeight. Zero bounds
// request the full size rendition.
func (c *Client) Image(ctx context.Context, id string, maxWidth, maxHeight int, etag string) (*Body, error) {
	path := attachmentsPath + "/" + url.PathEscape(id) + "/image"
	if maxWidth > 0 || maxHeight > 0 {
		path += "/" + strconv.Itoa(max(0, maxWidth))
		if maxHeight > 0 {
			path += "/" + strconv.Itoa(maxHeight)
		}
	}
	return c.fetch(ctx, path, etag)
}

func (c *Client) fetch(ctx context.Context, path, etag string) (*Body, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotModified:
		return &Body{NotModified: true, ETag: firstNonEmpty(resp.Header.Get("ETag"), etag)}, nil
	case http.StatusOK:
	default:
		return nil, c.decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := &Body{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
	}
	if exp, err := http.ParseTime(resp.Header.Get("Expires")); err == nil {
		out.Expires = exp
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, want int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return c.decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("attachd client: decode response: %w", err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	c.logger.Debug("client.request.error", "status", resp.StatusCode, "code", errResp.ErrorCode)
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"pkt.systems/pslog"

	"pkt.systems/attachd/internal/storage"
	"pkt.systems/attachd/internal/svclog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage. Namespaces
// become virtual directories inside one container.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store and ensures the container exists.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close satisfies storage.Backend and is a no-op for Azure.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := svclog.FromContext(ctx, nil)
	return logger, logger
}

func (s *Store) objectBlob(namespace, key string) (string, error) {
	base := strings.TrimPrefix(path.Join(namespace, strings.TrimPrefix(key, "/")), "/")
	if base == "" || base == "." {
		return "", fmt.Errorf("azure: object key required")
	}
	parts := strings.Split(base, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	name := path.Join(parts...)
	if s.prefix == "" {
		return name, nil
	}
	return path.Join(s.prefix, name), nil
}

// StatObject fetches blob properties for key.
func (s *Store) StatObject(ctx context.Context, namespace, key string) (*storage.ObjectInfo, error) {
	_, verbose := s.loggers(ctx)
	blobName, err := s.objectBlob(namespace, key)
	if err != nil {
		return nil, err
	}
	props, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			verbose.Trace("azure.stat_object.not_found", "namespace", namespace, "key", key)
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: get properties")
	}
	info := &storage.ObjectInfo{Key: key}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.LastModified = props.LastModified.UTC()
	}
	if props.ContentType != nil {
		info.ContentType = *props.ContentType
	}
	return info, nil
}

// GetObject streams the blob for key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	blobName, err := s.objectBlob(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	verbose.Trace("azure.get_object.begin", "namespace", namespace, "key", key, "blob", blobName)
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			verbose.Debug("azure.get_object.not_found", "namespace", namespace, "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("azure.get_object.error", "namespace", namespace, "key", key, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key, Size: -1}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	verbose.Debug("azure.get_object.success", "namespace", namespace, "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads the blob for key with conditional guards.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	blobName, err := s.objectBlob(namespace, key)
	if err != nil {
		return nil, err
	}
	verbose.Trace("azure.put_object.begin", "namespace", namespace, "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	if opts.ExpectedETag != "" {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag))},
		}
	} else if opts.IfNotExists {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETag("*"))},
		}
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, blobName, counter, uploadOpts)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			verbose.Debug("azure.put_object.cas_mismatch", "namespace", namespace, "key", key)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		logger.Debug("azure.put_object.error", "namespace", namespace, "key", key, "error", err)
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, ContentType: contentType, Size: counter.n, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	verbose.Debug("azure.put_object.success", "namespace", namespace, "key", key, "etag", info.ETag, "size", info.Size)
	return info, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func responseStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	return responseStatus(err) == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	status := responseStatus(err)
	return status == http.StatusPreconditionFailed || status == http.StatusConflict
}

func wrapError(err error, msg string) error {
	status := responseStatus(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(err)
	}
	return err
}

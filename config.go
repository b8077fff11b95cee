package attachd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/attachd/internal/attachments"
	"pkt.systems/attachd/internal/derived"
	"pkt.systems/attachd/internal/render"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9342"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultOriginalsBucket holds uploaded originals keyed by content hash.
	DefaultOriginalsBucket = "attachments"
	// DefaultDerivedBucket holds rendered image variants.
	DefaultDerivedBucket = "attachment-images"
	// DefaultRecordsBucket holds attachment records as JSON.
	DefaultRecordsBucket = "attachment-records"
	// DefaultImageQuality is the JPEG quality used for rendered variants.
	DefaultImageQuality = render.DefaultQuality
	// DefaultFallbackSize is the identicon edge length for undecodable
	// originals. Zero renders a single white pixel.
	DefaultFallbackSize = 0
	// DefaultUploadMax bounds a single upload.
	DefaultUploadMax = attachments.DefaultMaxUpload
	// DefaultMaxDecodePixels bounds the decoded raster size.
	DefaultMaxDecodePixels = render.DefaultMaxPixels
	// DefaultDocumentDPI is the rasterization density for PDF and PostScript.
	DefaultDocumentDPI = render.DefaultDocumentDPI
	// DefaultHotCacheMaxObject caps a single in-memory variant.
	DefaultHotCacheMaxObject = derived.DefaultHotCacheMaxObject
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultLogLevel is the base log level for the CLI.
	DefaultLogLevel = "info"
)

var storeSchemes = map[string]struct{}{
	"mem":    {},
	"memory": {},
	"disk":   {},
	"s3":     {},
	"aws":    {},
	"azure":  {},
}

// Config captures the tunables for an attachd server.
type Config struct {
	// Listen is the server bind address (for example ":9342").
	Listen string
	// ListenProto selects the listener network ("tcp", "tcp4", "tcp6" or "unix").
	ListenProto string
	// Store is the backend DSN (mem://, disk:///path, s3://..., aws://..., azure://...).
	Store string
	// OriginalsBucket names the namespace that stores uploaded originals.
	OriginalsBucket string
	// DerivedBucket names the namespace that stores rendered variants.
	DerivedBucket string
	// RecordsBucket names the namespace that stores attachment records.
	RecordsBucket string

	// ImageQuality is the JPEG quality (1-100) for rendered variants.
	ImageQuality int
	// FallbackSize is the identicon size for undecodable originals.
	FallbackSize int
	// UploadMax caps the size of a single upload in bytes.
	UploadMax int64
	// MaxDecodePixels caps width*height of decoded rasters.
	MaxDecodePixels int64
	// Ghostscript is the gs binary used for PDF, EPS and PS; empty searches PATH.
	Ghostscript string
	// DocumentDPI is the rasterization density for documents.
	DocumentDPI int
	// SingleFlight collapses concurrent renders of the same variant.
	SingleFlight bool
	// HotCacheEntries enables an in-memory LRU of served variants when positive.
	HotCacheEntries int
	// HotCacheMaxObject caps the size of one hot cache entry.
	HotCacheMaxObject int

	// MetricsListen is the Prometheus endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics exports Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint is the trace collector endpoint; empty disables tracing.
	OTLPEndpoint string
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration

	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken are static
	// credentials for s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server side encryption ("AES256" or "aws:kms").
	S3SSE string
	// S3KMSKeyID is the KMS key for aws:kms encryption.
	S3KMSKeyID string
	// AWSRegion is the region for aws:// stores.
	AWSRegion string
	// AWSKMSKeyID overrides S3KMSKeyID for aws:// stores.
	AWSKMSKeyID string
	// AzureAccount overrides the account in azure:// URLs.
	AzureAccount string
	// AzureAccountKey is the shared key for azure:// stores.
	AzureAccountKey string
	// AzureEndpoint overrides the derived blob endpoint.
	AzureEndpoint string
	// AzureSASToken authenticates azure:// stores with a SAS token.
	AzureSASToken string
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen-proto %q", c.ListenProto)
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	if _, ok := storeSchemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("config: unsupported store scheme %q", u.Scheme)
	}
	if c.OriginalsBucket == "" {
		c.OriginalsBucket = DefaultOriginalsBucket
	}
	if c.DerivedBucket == "" {
		c.DerivedBucket = DefaultDerivedBucket
	}
	if c.RecordsBucket == "" {
		c.RecordsBucket = DefaultRecordsBucket
	}
	buckets := map[string]string{}
	for name, value := range map[string]string{
		"originals-bucket": c.OriginalsBucket,
		"derived-bucket":   c.DerivedBucket,
		"records-bucket":   c.RecordsBucket,
	} {
		if strings.ContainsAny(value, "/\\") || value == "." || value == ".." {
			return fmt.Errorf("config: %s %q is not a valid bucket name", name, value)
		}
		if other, dup := buckets[value]; dup {
			return fmt.Errorf("config: %s and %s must differ (both %q)", name, other, value)
		}
		buckets[value] = name
	}
	if c.ImageQuality == 0 {
		c.ImageQuality = DefaultImageQuality
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("config: image-quality must be between 1 and 100")
	}
	if c.FallbackSize < 0 {
		return fmt.Errorf("config: fallback-size must be >= 0")
	}
	if c.UploadMax <= 0 {
		c.UploadMax = DefaultUploadMax
	}
	if c.MaxDecodePixels <= 0 {
		c.MaxDecodePixels = DefaultMaxDecodePixels
	}
	if c.DocumentDPI <= 0 {
		c.DocumentDPI = DefaultDocumentDPI
	}
	if c.HotCacheEntries < 0 {
		return fmt.Errorf("config: hot-cache-entries must be >= 0")
	}
	if c.HotCacheMaxObject <= 0 {
		c.HotCacheMaxObject = DefaultHotCacheMaxObject
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	switch strings.ToUpper(strings.TrimSpace(c.S3SSE)) {
	case "":
	case "AES256":
		c.S3SSE = "AES256"
	case "AWS:KMS":
		c.S3SSE = "aws:kms"
	default:
		return fmt.Errorf("config: unsupported s3-sse %q", c.S3SSE)
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.attachd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ATTACHD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".attachd"), nil
}

// DefaultConfigPath returns the default YAML config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

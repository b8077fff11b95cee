package attachd

import (
	"context"
	"path/filepath"
	"testing"

	"pkt.systems/attachd/internal/storage/disk"
	"pkt.systems/attachd/internal/storage/memory"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, err := openBackend(context.Background(), Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	backend, err := openBackend(context.Background(), Config{Store: "disk://" + root})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	store, ok := backend.(*disk.Store)
	if !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
	if store.Root() != root {
		t.Fatalf("unexpected root %q", store.Root())
	}
}

func TestOpenBackendUnknownScheme(t *testing.T) {
	if _, err := openBackend(context.Background(), Config{Store: "gopher://x"}); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "AES256",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected bucket/prefix: %s %s", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure path-style config, got %+v", s3cfg)
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "AES256" {
		t.Fatalf("unexpected encryption settings: %s %s", s3cfg.ServerSideEnc, s3cfg.KMSKeyID)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatal("expected static credentials")
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://"}); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "mem://"}); err == nil {
		t.Fatal("expected error for non-s3 store")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://h/b", S3AccessKeyID: "only-key"}); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
}

func TestBuildGenericS3ConfigAnonymousUsesChain(t *testing.T) {
	t.Setenv("ATTACHD_S3_ACCESS_KEY_ID", "")
	t.Setenv("ATTACHD_S3_SECRET_ACCESS_KEY", "")
	t.Setenv("ATTACHD_S3_SESSION_TOKEN", "")
	s3cfg, summary, err := BuildGenericS3Config(Config{Store: "s3://minio:9000/bucket?tls=false"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.CustomCreds != nil || summary.Source != "auto" {
		t.Fatalf("expected default credential chain, got %+v", summary)
	}
	if !s3cfg.Insecure {
		t.Fatal("tls=false should disable TLS")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_PROFILE", "")
	cfg := Config{
		Store:       "aws://my-bucket/prefix",
		AWSRegion:   "us-west-2",
		AWSKMSKeyID: "aws-kms",
		S3KMSKeyID:  "generic-kms",
	}
	awsCfg, summary, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" || awsCfg.Prefix != "prefix" || awsCfg.Region != "us-west-2" {
		t.Fatalf("unexpected aws config: %+v", awsCfg)
	}
	if awsCfg.KMSKeyID != "aws-kms" {
		t.Fatalf("expected aws kms key to win, got %q", awsCfg.KMSKeyID)
	}
	if summary.Source != "auto" {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	override, _, err := BuildAWSConfig(Config{Store: "aws://b?region=eu-north-1&endpoint=localhost:4566&path-style=true", AWSRegion: "us-east-1"})
	if err != nil {
		t.Fatalf("BuildAWSConfig override: %v", err)
	}
	if override.Region != "eu-north-1" || override.Endpoint != "localhost:4566" || !override.ForcePathStyle {
		t.Fatalf("query parameters not applied: %+v", override)
	}

	static, summary, err := BuildAWSConfig(Config{Store: "aws://b", AWSRegion: "us-east-1", S3AccessKeyID: "AK", S3SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("BuildAWSConfig static: %v", err)
	}
	if static.AccessKeyID != "AK" || static.SecretAccessKey != "SK" || summary.Source != "config" {
		t.Fatalf("static credentials not applied: %+v %+v", static, summary)
	}

	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, _, err := BuildAWSConfig(Config{Store: "aws://b"}); err == nil {
		t.Fatal("expected error for missing region")
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws:///prefix", AWSRegion: "x"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	t.Setenv("ATTACHD_AZURE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_STORAGE_KEY", "")
	cfg := Config{
		Store:           "azure://acct/container/some/prefix?endpoint=http://127.0.0.1:10000/acct",
		AzureAccountKey: "key",
	}
	az, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if az.Account != "acct" || az.Container != "container" || az.Prefix != "some/prefix" {
		t.Fatalf("unexpected azure config: %+v", az)
	}
	if az.Endpoint != "http://127.0.0.1:10000/acct" || az.AccountKey != "key" {
		t.Fatalf("unexpected endpoint/key: %+v", az)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("expected error for missing container")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	cases := map[string]string{
		"disk:///var/lib/attachd": "/var/lib/attachd",
		"disk://var/lib/attachd":  "/var/lib/attachd",
		"disk:///tmp/x/":          "/tmp/x",
	}
	for store, want := range cases {
		cfg, err := BuildDiskConfig(Config{Store: store})
		if err != nil {
			t.Fatalf("%s: %v", store, err)
		}
		if cfg.Root != want {
			t.Fatalf("%s: expected root %q, got %q", store, want, cfg.Root)
		}
	}
	if _, err := BuildDiskConfig(Config{Store: "disk:///"}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

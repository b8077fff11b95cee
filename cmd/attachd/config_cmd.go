package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/attachd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage attachd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.attachd/config.yaml"
	if path, err := attachd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default attachd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := attachd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string `yaml:"listen"`
	ListenProto            string `yaml:"listen-proto"`
	Store                  string `yaml:"store"`
	OriginalsBucket        string `yaml:"originals-bucket"`
	DerivedBucket          string `yaml:"derived-bucket"`
	RecordsBucket          string `yaml:"records-bucket"`
	ImageQuality           int    `yaml:"image-quality"`
	FallbackSize           int    `yaml:"fallback-size"`
	UploadMax              string `yaml:"upload-max"`
	MaxDecodePixels        int64  `yaml:"max-decode-pixels"`
	Ghostscript            string `yaml:"ghostscript"`
	DocumentDPI            int    `yaml:"document-dpi"`
	SingleFlight           bool   `yaml:"single-flight"`
	HotCacheEntries        int    `yaml:"hot-cache-entries"`
	HotCacheMaxObject      string `yaml:"hot-cache-max-object"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	StoreSSE               string `yaml:"s3-sse"`
	StoreKMSKeyID          string `yaml:"s3-kms-key-id"`
	AWSRegion              string `yaml:"aws-region"`
	AWSKMSKeyID            string `yaml:"aws-kms-key-id"`
	AzureAccount           string `yaml:"azure-account"`
	AzureEndpoint          string `yaml:"azure-endpoint"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:            attachd.DefaultListen,
		ListenProto:       attachd.DefaultListenProto,
		Store:             attachd.DefaultStore,
		OriginalsBucket:   attachd.DefaultOriginalsBucket,
		DerivedBucket:     attachd.DefaultDerivedBucket,
		RecordsBucket:     attachd.DefaultRecordsBucket,
		ImageQuality:      attachd.DefaultImageQuality,
		FallbackSize:      attachd.DefaultFallbackSize,
		UploadMax:         humanizeBytes(attachd.DefaultUploadMax),
		MaxDecodePixels:   attachd.DefaultMaxDecodePixels,
		DocumentDPI:       attachd.DefaultDocumentDPI,
		HotCacheMaxObject: humanizeBytes(attachd.DefaultHotCacheMaxObject),
		ShutdownTimeout:   attachd.DefaultShutdownTimeout.String(),
		LogLevel:          attachd.DefaultLogLevel,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

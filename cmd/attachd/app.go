package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/attachd"
	"pkt.systems/attachd/internal/svclog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ATTACHD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "attachd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svclog.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		if flag := root.Flags().Lookup(name); flag != nil {
			return flag
		}
		return root.PersistentFlags().Lookup(name)
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		if flag := root.Flags().ShorthandLookup(shorthand); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(shorthand)
	}
	hasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			name, _, inline := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
			flag := lookupLong(name)
			if flag == nil {
				return !hasSubcommand(args[i+1:])
			}
			i++
			if !inline && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			flag := lookupShort(arg[1:2])
			if flag == nil {
				return !hasSubcommand(args[i+1:])
			}
			i++
			if len(arg) == 2 && flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := attachd.DefaultConfigPath()
		if err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "attachd",
		Short:         "attachd stores content-addressed attachments and serves cached image variants",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  attachd --store mem://

  # Disk backend with documents rendered by Ghostscript
  attachd --store disk:///var/lib/attachd --ghostscript /usr/bin/gs

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  ATTACHD_STORE=s3://localhost:9000/attachd?insecure=1 ATTACHD_S3_ACCESS_KEY_ID=minioadmin ATTACHD_S3_SECRET_ACCESS_KEY=minioadmin attachd

  # AWS S3 through the AWS SDK credential chain
  ATTACHD_STORE=aws://my-bucket/attachd ATTACHD_AWS_REGION=eu-north-1 attachd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			ctx := cmd.Context()

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			var cfg attachd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svclog.WithSubsystem(logger, "cli.root")
			svclog.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to attachd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := attachd.NewServer(cfg, attachd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = server.Close() }()
			go func() {
				<-ctx.Done()
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.attachd/config.yaml)")

	flags := cmd.Flags()
	flags.String("listen", attachd.DefaultListen, "listen address")
	flags.String("listen-proto", attachd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("store", attachd.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("originals-bucket", attachd.DefaultOriginalsBucket, "namespace holding uploaded originals")
	flags.String("derived-bucket", attachd.DefaultDerivedBucket, "namespace holding rendered variants")
	flags.String("records-bucket", attachd.DefaultRecordsBucket, "namespace holding attachment records")
	flags.Int("image-quality", attachd.DefaultImageQuality, "JPEG quality for rendered variants (1-100)")
	flags.Int("fallback-size", attachd.DefaultFallbackSize, "identicon size for undecodable originals (0 renders a single white pixel)")
	flags.String("upload-max", humanizeBytes(attachd.DefaultUploadMax), "maximum upload size (e.g. 64MiB)")
	flags.Int64("max-decode-pixels", attachd.DefaultMaxDecodePixels, "maximum width*height accepted by the decoder")
	flags.String("ghostscript", "", "path to the gs binary used for PDF/EPS/PS (empty searches PATH)")
	flags.Int("document-dpi", attachd.DefaultDocumentDPI, "rasterization density for documents")
	flags.Bool("single-flight", false, "collapse concurrent renders of the same variant")
	flags.Int("hot-cache-entries", 0, "keep this many recently served variants in memory (0 disables)")
	flags.String("hot-cache-max-object", humanizeBytes(attachd.DefaultHotCacheMaxObject), "largest variant kept in the hot cache")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", attachd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("log-level", attachd.DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.String("s3-access-key-id", "", "static access key for s3:// and aws:// stores")
	flags.String("s3-secret-access-key", "", "static secret key for s3:// and aws:// stores")
	flags.String("s3-session-token", "", "session token for s3:// and aws:// stores")
	flags.String("s3-sse", "", "server side encryption (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key for aws:kms encryption")
	flags.String("aws-region", "", "region for aws:// stores")
	flags.String("aws-kms-key-id", "", "KMS key for aws:// stores (overrides --s3-kms-key-id)")
	flags.String("azure-account", "", "Azure storage account (overrides the URL host)")
	flags.String("azure-key", "", "Azure storage account key")
	flags.String("azure-endpoint", "", "Azure blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")

	viper.SetEnvPrefix("ATTACHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlag("config", persistentFlags.Lookup("config")); err != nil {
		panic(err)
	}
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newHashCommand())
	cmd.AddCommand(newRenderCommand(svclog.WithSubsystem(baseLogger, "cli.render")))
	cmd.AddCommand(newClientCommand(baseLogger))
	return cmd
}

func bindConfig(cfg *attachd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Store = viper.GetString("store")
	cfg.OriginalsBucket = viper.GetString("originals-bucket")
	cfg.DerivedBucket = viper.GetString("derived-bucket")
	cfg.RecordsBucket = viper.GetString("records-bucket")
	cfg.ImageQuality = viper.GetInt("image-quality")
	cfg.FallbackSize = viper.GetInt("fallback-size")
	if raw := strings.TrimSpace(viper.GetString("upload-max")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse upload-max: %w", err)
		}
		cfg.UploadMax = int64(size)
	}
	cfg.MaxDecodePixels = viper.GetInt64("max-decode-pixels")
	cfg.Ghostscript = viper.GetString("ghostscript")
	cfg.DocumentDPI = viper.GetInt("document-dpi")
	cfg.SingleFlight = viper.GetBool("single-flight")
	cfg.HotCacheEntries = viper.GetInt("hot-cache-entries")
	if raw := strings.TrimSpace(viper.GetString("hot-cache-max-object")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse hot-cache-max-object: %w", err)
		}
		cfg.HotCacheMaxObject = int(size)
	}
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AWSKMSKeyID = viper.GetString("aws-kms-key-id")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	return nil
}

func humanizeBytes[T int | int64](n T) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/attachd/client"
	"pkt.systems/attachd/internal/correlation"
	"pkt.systems/attachd/internal/svclog"
)

const (
	clientServerKey  = "client.server"
	clientTimeoutKey = "client.timeout"

	envCorrelation = "ATTACHD_CORRELATION_ID"

	defaultClientServer = "http://127.0.0.1:9342"
)

type clientCLIConfig struct {
	logger pslog.Logger
}

func (c *clientCLIConfig) client() (*client.Client, error) {
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = defaultClientServer
	}
	timeout := viper.GetDuration(clientTimeoutKey)
	if timeout <= 0 {
		timeout = client.DefaultHTTPTimeout
	}
	return client.New(server,
		client.WithHTTPClient(&http.Client{Timeout: timeout}),
		client.WithLogger(c.logger),
	)
}

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &clientCLIConfig{logger: svclog.WithSubsystem(baseLogger, "cli.client")}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running attachd server",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "attachd server base URL")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "HTTP client timeout")
	mustBindFlag(clientServerKey, "ATTACHD_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "ATTACHD_CLIENT_TIMEOUT", flags.Lookup("timeout"))

	cmd.AddCommand(
		newClientUploadCommand(cfg),
		newClientGetCommand(cfg),
		newClientContentCommand(cfg),
		newClientImageCommand(cfg),
		newClientRemoveCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resolveCorrelationID() string {
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if normalized, ok := correlation.Normalize(env); ok {
			return normalized
		}
	}
	return correlation.Generate()
}

func commandContextWithCorrelation(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return client.WithCorrelationID(ctx, resolveCorrelationID())
}

func newClientUploadCommand(cfg *clientCLIConfig) *cobra.Command {
	var opts client.UploadOptions
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a file as a new attachment (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			var body io.Reader = cmd.InOrStdin()
			if path := args[0]; path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				body = f
				if opts.Name == "" {
					opts.Name = filepath.Base(path)
				}
			}
			att, err := cli.Upload(commandContextWithCorrelation(cmd), body, opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), att)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Name, "name", "", "file name reported to the server (defaults to the base name of FILE)")
	flags.StringVar(&opts.Title, "title", "", "display title (defaults to the file name stem)")
	flags.StringVar(&opts.ContextClass, "context-class", "", "class of the owning record")
	flags.StringVar(&opts.ContextID, "context-id", "", "identifier of the owning record")
	flags.StringVar(&opts.ContentType, "content-type", "", "declared media type")
	return cmd
}

func newClientGetCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Print an attachment record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			att, err := cli.Get(commandContextWithCorrelation(cmd), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), att)
		},
	}
}

func newClientRemoveCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Mark an attachment removed",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			att, err := cli.Remove(commandContextWithCorrelation(cmd), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), att)
		},
	}
}

func newClientContentCommand(cfg *clientCLIConfig) *cobra.Command {
	var out, etag string
	cmd := &cobra.Command{
		Use:   "content ID",
		Short: "Download the original bytes of an attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			body, err := cli.Content(commandContextWithCorrelation(cmd), args[0], etag)
			if err != nil {
				return err
			}
			return writeBody(cmd, body, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output path (- for stdout)")
	cmd.Flags().StringVar(&etag, "etag", "", "send If-None-Match and skip the download when unchanged")
	return cmd
}

func newClientImageCommand(cfg *clientCLIConfig) *cobra.Command {
	var out, etag string
	var width, height int
	cmd := &cobra.Command{
		Use:   "image ID",
		Short: "Download an image variant of an attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if width < 0 || height < 0 {
				return fmt.Errorf("bounds must not be negative")
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			body, err := cli.Image(commandContextWithCorrelation(cmd), args[0], width, height, etag)
			if err != nil {
				return err
			}
			return writeBody(cmd, body, out)
		},
	}
	cmd.Flags().IntVarP(&width, "width", "W", 0, "maximum width (0 requests the full size)")
	cmd.Flags().IntVarP(&height, "height", "H", 0, "maximum height (defaults to the width)")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output path (- for stdout)")
	cmd.Flags().StringVar(&etag, "etag", "", "send If-None-Match and skip the download when unchanged")
	return cmd
}

// writeBody writes delivered bytes to out and reports the cache validators
// on stderr so stdout stays binary-clean.
func writeBody(cmd *cobra.Command, body *client.Body, out string) error {
	errOut := cmd.ErrOrStderr()
	if body.NotModified {
		fmt.Fprintf(errOut, "not modified (etag %s)\n", body.ETag)
		return nil
	}
	if out == "" || out == "-" {
		if _, err := cmd.OutOrStdout().Write(body.Data); err != nil {
			return err
		}
	} else if err := writeFileAtomic(out, body.Data); err != nil {
		return err
	}
	fmt.Fprintf(errOut, "etag %s type %s bytes %d", body.ETag, body.ContentType, len(body.Data))
	if !body.Expires.IsZero() {
		fmt.Fprintf(errOut, " expires %s", body.Expires.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(errOut)
	return nil
}

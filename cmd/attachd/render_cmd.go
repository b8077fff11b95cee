package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/attachd"
	"pkt.systems/attachd/internal/contenthash"
	"pkt.systems/attachd/internal/render"
)

type renderOptions struct {
	width        int
	height       int
	quality      int
	fallbackSize int
	ghostscript  string
	dpi          int
	out          string
}

func newRenderCommand(logger pslog.Logger) *cobra.Command {
	opts := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render FILE",
		Short: "Render a local file through the variant pipeline",
		Long: `Render decodes FILE the way the server decodes originals and writes the
variant it would serve. Undecodable input produces the fallback image.

A width of zero renders the full-size variant. A missing height mirrors the
width.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runRender(cmd, logger, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&opts.width, "width", "W", 0, "maximum width (0 renders the full size)")
	flags.IntVarP(&opts.height, "height", "H", 0, "maximum height (defaults to the width)")
	flags.IntVar(&opts.quality, "quality", attachd.DefaultImageQuality, "JPEG quality (1-100)")
	flags.IntVar(&opts.fallbackSize, "fallback-size", attachd.DefaultFallbackSize, "identicon size for undecodable input (0 renders a single white pixel)")
	flags.StringVar(&opts.ghostscript, "ghostscript", "", "path to the gs binary used for PDF/EPS/PS")
	flags.IntVar(&opts.dpi, "document-dpi", attachd.DefaultDocumentDPI, "rasterization density for documents")
	flags.StringVarP(&opts.out, "out", "o", "", "output path (- for stdout, defaults to <name>_<w>x<h>.<ext> next to FILE)")
	return cmd
}

func runRender(cmd *cobra.Command, logger pslog.Logger, path string, opts *renderOptions) error {
	if opts.width < 0 || opts.height < 0 {
		return fmt.Errorf("bounds must not be negative")
	}
	if opts.quality < 1 || opts.quality > 100 {
		return fmt.Errorf("--quality must be between 1 and 100")
	}
	width, height := opts.width, opts.height
	if height == 0 {
		height = width
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var decoderOpts []render.DecoderOption
	gs := render.GhostscriptRasterizer{Path: opts.ghostscript, DPI: opts.dpi}
	if gs.Available() {
		decoderOpts = append(decoderOpts, render.WithRasterizer(gs))
	} else if opts.ghostscript != "" {
		return fmt.Errorf("ghostscript binary %q not found", opts.ghostscript)
	}
	decoder := render.NewDecoder(decoderOpts...)
	raster, mime, err := decoder.Decode(cmd.Context(), data)
	if err != nil {
		var decodeErr *render.DecodeError
		if !errors.As(err, &decodeErr) {
			return err
		}
		logger.Warn("render.decode.fallback", "path", path, "mime", decodeErr.MIMEType, "error", decodeErr.Err)
		raster = render.Fallback(contenthash.Sum(data), opts.fallbackSize)
		mime = "fallback"
	}

	pipeline := render.NewPipeline(render.WithQuality(opts.quality))
	encoded, outMIME, err := pipeline.Render(raster, width, height)
	if err != nil {
		return err
	}
	logger.Debug("render.done", "path", path, "source_mime", mime, "output_mime", outMIME, "bytes", len(encoded))

	if opts.out == "-" {
		_, err := cmd.OutOrStdout().Write(encoded)
		return err
	}
	dest := opts.out
	if dest == "" {
		dest = variantFileName(path, width, height, outMIME)
	}
	if err := writeFileAtomic(dest, encoded); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), dest)
	return nil
}

// variantFileName places the rendered file next to src, tagged with its
// bounds the same way the derived cache keys it.
func variantFileName(src string, width, height int, mime string) string {
	stem := strings.TrimSuffix(src, filepath.Ext(src))
	ext := "." + string(render.FormatFromMIME(mime))
	if ext == ".jpeg" {
		ext = ".jpg"
	}
	if width == 0 && height == 0 {
		return stem + "_full" + ext
	}
	return fmt.Sprintf("%s_%dx%d%s", stem, width, height, ext)
}

func writeFileAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

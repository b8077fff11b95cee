package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultDocumentDPI is the resolution documents are rasterized at.
const DefaultDocumentDPI = 300

// GhostscriptRasterizer renders the first page of a PDF or PostScript
// document by piping it through the gs binary.
type GhostscriptRasterizer struct {
	// Path is the gs executable; empty means "gs" from PATH.
	Path string
	// DPI defaults to DefaultDocumentDPI.
	DPI int
}

// Available reports whether the configured binary can be found.
func (g GhostscriptRasterizer) Available() bool {
	_, err := exec.LookPath(g.binary())
	return err == nil
}

func (g GhostscriptRasterizer) binary() string {
	if g.Path != "" {
		return g.Path
	}
	return "gs"
}

func (g GhostscriptRasterizer) args(format Format) []string {
	dpi := g.DPI
	if dpi <= 0 {
		dpi = DefaultDocumentDPI
	}
	args := []string{
		"-q", "-dSAFER", "-dBATCH", "-dNOPAUSE",
		"-sDEVICE=png16m",
		"-r" + strconv.Itoa(dpi),
		"-dFirstPage=1", "-dLastPage=1",
	}
	if format == FormatEPS {
		args = append(args, "-dEPSCrop")
	}
	return append(args, "-sOutputFile=-", "-")
}

// Rasterize implements Rasterizer.
func (g GhostscriptRasterizer) Rasterize(ctx context.Context, data []byte, format Format) (image.Image, error) {
	if !format.IsDocument() {
		return nil, fmt.Errorf("ghostscript: unsupported format %q", format)
	}
	cmd := exec.CommandContext(ctx, g.binary(), g.args(format)...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("ghostscript: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ghostscript: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ghostscript: no output")
	}
	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("ghostscript: decode output: %w", err)
	}
	return img, nil
}

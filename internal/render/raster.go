// Package render decodes stored attachments into rasters and renders them
// into normalized, size-bounded derivative images.
package render

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

// Format identifies a source or output image format.
type Format string

// Known formats. Document formats are rasterized before entering the pipeline.
const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatPDF     Format = "pdf"
	FormatEPS     Format = "eps"
	FormatPS      Format = "ps"
)

// IsDocument reports whether f needs a rasterizer to decode.
func (f Format) IsDocument() bool {
	return f == FormatPDF || f == FormatEPS || f == FormatPS
}

// MIMEType returns the media type written for f.
func (f Format) MIMEType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	case FormatPDF:
		return "application/pdf"
	case FormatEPS, FormatPS:
		return "application/postscript"
	default:
		return "application/octet-stream"
	}
}

// FormatFromMIME maps a media type, parameters allowed, to a Format.
func FormatFromMIME(mime string) Format {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpeg", "image/pjpeg", "image/jpg":
		return FormatJPEG
	case "image/png", "image/x-png", "image/apng", "image/vnd.mozilla.apng":
		return FormatPNG
	case "image/gif":
		return FormatGIF
	case "image/webp":
		return FormatWebP
	case "image/bmp", "image/x-bmp", "image/x-ms-bmp":
		return FormatBMP
	case "image/tiff":
		return FormatTIFF
	case "application/pdf", "application/x-pdf":
		return FormatPDF
	case "application/postscript":
		return FormatPS
	case "image/x-eps", "application/eps", "application/x-eps", "image/eps":
		return FormatEPS
	default:
		return FormatUnknown
	}
}

// Raster is a decoded source image. Frames share the Canvas coordinate space;
// multi-frame sources are flattened in order.
type Raster struct {
	Frames      []image.Image
	Canvas      image.Rectangle
	Format      Format
	Orientation int
	ICCProfile  []byte
}

// NewRaster wraps a single decoded image.
func NewRaster(img image.Image, format Format) *Raster {
	return &Raster{
		Frames:      []image.Image{img},
		Canvas:      img.Bounds(),
		Format:      format,
		Orientation: 1,
	}
}

// Bounds returns the raster canvas.
func (r *Raster) Bounds() image.Rectangle {
	if r.Canvas.Empty() && len(r.Frames) > 0 {
		return r.Frames[0].Bounds()
	}
	return r.Canvas
}

// ErrEmptyRaster is returned when a raster carries no frames.
var ErrEmptyRaster = errors.New("render: raster has no frames")

// DecodeError reports that payload bytes could not be decoded as an image.
// MIMEType is sniffed from the raw bytes.
type DecodeError struct {
	MIMEType string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("render: cannot decode %s", e.MIMEType)
	}
	return fmt.Sprintf("render: cannot decode %s: %v", e.MIMEType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

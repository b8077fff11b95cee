package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"

	// Registered decoders for image.Decode.
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds the canvas area the decoder accepts.
const DefaultMaxPixels int64 = 100_000_000

var (
	// ErrNoRasterizer is wrapped in a DecodeError when a document format
	// arrives and no rasterizer is configured.
	ErrNoRasterizer = errors.New("render: no document rasterizer configured")
	errEmptyPayload = errors.New("render: empty payload")
)

// Rasterizer turns a document (PDF, EPS, PS) into a raster image.
type Rasterizer interface {
	Rasterize(ctx context.Context, data []byte, format Format) (image.Image, error)
}

// Decoder turns payload bytes into a Raster.
type Decoder struct {
	maxPixels  int64
	rasterizer Rasterizer
}

// DecoderOption customises a Decoder.
type DecoderOption func(*Decoder)

// WithMaxPixels caps width*height of accepted images. Zero or less disables
// the cap.
func WithMaxPixels(n int64) DecoderOption {
	return func(d *Decoder) { d.maxPixels = n }
}

// WithRasterizer enables document decoding.
func WithRasterizer(r Rasterizer) DecoderOption {
	return func(d *Decoder) { d.rasterizer = r }
}

// NewDecoder returns a Decoder with the supplied options applied.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// SniffMIME returns the media type detected from the leading bytes of data.
func SniffMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// Decode parses data into a Raster and reports the payload media type. Any
// failure to interpret the bytes is returned as a *DecodeError carrying the
// sniffed media type; context cancellation is returned as is.
func (d *Decoder) Decode(ctx context.Context, data []byte) (*Raster, string, error) {
	mime := SniffMIME(data)
	fail := func(err error) (*Raster, string, error) {
		return nil, mime, &DecodeError{MIMEType: mime, Err: err}
	}
	if len(data) == 0 {
		return fail(errEmptyPayload)
	}
	format := FormatFromMIME(mime)
	if format == FormatUnknown && isEPS(data) {
		format = FormatEPS
	}
	if format.IsDocument() {
		if d.rasterizer == nil {
			return fail(ErrNoRasterizer)
		}
		img, err := d.rasterizer.Rasterize(ctx, data, format)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, mime, ctxErr
			}
			return fail(err)
		}
		b := img.Bounds()
		if err := d.checkArea(b.Dx(), b.Dy()); err != nil {
			return fail(err)
		}
		return NewRaster(img, format), format.MIMEType(), nil
	}

	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fail(err)
	}
	if err := d.checkArea(cfg.Width, cfg.Height); err != nil {
		return fail(err)
	}

	var raster *Raster
	if Format(name) == FormatGIF {
		raster, err = decodeGIF(data)
	} else {
		var img image.Image
		img, _, err = image.Decode(bytes.NewReader(data))
		if err == nil {
			raster = NewRaster(img, Format(name))
		}
	}
	if err != nil {
		return fail(err)
	}
	raster.Orientation = readOrientation(data, raster.Format)
	raster.ICCProfile = extractICC(data, raster.Format)
	if FormatFromMIME(mime) != raster.Format {
		mime = raster.Format.MIMEType()
	}
	return raster, mime, nil
}

func (d *Decoder) checkArea(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("render: invalid dimensions %dx%d", w, h)
	}
	if d.maxPixels > 0 && int64(w)*int64(h) > d.maxPixels {
		return fmt.Errorf("render: %dx%d exceeds %d pixels", w, h, d.maxPixels)
	}
	return nil
}

func decodeGIF(data []byte) (*Raster, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if len(g.Image) == 0 {
		return nil, ErrEmptyRaster
	}
	canvas := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	frames := make([]image.Image, 0, len(g.Image))
	for _, frame := range g.Image {
		frames = append(frames, frame)
		if canvas.Empty() {
			canvas = frame.Bounds()
		}
	}
	return &Raster{Frames: frames, Canvas: canvas, Format: FormatGIF, Orientation: 1}, nil
}

// isEPS matches the DOS EPS binary header which sniffers do not know.
func isEPS(data []byte) bool {
	return len(data) >= 4 && data[0] == 0xC5 && data[1] == 0xD0 && data[2] == 0xD3 && data[3] == 0xC6
}

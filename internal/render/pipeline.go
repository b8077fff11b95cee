package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 90

// Pipeline renders rasters into encoded derivative images. The steps run in a
// fixed order: flatten, orient, downscale, encode with the source color
// profile re-embedded.
type Pipeline struct {
	quality int
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithQuality sets the JPEG quality (1-100). Out of range values fall back
// to DefaultQuality.
func WithQuality(q int) PipelineOption {
	return func(p *Pipeline) {
		if q >= 1 && q <= 100 {
			p.quality = q
		}
	}
}

// NewPipeline returns a Pipeline with the supplied options applied.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{quality: DefaultQuality}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Render normalizes r and encodes it bounded by maxWidth x maxHeight. A bound
// of zero leaves that axis unconstrained. Images are never enlarged.
func (p *Pipeline) Render(r *Raster, maxWidth, maxHeight int) ([]byte, string, error) {
	flat, err := Flatten(r)
	if err != nil {
		return nil, "", err
	}
	img := Orient(flat, r.Orientation)
	b := img.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), maxWidth, maxHeight)
	if w != b.Dx() || h != b.Dy() {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	out := OutputFormat(r.Format)
	var buf bytes.Buffer
	switch out {
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.quality))
	case FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF)
	default:
		err = imaging.Encode(&buf, img, imaging.PNG)
	}
	if err != nil {
		return nil, "", fmt.Errorf("render: encode %s: %w", out, err)
	}
	return embedICC(buf.Bytes(), r.ICCProfile, out), out.MIMEType(), nil
}

// OutputFormat applies the output policy: JPEG and GIF keep their format,
// everything else, documents included, becomes PNG.
func OutputFormat(src Format) Format {
	switch src {
	case FormatJPEG, FormatGIF:
		return src
	default:
		return FormatPNG
	}
}

// Flatten composites every frame, in order, over an opaque white canvas.
// The result has no transparency.
func Flatten(r *Raster) (*image.RGBA, error) {
	if r == nil || len(r.Frames) == 0 {
		return nil, ErrEmptyRaster
	}
	bounds := r.Bounds()
	if bounds.Empty() {
		return nil, ErrEmptyRaster
	}
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for _, frame := range r.Frames {
		fb := frame.Bounds()
		draw.Draw(canvas, fb.Sub(bounds.Min), frame, fb.Min, draw.Over)
	}
	return canvas, nil
}

// Orient applies the corrective transform for an EXIF orientation tag so the
// result displays upright. Unknown tags leave the image unchanged.
func Orient(img image.Image, tag int) *image.NRGBA {
	switch tag {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return imaging.Clone(img)
	}
}

// FitWithin returns the target size for a srcW x srcH image bounded by
// maxW x maxH. Zero bounds are unconstrained and the ratio never exceeds 1.
func FitWithin(srcW, srcH, maxW, maxH int) (int, int) {
	widthRatio, heightRatio := 1.0, 1.0
	if maxW > 0 && srcW > maxW {
		widthRatio = float64(maxW) / float64(srcW)
	}
	if maxH > 0 && srcH > maxH {
		heightRatio = float64(maxH) / float64(srcH)
	}
	ratio := math.Min(widthRatio, heightRatio)
	if ratio >= 1 {
		return srcW, srcH
	}
	w := max(1, int(math.Round(float64(srcW)*ratio)))
	h := max(1, int(math.Round(float64(srcH)*ratio)))
	return w, h
}

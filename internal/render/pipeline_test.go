package render

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
)

func TestOrientUndoesEveryTag(t *testing.T) {
	t.Parallel()

	upright := patternImage(4, 2)
	stored := map[int]*image.NRGBA{
		1: imaging.Clone(upright),
		2: imaging.FlipH(upright),
		3: imaging.Rotate180(upright),
		4: imaging.FlipV(upright),
		5: imaging.Transpose(upright),
		6: imaging.Rotate90(upright),
		7: imaging.Transverse(upright),
		8: imaging.Rotate270(upright),
	}
	for tag := 1; tag <= 8; tag++ {
		got := Orient(stored[tag], tag)
		if !sameNRGBA(got, upright) {
			t.Fatalf("orientation %d: image not restored upright", tag)
		}
	}
	if got := Orient(upright, 42); !sameNRGBA(got, upright) {
		t.Fatal("unknown orientation must leave image unchanged")
	}
}

func TestFitWithin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		srcW, srcH, maxW, maxH int
		wantW, wantH           int
	}{
		{1000, 500, 200, 200, 200, 100},
		{500, 1000, 200, 200, 100, 200},
		{100, 50, 400, 400, 100, 50},
		{1000, 500, 0, 100, 200, 100},
		{1000, 500, 250, 0, 250, 125},
		{1000, 500, 0, 0, 1000, 500},
		{3000, 1, 100, 100, 100, 1},
		{999, 333, 100, 100, 100, 33},
	}
	for _, tc := range cases {
		w, h := FitWithin(tc.srcW, tc.srcH, tc.maxW, tc.maxH)
		if w != tc.wantW || h != tc.wantH {
			t.Fatalf("FitWithin(%d,%d,%d,%d) = %dx%d, want %dx%d", tc.srcW, tc.srcH, tc.maxW, tc.maxH, w, h, tc.wantW, tc.wantH)
		}
	}
}

func TestOutputFormatPolicy(t *testing.T) {
	t.Parallel()

	cases := map[Format]Format{
		FormatJPEG:    FormatJPEG,
		FormatGIF:     FormatGIF,
		FormatPNG:     FormatPNG,
		FormatWebP:    FormatPNG,
		FormatBMP:     FormatPNG,
		FormatTIFF:    FormatPNG,
		FormatPDF:     FormatPNG,
		FormatEPS:     FormatPNG,
		FormatPS:      FormatPNG,
		FormatUnknown: FormatPNG,
	}
	for in, want := range cases {
		if got := OutputFormat(in); got != want {
			t.Fatalf("OutputFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFlattenRemovesTransparency(t *testing.T) {
	t.Parallel()

	src := solidImage(3, 3, color.NRGBA{})
	src.SetNRGBA(1, 1, color.NRGBA{R: 0xFF, A: 0xFF})
	flat, err := Flatten(NewRaster(src, FormatPNG))
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if got := flat.RGBAAt(0, 0); got != (color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}) {
		t.Fatalf("transparent pixel should become white, got %+v", got)
	}
	if got := flat.RGBAAt(1, 1); got != (color.RGBA{R: 0xFF, A: 0xFF}) {
		t.Fatalf("opaque pixel should survive, got %+v", got)
	}
	if _, err := Flatten(&Raster{}); err != ErrEmptyRaster {
		t.Fatalf("expected ErrEmptyRaster, got %v", err)
	}
}

func TestFlattenComposesFramesInOrder(t *testing.T) {
	t.Parallel()

	base := solidImage(4, 4, color.NRGBA{B: 0xFF, A: 0xFF})
	patch := image.NewNRGBA(image.Rect(2, 2, 4, 4))
	for y := 2; y < 4; y++ {
		for x := 2; x < 4; x++ {
			patch.SetNRGBA(x, y, color.NRGBA{G: 0xFF, A: 0xFF})
		}
	}
	r := &Raster{Frames: []image.Image{base, patch}, Canvas: image.Rect(0, 0, 4, 4), Format: FormatGIF, Orientation: 1}
	flat, err := Flatten(r)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if got := flat.RGBAAt(0, 0); got.B != 0xFF || got.G != 0 {
		t.Fatalf("first frame pixel lost: %+v", got)
	}
	if got := flat.RGBAAt(3, 3); got.G != 0xFF || got.B != 0 {
		t.Fatalf("later frame should be on top: %+v", got)
	}
}

func TestRenderNeverUpscales(t *testing.T) {
	t.Parallel()

	p := NewPipeline()
	body, mime, err := p.Render(NewRaster(patternImage(40, 20), FormatPNG), 400, 400)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if mime != "image/png" {
		t.Fatalf("unexpected mime %q", mime)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if cfg.Width != 40 || cfg.Height != 20 {
		t.Fatalf("expected 40x20, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestRenderDownscalesAndKeepsJPEG(t *testing.T) {
	t.Parallel()

	p := NewPipeline()
	body, mime, err := p.Render(NewRaster(patternImage(400, 100), FormatJPEG), 100, 100)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if mime != "image/jpeg" {
		t.Fatalf("unexpected mime %q", mime)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 25 {
		t.Fatalf("expected 100x25, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestRenderAppliesOrientationBeforeResize(t *testing.T) {
	t.Parallel()

	r := NewRaster(patternImage(200, 100), FormatPNG)
	r.Orientation = 6
	body, _, err := NewPipeline().Render(r, 50, 50)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if cfg.Width != 25 || cfg.Height != 50 {
		t.Fatalf("expected 25x50 after rotation, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestRenderKeepsGIF(t *testing.T) {
	t.Parallel()

	body, mime, err := NewPipeline().Render(NewRaster(patternImage(10, 10), FormatGIF), 0, 0)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if mime != "image/gif" {
		t.Fatalf("unexpected mime %q", mime)
	}
	if _, err := gif.Decode(bytes.NewReader(body)); err != nil {
		t.Fatalf("decode gif: %v", err)
	}
}

func TestRenderQualityAffectsSize(t *testing.T) {
	t.Parallel()

	r := NewRaster(patternImage(200, 200), FormatJPEG)
	low, _, err := NewPipeline(WithQuality(10)).Render(r, 0, 0)
	if err != nil {
		t.Fatalf("render low: %v", err)
	}
	high, _, err := NewPipeline().Render(r, 0, 0)
	if err != nil {
		t.Fatalf("render high: %v", err)
	}
	if len(low) >= len(high) {
		t.Fatalf("quality 10 should be smaller than quality 90: %d >= %d", len(low), len(high))
	}
	fallback, _, err := NewPipeline(WithQuality(0)).Render(r, 0, 0)
	if err != nil {
		t.Fatalf("render fallback quality: %v", err)
	}
	if !bytes.Equal(fallback, high) {
		t.Fatalf("invalid quality should fall back to %d", DefaultQuality)
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	t.Parallel()

	profile := fakeProfile(3000)
	cases := []struct {
		name   string
		format Format
	}{
		{"jpeg", FormatJPEG},
		{"png", FormatPNG},
		{"gif", FormatGIF},
	}
	for _, tc := range cases {
		for _, bounds := range [][2]int{{0, 0}, {17, 9}} {
			r := NewRaster(patternImage(40, 30), tc.format)
			r.ICCProfile = profile
			first, firstMIME, err := NewPipeline().Render(r, bounds[0], bounds[1])
			if err != nil {
				t.Fatalf("%s %v: first render: %v", tc.name, bounds, err)
			}
			second, secondMIME, err := NewPipeline().Render(r, bounds[0], bounds[1])
			if err != nil {
				t.Fatalf("%s %v: second render: %v", tc.name, bounds, err)
			}
			if firstMIME != secondMIME || !bytes.Equal(first, second) {
				t.Fatalf("%s %v: renders differ (%d vs %d bytes)", tc.name, bounds, len(first), len(second))
			}
		}
	}
}

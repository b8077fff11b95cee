package render

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
)

const identiconGrid = 5

// Fallback returns the placeholder raster used when an original cannot be
// decoded. With size > 0 it is a size x size identicon seeded by hash;
// otherwise it is a single white pixel. The result is PNG formatted.
func Fallback(hash string, size int) *Raster {
	if size <= 0 {
		img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
		img.SetNRGBA(0, 0, color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})
		return NewRaster(img, FormatPNG)
	}
	return NewRaster(identicon(identiconSeed(hash), size), FormatPNG)
}

func identiconSeed(hash string) []byte {
	if seed, err := hex.DecodeString(hash); err == nil && len(seed) >= 18 {
		return seed
	}
	sum := sha256.Sum256([]byte(hash))
	return sum[:]
}

// identicon draws a horizontally mirrored 5x5 cell pattern. The first three
// seed bytes pick the foreground color; the next fifteen switch cells on.
func identicon(seed []byte, size int) *image.NRGBA {
	fg := color.NRGBA{R: seed[0]/2 + 0x40, G: seed[1]/2 + 0x40, B: seed[2]/2 + 0x40, A: 0xFF}
	bg := color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	var cells [identiconGrid][identiconGrid]bool
	half := (identiconGrid + 1) / 2
	for row := 0; row < identiconGrid; row++ {
		for col := 0; col < half; col++ {
			on := seed[3+row*half+col]&1 == 1
			cells[row][col] = on
			cells[row][identiconGrid-1-col] = on
		}
	}
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		row := y * identiconGrid / size
		for x := 0; x < size; x++ {
			col := x * identiconGrid / size
			if cells[row][col] {
				img.SetNRGBA(x, y, fg)
			} else {
				img.SetNRGBA(x, y, bg)
			}
		}
	}
	return img
}

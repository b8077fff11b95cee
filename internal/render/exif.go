package render

import (
	"bytes"

	"github.com/rwcarlsen/goexif/exif"
)

// readOrientation returns the EXIF orientation tag of data, or 1 when absent
// or unreadable.
func readOrientation(data []byte, format Format) (orientation int) {
	var src []byte
	switch format {
	case FormatJPEG, FormatTIFF:
		src = data
	case FormatPNG:
		src = pngChunk(data, "eXIf")
	case FormatWebP:
		src = riffChunk(data, "EXIF")
	}
	if len(src) == 0 {
		return 1
	}
	defer func() {
		if recover() != nil {
			orientation = 1
		}
	}()
	// Decode returns the primary IFD even when a sub-IFD fails to parse.
	x, _ := exif.Decode(bytes.NewReader(src))
	if x == nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

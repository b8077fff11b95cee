package render

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	jpegICCMarker   = 0xE2
	jpegICCHeader   = "ICC_PROFILE\x00"
	jpegICCChunkMax = 65535 - 2 - len(jpegICCHeader) - 2
	maxICCProfile   = 16 << 20
	pngSignature    = "\x89PNG\r\n\x1a\n"
	pngICCName      = "ICC profile"
	tiffICCTag      = 34675
)

// extractICC returns the embedded color profile of data, or nil.
func extractICC(data []byte, format Format) []byte {
	switch format {
	case FormatJPEG:
		return jpegICC(data)
	case FormatPNG:
		return pngICC(data)
	case FormatWebP:
		return riffChunk(data, "ICCP")
	case FormatTIFF:
		return tiffICC(data)
	default:
		return nil
	}
}

// embedICC writes profile into an encoded image. Formats without a profile
// container are returned unchanged.
func embedICC(encoded, profile []byte, format Format) []byte {
	if len(profile) == 0 {
		return encoded
	}
	switch format {
	case FormatJPEG:
		return jpegWithICC(encoded, profile)
	case FormatPNG:
		return pngWithICC(encoded, profile)
	default:
		return encoded
	}
}

func jpegICC(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil
	}
	chunks := map[int][]byte{}
	count := 0
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return nil
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++
			continue
		}
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			pos += 2
			continue
		}
		if marker == 0xDA || marker == 0xD9 {
			break
		}
		length := int(binary.BigEndian.Uint16(data[pos+2:]))
		if length < 2 || pos+2+length > len(data) {
			return nil
		}
		segment := data[pos+4 : pos+2+length]
		if marker == jpegICCMarker && len(segment) > len(jpegICCHeader)+2 && string(segment[:len(jpegICCHeader)]) == jpegICCHeader {
			seq := int(segment[len(jpegICCHeader)])
			count = int(segment[len(jpegICCHeader)+1])
			chunks[seq] = segment[len(jpegICCHeader)+2:]
		}
		pos += 2 + length
	}
	if count == 0 || len(chunks) != count {
		return nil
	}
	var out []byte
	for i := 1; i <= count; i++ {
		chunk, ok := chunks[i]
		if !ok {
			return nil
		}
		out = append(out, chunk...)
	}
	return out
}

func jpegWithICC(encoded, profile []byte) []byte {
	if len(encoded) < 2 || encoded[0] != 0xFF || encoded[1] != 0xD8 {
		return encoded
	}
	count := (len(profile) + jpegICCChunkMax - 1) / jpegICCChunkMax
	if count > 255 {
		return encoded
	}
	var buf bytes.Buffer
	buf.Grow(len(encoded) + len(profile) + count*18)
	buf.Write(encoded[:2])
	for i := 0; i < count; i++ {
		start := i * jpegICCChunkMax
		end := min(start+jpegICCChunkMax, len(profile))
		chunk := profile[start:end]
		buf.Write([]byte{0xFF, jpegICCMarker})
		_ = binary.Write(&buf, binary.BigEndian, uint16(2+len(jpegICCHeader)+2+len(chunk)))
		buf.WriteString(jpegICCHeader)
		buf.WriteByte(byte(i + 1))
		buf.WriteByte(byte(count))
		buf.Write(chunk)
	}
	buf.Write(encoded[2:])
	return buf.Bytes()
}

// pngChunk returns the payload of the first chunk of type typ.
func pngChunk(data []byte, typ string) []byte {
	if len(data) < len(pngSignature) || string(data[:len(pngSignature)]) != pngSignature {
		return nil
	}
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos:]))
		kind := string(data[pos+4 : pos+8])
		end := pos + 8 + length + 4
		if length < 0 || end > len(data) {
			return nil
		}
		if kind == typ {
			return data[pos+8 : pos+8+length]
		}
		if kind == "IEND" {
			return nil
		}
		pos = end
	}
	return nil
}

func pngICC(data []byte) []byte {
	chunk := pngChunk(data, "iCCP")
	nul := bytes.IndexByte(chunk, 0)
	if nul < 1 || nul+2 > len(chunk) || chunk[nul+1] != 0 {
		return nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(chunk[nul+2:]))
	if err != nil {
		return nil
	}
	defer zr.Close()
	profile, err := io.ReadAll(io.LimitReader(zr, maxICCProfile+1))
	if err != nil || len(profile) > maxICCProfile {
		return nil
	}
	return profile
}

func pngWithICC(encoded, profile []byte) []byte {
	ihdrEnd := len(pngSignature) + 8 + 13 + 4
	if len(encoded) < ihdrEnd || string(encoded[:len(pngSignature)]) != pngSignature || string(encoded[12:16]) != "IHDR" {
		return encoded
	}
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(profile); err != nil {
		return encoded
	}
	if err := zw.Close(); err != nil {
		return encoded
	}
	payload := make([]byte, 0, len(pngICCName)+2+compressed.Len())
	payload = append(payload, pngICCName...)
	payload = append(payload, 0, 0)
	payload = append(payload, compressed.Bytes()...)

	var out bytes.Buffer
	out.Grow(len(encoded) + len(payload) + 12)
	out.Write(encoded[:ihdrEnd])
	_ = binary.Write(&out, binary.BigEndian, uint32(len(payload)))
	crc := crc32.NewIEEE()
	crc.Write([]byte("iCCP"))
	crc.Write(payload)
	out.WriteString("iCCP")
	out.Write(payload)
	_ = binary.Write(&out, binary.BigEndian, crc.Sum32())
	out.Write(encoded[ihdrEnd:])
	return out.Bytes()
}

// tiffICC reads the InterColorProfile tag from the first IFD.
func tiffICC(data []byte) []byte {
	if len(data) < 8 {
		return nil
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil
	}
	if order.Uint16(data[2:]) != 42 {
		return nil
	}
	ifd := int64(order.Uint32(data[4:]))
	if ifd < 8 || ifd+2 > int64(len(data)) {
		return nil
	}
	entries := int64(order.Uint16(data[ifd:]))
	for i := int64(0); i < entries; i++ {
		entry := ifd + 2 + i*12
		if entry+12 > int64(len(data)) {
			return nil
		}
		if order.Uint16(data[entry:]) != tiffICCTag {
			continue
		}
		// BYTE and UNDEFINED both store one byte per count.
		if typ := order.Uint16(data[entry+2:]); typ != 1 && typ != 7 {
			return nil
		}
		count := int64(order.Uint32(data[entry+4:]))
		if count == 0 || count > maxICCProfile {
			return nil
		}
		if count <= 4 {
			return data[entry+8 : entry+8+count]
		}
		offset := int64(order.Uint32(data[entry+8:]))
		if offset+count > int64(len(data)) {
			return nil
		}
		return data[offset : offset+count]
	}
	return nil
}

// riffChunk returns the payload of the first WebP chunk with the given id.
// A leading "Exif\0\0" marker on EXIF chunks is stripped.
func riffChunk(data []byte, id string) []byte {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil
	}
	pos := 12
	for pos+8 <= len(data) {
		kind := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4:]))
		start := pos + 8
		if size < 0 || start+size > len(data) {
			return nil
		}
		if kind == id {
			payload := data[start : start+size]
			if id == "EXIF" {
				payload = bytes.TrimPrefix(payload, []byte("Exif\x00\x00"))
			}
			return payload
		}
		pos = start + size + size&1
	}
	return nil
}

// Package contenthash computes the git blob identity of attachment payloads.
//
// The digest is SHA-1 over "blob <len>\x00" followed by the content, the same
// value `git hash-object` prints, rendered as 40 lowercase hex characters.
package contenthash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strconv"
)

// Length is the number of hex characters in a content hash.
const Length = 40

func newHasher(size int64) hash.Hash {
	h := sha1.New()
	h.Write([]byte("blob "))
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
	return h
}

// Sum returns the content hash of b.
func Sum(b []byte) string {
	h := newHasher(int64(len(b)))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// SumReader hashes exactly size bytes from r. It fails when r yields a
// different number of bytes.
func SumReader(r io.Reader, size int64) (string, error) {
	if size < 0 {
		return "", fmt.Errorf("contenthash: negative size %d", size)
	}
	h := newHasher(size)
	n, err := io.Copy(h, io.LimitReader(r, size+1))
	if err != nil {
		return "", fmt.Errorf("contenthash: read: %w", err)
	}
	if n != size {
		return "", fmt.Errorf("contenthash: expected %d bytes, read %d", size, n)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether s is a well-formed content hash.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

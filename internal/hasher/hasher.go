// Package hasher computes the content digests the patch manifest publishes.
//
// The manifest's "hash" field is a hex-encoded SHA-1 of the installed
// (decompressed) file bytes. Files are streamed in fixed-size chunks so
// memory stays constant regardless of file size.
package hasher

import (
	"crypto/sha1" //nolint:gosec // the manifest contract fixes SHA-1
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// ChunkSize is the read buffer used while hashing.
const ChunkSize = 8 * 1024

// Size is the digest length in bytes.
const Size = sha1.Size

// HashFile computes the hex-encoded digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	digest, err := HashReader(f)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return digest, nil
}

// HashReader computes the hex-encoded digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha1.New() //nolint:gosec
	buf := make([]byte, ChunkSize)
	// Hide WriterTo so the copy goes through buf.
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{r}, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Writer is an io.Writer that digests everything written through it.
type Writer struct {
	h hash.Hash
}

// NewWriter returns an empty streaming digest.
func NewWriter() *Writer {
	return &Writer{h: sha1.New()} //nolint:gosec
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// Sum returns the hex-encoded digest of the bytes written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Equal compares two hex digests ignoring letter case and surrounding space.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Valid reports whether s is a well-formed hex digest of the right length.
func Valid(s string) bool {
	decoded, err := hex.DecodeString(strings.TrimSpace(s))
	return err == nil && len(decoded) == Size
}

package extract

import (
	"compress/bzip2"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how a staged artifact is compressed. The live
// distribution server only publishes bzip2; mirrors may repack artifacts
// with any of the others.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecBzip2
	CodecGzip
	CodecZstd
	CodecLZ4
)

// String returns the human-readable name of a codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecBzip2:
		return "bzip2"
	case CodecGzip:
		return "gzip"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCodec parses a codec from its string representation.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "none":
		return CodecNone, nil
	case "bzip2", "bz2":
		return CodecBzip2, nil
	case "gzip", "gz":
		return CodecGzip, nil
	case "zstd", "zst":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("unknown codec: %q", name)
	}
}

// CodecFor picks the codec from an artifact name's extension. Names with
// an unrecognized extension are treated as uncompressed.
func CodecFor(name string) Codec {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return CodecNone
	}
	c, err := ParseCodec(ext)
	if err != nil {
		return CodecNone
	}
	return c
}

// NewReader wraps r with the decoder for c. Closing the returned reader
// releases decoder resources but does not close r.
func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecNone:
		return io.NopCloser(r), nil

	case CodecBzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil

	case CodecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil

	case CodecZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil

	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil

	default:
		return nil, fmt.Errorf("unsupported codec: %d", c)
	}
}

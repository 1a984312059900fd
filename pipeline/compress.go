package pipeline

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// maxDecompressedSize bounds decompression output to keep a hostile or
// corrupted stream from exhausting memory.
const maxDecompressedSize = 1 << 30

// decompressors maps sender-declared algorithm names to stream openers.
// "store" means no compression was applied.
var decompressors = map[string]func(io.Reader) (io.Reader, error){
	"gzip": func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	"bz2":  func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil },
	"lzma": func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) },
	"lz4":  func(r io.Reader) (io.Reader, error) { return lz4.NewReader(r), nil },
	"brotli": func(r io.Reader) (io.Reader, error) {
		return brotli.NewReader(r), nil
	},
	"zstandard": func(r io.Reader) (io.Reader, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	},
}

// SupportedCompression reports whether the algorithm name can be reversed.
func SupportedCompression(algo string) bool {
	if algo == "" || algo == "store" {
		return true
	}
	_, ok := decompressors[algo]
	return ok
}

func decompress(data []byte, algo string) ([]byte, error) {
	if algo == "" || algo == "store" {
		return data, nil
	}
	open, ok := decompressors[algo]
	if !ok {
		return nil, fmt.Errorf("%w: compression %q", ErrUnsupportedAlgorithm, algo)
	}

	r, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecompressionFailed, algo, err)
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}

	out, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecompressionFailed, algo, err)
	}
	if len(out) > maxDecompressedSize {
		return nil, fmt.Errorf("%w: %s: output exceeds %d bytes", ErrDecompressionFailed, algo, maxDecompressedSize)
	}
	return out, nil
}

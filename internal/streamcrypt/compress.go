// Package streamcrypt implements the compression and symmetric-encryption
// stages of the pipeline: a streaming zstd compressor feeding a streaming
// chacha20-poly1305 AEAD encryptor, composed so that both stages are
// back-pressured and bounded in memory (spec.md §4.4).
package streamcrypt

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Algo identifies a compressor. The chosen algorithm is recorded per
// archive via the filename extension (spec.md §4.4).
type Algo string

const (
	AlgoZstd Algo = "zstd"
	AlgoNone Algo = "none"
)

// Ext returns the filename extension recorded for archives compressed with
// algo, per the remote namespace layout in spec.md §6.
func (a Algo) Ext() string {
	switch a {
	case AlgoZstd:
		return "zst"
	case AlgoNone:
		return "raw"
	default:
		return string(a)
	}
}

// CompressWriter wraps w with a streaming compressor. Close flushes the
// compressor's trailer but does not close w.
func CompressWriter(w io.Writer, algo Algo, level int) (io.WriteCloser, error) {
	switch algo {
	case AlgoZstd, "":
		opts := []zstd.EOption{zstd.WithEncoderLevel(zstdLevel(level))}
		enc, err := zstd.NewWriter(w, opts...)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, nil
	case AlgoNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unknown compress_algo %q", algo)
	}
}

// DecompressReader wraps r, undoing CompressWriter for algo.
func DecompressReader(r io.Reader, algo Algo) (io.ReadCloser, error) {
	switch algo {
	case AlgoZstd, "":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return zstdReadCloser{dec}, nil
	case AlgoNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unknown compress_algo %q", algo)
	}
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 6:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

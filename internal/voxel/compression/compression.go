// Package compression provides a uniform compress/decompress facade over
// the algorithms a region file payload may be stored with: none, deflate,
// and zstd (spec §4.3).
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// deflateLevel and zstdLevel match the spec's pinned compression levels.
const deflateLevel = flate.BestSpeed // level 1

var zstdLevel = zstd.SpeedFastest // level 1 equivalent

// Compress writes the compressed form of in to out and returns the number
// of bytes written. out must be large enough; callers size it with
// CompressBound.
func Compress(algo types.CompressionAlgo, in []byte, out []byte) (int, error) {
	switch algo {
	case types.CompressionNone:
		if len(out) < len(in) {
			return 0, types.ErrOutputTooSmall
		}
		return copy(out, in), nil

	case types.CompressionDeflate:
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, deflateLevel)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrCompressionFailed, err)
		}
		if _, err := fw.Write(in); err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrCompressionFailed, err)
		}
		if err := fw.Close(); err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrCompressionFailed, err)
		}
		if buf.Len() > len(out) {
			return 0, types.ErrOutputTooSmall
		}
		return copy(out, buf.Bytes()), nil

	case types.CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrCompressionFailed, err)
		}
		defer enc.Close()
		compressed := enc.EncodeAll(in, nil)
		if len(compressed) > len(out) {
			return 0, types.ErrOutputTooSmall
		}
		return copy(out, compressed), nil

	default:
		return 0, types.ErrUnsupportedAlgorithm
	}
}

// Decompress writes the decompressed form of in to out and returns the
// number of bytes written. expectedSize caps how much deflate output is
// read; no algorithm checks that exactly expectedSize bytes come out.
func Decompress(algo types.CompressionAlgo, in []byte, out []byte, expectedSize int) (int, error) {
	switch algo {
	case types.CompressionNone:
		if len(out) < len(in) {
			return 0, types.ErrOutputTooSmall
		}
		return copy(out, in), nil

	case types.CompressionDeflate:
		fr := flate.NewReader(bytes.NewReader(in))
		defer fr.Close()
		n, err := io.ReadFull(fr, out[:min(expectedSize, len(out))])
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("%w: %v", types.ErrDecompressionFailed, err)
		}
		return n, nil

	case types.CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrDecompressionFailed, err)
		}
		defer dec.Close()
		decoded, err := dec.DecodeAll(in, nil)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrDecompressionFailed, err)
		}
		if len(decoded) > len(out) {
			return 0, types.ErrOutputTooSmall
		}
		return copy(out, decoded), nil

	default:
		return 0, types.ErrUnsupportedAlgorithm
	}
}

// CompressBound returns a conservative upper bound on the compressed size
// of n bytes of input under algo, used to size worker scratch buffers.
func CompressBound(algo types.CompressionAlgo, n int) int {
	switch algo {
	case types.CompressionNone:
		return n
	case types.CompressionDeflate:
		// Deflate's worst case is the input plus a small fixed overhead per
		// 16 KiB block (stored-block fallback).
		return n + (n/16384+1)*5 + 16
	case types.CompressionZstd:
		return n + (n/128000+1)*128 + 16
	default:
		return n
	}
}

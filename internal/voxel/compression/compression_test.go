package compression

import (
	"bytes"
	"testing"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

func roundTrip(t *testing.T, algo types.CompressionAlgo, in []byte) {
	t.Helper()
	bound := CompressBound(algo, len(in))
	cbuf := make([]byte, bound)
	n, err := Compress(algo, in, cbuf)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	cbuf = cbuf[:n]

	out := make([]byte, len(in))
	n2, err := Decompress(algo, cbuf, out, len(in))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	out = out[:n2]
	if !bytes.Equal(out, in) {
		t.Fatalf("round trip mismatch for %s: got %d bytes, want %d", algo, len(out), len(in))
	}
}

func TestRoundTripNoneAndDeflate(t *testing.T) {
	data := bytes.Repeat([]byte("voxelstore region payload "), 64)
	roundTrip(t, types.CompressionNone, data)
	roundTrip(t, types.CompressionDeflate, data)
}

func TestRoundTripZstd(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 256)
	roundTrip(t, types.CompressionZstd, data)
}

func TestNoneOutputTooSmall(t *testing.T) {
	in := []byte{1, 2, 3}
	out := make([]byte, 2)
	if _, err := Compress(types.CompressionNone, in, out); err != types.ErrOutputTooSmall {
		t.Fatalf("expected ErrOutputTooSmall, got %v", err)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	if _, err := Compress(types.CompressionAlgo(9), []byte("x"), make([]byte, 16)); err != types.ErrUnsupportedAlgorithm {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestCompressBoundMonotonic(t *testing.T) {
	for _, algo := range []types.CompressionAlgo{types.CompressionNone, types.CompressionDeflate, types.CompressionZstd} {
		if CompressBound(algo, 100) < 100 {
			t.Errorf("%s: bound should be >= input size", algo)
		}
	}
}

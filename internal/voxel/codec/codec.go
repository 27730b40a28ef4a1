// Package codec implements the chunk block-array encoder/decoder: the
// single-block / 8-bit-palette / raw frame format described in spec §4.2
// and §3 ("Chunk encoding frame").
package codec

import (
	"fmt"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// frameHeaderSize is the 4-byte frame header: version, encoding, 2
// reserved bytes.
const frameHeaderSize = 4

// Encode chooses an encoding for blocks by their number of distinct block
// IDs (one: single_block; up to 256: palette8; otherwise raw) and returns
// the encoded frame: 4 header bytes followed by the encoding-specific body.
// The choice is not size-optimal: a palette8 frame is always larger than a
// raw one.
func Encode(blocks *types.Chunk) []byte {
	seen := [256]bool{}
	order := make([]byte, 0, 256)
	for _, b := range blocks {
		if !seen[b] {
			seen[b] = true
			order = append(order, b)
		}
		if len(order) > 256 {
			break
		}
	}

	switch {
	case len(order) == 1:
		return encodeSingleBlock(order[0])
	case len(order) <= 256:
		return encodePalette8(blocks, order)
	default:
		return encodeRaw(blocks)
	}
}

func encodeSingleBlock(b byte) []byte {
	out := make([]byte, frameHeaderSize+1)
	writeFrameHeader(out, types.EncodingSingleBlock)
	out[frameHeaderSize] = b
	return out
}

func encodePalette8(blocks *types.Chunk, order []byte) []byte {
	// Palette insertion order is ascending block-ID, per spec §4.2.
	palette := append([]byte(nil), order...)
	sortBytes(palette)

	index := make(map[byte]byte, len(palette))
	for i, b := range palette {
		index[b] = byte(i)
	}

	out := make([]byte, frameHeaderSize+1+len(palette)+types.BlocksPerChunk)
	writeFrameHeader(out, types.EncodingPalette8)
	pos := frameHeaderSize
	out[pos] = byte(len(palette))
	pos++
	copy(out[pos:], palette)
	pos += len(palette)
	for i, b := range blocks {
		out[pos+i] = index[b]
	}
	return out
}

func encodeRaw(blocks *types.Chunk) []byte {
	out := make([]byte, frameHeaderSize+types.BlocksPerChunk)
	writeFrameHeader(out, types.EncodingRaw)
	copy(out[frameHeaderSize:], blocks[:])
	return out
}

func writeFrameHeader(out []byte, enc types.Encoding) {
	out[0] = types.ChunkFrameVersion
	out[1] = byte(enc)
	out[2] = 0
	out[3] = 0
}

func sortBytes(b []byte) {
	// Insertion sort: palettes are at most 256 entries, and this keeps the
	// codec free of a sort.Slice closure allocation on the hot path.
	for i := 1; i < len(b); i++ {
		v := b[i]
		j := i - 1
		for j >= 0 && b[j] > v {
			b[j+1] = b[j]
			j--
		}
		b[j+1] = v
	}
}

// Decode parses an encoded frame produced by Encode back into out.
func Decode(frame []byte, out *types.Chunk) error {
	if len(frame) < frameHeaderSize {
		return fmt.Errorf("%w: frame shorter than header", types.ErrDataTruncated)
	}
	if frame[0] != types.ChunkFrameVersion {
		return fmt.Errorf("%w: frame version %d", types.ErrInvalidFormat, frame[0])
	}
	enc := types.Encoding(frame[1])
	body := frame[frameHeaderSize:]

	switch enc {
	case types.EncodingSingleBlock:
		if len(body) < 1 {
			return fmt.Errorf("%w: single-block body", types.ErrDataTruncated)
		}
		for i := range out {
			out[i] = body[0]
		}
		return nil

	case types.EncodingPalette8:
		if len(body) < 1 {
			return fmt.Errorf("%w: palette8 length byte", types.ErrDataTruncated)
		}
		paletteLen := int(body[0])
		if paletteLen == 0 {
			paletteLen = 256
		}
		need := 1 + paletteLen + types.BlocksPerChunk
		if len(body) < need {
			return fmt.Errorf("%w: palette8 body", types.ErrDataTruncated)
		}
		palette := body[1 : 1+paletteLen]
		indices := body[1+paletteLen : need]
		for i, idx := range indices {
			if int(idx) >= len(palette) {
				return fmt.Errorf("%w: index %d >= palette length %d", types.ErrInvalidPalette, idx, len(palette))
			}
			out[i] = palette[idx]
		}
		return nil

	case types.EncodingPalette16:
		return fmt.Errorf("%w: palette16 is reserved", types.ErrUnknownEncoding)

	case types.EncodingRaw:
		if len(body) < types.BlocksPerChunk {
			return fmt.Errorf("%w: raw body", types.ErrDataTruncated)
		}
		copy(out[:], body[:types.BlocksPerChunk])
		return nil

	default:
		return fmt.Errorf("%w: encoding %d", types.ErrUnknownEncoding, enc)
	}
}

// Package types holds the on-disk constants and value types shared by every
// chunk-storage package: region/chunk coordinates, the chunk offset table
// entry, the region file header, and the small enums the pipeline and
// caches pass around. Nothing here touches the filesystem.
package types

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

const (
	// SectorSize is the allocation unit of a region file, in bytes.
	SectorSize = 4096

	// HeaderSectors is the number of sectors occupied by the two shadow
	// metadata slots at the start of every region file (sectors 0-3).
	HeaderSectors = 4

	// BitmapBytes is the size of the sector-allocation bitmap embedded in
	// each meta-page: 32480 bits, one per addressable sector.
	BitmapBytes = 4060

	// MaxSectors is the number of sectors a region file can address.
	MaxSectors = BitmapBytes * 8

	// ChunksPerRegion is the number of chunks held by one region file
	// (an 8x8x8 cube of chunks).
	ChunksPerRegion = 512

	// BlocksPerChunk is the number of blocks in one chunk (an 8x8x8 cube
	// of blocks).
	BlocksPerChunk = 512

	// RegionExtent is the number of chunks (or blocks) along one axis of
	// a region (or chunk).
	RegionExtent = 8

	// FileHeaderSize is the packed size of FileHeader in bytes.
	FileHeaderSize = 32

	// ChunkOffsetEntrySize is the packed size of one ChunkOffsetEntry.
	ChunkOffsetEntrySize = 8

	// CotBytes is the size of one Chunk Offset Table: one entry per chunk
	// in the region.
	CotBytes = ChunksPerRegion * ChunkOffsetEntrySize

	// MetaPageSize is the size of one shadow slot's metadata page
	// (header + bitmap + CRC).
	MetaPageSize = SectorSize

	// FileMagic is the 4-byte magic prefix of every region file header.
	FileMagic = "FHR\x01"

	// FormatVersion is the current on-disk format version.
	FormatVersion = 2

	// ChunkFrameVersion is the version byte of the chunk encoding frame.
	ChunkFrameVersion = 1
)

// BlockType identifies a voxel's block kind. The storage engine never
// interprets the value beyond counting distinct occurrences for codec
// selection.
type BlockType = uint8

// Chunk is an opaque fixed-size block array. The storage engine owns copies
// of it (DirtySet snapshots, ChunkCache slots) but never interprets the
// contents.
type Chunk [BlocksPerChunk]BlockType

// ChunkKey identifies a chunk by its signed chunk-space coordinates and LOD
// level. Equality and hashing are defined over the packed 64-bit value.
type ChunkKey struct {
	CX, CY, CZ int16
	LOD        uint8
}

// Pack returns the 64-bit packed representation of the key.
func (k ChunkKey) Pack() uint64 {
	return uint64(uint16(k.CX))<<48 |
		uint64(uint16(k.CY))<<32 |
		uint64(uint16(k.CZ))<<16 |
		uint64(k.LOD)<<8
}

// floorDiv8 performs arithmetic floor division by 8 (the region extent),
// as opposed to Go's truncating integer division, which matters for
// negative coordinates.
func floorDiv8(v int16) int32 {
	x := int32(v)
	if x < 0 {
		return (x - 7) / 8
	}
	return x / 8
}

func floorMod8(v int16) uint8 {
	m := int32(v) % 8
	if m < 0 {
		m += 8
	}
	return uint8(m)
}

// RegionCoord returns the coordinate of the region containing the chunk.
func (k ChunkKey) RegionCoord() RegionCoord {
	return RegionCoord{
		RX:  floorDiv8(k.CX),
		RY:  floorDiv8(k.CY),
		RZ:  floorDiv8(k.CZ),
		LOD: k.LOD,
	}
}

// LocalIndex returns the chunk's slot index (0..511) within its region's
// Chunk Offset Table: ly*64 + lz*8 + lx, where lx/ly/lz are the low three
// bits of cx/cy/cz.
func (k ChunkKey) LocalIndex() int {
	lx := floorMod8(k.CX)
	ly := floorMod8(k.CY)
	lz := floorMod8(k.CZ)
	return int(ly)*64 + int(lz)*8 + int(lx)
}

// RegionCoord identifies one region file: a region of 8x8x8 chunks at a
// given level of detail.
type RegionCoord struct {
	RX, RY, RZ int32
	LOD        uint8
}

// Hash returns a stable 64-bit hash of the region coordinate, used by the
// dirty-set drain to cluster writes by region (spec §4.7 step 3).
func (c RegionCoord) Hash() uint64 {
	var buf [13]byte
	putU32(buf[0:4], uint32(c.RX))
	putU32(buf[4:8], uint32(c.RY))
	putU32(buf[8:12], uint32(c.RZ))
	buf[12] = c.LOD
	return xxhash.Sum64(buf[:])
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// CompressionAlgo identifies a compression algorithm used for a chunk's
// on-disk payload.
type CompressionAlgo uint8

const (
	CompressionNone    CompressionAlgo = 0
	CompressionDeflate CompressionAlgo = 1
	CompressionZstd    CompressionAlgo = 2
)

func (a CompressionAlgo) String() string {
	switch a {
	case CompressionNone:
		return "none"
	case CompressionDeflate:
		return "deflate"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Encoding identifies a chunk block-array encoding.
type Encoding uint8

const (
	EncodingRaw         Encoding = 0
	EncodingPalette8    Encoding = 1
	EncodingPalette16   Encoding = 2 // reserved, must be rejected on decode
	EncodingSingleBlock Encoding = 3
)

// Priority orders I/O pipeline requests. Lower values are serviced first.
type Priority uint8

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PrioritySave     Priority = 4
)

// AsyncHandle identifies an in-flight asynchronous load request.
type AsyncHandle uint64

// ChunkOffsetEntry locates one chunk's payload within a region file,
// packed into 64 bits: sector_offset:24 | sector_count:8 |
// compressed_size:24 | compression:4 | flags:4.
type ChunkOffsetEntry struct {
	SectorOffset   uint32 // 24 bits
	SectorCount    uint8
	CompressedSize uint32 // 24 bits
	Compression    CompressionAlgo
	Flags          uint8 // 4 bits
}

// Present reports whether the entry locates a live chunk.
func (e ChunkOffsetEntry) Present() bool {
	return e.SectorOffset != 0
}

// Pack serializes the entry to its little-endian 64-bit on-disk form.
func (e ChunkOffsetEntry) Pack() uint64 {
	return uint64(e.SectorOffset&0xFFFFFF) |
		uint64(e.SectorCount)<<24 |
		uint64(e.CompressedSize&0xFFFFFF)<<32 |
		uint64(e.Compression&0xF)<<56 |
		uint64(e.Flags&0xF)<<60
}

// UnpackChunkOffsetEntry deserializes a ChunkOffsetEntry from its
// little-endian 64-bit on-disk form.
func UnpackChunkOffsetEntry(v uint64) ChunkOffsetEntry {
	return ChunkOffsetEntry{
		SectorOffset:   uint32(v & 0xFFFFFF),
		SectorCount:    uint8((v >> 24) & 0xFF),
		CompressedSize: uint32((v >> 32) & 0xFFFFFF),
		Compression:    CompressionAlgo((v >> 56) & 0xF),
		Flags:          uint8((v >> 60) & 0xF),
	}
}

// FileHeader is the 32-byte, 1-byte-packed region file header.
type FileHeader struct {
	FormatVersion      uint16
	LOD                uint8
	DefaultCompression CompressionAlgo
	RX, RY, RZ         int32
	CreationTimestamp  uint32
	TotalSectors       uint32
	Generation         uint32
}

// CRC32 computes the standard CRC-32/IEEE checksum of b, little-endian on
// the wire (crc32.ChecksumIEEE already matches IEEE 802.3 bit order; the
// caller stores the result with binary.LittleEndian).
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

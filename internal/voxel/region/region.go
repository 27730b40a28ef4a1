// Package region implements the .fhr region file: shadow-paged header
// commit, CRC-checked metadata, copy-on-write sector writes, and the read
// and batch-write paths (spec §4.4).
package region

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/codec"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/compression"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/sector"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// maxFrameSize bounds the decoded chunk frame: 4-byte header + the largest
// body, palette8 with a full 256-entry palette (1 length byte + 256
// palette bytes + 512 index bytes).
const maxFrameSize = 4 + 1 + 256 + types.BlocksPerChunk

// File is one open .fhr region file.
type File struct {
	mu   sync.RWMutex
	f    *os.File
	path string

	header     types.FileHeader
	activeSlot byte // 0 = slot A, 1 = slot B
	cot        [types.ChunksPerRegion]types.ChunkOffsetEntry
	alloc      *sector.Allocator

	refCount atomic.Int32
}

// Ref increments the reference count and returns the new value.
func (r *File) Ref() int32 { return r.refCount.Add(1) }

// Unref decrements the reference count and returns the new value. A
// returned value of 1 is the last-reference signal: only the cache's own
// reference remains.
func (r *File) Unref() int32 { return r.refCount.Add(-1) }

// RefCount reports the current reference count.
func (r *File) RefCount() int32 { return r.refCount.Load() }

// Coord returns the region coordinate recorded in the header.
func (r *File) Coord() types.RegionCoord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return types.RegionCoord{RX: r.header.RX, RY: r.header.RY, RZ: r.header.RZ, LOD: r.header.LOD}
}

// Path returns the file's on-disk path.
func (r *File) Path() string { return r.path }

func metaSector(slot byte) int64 { return int64(slot) * 2 }
func cotSector(slot byte) int64  { return int64(slot)*2 + 1 }

// Create initializes a new region file at path for the given region
// coordinate, with both shadow slots holding an empty COT and a bitmap
// marking only the header sectors.
func Create(path string, coord types.RegionCoord, defaultCompression types.CompressionAlgo) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create region file: %v", types.ErrIoError, err)
	}

	r := &File{
		f:    f,
		path: path,
		header: types.FileHeader{
			FormatVersion:      types.FormatVersion,
			LOD:                coord.LOD,
			DefaultCompression: defaultCompression,
			RX:                 coord.RX,
			RY:                 coord.RY,
			RZ:                 coord.RZ,
			CreationTimestamp:  uint32(time.Now().Unix()),
			TotalSectors:       types.HeaderSectors,
			Generation:         0,
		},
		alloc: sector.New(),
	}

	metaPage := r.buildMetaPage()
	cotPage := r.buildCotPage()

	if _, err := f.WriteAt(metaPage, metaSector(0)*types.SectorSize); err != nil {
		return nil, r.ioErrorClose(err, "write meta-A")
	}
	if _, err := f.WriteAt(cotPage, cotSector(0)*types.SectorSize); err != nil {
		return nil, r.ioErrorClose(err, "write cot-A")
	}
	if _, err := f.WriteAt(metaPage, metaSector(1)*types.SectorSize); err != nil {
		return nil, r.ioErrorClose(err, "write meta-B")
	}
	if _, err := f.WriteAt(cotPage, cotSector(1)*types.SectorSize); err != nil {
		return nil, r.ioErrorClose(err, "write cot-B")
	}
	if err := f.Sync(); err != nil {
		return nil, r.ioErrorClose(err, "sync")
	}

	r.activeSlot = 0
	return r, nil
}

func (r *File) ioErrorClose(err error, what string) error {
	r.f.Close()
	os.Remove(r.path)
	return fmt.Errorf("%w: %s: %v", types.ErrIoError, what, err)
}

// Open opens an existing region file, validating both shadow slots and
// selecting the one with the higher generation (ties favor slot A). The
// allocator bitmap is rebuilt from the chosen slot's Chunk Offset Table,
// which is authoritative over any stored bitmap bytes.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open region file: %v", types.ErrIoError, err)
	}

	buf := make([]byte, 4*types.SectorSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header sectors: %v", types.ErrIoError, err)
	}

	metaA := buf[metaSector(0)*types.SectorSize : metaSector(0)*types.SectorSize+types.SectorSize]
	cotA := buf[cotSector(0)*types.SectorSize : cotSector(0)*types.SectorSize+types.SectorSize]
	metaB := buf[metaSector(1)*types.SectorSize : metaSector(1)*types.SectorSize+types.SectorSize]
	cotB := buf[cotSector(1)*types.SectorSize : cotSector(1)*types.SectorSize+types.SectorSize]

	hdrA, okA := parseMetaPage(metaA)
	hdrB, okB := parseMetaPage(metaB)

	var chosen byte
	var hdr types.FileHeader
	switch {
	case okA && okB:
		if hdrB.Generation > hdrA.Generation {
			chosen, hdr = 1, hdrB
		} else {
			chosen, hdr = 0, hdrA
		}
	case okA:
		chosen, hdr = 0, hdrA
	case okB:
		chosen, hdr = 1, hdrB
	default:
		f.Close()
		return nil, fmt.Errorf("%w: region file %s", types.ErrCorruptHeader, path)
	}

	var cotBuf []byte
	if chosen == 0 {
		cotBuf = cotA
	} else {
		cotBuf = cotB
	}
	var cot [types.ChunksPerRegion]types.ChunkOffsetEntry
	for i := 0; i < types.ChunksPerRegion; i++ {
		v := binary.LittleEndian.Uint64(cotBuf[i*8 : i*8+8])
		cot[i] = types.UnpackChunkOffsetEntry(v)
	}

	alloc := sector.New()
	if err := alloc.RebuildFromCot(cot[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrCorruptHeader, err)
	}

	r := &File{
		f:          f,
		path:       path,
		header:     hdr,
		activeSlot: chosen,
		cot:        cot,
		alloc:      alloc,
	}
	return r, nil
}

// parseMetaPage validates a 4096-byte meta page's magic, format version,
// and CRC, returning the decoded header and whether the page is valid.
func parseMetaPage(page []byte) (types.FileHeader, bool) {
	if len(page) != types.SectorSize {
		return types.FileHeader{}, false
	}
	storedCRC := binary.LittleEndian.Uint32(page[0xFFC:0x1000])
	computed := types.CRC32(page[:0xFFC])
	if storedCRC != computed {
		return types.FileHeader{}, false
	}
	if string(page[0:4]) != types.FileMagic {
		return types.FileHeader{}, false
	}
	hdr := types.FileHeader{
		FormatVersion:      binary.LittleEndian.Uint16(page[4:6]),
		LOD:                page[6],
		DefaultCompression: types.CompressionAlgo(page[7]),
		RX:                 int32(binary.LittleEndian.Uint32(page[8:12])),
		RY:                 int32(binary.LittleEndian.Uint32(page[12:16])),
		RZ:                 int32(binary.LittleEndian.Uint32(page[16:20])),
		CreationTimestamp:  binary.LittleEndian.Uint32(page[20:24]),
		TotalSectors:       binary.LittleEndian.Uint32(page[24:28]),
		Generation:         binary.LittleEndian.Uint32(page[28:32]),
	}
	if hdr.FormatVersion != types.FormatVersion {
		return types.FileHeader{}, false
	}
	return hdr, true
}

// buildMetaPage serializes the current header and allocator bitmap into a
// 4096-byte meta page with its trailing CRC.
func (r *File) buildMetaPage() []byte {
	page := make([]byte, types.SectorSize)
	copy(page[0:4], types.FileMagic)
	binary.LittleEndian.PutUint16(page[4:6], r.header.FormatVersion)
	page[6] = r.header.LOD
	page[7] = byte(r.header.DefaultCompression)
	binary.LittleEndian.PutUint32(page[8:12], uint32(r.header.RX))
	binary.LittleEndian.PutUint32(page[12:16], uint32(r.header.RY))
	binary.LittleEndian.PutUint32(page[16:20], uint32(r.header.RZ))
	binary.LittleEndian.PutUint32(page[20:24], r.header.CreationTimestamp)
	binary.LittleEndian.PutUint32(page[24:28], r.header.TotalSectors)
	binary.LittleEndian.PutUint32(page[28:32], r.header.Generation)
	copy(page[32:32+types.BitmapBytes], r.alloc.Bytes())
	crc := types.CRC32(page[:0xFFC])
	binary.LittleEndian.PutUint32(page[0xFFC:0x1000], crc)
	return page
}

func (r *File) buildCotPage() []byte {
	page := make([]byte, types.SectorSize)
	for i := 0; i < types.ChunksPerRegion; i++ {
		binary.LittleEndian.PutUint64(page[i*8:i*8+8], r.cot[i].Pack())
	}
	return page
}

// commitHeader writes the new COT then the new meta page to the inactive
// shadow slot, fsyncing after each, then flips the active slot in memory.
// Must be called with the write lock held.
func (r *File) commitHeader() error {
	inactive := 1 - r.activeSlot

	cotPage := r.buildCotPage()
	if _, err := r.f.WriteAt(cotPage, cotSector(inactive)*types.SectorSize); err != nil {
		return fmt.Errorf("%w: write inactive cot: %v", types.ErrIoError, err)
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync cot: %v", types.ErrIoError, err)
	}

	metaPage := r.buildMetaPage()
	if _, err := r.f.WriteAt(metaPage, metaSector(inactive)*types.SectorSize); err != nil {
		return fmt.Errorf("%w: write inactive meta: %v", types.ErrIoError, err)
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync meta: %v", types.ErrIoError, err)
	}

	r.activeSlot = inactive
	return nil
}

// ReadChunk decodes the chunk at region-local index into out. It returns
// ok == false (no error) if the chunk has never been written.
func (r *File) ReadChunk(index int, out *types.Chunk) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry := r.cot[index]
	if !entry.Present() {
		return false, nil
	}

	compressed := make([]byte, entry.CompressedSize)
	if _, err := r.f.ReadAt(compressed, int64(entry.SectorOffset)*types.SectorSize); err != nil {
		return false, fmt.Errorf("%w: read chunk payload: %v", types.ErrIoError, err)
	}

	var scratch [maxFrameSize]byte
	n, err := compression.Decompress(entry.Compression, compressed, scratch[:], maxFrameSize)
	if err != nil {
		return false, err
	}

	if err := codec.Decode(scratch[:n], out); err != nil {
		return false, err
	}
	return true, nil
}

// WriteChunk encodes, compresses, and writes blocks at region-local index
// using a copy-on-write sector allocation, then commits the header.
func (r *File) WriteChunk(index int, blocks *types.Chunk, algo types.CompressionAlgo) error {
	frame := codec.Encode(blocks)
	scratch := make([]byte, compression.CompressBound(algo, len(frame)))
	n, err := compression.Compress(algo, frame, scratch)
	if err != nil {
		return err
	}
	compressed := scratch[:n]

	r.mu.Lock()
	defer r.mu.Unlock()

	sectorsNeeded := sector.SectorsNeeded(len(compressed))
	if sectorsNeeded > 255 {
		return fmt.Errorf("%w: chunk needs %d sectors", types.ErrOutOfSpace, sectorsNeeded)
	}
	offset, ok := r.alloc.Allocate(uint8(sectorsNeeded))
	if !ok {
		return types.ErrOutOfSpace
	}

	if _, err := r.f.WriteAt(compressed, int64(offset)*types.SectorSize); err != nil {
		r.alloc.Free(offset, uint8(sectorsNeeded))
		return fmt.Errorf("%w: write chunk payload: %v", types.ErrIoError, err)
	}

	old := r.cot[index]
	if old.Present() {
		r.alloc.Free(old.SectorOffset, old.SectorCount)
	}
	r.cot[index] = types.ChunkOffsetEntry{
		SectorOffset:   offset,
		SectorCount:    uint8(sectorsNeeded),
		CompressedSize: uint32(len(compressed)),
		Compression:    algo,
	}
	r.header.Generation++
	r.header.TotalSectors = r.alloc.TotalSectors()

	return r.commitHeader()
}

// BatchItem is one chunk to write as part of a batch.
type BatchItem struct {
	Index  int
	Blocks *types.Chunk
}

// WriteChunkBatch writes every item under a single exclusive lock and a
// single header commit. Encoding/compression happens outside the lock.
// Per-chunk failures are logged and skipped (spec §1 Non-goals: a batch is
// best-effort per chunk). It returns the number of chunks written, or 0 if
// the final header commit fails.
func (r *File) WriteChunkBatch(items []BatchItem, algo types.CompressionAlgo, log *slog.Logger) int {
	type prepared struct {
		index      int
		compressed []byte
	}
	preparedItems := make([]prepared, 0, len(items))
	for _, it := range items {
		frame := codec.Encode(it.Blocks)
		scratch := make([]byte, compression.CompressBound(algo, len(frame)))
		n, err := compression.Compress(algo, frame, scratch)
		if err != nil {
			if log != nil {
				log.Error("compress chunk for batch write", "index", it.Index, "error", err)
			}
			continue
		}
		preparedItems = append(preparedItems, prepared{index: it.Index, compressed: scratch[:n]})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	type freed struct {
		offset uint32
		count  uint8
	}
	var toFree []freed
	success := 0

	for _, p := range preparedItems {
		sectorsNeeded := sector.SectorsNeeded(len(p.compressed))
		if sectorsNeeded > 255 {
			if log != nil {
				log.Error("chunk too large for batch write", "index", p.index, "sectors", sectorsNeeded)
			}
			continue
		}
		offset, ok := r.alloc.Allocate(uint8(sectorsNeeded))
		if !ok {
			if log != nil {
				log.Error("out of space during batch write", "index", p.index)
			}
			continue
		}
		if _, err := r.f.WriteAt(p.compressed, int64(offset)*types.SectorSize); err != nil {
			r.alloc.Free(offset, uint8(sectorsNeeded))
			if log != nil {
				log.Error("write chunk payload during batch write", "index", p.index, "error", err)
			}
			continue
		}

		old := r.cot[p.index]
		if old.Present() {
			toFree = append(toFree, freed{old.SectorOffset, old.SectorCount})
		}
		r.cot[p.index] = types.ChunkOffsetEntry{
			SectorOffset:   offset,
			SectorCount:    uint8(sectorsNeeded),
			CompressedSize: uint32(len(p.compressed)),
			Compression:    algo,
		}
		success++
	}

	for _, fr := range toFree {
		r.alloc.Free(fr.offset, fr.count)
	}

	if success == 0 {
		return 0
	}

	r.header.Generation++
	r.header.TotalSectors = r.alloc.TotalSectors()
	if err := r.commitHeader(); err != nil {
		if log != nil {
			log.Error("commit header after batch write", "error", err)
		}
		return 0
	}
	return success
}

// Sync flushes the underlying file to stable storage.
func (r *File) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIoError, err)
	}
	return nil
}

// Close closes the underlying file descriptor.
func (r *File) Close() error {
	return r.f.Close()
}

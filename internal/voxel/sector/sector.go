// Package sector implements the first-fit bitmap allocator over a region
// file's 4 KiB sectors (spec §4.1).
package sector

import (
	"fmt"
	"math/bits"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// Allocator is a fixed bitmap of types.MaxSectors bits, one per addressable
// sector. The first types.HeaderSectors bits are reserved for the shadow
// metadata slots and are marked allocated from construction.
type Allocator struct {
	bitmap       [types.BitmapBytes]byte
	totalSectors uint32
}

// New returns an allocator with only the header sectors marked allocated.
func New() *Allocator {
	a := &Allocator{}
	a.markRange(0, types.HeaderSectors)
	a.totalSectors = types.HeaderSectors
	return a
}

// TotalSectors returns the high-water mark of allocated sectors, i.e. one
// past the highest sector ever allocated.
func (a *Allocator) TotalSectors() uint32 {
	return a.totalSectors
}

// SectorsNeeded returns the number of sectors required to hold n bytes.
func SectorsNeeded(n int) uint32 {
	if n <= 0 {
		return 0
	}
	return uint32((n + types.SectorSize - 1) / types.SectorSize)
}

// Allocate finds the first run of count consecutive free sectors at or
// after types.HeaderSectors, marks them allocated, and returns the offset
// of the first sector. count == 0 is rejected. Returns ok == false if no
// run of that length exists.
func (a *Allocator) Allocate(count uint8) (offset uint32, ok bool) {
	if count == 0 {
		return 0, false
	}
	n := uint32(count)
	run := uint32(0)
	runStart := uint32(0)
	for s := uint32(types.HeaderSectors); s < types.MaxSectors; s++ {
		if a.bitSet(s) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = s
		}
		run++
		if run == n {
			a.markRange(runStart, n)
			if end := runStart + n; end > a.totalSectors {
				a.totalSectors = end
			}
			return runStart, true
		}
	}
	return 0, false
}

// Free clears the bits for [offset, offset+count). Double-freeing a live
// entry is the caller's responsibility to avoid; the bitmap itself is
// idempotent to redundant clears.
func (a *Allocator) Free(offset uint32, count uint8) {
	if count == 0 {
		return
	}
	a.clearRange(offset, uint32(count))
}

// RebuildFromCot clears the bitmap and reconstructs it from the set of
// present chunk offset entries, re-reserving the header sectors. This is
// the recovery path used when a region file is opened: the COT is
// authoritative, the bitmap is derived.
func (a *Allocator) RebuildFromCot(entries []types.ChunkOffsetEntry) error {
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	a.markRange(0, types.HeaderSectors)
	a.totalSectors = types.HeaderSectors

	for _, e := range entries {
		if !e.Present() {
			continue
		}
		end := e.SectorOffset + uint32(e.SectorCount)
		if end > types.MaxSectors {
			return fmt.Errorf("sector: entry [%d,%d) exceeds addressable range", e.SectorOffset, end)
		}
		for s := e.SectorOffset; s < end; s++ {
			if a.bitSet(s) {
				return fmt.Errorf("sector: overlapping chunk offset entries at sector %d", s)
			}
			a.setBit(s)
		}
		if end > a.totalSectors {
			a.totalSectors = end
		}
	}
	return nil
}

// Bytes returns the raw bitmap bytes, suitable for embedding in a meta
// page. The returned slice aliases the allocator's storage.
func (a *Allocator) Bytes() []byte {
	return a.bitmap[:]
}

// LoadBytes replaces the bitmap contents verbatim and leaves totalSectors
// unchanged. Opening a region file does not use it; region.Open rebuilds
// the bitmap with RebuildFromCot.
func (a *Allocator) LoadBytes(b []byte) {
	copy(a.bitmap[:], b)
}

func (a *Allocator) bitSet(s uint32) bool {
	return a.bitmap[s/8]&(1<<(s%8)) != 0
}

func (a *Allocator) setBit(s uint32) {
	a.bitmap[s/8] |= 1 << (s % 8)
}

func (a *Allocator) clearBit(s uint32) {
	a.bitmap[s/8] &^= 1 << (s % 8)
}

func (a *Allocator) markRange(start, count uint32) {
	for s := start; s < start+count; s++ {
		a.setBit(s)
	}
}

func (a *Allocator) clearRange(start, count uint32) {
	for s := start; s < start+count; s++ {
		a.clearBit(s)
	}
}

// PopCount returns the number of allocated sectors, for diagnostics.
func (a *Allocator) PopCount() int {
	n := 0
	for _, b := range a.bitmap {
		n += bits.OnesCount8(b)
	}
	return n
}

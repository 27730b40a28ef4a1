package sector

import (
	"testing"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

func TestSectorsNeeded(t *testing.T) {
	cases := []struct {
		n    int
		want uint32
	}{
		{0, 0},
		{1, 1},
		{4096, 1},
		{4097, 2},
	}
	for _, c := range cases {
		if got := SectorsNeeded(c.n); got != c.want {
			t.Errorf("SectorsNeeded(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestAllocateZeroRejected(t *testing.T) {
	a := New()
	if _, ok := a.Allocate(0); ok {
		t.Error("Allocate(0) should fail")
	}
}

func TestAllocateFirstFit(t *testing.T) {
	a := New()
	off1, ok := a.Allocate(2)
	if !ok || off1 != types.HeaderSectors {
		t.Fatalf("first alloc = %d,%v want %d,true", off1, ok, types.HeaderSectors)
	}
	off2, ok := a.Allocate(3)
	if !ok || off2 != off1+2 {
		t.Fatalf("second alloc = %d,%v want %d,true", off2, ok, off1+2)
	}
	if got := a.TotalSectors(); got != off2+3 {
		t.Errorf("TotalSectors = %d, want %d", got, off2+3)
	}

	a.Free(off1, 2)
	off3, ok := a.Allocate(2)
	if !ok || off3 != off1 {
		t.Fatalf("first-fit should reuse freed run: got %d want %d", off3, off1)
	}
}

func TestAllocateOutOfSpace(t *testing.T) {
	a := New()
	// Fill the entire addressable range in large chunks.
	free := types.MaxSectors - types.HeaderSectors
	for free > 0 {
		n := uint8(255)
		if uint32(n) > free {
			n = uint8(free)
		}
		if _, ok := a.Allocate(n); !ok {
			t.Fatalf("unexpected allocation failure with %d sectors remaining", free)
		}
		free -= uint32(n)
	}
	if _, ok := a.Allocate(1); ok {
		t.Error("expected OutOfSpace once the bitmap is full")
	}
}

func TestRebuildFromCot(t *testing.T) {
	entries := []types.ChunkOffsetEntry{
		{SectorOffset: 4, SectorCount: 2},
		{SectorOffset: 10, SectorCount: 1},
		{}, // absent, ignored
	}
	a := New()
	if err := a.RebuildFromCot(entries); err != nil {
		t.Fatalf("RebuildFromCot: %v", err)
	}
	for _, s := range []uint32{0, 1, 2, 3, 4, 5, 10} {
		if !a.bitSet(s) {
			t.Errorf("sector %d should be allocated after rebuild", s)
		}
	}
	if a.bitSet(6) || a.bitSet(9) || a.bitSet(11) {
		t.Error("unexpected sector marked allocated after rebuild")
	}
	if got := a.TotalSectors(); got != 11 {
		t.Errorf("TotalSectors after rebuild = %d, want 11", got)
	}
}

func TestRebuildFromCotOverlap(t *testing.T) {
	entries := []types.ChunkOffsetEntry{
		{SectorOffset: 4, SectorCount: 4},
		{SectorOffset: 6, SectorCount: 2},
	}
	a := New()
	if err := a.RebuildFromCot(entries); err == nil {
		t.Error("expected overlap error")
	}
}

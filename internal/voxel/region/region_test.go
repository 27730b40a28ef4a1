package region

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

func chunkOf(fill byte) *types.Chunk {
	var c types.Chunk
	for i := range c {
		c[i] = fill
	}
	return &c
}

func TestCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.0.fhr")
	coord := types.RegionCoord{RX: 0, RY: 0, RZ: 0, LOD: 0}

	r, err := Create(path, coord, types.CompressionNone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := chunkOf(7)
	if err := r.WriteChunk(0, want, types.CompressionNone); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r2.Close()

	var got types.Chunk
	ok, err := r2.ReadChunk(0, &got)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !ok {
		t.Fatal("expected chunk 0 present")
	}
	if got != *want {
		t.Error("round trip content mismatch")
	}

	var absent types.Chunk
	ok, err = r2.ReadChunk(1, &absent)
	if err != nil {
		t.Fatalf("ReadChunk(absent): %v", err)
	}
	if ok {
		t.Error("expected chunk 1 to be absent")
	}
}

func TestWriteChunkLiteralSingleBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.0.fhr")
	r, err := Create(path, types.RegionCoord{}, types.CompressionNone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close()

	if err := r.WriteChunk(0, chunkOf(4), types.CompressionNone); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	entry := r.cot[0]
	if entry.CompressedSize != 5 {
		t.Errorf("compressed_size = %d, want 5", entry.CompressedSize)
	}
	if entry.SectorCount != 1 {
		t.Errorf("sector_count = %d, want 1", entry.SectorCount)
	}
}

func TestOpenCorruptHeaderBothSlotsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.0.fhr")
	r, err := Create(path, types.RegionCoord{}, types.CompressionNone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	garbage := make([]byte, 4*types.SectorSize)
	if _, err := f.WriteAt(garbage, 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := Open(path); err == nil {
		t.Error("expected CorruptHeader when both slots are invalid")
	}
}

// TestShadowPageCrashRecovery simulates a crash between the two fsync
// points of a header commit: the inactive slot's COT has been overwritten
// with new data, but its meta page (and therefore its generation/CRC) is
// still the prior commit's. Recovery must fall back to the other,
// untouched slot, which still holds the previous write's content.
func TestShadowPageCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.0.fhr")
	coord := types.RegionCoord{RX: 1, RY: 2, RZ: 3, LOD: 0}

	r, err := Create(path, coord, types.CompressionNone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := chunkOf(1)
	if err := r.WriteChunk(0, first, types.CompressionNone); err != nil {
		t.Fatalf("first WriteChunk: %v", err)
	}
	survivingActive := r.activeSlot
	survivingGeneration := r.header.Generation

	// Manually perform the first half of a second commit (new COT only,
	// no meta page, no flip) to simulate the crash window. New sectors are
	// allocated before the old ones are freed, as WriteChunk does, so the
	// first write's payload is not overwritten.
	inactive := 1 - r.activeSlot
	old := r.cot[0]
	offset, ok := r.alloc.Allocate(1)
	if !ok {
		t.Fatal("allocate for simulated second write")
	}
	r.alloc.Free(old.SectorOffset, old.SectorCount)
	var scratch [5]byte
	scratch[0] = types.ChunkFrameVersion
	scratch[1] = byte(types.EncodingSingleBlock)
	scratch[4] = 2
	if _, err := r.f.WriteAt(scratch[:], int64(offset)*types.SectorSize); err != nil {
		t.Fatal(err)
	}
	r.cot[0] = types.ChunkOffsetEntry{SectorOffset: offset, SectorCount: 1, CompressedSize: 5, Compression: types.CompressionNone}
	cotPage := r.buildCotPage()
	if _, err := r.f.WriteAt(cotPage, cotSector(inactive)*types.SectorSize); err != nil {
		t.Fatal(err)
	}
	if err := r.f.Sync(); err != nil {
		t.Fatal(err)
	}
	// Crash: meta page for `inactive` is never written, activeSlot never flips.
	r.Close()

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("Open after simulated crash: %v", err)
	}
	defer r2.Close()

	if r2.activeSlot != survivingActive {
		t.Errorf("recovered active slot = %d, want %d (the slot untouched by the crash)", r2.activeSlot, survivingActive)
	}
	if r2.header.Generation != survivingGeneration {
		t.Errorf("recovered generation = %d, want pre-crash value %d", r2.header.Generation, survivingGeneration)
	}

	var got types.Chunk
	ok2, err := r2.ReadChunk(0, &got)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !ok2 {
		t.Fatal("expected chunk 0 present after recovery")
	}
	if got != *first {
		t.Error("recovered chunk should be the first write's content, not the crashed second write")
	}
}

func TestWriteChunkBatchBestEffort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.0.fhr")
	r, err := Create(path, types.RegionCoord{}, types.CompressionNone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close()

	items := []BatchItem{
		{Index: 0, Blocks: chunkOf(1)},
		{Index: 1, Blocks: chunkOf(2)},
		{Index: 2, Blocks: chunkOf(3)},
	}
	n := r.WriteChunkBatch(items, types.CompressionDeflate, nil)
	if n != 3 {
		t.Fatalf("WriteChunkBatch succeeded count = %d, want 3", n)
	}

	for _, it := range items {
		var got types.Chunk
		ok, err := r.ReadChunk(it.Index, &got)
		if err != nil || !ok {
			t.Fatalf("ReadChunk(%d): ok=%v err=%v", it.Index, ok, err)
		}
		if got != *it.Blocks {
			t.Errorf("index %d: content mismatch after batch write", it.Index)
		}
	}
}

func TestGenerationMonotonicAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.0.fhr")
	r, err := Create(path, types.RegionCoord{}, types.CompressionNone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer r.Close()

	var last uint32
	for i := 0; i < 5; i++ {
		if err := r.WriteChunk(0, chunkOf(byte(i)), types.CompressionNone); err != nil {
			t.Fatalf("WriteChunk %d: %v", i, err)
		}
		if r.header.Generation <= last {
			t.Fatalf("generation did not increase: %d <= %d", r.header.Generation, last)
		}
		last = r.header.Generation
	}
}

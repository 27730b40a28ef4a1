package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// newTestStorage points Storage at a temp directory by overriding
// os.UserConfigDir's result through $XDG_CONFIG_HOME, the directory
// os.UserConfigDir consults on Linux.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	s, err := New("testworld", DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveThenLoadChunkSynchronous(t *testing.T) {
	s := newTestStorage(t)
	key := types.ChunkKey{CX: 1, CY: 2, CZ: 3}
	var chunk types.Chunk
	chunk[0] = 77

	if err := s.SaveChunk(key, chunk); err != nil {
		t.Fatalf("SaveChunk: %v", err)
	}

	s.InvalidateCache(key)
	got, ok, err := s.LoadChunk(key)
	if err != nil {
		t.Fatalf("LoadChunk: %v", err)
	}
	if !ok {
		t.Fatal("expected chunk present")
	}
	if got[0] != 77 {
		t.Errorf("got[0] = %d, want 77", got[0])
	}
}

func TestChunkExistsReflectsWrites(t *testing.T) {
	s := newTestStorage(t)
	key := types.ChunkKey{CX: 5, CY: 5, CZ: 5}

	exists, err := s.ChunkExists(key)
	if err != nil {
		t.Fatalf("ChunkExists: %v", err)
	}
	if exists {
		t.Error("expected chunk to be absent before any write")
	}

	if err := s.SaveChunk(key, types.Chunk{}); err != nil {
		t.Fatal(err)
	}
	exists, err = s.ChunkExists(key)
	if err != nil {
		t.Fatalf("ChunkExists after save: %v", err)
	}
	if !exists {
		t.Error("expected chunk to exist after save")
	}
}

func TestMarkDirtyThenTickSubmitsBatch(t *testing.T) {
	s := newTestStorage(t)
	key := types.ChunkKey{CX: 0, CY: 0, CZ: 0}
	var chunk types.Chunk
	chunk[0] = 5
	s.MarkDirty(key, chunk)

	if s.dirtySet.Len() != 1 {
		t.Fatalf("dirty count = %d, want 1", s.dirtySet.Len())
	}

	s.Tick()

	if s.dirtySet.Len() != 0 {
		t.Errorf("expected dirty set drained after tick, got %d remaining", s.dirtySet.Len())
	}
}

func TestSaveAllDirtyIsSynchronous(t *testing.T) {
	s := newTestStorage(t)
	key := types.ChunkKey{CX: 9, CY: 9, CZ: 9}
	var chunk types.Chunk
	chunk[0] = 3
	s.MarkDirty(key, chunk)

	s.SaveAllDirty()

	s.InvalidateCache(key)
	got, ok, err := s.LoadChunk(key)
	if err != nil || !ok {
		t.Fatalf("expected chunk readable immediately after SaveAllDirty: ok=%v err=%v", ok, err)
	}
	if got[0] != 3 {
		t.Errorf("got[0] = %d, want 3", got[0])
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DefaultCompression != types.CompressionDeflate {
		t.Errorf("expected default compression deflate, got %v", cfg.DefaultCompression)
	}
}

func TestSaveConfigThenLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := DefaultConfig()
	cfg.WorkerCount = 2

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing after save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.WorkerCount != 2 {
		t.Errorf("worker_count = %d, want 2", loaded.WorkerCount)
	}
}

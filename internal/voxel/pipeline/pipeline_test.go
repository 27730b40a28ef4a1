package pipeline

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/cache"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/region"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	opener := func(coord types.RegionCoord) (*region.File, error) {
		path := filepath.Join(dir, fmt.Sprintf("r.%d.%d.%d.fhr", coord.RX, coord.RY, coord.RZ))
		return region.Create(path, coord, types.CompressionNone)
	}
	regions := cache.New(opener, cache.RegionCacheCapacity, nil)
	chunks := cache.NewChunkCache(cache.ChunkCacheCapacity)
	p := New(regions, chunks, types.CompressionNone, MaxWorkers, nil)
	p.Start()
	t.Cleanup(p.Stop)
	return p, dir
}

func waitForResult(t *testing.T, p *Pipeline, handle types.AsyncHandle) Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := p.PollLoad(handle); ok {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for load result")
	return Result{}
}

func TestRequestLoadMissingChunk(t *testing.T) {
	p, _ := newTestPipeline(t)
	handle, err := p.RequestLoad(types.ChunkKey{}, types.RegionCoord{}, types.PriorityNormal)
	if err != nil {
		t.Fatalf("RequestLoad: %v", err)
	}
	r := waitForResult(t, p, handle)
	if r.Success {
		t.Error("expected failure for a chunk never written")
	}
}

func TestSubmitBatchSaveThenLoad(t *testing.T) {
	p, _ := newTestPipeline(t)
	var chunk types.Chunk
	chunk[0] = 42
	key := types.ChunkKey{CX: 0, CY: 0, CZ: 0}

	if err := p.SubmitBatchSave(SaveBatch{
		RegionCoord:  types.RegionCoord{},
		LocalIndices: []int{key.LocalIndex()},
		Chunks:       []types.Chunk{chunk},
	}); err != nil {
		t.Fatalf("SubmitBatchSave: %v", err)
	}

	// Give the batch save a moment to land before loading; there's no
	// direct completion signal for batch saves in this design.
	time.Sleep(20 * time.Millisecond)

	handle, err := p.RequestLoad(key, types.RegionCoord{}, types.PriorityHigh)
	if err != nil {
		t.Fatalf("RequestLoad: %v", err)
	}
	r := waitForResult(t, p, handle)
	if !r.Success {
		t.Fatal("expected successful load after batch save")
	}
	if r.Chunk[0] != 42 {
		t.Errorf("chunk[0] = %d, want 42", r.Chunk[0])
	}
}

func TestPollLoadUnknownHandleMisses(t *testing.T) {
	p, _ := newTestPipeline(t)
	if _, ok := p.PollLoad(types.AsyncHandle(9999)); ok {
		t.Error("expected miss for unknown handle")
	}
}

func TestPriorityOrderingInsertsAscending(t *testing.T) {
	p := New(nil, nil, types.CompressionNone, MaxWorkers, nil)
	p.queueMu.Lock()
	p.insertByPriority(&request{priority: types.PriorityNormal})
	p.insertByPriority(&request{priority: types.PriorityCritical})
	p.insertByPriority(&request{priority: types.PriorityLow})
	p.insertByPriority(&request{priority: types.PriorityHigh})
	defer p.queueMu.Unlock()

	want := []types.Priority{types.PriorityCritical, types.PriorityHigh, types.PriorityNormal, types.PriorityLow}
	for i, w := range want {
		if p.queue[i].priority != w {
			t.Errorf("position %d: priority = %d, want %d", i, p.queue[i].priority, w)
		}
	}
}

func TestStopDrainsQueueBeforeExit(t *testing.T) {
	p, _ := newTestPipeline(t)
	var chunk types.Chunk
	for i := int16(0); i < 20; i++ {
		key := types.ChunkKey{CX: i}
		_ = p.SubmitBatchSave(SaveBatch{
			RegionCoord:  types.RegionCoord{},
			LocalIndices: []int{key.LocalIndex()},
			Chunks:       []types.Chunk{chunk},
		})
	}
	p.Stop()
	if p.QueueDepth() != 0 {
		t.Errorf("expected empty queue after Stop, got %d", p.QueueDepth())
	}
}

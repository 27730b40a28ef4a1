// Package pipeline implements the asynchronous I/O pipeline: a priority
// queue of load/save/batch-save requests drained by a fixed worker pool
// (spec §4.8).
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/cache"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/region"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// MaxQueueSize bounds the number of requests the pipeline will hold at
// once; requestLoad/submit calls past this return ErrQueueFull.
const MaxQueueSize = 1024

// MaxWorkers caps the worker pool regardless of how many CPUs are
// available.
const MaxWorkers = 4

// ErrQueueFull is returned when the request queue is at MaxQueueSize.
var ErrQueueFull = errors.New("pipeline: request queue is full")

type requestKind uint8

const (
	kindLoad requestKind = iota
	kindSave
	kindBatchSave
)

// SaveBatch groups chunks destined for one region file, owning deep
// copies of their content until the worker writes and discards them.
type SaveBatch struct {
	RegionCoord  types.RegionCoord
	LocalIndices []int
	Chunks       []types.Chunk
}

type request struct {
	kind     requestKind
	priority types.Priority
	handle   types.AsyncHandle

	key    types.ChunkKey
	region types.RegionCoord
	chunk  types.Chunk

	batch *SaveBatch
}

// Result is the outcome of a completed load, retrieved by PollLoad.
type Result struct {
	Handle  types.AsyncHandle
	Success bool
	Chunk   types.Chunk
}

// Pipeline owns the request queue, the completion ring, and the worker
// pool draining both.
type Pipeline struct {
	queueMu  sync.Mutex
	cond     *sync.Cond
	queue    []*request
	shutdown atomic.Bool

	resultsMu sync.Mutex
	results   []Result

	nextHandle atomic.Uint64

	regions     *cache.RegionCache
	chunks      *cache.ChunkCache
	compression types.CompressionAlgo
	workers     int
	log         *slog.Logger

	wg sync.WaitGroup
}

// New creates a pipeline bound to the given caches and default write
// compression algorithm, configured for workers worker goroutines (capped
// at MaxWorkers regardless of the caller's request; a non-positive value
// falls back to MaxWorkers). Start must be called to spawn workers.
func New(regions *cache.RegionCache, chunks *cache.ChunkCache, compression types.CompressionAlgo, workers int, log *slog.Logger) *Pipeline {
	if workers <= 0 || workers > MaxWorkers {
		workers = MaxWorkers
	}
	p := &Pipeline{
		regions:     regions,
		chunks:      chunks,
		compression: compression,
		workers:     workers,
		log:         log,
	}
	p.cond = sync.NewCond(&p.queueMu)
	return p
}

// Start spawns min(configured workers, GOMAXPROCS) worker goroutines.
func (p *Pipeline) Start() {
	n := p.workers
	if gmp := runtime.GOMAXPROCS(0); gmp < n {
		n = gmp
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// Stop signals shutdown, wakes every worker, and waits for the queue to
// drain and all workers to exit.
func (p *Pipeline) Stop() {
	p.shutdown.Store(true)
	p.queueMu.Lock()
	p.cond.Broadcast()
	p.queueMu.Unlock()
	p.wg.Wait()
}

// QueueDepth returns the current number of queued requests.
func (p *Pipeline) QueueDepth() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return len(p.queue)
}

// RequestLoad enqueues an asynchronous chunk load and returns a handle to
// poll for its result via PollLoad.
func (p *Pipeline) RequestLoad(key types.ChunkKey, regionCoord types.RegionCoord, priority types.Priority) (types.AsyncHandle, error) {
	handle := types.AsyncHandle(p.nextHandle.Add(1))
	req := &request{kind: kindLoad, priority: priority, handle: handle, key: key, region: regionCoord}

	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) >= MaxQueueSize {
		return 0, ErrQueueFull
	}
	p.insertByPriority(req)
	p.cond.Signal()
	return handle, nil
}

// RequestSave enqueues a single-chunk write at save priority (the
// pipeline's internal path; Storage normally prefers SubmitBatchSave).
func (p *Pipeline) RequestSave(key types.ChunkKey, regionCoord types.RegionCoord, chunk types.Chunk) error {
	req := &request{kind: kindSave, priority: types.PrioritySave, key: key, region: regionCoord, chunk: chunk}

	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) >= MaxQueueSize {
		return ErrQueueFull
	}
	p.queue = append(p.queue, req) // save priority always sorts last
	p.cond.Signal()
	return nil
}

// SubmitBatchSave enqueues a per-region batch write at save priority.
func (p *Pipeline) SubmitBatchSave(batch SaveBatch) error {
	req := &request{kind: kindBatchSave, priority: types.PrioritySave, region: batch.RegionCoord, batch: &batch}

	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) >= MaxQueueSize {
		return ErrQueueFull
	}
	p.queue = append(p.queue, req)
	p.cond.Signal()
	return nil
}

// insertByPriority keeps the queue sorted ascending by priority via a
// linear scan; the queue is small enough that this beats a heap in
// practice and matches the lock-held-briefly design.
func (p *Pipeline) insertByPriority(req *request) {
	i := 0
	for i < len(p.queue) && p.queue[i].priority <= req.priority {
		i++
	}
	p.queue = append(p.queue, nil)
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = req
}

func (p *Pipeline) workerLoop() {
	defer p.wg.Done()
	for {
		p.queueMu.Lock()
		for len(p.queue) == 0 && !p.shutdown.Load() {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.shutdown.Load() {
			p.queueMu.Unlock()
			return
		}
		req := p.queue[0]
		p.queue = p.queue[1:]
		p.queueMu.Unlock()

		switch req.kind {
		case kindLoad:
			p.executeLoad(req)
		case kindSave:
			p.executeSave(req)
		case kindBatchSave:
			p.executeBatchSave(req)
		}
	}
}

func (p *Pipeline) executeLoad(req *request) {
	f, err := p.regions.GetOrOpen(req.region)
	if err != nil {
		p.logError("resolve region for load", req.region, err)
		p.postResult(Result{Handle: req.handle, Success: false})
		return
	}
	defer p.regions.ReleaseRegion(f)

	var chunk types.Chunk
	ok, err := f.ReadChunk(req.key.LocalIndex(), &chunk)
	if err != nil {
		p.logError("read chunk", req.region, err)
		p.postResult(Result{Handle: req.handle, Success: false})
		return
	}
	if !ok {
		p.postResult(Result{Handle: req.handle, Success: false})
		return
	}

	p.chunks.Put(req.key, chunk)
	p.postResult(Result{Handle: req.handle, Success: true, Chunk: chunk})
}

func (p *Pipeline) executeSave(req *request) {
	f, err := p.regions.GetOrOpen(req.region)
	if err != nil {
		p.logError("resolve region for save", req.region, err)
		return
	}
	defer p.regions.ReleaseRegion(f)

	if err := f.WriteChunk(req.key.LocalIndex(), &req.chunk, p.compression); err != nil {
		p.logError("write chunk", req.region, err)
	}
}

func (p *Pipeline) executeBatchSave(req *request) {
	f, err := p.regions.GetOrOpen(req.region)
	if err != nil {
		p.logError("resolve region for batch save", req.region, err)
		return
	}
	defer p.regions.ReleaseRegion(f)

	items := make([]region.BatchItem, len(req.batch.Chunks))
	for i := range req.batch.Chunks {
		items[i] = region.BatchItem{Index: req.batch.LocalIndices[i], Blocks: &req.batch.Chunks[i]}
	}
	n := f.WriteChunkBatch(items, p.compression, p.log)
	if n < len(items) && p.log != nil {
		p.log.Warn("batch save partially failed", "region", req.region, "wrote", n, "total", len(items))
	}
}

func (p *Pipeline) postResult(r Result) {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	p.results = append(p.results, r)
}

// PollLoad searches the completion ring for handle. On a hit it removes
// the entry and returns its result; otherwise found is false.
func (p *Pipeline) PollLoad(handle types.AsyncHandle) (result Result, found bool) {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	for i, r := range p.results {
		if r.Handle == handle {
			p.results = append(p.results[:i], p.results[i+1:]...)
			return r, true
		}
	}
	return Result{}, false
}

func (p *Pipeline) logError(what string, coord types.RegionCoord, err error) {
	if p.log == nil {
		return
	}
	p.log.Error(fmt.Sprintf("pipeline: %s", what), "region", coord, "error", err)
}

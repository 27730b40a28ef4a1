// Package storage is the public façade: init/shutdown, synchronous and
// asynchronous chunk APIs, and the tick-driven save scheduler (spec §4.9).
package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/cache"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/dirty"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/pipeline"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/region"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// minBatchBudget, maxBatchBudget, and pendingLoadDeferThreshold are the
// tick scheduler's pinned constants (spec §4.9).
const (
	minBatchBudget            = 4
	maxBatchBudget            = 20
	pendingLoadDeferThreshold = 32
)

// Storage is the public entry point a world server holds for the
// lifetime of a loaded world.
type Storage struct {
	worldDir string
	log      *slog.Logger
	cfg      Config

	regions  *cache.RegionCache
	chunks   *cache.ChunkCache
	dirtySet *dirty.Set
	pipe     *pipeline.Pipeline

	logCloser io.Closer
}

// Option configures Storage construction.
type Option func(*options)

type options struct {
	logWriterPath string
	log           *slog.Logger
}

// WithLogWriter directs the structured logger at a rotating file, using
// lumberjack.v2 for rotation, rather than stdout.
func WithLogWriter(path string) Option {
	return func(o *options) { o.logWriterPath = path }
}

// WithLogger supplies a pre-built logger, overriding WithLogWriter.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// appDataDir returns the OS's per-user application-data directory, the
// root under which every world lives.
func appDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolve app data dir: %v", types.ErrIoError, err)
	}
	return dir, nil
}

// New initializes world-directory storage for worldName: it creates
// worlds/<name>/region/ (lod<N>/ subdirectories are created lazily as
// regions at that level of detail are first touched), opens the caches
// sized from cfg, and starts the I/O pipeline. It does not read or write
// config.json.
func New(worldName string, cfg Config, opts ...Option) (*Storage, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	appData, err := appDataDir()
	if err != nil {
		return nil, err
	}
	worldDir := filepath.Join(appData, "worlds", worldName)
	if err := os.MkdirAll(filepath.Join(worldDir, "region"), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create world dir: %v", types.ErrIoError, err)
	}

	var logCloser io.Closer
	log := o.log
	if log == nil {
		var w io.Writer = os.Stdout
		if o.logWriterPath != "" {
			lj := &lumberjack.Logger{
				Filename:   o.logWriterPath,
				MaxSize:    64, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
				Compress:   true,
			}
			w = lj
			logCloser = lj
		}
		log = slog.New(slog.NewTextHandler(w, nil))
	}

	s := &Storage{
		worldDir:  worldDir,
		log:       log,
		cfg:       cfg,
		dirtySet:  dirty.New(),
		logCloser: logCloser,
	}
	s.regions = cache.New(s.openRegion, cfg.CacheRegionCapacity, log)
	s.chunks = cache.NewChunkCache(cfg.CacheChunkCapacity)
	s.pipe = pipeline.New(s.regions, s.chunks, cfg.DefaultCompression, cfg.WorkerCount, log)
	s.pipe.Start()

	log.Info("storage initialized", "world", worldName, "dir", worldDir)
	return s, nil
}

// configPath returns the path to this world's config.json.
func (s *Storage) configPath() string {
	return filepath.Join(s.worldDir, "config.json")
}

// openRegion is the RegionCache opener: it opens the region file at
// coord if present, or creates it on first touch.
func (s *Storage) openRegion(coord types.RegionCoord) (*region.File, error) {
	lodDir := filepath.Join(s.worldDir, "region", fmt.Sprintf("lod%d", coord.LOD))
	if err := os.MkdirAll(lodDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create lod dir: %v", types.ErrIoError, err)
	}
	path := filepath.Join(lodDir, fmt.Sprintf("r.%d.%d.%d.fhr", coord.RX, coord.RY, coord.RZ))

	if _, err := os.Stat(path); err == nil {
		return region.Open(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: stat region file: %v", types.ErrIoError, err)
	}
	return region.Create(path, coord, s.cfg.DefaultCompression)
}

// MarkDirty records chunk as needing a write-back at the given key.
func (s *Storage) MarkDirty(key types.ChunkKey, chunk types.Chunk) {
	s.dirtySet.MarkDirty(key, key.RegionCoord(), chunk, time.Now())
	s.chunks.Put(key, chunk)
}

// Tick runs the save scheduler once per game frame (spec §4.9).
func (s *Storage) Tick() {
	dirtyCount := s.dirtySet.Len()
	if dirtyCount == 0 {
		return
	}
	if s.pipe.QueueDepth() > pendingLoadDeferThreshold {
		return
	}

	now := time.Now()
	counts := s.dirtySet.UrgencyCounts(now)
	budget := 4 + dirtyCount/256 + min(counts.Urgent+counts.Critical, 8)
	budget = clamp(budget, minBatchBudget, maxBatchBudget)

	batches := s.dirtySet.DrainBatch(budget, now)
	for _, b := range batches {
		err := s.pipe.SubmitBatchSave(pipeline.SaveBatch{
			RegionCoord:  b.RegionCoord,
			LocalIndices: b.LocalIndices,
			Chunks:       b.Chunks,
		})
		if err != nil {
			s.log.Error("submit batch save", "region", b.RegionCoord, "error", err)
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SaveAllDirty is the shutdown drain: it drains every pending entry and
// writes each region synchronously, bypassing the pipeline, so every
// write has landed on disk before Close joins the workers.
func (s *Storage) SaveAllDirty() {
	batches := s.dirtySet.DrainAll(time.Now())
	for _, b := range batches {
		f, err := s.regions.GetOrOpen(b.RegionCoord)
		if err != nil {
			s.log.Error("shutdown drain: resolve region", "region", b.RegionCoord, "error", err)
			continue
		}
		items := make([]region.BatchItem, len(b.Chunks))
		for i := range b.Chunks {
			items[i] = region.BatchItem{Index: b.LocalIndices[i], Blocks: &b.Chunks[i]}
		}
		n := f.WriteChunkBatch(items, s.cfg.DefaultCompression, s.log)
		if n < len(items) {
			s.log.Error("shutdown drain: partial batch write", "region", b.RegionCoord, "wrote", n, "total", len(items))
		}
		s.regions.ReleaseRegion(f)
	}
}

// LoadChunk synchronously reads a chunk, consulting the chunk cache
// first.
func (s *Storage) LoadChunk(key types.ChunkKey) (types.Chunk, bool, error) {
	if c, ok := s.chunks.Get(key); ok {
		return c, true, nil
	}

	f, err := s.regions.GetOrOpen(key.RegionCoord())
	if err != nil {
		return types.Chunk{}, false, err
	}
	defer s.regions.ReleaseRegion(f)

	var chunk types.Chunk
	ok, err := f.ReadChunk(key.LocalIndex(), &chunk)
	if err != nil || !ok {
		return types.Chunk{}, false, err
	}
	s.chunks.Put(key, chunk)
	return chunk, true, nil
}

// SaveChunk synchronously writes a chunk, bypassing the dirty tracker
// and the pipeline.
func (s *Storage) SaveChunk(key types.ChunkKey, chunk types.Chunk) error {
	f, err := s.regions.GetOrOpen(key.RegionCoord())
	if err != nil {
		return err
	}
	defer s.regions.ReleaseRegion(f)

	if err := f.WriteChunk(key.LocalIndex(), &chunk, s.cfg.DefaultCompression); err != nil {
		return err
	}
	s.chunks.Put(key, chunk)
	return nil
}

// ChunkExists reports whether key has a written chunk, without caching
// it. On a chunk-cache miss it reads and decodes the chunk from disk.
func (s *Storage) ChunkExists(key types.ChunkKey) (bool, error) {
	if _, ok := s.chunks.Get(key); ok {
		return true, nil
	}
	f, err := s.regions.GetOrOpen(key.RegionCoord())
	if err != nil {
		return false, err
	}
	defer s.regions.ReleaseRegion(f)

	var scratch types.Chunk
	ok, err := f.ReadChunk(key.LocalIndex(), &scratch)
	return ok, err
}

// RequestLoadAsync enqueues a background load and returns a handle for
// PollLoad.
func (s *Storage) RequestLoadAsync(key types.ChunkKey, priority types.Priority) (types.AsyncHandle, error) {
	return s.pipe.RequestLoad(key, key.RegionCoord(), priority)
}

// PollLoad checks whether an asynchronous load has completed.
func (s *Storage) PollLoad(handle types.AsyncHandle) (pipeline.Result, bool) {
	return s.pipe.PollLoad(handle)
}

// GetCached returns a chunk already resident in the chunk cache, without
// touching disk.
func (s *Storage) GetCached(key types.ChunkKey) (types.Chunk, bool) {
	return s.chunks.Get(key)
}

// InvalidateCache drops key from the chunk cache, forcing the next read
// to go to disk.
func (s *Storage) InvalidateCache(key types.ChunkKey) {
	s.chunks.Invalidate(key)
}

// LoadRegion synchronously loads every present chunk whose coordinates
// fall within [min, max] (inclusive) at the given LOD.
func (s *Storage) LoadRegion(min, max types.ChunkKey, lod uint8) (map[types.ChunkKey]types.Chunk, error) {
	result := make(map[types.ChunkKey]types.Chunk)
	for cx := min.CX; cx <= max.CX; cx++ {
		for cy := min.CY; cy <= max.CY; cy++ {
			for cz := min.CZ; cz <= max.CZ; cz++ {
				key := types.ChunkKey{CX: cx, CY: cy, CZ: cz, LOD: lod}
				chunk, ok, err := s.LoadChunk(key)
				if err != nil {
					return nil, err
				}
				if ok {
					result[key] = chunk
				}
			}
		}
	}
	return result, nil
}

// Close performs the shutdown drain, stops the pipeline, closes every
// resident region file, and closes the log writer if one was opened.
func (s *Storage) Close() error {
	s.SaveAllDirty()
	s.pipe.Stop()
	s.regions.CloseAll()
	if s.logCloser != nil {
		return s.logCloser.Close()
	}
	return nil
}

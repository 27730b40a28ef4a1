// Command voxelstore-bench drives the Storage façade end-to-end: it
// writes a batch of chunks through markDirty/tick, reads them back, and
// reports basic throughput numbers. It exists to exercise the engine the
// way a world server would, without a full game loop attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/storage"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

func main() {
	cfg := storage.DefaultConfig()

	var (
		worldName  string
		chunkCount int
		lod        uint
		compress   string
	)
	flag.StringVar(&worldName, "world-name", "bench", "world directory name under the app-data worlds/ root")
	flag.IntVar(&chunkCount, "chunk-count", 2000, "number of distinct chunks to write and read back")
	flag.UintVar(&lod, "lod", 0, "level of detail to exercise")
	flag.StringVar(&compress, "compression", "deflate", "default compression: none, deflate, or zstd")
	flag.IntVar(&cfg.WorkerCount, "worker-count", cfg.WorkerCount, "I/O pipeline worker count")
	flag.Parse()

	switch compress {
	case "none":
		cfg.DefaultCompression = types.CompressionNone
	case "deflate":
		cfg.DefaultCompression = types.CompressionDeflate
	case "zstd":
		cfg.DefaultCompression = types.CompressionZstd
	default:
		fmt.Fprintf(os.Stderr, "unknown compression %q\n", compress)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.New(worldName, cfg)
	if err != nil {
		log.Error("create storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("close storage", "error", err)
		}
	}()

	keys := make([]types.ChunkKey, chunkCount)
	rng := rand.New(rand.NewSource(1))
	for i := range keys {
		keys[i] = types.ChunkKey{
			CX:  int16(rng.Intn(64) - 32),
			CY:  int16(rng.Intn(64) - 32),
			CZ:  int16(rng.Intn(64) - 32),
			LOD: uint8(lod),
		}
	}

	start := time.Now()
	for i, key := range keys {
		var chunk types.Chunk
		chunk[0] = types.BlockType(i % 256)
		store.MarkDirty(key, chunk)

		if ctx.Err() != nil {
			log.Warn("interrupted during markDirty, draining what's pending")
			break
		}
		store.Tick()
	}
	store.SaveAllDirty()
	writeElapsed := time.Since(start)

	start = time.Now()
	hits := 0
	for _, key := range keys {
		if _, ok, err := store.LoadChunk(key); err != nil {
			log.Error("load chunk", "key", key, "error", err)
		} else if ok {
			hits++
		}
	}
	readElapsed := time.Since(start)

	log.Info("bench complete",
		"chunks", chunkCount,
		"write_elapsed", writeElapsed,
		"read_elapsed", readElapsed,
		"read_hits", hits,
	)
}

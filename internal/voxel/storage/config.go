package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/cache"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/pipeline"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// Config holds the tunables a world server sets once at init: cache
// sizes, worker count, and the default write compression algorithm.
type Config struct {
	CacheRegionCapacity int                   `json:"cache_region_capacity" mapstructure:"cache_region_capacity"`
	CacheChunkCapacity  int                   `json:"cache_chunk_capacity" mapstructure:"cache_chunk_capacity"`
	WorkerCount         int                   `json:"worker_count" mapstructure:"worker_count"`
	DefaultCompression  types.CompressionAlgo `json:"default_compression" mapstructure:"default_compression"`
}

// DefaultConfig returns the configuration spec §4.9 assumes when a world
// has no saved config.json: deflate compression and the caches' natural
// capacities.
func DefaultConfig() Config {
	return Config{
		CacheRegionCapacity: cache.RegionCacheCapacity,
		CacheChunkCapacity:  cache.ChunkCacheCapacity,
		WorkerCount:         pipeline.MaxWorkers,
		DefaultCompression:  types.CompressionDeflate,
	}
}

// LoadConfig reads path (a JSON file) into a Config, falling back to
// DefaultConfig for any field the file omits, and lets every field be
// overridden by a VOXELSTORE_-prefixed environment variable without any
// additional parsing code. If path does not exist, LoadConfig returns
// DefaultConfig unchanged, matching the teacher's LoadConfig semantics.
func LoadConfig(path string) (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("VOXELSTORE")
	v.AutomaticEnv()
	v.SetDefault("cache_region_capacity", def.CacheRegionCapacity)
	v.SetDefault("cache_chunk_capacity", def.CacheChunkCapacity)
	v.SetDefault("worker_count", def.WorkerCount)
	v.SetDefault("default_compression", int(def.DefaultCompression))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return def, fmt.Errorf("%w: read config %s: %v", types.ErrIoError, path, err)
		}
	}

	var raw struct {
		CacheRegionCapacity int `mapstructure:"cache_region_capacity"`
		CacheChunkCapacity  int `mapstructure:"cache_chunk_capacity"`
		WorkerCount         int `mapstructure:"worker_count"`
		DefaultCompression  int `mapstructure:"default_compression"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return def, fmt.Errorf("%w: parse config %s: %v", types.ErrIoError, path, err)
	}

	return Config{
		CacheRegionCapacity: raw.CacheRegionCapacity,
		CacheChunkCapacity:  raw.CacheChunkCapacity,
		WorkerCount:         raw.WorkerCount,
		DefaultCompression:  types.CompressionAlgo(raw.DefaultCompression),
	}, nil
}

// SaveConfig writes cfg to path atomically via a temp file and rename.
func SaveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write temp config: %v", types.ErrIoError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename temp config: %v", types.ErrIoError, err)
	}
	return nil
}

// Package cache implements the two in-memory caches sitting in front of
// persistent storage: a CLOCK cache of open region-file handles, and an
// open-addressed CLOCK cache of decoded chunks (spec §4.5, §4.6).
package cache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/region"
	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// RegionCacheCapacity is the fixed number of open region-file handles the
// cache holds at once.
const RegionCacheCapacity = 64

// Opener opens (or creates) the region file for coord. The region cache
// calls it while holding its own mutex, serializing opens to guarantee a
// single handle per region coordinate.
type Opener func(coord types.RegionCoord) (*region.File, error)

type regionEntry struct {
	valid        bool
	coord        types.RegionCoord
	file         *region.File
	recentlyUsed bool
}

// RegionCache is a mutex-protected, fixed-size CLOCK cache of open
// RegionFile handles, ref-counted so workers can use a handle while the
// cache concurrently evicts other entries.
type RegionCache struct {
	mu        sync.Mutex
	capacity  int
	slots     []regionEntry
	clockHand int
	opener    Opener
	log       *slog.Logger
}

// New creates a RegionCache of the given capacity that opens missing
// regions via opener. A non-positive capacity falls back to
// RegionCacheCapacity.
func New(opener Opener, capacity int, log *slog.Logger) *RegionCache {
	if capacity <= 0 {
		capacity = RegionCacheCapacity
	}
	return &RegionCache{opener: opener, capacity: capacity, slots: make([]regionEntry, capacity), log: log}
}

// GetOrOpen returns a referenced handle for coord, opening it if not
// already resident. The caller must call ReleaseRegion when done.
func (c *RegionCache) GetOrOpen(coord types.RegionCoord) (*region.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		if c.slots[i].valid && c.slots[i].coord == coord {
			c.slots[i].recentlyUsed = true
			c.slots[i].file.Ref()
			return c.slots[i].file, nil
		}
	}

	f, err := c.opener(coord)
	if err != nil {
		return nil, err
	}

	idx, err := c.findSlotForInsert()
	if err != nil {
		f.Close()
		return nil, err
	}

	if c.slots[idx].valid {
		c.evictSlot(idx)
	}

	f.Ref() // the cache's own residency reference
	f.Ref() // the caller's reference
	c.slots[idx] = regionEntry{valid: true, coord: coord, file: f, recentlyUsed: true}
	return f, nil
}

// findSlotForInsert returns an empty slot if one exists, otherwise runs
// CLOCK eviction bounded to 2*capacity scan steps.
func (c *RegionCache) findSlotForInsert() (int, error) {
	for i := range c.slots {
		if !c.slots[i].valid {
			return i, nil
		}
	}

	limit := 2 * c.capacity
	for step := 0; step < limit; step++ {
		i := c.clockHand
		c.clockHand = (c.clockHand + 1) % c.capacity

		if c.slots[i].file.RefCount() > 1 {
			continue // in active use by a worker
		}
		if c.slots[i].recentlyUsed {
			c.slots[i].recentlyUsed = false
			continue
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: region cache has no evictable slot", types.ErrOutOfSpace)
}

// evictSlot closes the region file in slot i if the cache's own reference
// was the last one, and marks the slot invalid.
func (c *RegionCache) evictSlot(i int) {
	f := c.slots[i].file
	if f.Unref() == 0 {
		if err := f.Close(); err != nil && c.log != nil {
			c.log.Error("close evicted region file", "path", f.Path(), "error", err)
		}
	}
	c.slots[i] = regionEntry{}
}

// ReleaseRegion decrements f's reference count. If the count reaches zero
// here — meaning the cache has already evicted it — this closes the file
// as a safety net; ordinarily the cache's own reference keeps it open.
func (c *RegionCache) ReleaseRegion(f *region.File) {
	if f.Unref() == 0 {
		if err := f.Close(); err != nil && c.log != nil {
			c.log.Error("close released region file", "path", f.Path(), "error", err)
		}
	}
}

// FlushAll fsyncs every resident region file.
func (c *RegionCache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for i := range c.slots {
		if !c.slots[i].valid {
			continue
		}
		if err := c.slots[i].file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CloseAll closes every resident region file, regardless of reference
// count. Used during Storage shutdown after all workers have joined.
func (c *RegionCache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		if !c.slots[i].valid {
			continue
		}
		if err := c.slots[i].file.Close(); err != nil && c.log != nil {
			c.log.Error("close region file at shutdown", "path", c.slots[i].file.Path(), "error", err)
		}
		c.slots[i] = regionEntry{}
	}
}

package cache

import (
	"sync"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// ChunkCacheCapacity is the fixed number of decoded-chunk slots.
const ChunkCacheCapacity = 4096

type chunkSlot struct {
	valid      bool
	referenced bool
	key        types.ChunkKey
	chunk      types.Chunk
}

// ChunkCache is an open-addressed, linear-probed cache of decoded chunks
// with CLOCK eviction and backward-shift deletion, so a miss never has to
// walk past a hole left by a prior delete.
type ChunkCache struct {
	mu        sync.Mutex
	capacity  int
	slots     []chunkSlot
	clockHand int
}

// NewChunkCache creates an empty ChunkCache of the given capacity. A
// non-positive capacity falls back to ChunkCacheCapacity.
func NewChunkCache(capacity int) *ChunkCache {
	if capacity <= 0 {
		capacity = ChunkCacheCapacity
	}
	return &ChunkCache{capacity: capacity, slots: make([]chunkSlot, capacity)}
}

// mix64 folds a 64-bit key with two odd multipliers and xorshift-33 folds,
// the same finisher used to scramble hash-map keys in fmix64-style mixers.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func natural(key types.ChunkKey, capacity int) int {
	return int(mix64(key.Pack()) % uint64(capacity))
}

// Get returns the cached chunk for key, if present.
func (c *ChunkCache) Get(key types.ChunkKey) (types.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := natural(key, c.capacity)
	for i := 0; i < c.capacity; i++ {
		pos := (idx + i) % c.capacity
		s := &c.slots[pos]
		if !s.valid {
			return types.Chunk{}, false
		}
		if s.key == key {
			s.referenced = true
			return s.chunk, true
		}
	}
	return types.Chunk{}, false
}

// Put inserts or updates the cached entry for key.
func (c *ChunkCache) Put(key types.ChunkKey, chunk types.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := natural(key, c.capacity)
	for i := 0; i < c.capacity; i++ {
		pos := (idx + i) % c.capacity
		s := &c.slots[pos]
		if !s.valid {
			*s = chunkSlot{valid: true, referenced: true, key: key, chunk: chunk}
			return
		}
		if s.key == key {
			s.chunk = chunk
			s.referenced = true
			return
		}
	}

	// Table is full: evict via CLOCK and install in the freed slot.
	pos := c.evictClock()
	c.slots[pos] = chunkSlot{valid: true, referenced: true, key: key, chunk: chunk}
}

func (c *ChunkCache) evictClock() int {
	limit := 2 * c.capacity
	for step := 0; step < limit; step++ {
		i := c.clockHand
		c.clockHand = (c.clockHand + 1) % c.capacity

		if !c.slots[i].valid {
			return i
		}
		if c.slots[i].referenced {
			c.slots[i].referenced = false
			continue
		}
		return i
	}
	// Every slot referenced within the scan window: take the hand position.
	return c.clockHand
}

// Invalidate removes key from the cache if present, repairing the probe
// chain with backward-shift deletion so later lookups along the same
// chain remain correct.
func (c *ChunkCache) Invalidate(key types.ChunkKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := natural(key, c.capacity)
	hole := -1
	for i := 0; i < c.capacity; i++ {
		pos := (idx + i) % c.capacity
		s := &c.slots[pos]
		if !s.valid {
			return // not present
		}
		if s.key == key {
			hole = pos
			break
		}
	}
	if hole == -1 {
		return
	}
	c.slots[hole] = chunkSlot{}

	j := hole
	for {
		next := (j + 1) % c.capacity
		if !c.slots[next].valid {
			return
		}
		k := natural(c.slots[next].key, c.capacity)
		if !canMove(hole, k, next) {
			j = next
			continue
		}
		c.slots[hole] = c.slots[next]
		c.slots[next] = chunkSlot{}
		hole = next
		j = next
	}
}

// canMove reports whether the element currently at position j, whose
// natural (home) bucket is k, may be shifted back into the hole at i
// without being found unreachable by a future probe starting at k.
func canMove(i, k, j int) bool {
	if i <= j {
		return !(i < k && k <= j)
	}
	return !(i < k || k <= j)
}

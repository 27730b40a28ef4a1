// Package dirty tracks chunks pending a write-back, classifying them into
// urgency tiers and draining them in per-region batches (spec §4.7).
package dirty

import (
	"sort"
	"sync"
	"time"

	"github.com/OCharnyshevich/voxelstore/internal/voxel/types"
)

// Urgency orders how pressing a dirty chunk's write-back is. Lower values
// are more urgent and sort first.
type Urgency uint8

const (
	UrgencyCritical Urgency = iota
	UrgencyUrgent
	UrgencyNormal
	UrgencyDeferred
)

const (
	urgentAge     = 30 * time.Second
	normalAge     = 5 * time.Second
	normalIdleAge = 2 * time.Second
)

// MaxBatchSize bounds both the number of entries drained per call and the
// size of each resulting RegionBatch.
const MaxBatchSize = 20

// entry owns a deep copy of a chunk between the mutation that dirtied it
// and the write-back that clears it.
type entry struct {
	key            types.ChunkKey
	regionCoord    types.RegionCoord
	firstDirtyTime time.Time
	lastDirtyTime  time.Time
	snapshot       types.Chunk
}

func classify(e entry, now time.Time) Urgency {
	age := now.Sub(e.firstDirtyTime)
	idle := now.Sub(e.lastDirtyTime)
	switch {
	case age > urgentAge:
		return UrgencyUrgent
	case age > normalAge && idle > normalIdleAge:
		return UrgencyNormal
	default:
		return UrgencyDeferred
	}
}

// UrgencyCounts tallies how many dirty entries fall into each tier as of
// the moment it's called.
type UrgencyCounts struct {
	Critical int
	Urgent   int
	Normal   int
	Deferred int
}

// RegionBatch groups drained entries destined for the same region file.
type RegionBatch struct {
	RegionCoord  types.RegionCoord
	LocalIndices []int
	Keys         []types.ChunkKey
	Chunks       []types.Chunk
}

// Set is the mutex-protected map of pending chunk snapshots.
type Set struct {
	mu      sync.Mutex
	entries map[types.ChunkKey]entry
}

// New creates an empty dirty set.
func New() *Set {
	return &Set{entries: make(map[types.ChunkKey]entry)}
}

// MarkDirty records key as needing a write-back with the given snapshot.
// A second mark before the entry drains collapses onto the same entry:
// the snapshot is overwritten and only last_dirty_time advances.
func (s *Set) MarkDirty(key types.ChunkKey, region types.RegionCoord, chunk types.Chunk, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.snapshot = chunk
		e.lastDirtyTime = now
		s.entries[key] = e
		return
	}
	s.entries[key] = entry{
		key:            key,
		regionCoord:    region,
		firstDirtyTime: now,
		lastDirtyTime:  now,
		snapshot:       chunk,
	}
}

// Len returns the number of pending dirty entries.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// UrgencyCounts classifies every pending entry against now.
func (s *Set) UrgencyCounts(now time.Time) UrgencyCounts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c UrgencyCounts
	for _, e := range s.entries {
		switch classify(e, now) {
		case UrgencyUrgent:
			c.Urgent++
		case UrgencyNormal:
			c.Normal++
		default:
			c.Deferred++
		}
	}
	return c
}

// DrainBatch selects up to budget entries (capped at MaxBatchSize),
// preferring the most urgent first and clustering the rest by region to
// minimize the number of region files touched by one drain. Selected
// entries are removed from the set; the caller takes ownership of the
// returned snapshots.
func (s *Set) DrainBatch(budget int, now time.Time) []RegionBatch {
	if budget > MaxBatchSize {
		budget = MaxBatchSize
	}
	if budget <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		entry   entry
		urgency Urgency
		regHash uint64
	}
	candidates := make([]candidate, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, candidate{
			entry:   e,
			urgency: classify(e, now),
			regHash: e.regionCoord.Hash(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].urgency != candidates[j].urgency {
			return candidates[i].urgency < candidates[j].urgency
		}
		if candidates[i].regHash != candidates[j].regHash {
			return candidates[i].regHash < candidates[j].regHash
		}
		return candidates[i].entry.key.Pack() < candidates[j].entry.key.Pack()
	})

	selected := make([]candidate, 0, budget)
	for _, c := range candidates {
		if len(selected) >= budget {
			break
		}
		selected = append(selected, c)
	}

	batchesByRegion := make(map[types.RegionCoord]*RegionBatch)
	order := make([]types.RegionCoord, 0)
	for _, c := range selected {
		b, ok := batchesByRegion[c.entry.regionCoord]
		if !ok {
			b = &RegionBatch{RegionCoord: c.entry.regionCoord}
			batchesByRegion[c.entry.regionCoord] = b
			order = append(order, c.entry.regionCoord)
		}
		if len(b.Keys) >= MaxBatchSize {
			continue
		}
		b.LocalIndices = append(b.LocalIndices, c.entry.key.LocalIndex())
		b.Keys = append(b.Keys, c.entry.key)
		b.Chunks = append(b.Chunks, c.entry.snapshot)
		delete(s.entries, c.entry.key)
	}

	batches := make([]RegionBatch, 0, len(order))
	for _, rc := range order {
		batches = append(batches, *batchesByRegion[rc])
	}
	return batches
}

// DrainAll drains every pending entry regardless of budget, grouped by
// region, for use during the shutdown synchronous flush.
func (s *Set) DrainAll(now time.Time) []RegionBatch {
	var all []RegionBatch
	for s.Len() > 0 {
		batches := s.DrainBatch(MaxBatchSize, now)
		if len(batches) == 0 {
			break
		}
		all = append(all, batches...)
	}
	return all
}

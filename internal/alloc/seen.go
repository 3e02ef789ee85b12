package alloc

import (
	"encoding/binary"
	"sync"

	"github.com/hangwatch/hangwatch/internal/allocdb"
	"github.com/hangwatch/hangwatch/internal/platform"
)

// seenSet is one producing thread's record of which stack hashes it has
// already shipped inline. The set counts sightings so a producer-side
// elision can decrement: an elided alloc's stack never reached the drain
// thread, and the next sighting must ship frames again.
//
// Only the owning thread touches its set, so there is no lock.
type seenSet struct {
	counts map[uint64]uint32
}

func newSeenSet() *seenSet {
	return &seenSet{counts: make(map[uint64]uint32)}
}

// firstSighting bumps the count and reports whether frames must travel
// inline.
func (s *seenSet) firstSighting(hash uint64) bool {
	c := s.counts[hash]
	s.counts[hash] = c + 1
	return c == 0
}

// decrement undoes one sighting after an elision.
func (s *seenSet) decrement(hash uint64) {
	if c := s.counts[hash]; c > 1 {
		s.counts[hash] = c - 1
	} else {
		delete(s.counts, hash)
	}
}

// seenSets hands each thread its set, keyed by kernel thread id.
type seenSets struct {
	m sync.Map // platform.ThreadID -> *seenSet
}

func (s *seenSets) forThread(tid platform.ThreadID) *seenSet {
	if v, ok := s.m.Load(tid); ok {
		return v.(*seenSet)
	}
	set := newSeenSet()
	actual, _ := s.m.LoadOrStore(tid, set)
	return actual.(*seenSet)
}

// dedupCache is the drain thread's front cache over the stack table: an
// open-addressed hash set whose backing store is the run's bump-pool file.
// It answers "already persisted?" without probing the mmap'ed table. The
// pool supports no free, so growth simply abandons the old region; the
// whole file is discarded at process exit.
//
// Single owner (the drain thread); not safe for concurrent use.
type dedupCache struct {
	pool  *allocdb.BumpPool
	off   int
	slots int
	used  int
}

const dedupInitialSlots = 4096

func newDedupCache(pool *allocdb.BumpPool) (*dedupCache, error) {
	c := &dedupCache{pool: pool}
	if err := c.reset(dedupInitialSlots); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *dedupCache) reset(slots int) error {
	off, err := c.pool.Alloc(slots * 8)
	if err != nil {
		return err
	}
	b := c.pool.Bytes(off, slots*8)
	for i := range b {
		b[i] = 0
	}
	c.off = off
	c.slots = slots
	c.used = 0
	return nil
}

// insert adds hash and reports whether it was absent. A zero hash is
// never cached.
func (c *dedupCache) insert(hash uint64) (fresh bool, err error) {
	if hash == 0 {
		return false, nil
	}
	if c.used*4 >= c.slots*3 {
		if err := c.grow(); err != nil {
			return false, err
		}
	}
	b := c.pool.Bytes(c.off, c.slots*8)
	i := int(hashTID(hash) % uint64(c.slots))
	for {
		cur := binary.LittleEndian.Uint64(b[i*8 : i*8+8])
		if cur == hash {
			return false, nil
		}
		if cur == 0 {
			binary.LittleEndian.PutUint64(b[i*8:i*8+8], hash)
			c.used++
			return true, nil
		}
		i = (i + 1) % c.slots
	}
}

func (c *dedupCache) grow() error {
	oldOff, oldSlots := c.off, c.slots
	old := make([]byte, oldSlots*8)
	copy(old, c.pool.Bytes(oldOff, oldSlots*8))

	if err := c.reset(oldSlots * 2); err != nil {
		return err
	}
	for i := 0; i < oldSlots; i++ {
		h := binary.LittleEndian.Uint64(old[i*8 : i*8+8])
		if h != 0 {
			if _, err := c.insert(h); err != nil {
				return err
			}
		}
	}
	return nil
}

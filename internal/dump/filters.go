package dump

import (
	"sync"
	"time"
	"unsafe"

	"github.com/zeebo/xxh3"

	"github.com/hangwatch/hangwatch/internal/platform"
)

// Filter defaults.
const (
	// DefaultMinPointStackDepth: shallower point stacks carry no
	// diagnostic value.
	DefaultMinPointStackDepth = 3
	// DefaultAnnealingWindow suppresses repeats of one fingerprint.
	DefaultAnnealingWindow = 60 * time.Second
)

// filters owns the shared dump-decision state: the daily quota ledger and
// the per-fingerprint annealing cooldown. Both detectors route through one
// instance.
type filters struct {
	clock platform.Clock

	minDepth  int
	annealing time.Duration
	quota     int

	mu        sync.Mutex
	day       string
	emitted   int
	lastEmits map[uint64]time.Duration
}

func newFilters(clock platform.Clock, minDepth int, annealing time.Duration, quota int) *filters {
	if minDepth <= 0 {
		minDepth = DefaultMinPointStackDepth
	}
	if annealing <= 0 {
		annealing = DefaultAnnealingWindow
	}
	return &filters{
		clock:     clock,
		minDepth:  minDepth,
		annealing: annealing,
		quota:     quota,
		lastEmits: make(map[uint64]time.Duration),
	}
}

// Fingerprint identifies a point stack for annealing purposes.
func Fingerprint(addrs []uint64) uint64 {
	if len(addrs) == 0 {
		return 0
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&addrs[0])), len(addrs)*8)
	return xxh3.Hash(b)
}

// admit decides whether a dump with the given point stack may be emitted
// now, recording the emission when allowed. stackAddrs may be nil for
// kinds with no point stack (sustained CPU), which skips the depth and
// annealing checks but still consumes quota.
func (f *filters) admit(stackAddrs []uint64) FilterReason {
	f.mu.Lock()
	defer f.mu.Unlock()

	day := f.clock.NowWall().Format("2006-01-02")
	if day != f.day {
		f.day = day
		f.emitted = 0
	}
	if f.quota > 0 && f.emitted >= f.quota {
		return FilterTooMuch
	}

	if stackAddrs != nil {
		if len(stackAddrs) < f.minDepth {
			return FilterMeaningless
		}
		fp := Fingerprint(stackAddrs)
		now := f.clock.NowMonotonic()
		if last, ok := f.lastEmits[fp]; ok && now-last < f.annealing {
			return FilterAnnealing
		}
		f.lastEmits[fp] = now
	}

	f.emitted++
	return FilterNone
}

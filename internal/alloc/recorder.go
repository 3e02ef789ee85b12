package alloc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/hangwatch/hangwatch/internal/allocdb"
	"github.com/hangwatch/hangwatch/internal/config"
	errs "github.com/hangwatch/hangwatch/internal/errors"
	"github.com/hangwatch/hangwatch/internal/eventbuf"
	"github.com/hangwatch/hangwatch/internal/platform"
	"github.com/hangwatch/hangwatch/internal/stack"
)

// Recorder owns the allocation-event pipeline: it installs the logger
// hook, runs the dispatcher in every allocating thread, and feeds the
// drain thread that persists the on-disk tables.
type Recorder struct {
	cfg     config.Config
	logger  zerolog.Logger
	threads platform.Threads
	run     *allocdb.RunDir

	enabled atomic.Bool
	lastErr atomic.Pointer[error]

	pool    *eventbuf.Pool
	queue   *eventbuf.Queue
	buffers *eventbuf.Buffers
	seen    seenSets
	ignore  ignoreTable

	types    *allocdb.TypeTable
	d        *drainer
	stopOnce sync.Once
}

// NewRecorder opens the run's on-disk tables, starts the drain thread,
// and installs the logger hook. Any init failure leaves the process
// uninstrumented and the returned error carries the cause.
func NewRecorder(cfg config.Config, threadsAPI platform.Threads, clock platform.Clock, run *allocdb.RunDir, logger zerolog.Logger) (*Recorder, error) {
	if analysisToolRunning() {
		return nil, ErrAnalysisToolRunning
	}

	allocTable, err := allocdb.OpenAllocTable(run.File(allocdb.AllocTableFile))
	if err != nil {
		return nil, fmt.Errorf("alloc-table open failed: %w", err)
	}
	stackTable, err := allocdb.OpenStackTable(run.File(allocdb.StackTableFile))
	if err != nil {
		_ = errs.CloseAll(allocTable)
		return nil, fmt.Errorf("stack-table open failed: %w", err)
	}
	types, err := allocdb.OpenTypeTable(run.File(allocdb.ObjectTypeFile))
	if err != nil {
		_ = errs.CloseAll(allocTable, stackTable)
		return nil, fmt.Errorf("object-type open failed: %w", err)
	}
	bump, err := allocdb.OpenBumpPool(run.File(allocdb.BumpPoolFile))
	if err != nil {
		_ = errs.CloseAll(allocTable, stackTable, types)
		return nil, fmt.Errorf("dedup-pool open failed: %w", err)
	}

	r := &Recorder{
		cfg:     cfg,
		logger:  logger.With().Str("component", "alloc_recorder").Logger(),
		threads: threadsAPI,
		run:     run,
		pool:    eventbuf.NewPool(),
		queue:   eventbuf.NewQueue(),
		types:   types,
	}
	r.buffers = eventbuf.NewBuffers(r.pool, r.queue)

	d, err := newDrainer(r, allocTable, stackTable, bump, clock)
	if err != nil {
		_ = errs.CloseAll(allocTable, stackTable, types, bump)
		return nil, fmt.Errorf("working thread create failed: %w", err)
	}
	r.d = d

	r.enabled.Store(true)
	hook := LoggerFunc(r.dispatch)
	InstallLogger(hook)
	go d.run()

	r.logger.Info().Str("run_dir", run.Path).Msg("Allocation recording started")
	return r, nil
}

// Stop clears the hook so no new events enter, then shuts the drain
// thread down: remaining segments are processed, files flushed and
// closed, the pool released.
func (r *Recorder) Stop() {
	if r.enabled.CompareAndSwap(true, false) {
		InstallLogger(nil)
	}
	r.stopOnce.Do(func() {
		r.d.shutdown()
		if err := r.types.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close type table")
		}
		r.logger.Info().Msg("Allocation recording stopped")
	})
}

// Err returns the error that disabled the recorder, if any.
func (r *Recorder) Err() error {
	if p := r.lastErr.Load(); p != nil {
		return *p
	}
	if !r.enabled.Load() {
		return ErrDisabled
	}
	return nil
}

// disable is the hard-error path: the hook is cleared, the subsystem goes
// inert, and subsequent calls report err.
func (r *Recorder) disable(err error) {
	if !r.enabled.CompareAndSwap(true, false) {
		return
	}
	InstallLogger(nil)
	r.lastErr.Store(&err)
	r.logger.Error().Err(err).Msg("Allocation recording disabled")
}

// IgnoreCurrentThread marks the calling thread's events as internal; its
// allocations never re-enter the dispatcher. Core threads call this at
// startup and around any self-use of the allocator.
func (r *Recorder) IgnoreCurrentThread() {
	r.ignore.set(r.threads.Current())
}

// UnignoreCurrentThread reverses IgnoreCurrentThread.
func (r *Recorder) UnignoreCurrentThread() {
	r.ignore.clear(r.threads.Current())
}

// dispatch is the installed hook. It runs on the allocating thread and
// must return in single-digit microseconds; it contends with nothing but
// the drain thread claiming a full segment.
func (r *Recorder) dispatch(kind uint32, zone, arg2, arg3, result uint64, framesToSkip int) {
	if !r.enabled.Load() {
		return
	}
	tid := r.threads.Current()
	if r.ignore.has(tid) {
		return
	}
	if kind&KindMappedFile != 0 {
		return
	}

	isAlloc := kind&KindAlloc != 0
	isFree := kind&KindFree != 0
	var segFlags byte
	if kind&KindVM != 0 {
		if isAlloc {
			if a := VMAlias(kind); a >= VMMemoryMalloc && a <= VMMemoryMallocNano {
				return // the heap growing itself; the user malloc follows
			}
		}
		segFlags |= eventbuf.FlagVM
	}

	switch {
	case isAlloc && isFree:
		// realloc(old, newSize) -> result.
		old, newSize, addr := arg2, arg3, result
		if addr == 0 {
			return
		}
		if old != 0 && old != addr {
			r.recordFree(tid, old, segFlags)
		}
		r.recordAlloc(tid, addr, newSize, segFlags, kind, framesToSkip+1)
	case isAlloc:
		if result == 0 {
			return
		}
		r.recordAlloc(tid, result, arg2, segFlags, kind, framesToSkip+1)
	case isFree:
		if arg2 == 0 {
			return // free(NULL)
		}
		r.recordFree(tid, arg2, segFlags)
	}
}

// recordAlloc appends an alloc record, capturing the calling thread's own
// stack on the suspension-free fast path when configured to.
func (r *Recorder) recordAlloc(tid platform.ThreadID, addr, size uint64, segFlags byte, kind uint32, skip int) {
	isObject := kind&KindObject != 0
	if isObject {
		segFlags |= eventbuf.FlagObject
	}

	var hash uint64
	var inlineFrames []uint64
	if r.shouldCaptureStack(size, isObject) {
		var pcs [stack.MaxSampleDepth]uint64
		n := platform.SelfStack(skip+1, pcs[:])
		if n > r.cfg.SkipMaxStackDepth {
			frames := pcs[:n]
			hash = hashFrames(frames)
			if r.seen.forThread(tid).firstSighting(hash) {
				inlineFrames = frames
			}
		}
	}

	seg := r.buffers.ForThread(tid)
	for {
		seg.Lock()
		ok := seg.AppendAlloc(addr, size, 0, segFlags, hash, inlineFrames)
		seg.Unlock()
		if ok {
			return
		}
		seg = r.buffers.Rotate(tid, seg)
	}
}

func (r *Recorder) recordFree(tid platform.ThreadID, addr uint64, segFlags byte) {
	seg := r.buffers.ForThread(tid)
	for {
		seg.Lock()
		elidedHash, _, ok := seg.AppendFree(addr, segFlags)
		seg.Unlock()
		if ok {
			if elidedHash != 0 {
				r.seen.forThread(tid).decrement(elidedHash)
			}
			return
		}
		seg = r.buffers.Rotate(tid, seg)
	}
}

// LogTypeUpdate attaches a type tag to a live allocation. The name is
// interned through the on-disk type table; only a first sighting touches
// the file.
func (r *Recorder) LogTypeUpdate(addr uint64, typeName string) {
	if !r.enabled.Load() || addr == 0 {
		return
	}
	tid := r.threads.Current()
	if r.ignore.has(tid) {
		return
	}
	tag, err := r.types.Intern(typeName)
	if err != nil {
		r.logger.Warn().Err(err).Str("type", typeName).Msg("Failed to intern type name")
		return
	}
	seg := r.buffers.ForThread(tid)
	for {
		seg.Lock()
		ok := seg.AppendUpdateType(addr, tag)
		seg.Unlock()
		if ok {
			return
		}
		seg = r.buffers.Rotate(tid, seg)
	}
}

// ProbeStack captures the calling thread's stack and ships it to the
// stack table without an accompanying allocation. Used to seed provenance
// for work about to be handed to another thread.
func (r *Recorder) ProbeStack(skip int) uint64 {
	if !r.enabled.Load() {
		return 0
	}
	tid := r.threads.Current()
	if r.ignore.has(tid) {
		return 0
	}
	var pcs [stack.MaxSampleDepth]uint64
	n := platform.SelfStack(skip+1, pcs[:])
	if n == 0 {
		return 0
	}
	frames := pcs[:n]
	hash := hashFrames(frames)

	seg := r.buffers.ForThread(tid)
	for {
		seg.Lock()
		ok := seg.AppendStackProbe(hash, frames)
		seg.Unlock()
		if ok {
			return hash
		}
		seg = r.buffers.Rotate(tid, seg)
	}
}

func (r *Recorder) shouldCaptureStack(size uint64, isObject bool) bool {
	switch r.cfg.CaptureCallStacksMode {
	case config.StackCaptureNone:
		return false
	case config.StackCaptureObjects:
		if !isObject {
			return false
		}
	}
	return size >= uint64(r.cfg.SkipMinAllocSize)
}

// SnapshotLive synthesizes a snapshot of the live-allocation table on the
// drain thread, after everything queued ahead of it has drained. Records
// still in a producer's open, partly filled segment are not included.
func (r *Recorder) SnapshotLive() ([]allocdb.AllocRow, error) {
	if !r.enabled.Load() {
		return nil, r.Err()
	}
	return r.d.snapshot()
}

// hashFrames fingerprints a stack with a 64-bit hash over the raw frame
// addresses.
func hashFrames(frames []uint64) uint64 {
	if len(frames) == 0 {
		return 0
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&frames[0])), len(frames)*8)
	h := xxh3.Hash(b)
	if h == 0 {
		h = 1 // 0 is the empty marker everywhere downstream
	}
	return h
}

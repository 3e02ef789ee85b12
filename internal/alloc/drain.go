package alloc

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangwatch/hangwatch/internal/allocdb"
	errs "github.com/hangwatch/hangwatch/internal/errors"
	"github.com/hangwatch/hangwatch/internal/eventbuf"
	"github.com/hangwatch/hangwatch/internal/platform"
)

// Drain pacing: an idle round stretches the sleep by 5 ms up to the cap; a
// round that moved records sleeps not at all. While running, only queued
// (full, rotated) segments are drained: a record in a thread's open segment
// reaches the tables when that segment rotates or at shutdown.
const (
	drainSleepStep = 5 * time.Millisecond
	drainSleepMax  = 10 * time.Millisecond
)

// drainer is the single consumer of full segments and the only writer of
// the mmap'ed tables.
type drainer struct {
	r      *Recorder
	logger zerolog.Logger
	clock  platform.Clock

	allocTable *allocdb.AllocTable
	stackTable *allocdb.StackTable
	bump       *allocdb.BumpPool
	dedup      *dedupCache

	stopCh chan struct{}
	doneCh chan struct{}
	snapCh chan chan snapshotReply
}

type snapshotReply struct {
	rows []allocdb.AllocRow
	err  error
}

func newDrainer(r *Recorder, allocTable *allocdb.AllocTable, stackTable *allocdb.StackTable, bump *allocdb.BumpPool, clock platform.Clock) (*drainer, error) {
	dedup, err := newDedupCache(bump)
	if err != nil {
		return nil, err
	}
	return &drainer{
		r:          r,
		logger:     r.logger.With().Str("component", "alloc_drain").Logger(),
		clock:      clock,
		allocTable: allocTable,
		stackTable: stackTable,
		bump:       bump,
		dedup:      dedup,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		snapCh:     make(chan chan snapshotReply, 1),
	}, nil
}

// run is the drain loop. It pins to an OS thread and marks itself ignored
// so its own table writes never loop back through the dispatcher.
func (d *drainer) run() {
	runtime.LockOSThread()
	d.r.ignore.set(d.r.threads.Current())
	defer close(d.doneCh)

	sleep := time.Duration(0)
	for {
		worked, err := d.drainPending()
		if err != nil {
			d.r.disable(err)
			d.finish()
			return
		}

		select {
		case reply := <-d.snapCh:
			reply <- snapshotReply{rows: d.synthesizeSnapshot()}
		default:
		}

		select {
		case <-d.stopCh:
			d.finish()
			return
		default:
		}

		if worked {
			sleep = 0
			continue
		}
		sleep += drainSleepStep
		if sleep > drainSleepMax {
			sleep = drainSleepMax
		}
		time.Sleep(sleep)
	}
}

// drainPending claims every queued segment in one swap and applies them.
func (d *drainer) drainPending() (bool, error) {
	segs := d.r.queue.PopAll()
	for _, seg := range segs {
		if err := d.drainSegment(seg); err != nil {
			return true, err
		}
		d.r.pool.Release(seg)
	}
	return len(segs) > 0, nil
}

func (d *drainer) drainSegment(seg *eventbuf.Segment) error {
	seg.Lock()
	records, ok := seg.Records()
	seg.Unlock()
	if !ok {
		return ErrCorrupted
	}
	// Collapse pairs that straddled a rotation.
	records = eventbuf.Compact(records)

	now := uint64(d.clock.NowWall().UnixMicro())
	for _, rec := range records {
		switch rec.Kind {
		case eventbuf.KindAlloc:
			if len(rec.Frames) > 0 {
				if err := d.insertStack(rec.StackHash, rec.Frames); err != nil {
					return err
				}
			}
			var flags uint32
			if rec.Flags&eventbuf.FlagVM != 0 {
				flags |= 1
			}
			if err := d.allocTable.Put(allocdb.AllocRow{
				Addr:      rec.Addr,
				Size:      rec.Size,
				StackID:   rec.StackHash,
				Timestamp: now,
				TypeTag:   rec.TypeTag,
				Flags:     flags,
			}); err != nil {
				return err
			}
		case eventbuf.KindFree:
			d.allocTable.Delete(rec.Addr)
		case eventbuf.KindUpdateType:
			// An update racing a free lands on a dead row; no-op.
			d.allocTable.UpdateType(rec.Addr, rec.TypeTag)
		case eventbuf.KindStackProbe:
			if err := d.insertStack(rec.StackHash, rec.Frames); err != nil {
				return err
			}
		default:
			return ErrCorrupted
		}
	}
	return nil
}

func (d *drainer) insertStack(hash uint64, frames []uint64) error {
	fresh, err := d.dedup.insert(hash)
	if err != nil {
		// The pool cache is an optimization; fall back to the table.
		fresh = true
	}
	if !fresh {
		return nil
	}
	return d.stackTable.Insert(hash, frames)
}

// snapshot asks the drain thread to synthesize the live-allocation
// snapshot after everything queued ahead has drained.
func (d *drainer) snapshot() ([]allocdb.AllocRow, error) {
	reply := make(chan snapshotReply, 1)
	select {
	case d.snapCh <- reply:
	case <-d.doneCh:
		return nil, ErrDisabled
	}
	select {
	case got := <-reply:
		return got.rows, got.err
	case <-d.doneCh:
		return nil, ErrDisabled
	}
}

func (d *drainer) synthesizeSnapshot() []allocdb.AllocRow {
	rows := make([]allocdb.AllocRow, 0, d.allocTable.Len())
	d.allocTable.Range(func(r allocdb.AllocRow) bool {
		rows = append(rows, r)
		return true
	})
	return rows
}

// shutdown asks the loop to stop and waits for it.
func (d *drainer) shutdown() {
	select {
	case <-d.doneCh:
		return
	default:
	}
	close(d.stopCh)
	<-d.doneCh
}

// finish drains everything left, the pending queue plus the open
// per-thread segments, then flushes and closes the tables.
func (d *drainer) finish() {
	if _, err := d.drainPending(); err != nil {
		d.logger.Warn().Err(err).Msg("Final queue drain failed")
	}
	for _, seg := range d.r.buffers.DetachAll() {
		if err := d.drainSegment(seg); err != nil {
			d.logger.Warn().Err(err).Msg("Final segment drain failed")
			continue
		}
		d.r.pool.Release(seg)
	}
	errs.DeferClose(d.logger, d.allocTable, "Failed to close alloc table")
	errs.DeferClose(d.logger, d.stackTable, "Failed to close stack table")
	errs.DeferClose(d.logger, d.bump, "Failed to close dedup pool")
	d.logger.Debug().Msg("Drain thread exited")
}

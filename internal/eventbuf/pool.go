package eventbuf

import (
	"sync"

	"github.com/hangwatch/hangwatch/internal/platform"
)

// poolRetain caps how many drained segments the pool keeps for reuse.
const poolRetain = 16

// Pool recycles segments. Allocation is lazy; Release keeps up to
// poolRetain reset segments and drops the rest.
type Pool struct {
	mu   sync.Mutex
	free []*Segment
}

// NewPool returns an empty pool.
func NewPool() *Pool { return &Pool{} }

// Acquire returns a reset segment owned by tid.
func (p *Pool) Acquire(tid platform.ThreadID) *Segment {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		s.Reset(tid)
		return s
	}
	p.mu.Unlock()
	return NewSegment(tid)
}

// Release returns a drained segment to the pool.
func (p *Pool) Release(s *Segment) {
	s.Reset(0)
	p.mu.Lock()
	if len(p.free) < poolRetain {
		p.free = append(p.free, s)
	}
	p.mu.Unlock()
}

// Queue is the FIFO of full segments awaiting the drain thread. The mutex
// is held only for pointer swaps: producers push at rotation, the drainer
// claims everything in one swap.
type Queue struct {
	mu      sync.Mutex
	pending []*Segment
}

// NewQueue returns an empty queue.
func NewQueue() *Queue { return &Queue{} }

// Push appends a full segment.
func (q *Queue) Push(s *Segment) {
	q.mu.Lock()
	q.pending = append(q.pending, s)
	q.mu.Unlock()
}

// PopAll claims every pending segment in enqueue order.
func (q *Queue) PopAll() []*Segment {
	q.mu.Lock()
	out := q.pending
	q.pending = nil
	q.mu.Unlock()
	return out
}

// Len returns the number of pending segments.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Buffers hands each producing thread its current segment and moves full
// segments to the pending queue. The per-thread slot is keyed by kernel
// thread id; a slot holding a segment stamped with a different id is a
// recycled tid and is replaced.
type Buffers struct {
	pool  *Pool
	queue *Queue
	slots sync.Map // platform.ThreadID -> *Segment
}

// NewBuffers wires a buffer manager over its pool and pending queue.
func NewBuffers(pool *Pool, queue *Queue) *Buffers {
	return &Buffers{pool: pool, queue: queue}
}

// ForThread returns tid's current open segment, drawing a fresh one when
// the slot is empty or stale.
func (b *Buffers) ForThread(tid platform.ThreadID) *Segment {
	if v, ok := b.slots.Load(tid); ok {
		s := v.(*Segment)
		if s.TID == tid {
			return s
		}
	}
	s := b.pool.Acquire(tid)
	b.slots.Store(tid, s)
	return s
}

// Rotate hands tid's full segment to the drain queue and installs a
// replacement. The caller must not hold the segment lock.
func (b *Buffers) Rotate(tid platform.ThreadID, full *Segment) *Segment {
	b.queue.Push(full)
	s := b.pool.Acquire(tid)
	b.slots.Store(tid, s)
	return s
}

// DetachAll removes and returns every open per-thread segment. The drain
// thread calls it at shutdown so partially filled segments drain too;
// snapshot synthesis does not call it.
func (b *Buffers) DetachAll() []*Segment {
	var out []*Segment
	b.slots.Range(func(k, v any) bool {
		b.slots.Delete(k)
		out = append(out, v.(*Segment))
		return true
	})
	return out
}

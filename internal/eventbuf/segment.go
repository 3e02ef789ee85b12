// Package eventbuf implements the per-thread allocation-event buffers: a
// producing thread appends variable-length records into a segment it owns,
// guarded by a single CAS lock byte whose only contention is the drain
// thread claiming a full segment. The producer-side compaction rule elides
// alloc/free pairs before they ever reach the drain thread.
package eventbuf

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"

	"github.com/hangwatch/hangwatch/internal/platform"
	"github.com/hangwatch/hangwatch/internal/safe"
)

// RecordKind discriminates the four event record types.
type RecordKind uint8

const (
	KindAlloc RecordKind = 1 + iota
	KindFree
	KindUpdateType
	KindStackProbe
)

// Record flags.
const (
	// FlagVM marks a vm-region event rather than a heap allocation.
	FlagVM byte = 1 << iota
	// FlagFramesInline marks an alloc record that carries its frames
	// inline because the hash was new to the producing thread.
	FlagFramesInline
	// FlagObject marks an object allocation eligible for a type tag.
	FlagObject
)

// SegmentSize is the nominal segment capacity.
const SegmentSize = 64 * 1024

// recordHeaderSize is u16 total size + u8 kind + u8 flags.
const recordHeaderSize = 4

// MaxRecordSize is the worst case: an alloc record with a full inline
// stack. Producers rotate when less than this remains.
const MaxRecordSize = recordHeaderSize + 8 + 8 + 4 + 8 + 2 + 8*150

// Record is one decoded event.
type Record struct {
	Kind       RecordKind
	Flags      byte
	Addr       uint64
	Size       uint64
	TypeTag    uint32
	StackHash  uint64
	FrameCount uint16
	Frames     []uint64
}

// Segment is a contiguous event-record region owned by one thread at a
// time. The lock byte serializes the owning producer against the drain
// thread; both spin, and the critical sections are microseconds.
type Segment struct {
	TID platform.ThreadID

	lock  atomic.Uint32
	buf   []byte
	write int
	prev  int // offset of the most recent record, -1 when none
}

// NewSegment allocates an empty segment for tid.
func NewSegment(tid platform.ThreadID) *Segment {
	return &Segment{TID: tid, buf: make([]byte, SegmentSize), prev: -1}
}

// Lock spins until the segment is held.
func (s *Segment) Lock() {
	for !s.lock.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the segment.
func (s *Segment) Unlock() {
	s.lock.Store(0)
}

// Reset empties the segment and reassigns it to tid.
func (s *Segment) Reset(tid platform.ThreadID) {
	s.TID = tid
	s.write = 0
	s.prev = -1
}

// Len returns the number of payload bytes written.
func (s *Segment) Len() int { return s.write }

// room reports whether a worst-case record still fits.
func (s *Segment) room(n int) bool { return s.write+n <= len(s.buf) }

func (s *Segment) beginRecord(kind RecordKind, flags byte, payload int) ([]byte, bool) {
	total := recordHeaderSize + payload
	if !s.room(total) {
		return nil, false
	}
	b := s.buf[s.write : s.write+total]
	binary.LittleEndian.PutUint16(b[0:2], uint16(total))
	b[2] = byte(kind)
	b[3] = flags
	s.prev = s.write
	s.write += total
	return b[recordHeaderSize:], true
}

// AppendAlloc writes an alloc record. Frames are stored inline only when
// the caller passes them; otherwise only the hash travels and the drain
// thread resolves it against the stack table.
func (s *Segment) AppendAlloc(addr, size uint64, typeTag uint32, flags byte, hash uint64, frames []uint64) bool {
	payload := 8 + 8 + 4 + 8 + 2
	if len(frames) > 0 {
		flags |= FlagFramesInline
		payload += 8 * len(frames)
	}
	p, ok := s.beginRecord(KindAlloc, flags, payload)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(p[0:8], addr)
	binary.LittleEndian.PutUint64(p[8:16], size)
	binary.LittleEndian.PutUint32(p[16:20], typeTag)
	binary.LittleEndian.PutUint64(p[20:28], hash)
	frameCount, _ := safe.IntToUint16(len(frames))
	binary.LittleEndian.PutUint16(p[28:30], frameCount)
	off := 30
	for _, f := range frames {
		binary.LittleEndian.PutUint64(p[off:off+8], f)
		off += 8
	}
	return true
}

// AppendFree writes a free record, first applying the compaction rule: if
// the immediately preceding record in this segment is an alloc of the same
// kind at the same address, both are elided. When the elided alloc carried
// its frames inline, its stack hash is returned so the caller can decrement
// its dedup accounting; otherwise the returned hash is 0.
func (s *Segment) AppendFree(addr uint64, flags byte) (elidedHash uint64, elided, ok bool) {
	if s.prev >= 0 {
		r, _ := decodeRecord(s.buf, s.prev)
		if r.Kind == KindAlloc && r.Addr == addr && r.Flags&FlagVM == flags&FlagVM {
			s.write = s.prev
			s.prev = -1
			if r.Flags&FlagFramesInline != 0 {
				return r.StackHash, true, true
			}
			return 0, true, true
		}
	}
	p, wrote := s.beginRecord(KindFree, flags, 8)
	if !wrote {
		return 0, false, false
	}
	binary.LittleEndian.PutUint64(p[0:8], addr)
	return 0, false, true
}

// AppendUpdateType writes a type-tag update for a live allocation.
func (s *Segment) AppendUpdateType(addr uint64, typeTag uint32) bool {
	p, ok := s.beginRecord(KindUpdateType, 0, 8+4)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(p[0:8], addr)
	binary.LittleEndian.PutUint32(p[8:12], typeTag)
	return true
}

// AppendStackProbe writes a probe-only stack so the drain thread can seed
// the stack table without an accompanying allocation.
func (s *Segment) AppendStackProbe(hash uint64, frames []uint64) bool {
	p, ok := s.beginRecord(KindStackProbe, FlagFramesInline, 8+2+8*len(frames))
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(p[0:8], hash)
	frameCount, _ := safe.IntToUint16(len(frames))
	binary.LittleEndian.PutUint16(p[8:10], frameCount)
	off := 10
	for _, f := range frames {
		binary.LittleEndian.PutUint64(p[off:off+8], f)
		off += 8
	}
	return true
}

// Records decodes the segment sequentially. A record that fails to decode
// ends the iteration with ok=false; the drain thread treats that as data
// corruption.
func (s *Segment) Records() ([]Record, bool) {
	var out []Record
	off := 0
	for off < s.write {
		r, n := decodeRecord(s.buf, off)
		if n == 0 {
			return out, false
		}
		out = append(out, r)
		off += n
	}
	return out, true
}

func decodeRecord(buf []byte, off int) (Record, int) {
	if off+recordHeaderSize > len(buf) {
		return Record{}, 0
	}
	total := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	if total < recordHeaderSize || off+total > len(buf) {
		return Record{}, 0
	}
	r := Record{Kind: RecordKind(buf[off+2]), Flags: buf[off+3]}
	p := buf[off+recordHeaderSize : off+total]
	switch r.Kind {
	case KindAlloc:
		if len(p) < 30 {
			return Record{}, 0
		}
		r.Addr = binary.LittleEndian.Uint64(p[0:8])
		r.Size = binary.LittleEndian.Uint64(p[8:16])
		r.TypeTag = binary.LittleEndian.Uint32(p[16:20])
		r.StackHash = binary.LittleEndian.Uint64(p[20:28])
		r.FrameCount = binary.LittleEndian.Uint16(p[28:30])
		if r.Flags&FlagFramesInline != 0 {
			if len(p) < 30+8*int(r.FrameCount) {
				return Record{}, 0
			}
			r.Frames = make([]uint64, r.FrameCount)
			for i := range r.Frames {
				r.Frames[i] = binary.LittleEndian.Uint64(p[30+8*i : 38+8*i])
			}
		}
	case KindFree:
		if len(p) < 8 {
			return Record{}, 0
		}
		r.Addr = binary.LittleEndian.Uint64(p[0:8])
	case KindUpdateType:
		if len(p) < 12 {
			return Record{}, 0
		}
		r.Addr = binary.LittleEndian.Uint64(p[0:8])
		r.TypeTag = binary.LittleEndian.Uint32(p[8:12])
	case KindStackProbe:
		if len(p) < 10 {
			return Record{}, 0
		}
		r.StackHash = binary.LittleEndian.Uint64(p[0:8])
		r.FrameCount = binary.LittleEndian.Uint16(p[8:10])
		if len(p) < 10+8*int(r.FrameCount) {
			return Record{}, 0
		}
		r.Frames = make([]uint64, r.FrameCount)
		for i := range r.Frames {
			r.Frames[i] = binary.LittleEndian.Uint64(p[10+8*i : 18+8*i])
		}
	default:
		return Record{}, 0
	}
	return r, total
}

// Compact collapses alloc/free pairs at the same address that survived
// into the drained record stream because they straddled a segment
// rotation. Pairs need not be adjacent: a free cancels the latest
// unmatched alloc at its address.
func Compact(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Kind == KindFree {
			matched := false
			for i := len(out) - 1; i >= 0; i-- {
				if out[i].Kind == KindAlloc && out[i].Addr == r.Addr && out[i].Flags&FlagVM == r.Flags&FlagVM {
					out = append(out[:i], out[i+1:]...)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

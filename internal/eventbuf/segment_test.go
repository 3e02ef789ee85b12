package eventbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndDecodeRoundtrip(t *testing.T) {
	s := NewSegment(7)
	require.True(t, s.AppendAlloc(0x1000, 128, 3, FlagObject, 0xfeed, []uint64{0xA, 0xB}))
	require.True(t, s.AppendUpdateType(0x1000, 9))
	require.True(t, s.AppendStackProbe(0xbeef, []uint64{0xC}))
	_, elided, ok := s.AppendFree(0x2000, 0)
	require.True(t, ok)
	require.False(t, elided)

	recs, ok := s.Records()
	require.True(t, ok)
	require.Len(t, recs, 4)

	assert.Equal(t, KindAlloc, recs[0].Kind)
	assert.Equal(t, uint64(0x1000), recs[0].Addr)
	assert.Equal(t, uint64(128), recs[0].Size)
	assert.Equal(t, uint32(3), recs[0].TypeTag)
	assert.Equal(t, uint64(0xfeed), recs[0].StackHash)
	assert.Equal(t, []uint64{0xA, 0xB}, recs[0].Frames)
	assert.NotZero(t, recs[0].Flags&FlagObject)

	assert.Equal(t, KindUpdateType, recs[1].Kind)
	assert.Equal(t, uint32(9), recs[1].TypeTag)

	assert.Equal(t, KindStackProbe, recs[2].Kind)
	assert.Equal(t, uint64(0xbeef), recs[2].StackHash)
	assert.Equal(t, []uint64{0xC}, recs[2].Frames)

	assert.Equal(t, KindFree, recs[3].Kind)
	assert.Equal(t, uint64(0x2000), recs[3].Addr)
}

func TestFreeElidesImmediatelyPrecedingAlloc(t *testing.T) {
	s := NewSegment(7)
	require.True(t, s.AppendAlloc(0x1000, 64, 0, 0, 0xfeed, []uint64{0xA}))

	hash, elided, ok := s.AppendFree(0x1000, 0)
	require.True(t, ok)
	assert.True(t, elided, "alloc+free at the same address cancel at producer time")
	assert.Equal(t, uint64(0xfeed), hash, "the elided alloc's hash is surfaced for dedup accounting")

	recs, ok := s.Records()
	require.True(t, ok)
	assert.Empty(t, recs, "neither event survives")
	assert.Zero(t, s.Len())
}

func TestFreeDoesNotElideAcrossInterveningRecord(t *testing.T) {
	s := NewSegment(7)
	require.True(t, s.AppendAlloc(0x1000, 64, 0, 0, 0, nil))
	require.True(t, s.AppendAlloc(0x2000, 64, 0, 0, 0, nil))

	_, elided, ok := s.AppendFree(0x1000, 0)
	require.True(t, ok)
	assert.False(t, elided, "only the immediately preceding record is inspected")

	recs, _ := s.Records()
	assert.Len(t, recs, 3)
}

func TestFreeElisionRespectsVMFlag(t *testing.T) {
	s := NewSegment(7)
	require.True(t, s.AppendAlloc(0x1000, 4096, 0, FlagVM, 0, nil))
	_, elided, ok := s.AppendFree(0x1000, 0)
	require.True(t, ok)
	assert.False(t, elided, "a heap free does not cancel a vm allocate")

	_, elided, ok = s.AppendFree(0x1000, FlagVM)
	require.True(t, ok)
	assert.False(t, elided, "the heap free now precedes; nothing to cancel")
}

func TestVMPairElides(t *testing.T) {
	s := NewSegment(7)
	require.True(t, s.AppendAlloc(0x9000, 4096, 0, FlagVM, 0, nil))
	_, elided, ok := s.AppendFree(0x9000, FlagVM)
	require.True(t, ok)
	assert.True(t, elided, "vm allocate/deallocate pairs cancel like heap pairs")
}

func TestSegmentFillsAndRefusesAppend(t *testing.T) {
	s := NewSegment(7)
	n := 0
	for s.AppendAlloc(uint64(n), 16, 0, 0, 0, nil) {
		n++
	}
	require.Greater(t, n, 0)
	assert.False(t, s.AppendAlloc(0xFFFF, 16, 0, 0, 0, nil), "a full segment refuses further records")

	recs, ok := s.Records()
	require.True(t, ok)
	assert.Len(t, recs, n, "every accepted record survives the fill")
}

func TestRecordsOrderedWithinThread(t *testing.T) {
	s := NewSegment(7)
	for i := 0; i < 100; i++ {
		require.True(t, s.AppendAlloc(uint64(0x1000+i), 1, 0, 0, 0, nil))
	}
	recs, ok := s.Records()
	require.True(t, ok)
	for i, r := range recs {
		assert.Equal(t, uint64(0x1000+i), r.Addr, "records drain in producer order")
	}
}

func TestCompactCollapsesPairsAcrossRotation(t *testing.T) {
	recs := []Record{
		{Kind: KindAlloc, Addr: 0x1},
		{Kind: KindAlloc, Addr: 0x2},
		{Kind: KindFree, Addr: 0x1},
		{Kind: KindUpdateType, Addr: 0x2, TypeTag: 5},
		{Kind: KindFree, Addr: 0x3},
	}
	out := Compact(recs)
	require.Len(t, out, 3)
	assert.Equal(t, KindAlloc, out[0].Kind)
	assert.Equal(t, uint64(0x2), out[0].Addr)
	assert.Equal(t, KindUpdateType, out[1].Kind)
	assert.Equal(t, KindFree, out[2].Kind, "a free with no matching alloc passes through")
}

func TestBuffersRotateAndRecycledTID(t *testing.T) {
	pool := NewPool()
	queue := NewQueue()
	b := NewBuffers(pool, queue)

	s1 := b.ForThread(42)
	assert.Same(t, s1, b.ForThread(42), "the slot is sticky per thread")

	s2 := b.Rotate(42, s1)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 1, queue.Len())
	popped := queue.PopAll()
	require.Len(t, popped, 1)
	assert.Same(t, s1, popped[0])
	assert.Zero(t, queue.Len())

	// A slot whose segment is stamped with another id is a recycled tid.
	s2.Reset(43)
	assert.NotSame(t, s2, b.ForThread(42), "a stale slot is replaced")
}

func TestPoolRecyclesSegments(t *testing.T) {
	pool := NewPool()
	s := pool.Acquire(1)
	require.True(t, s.AppendAlloc(0x1, 1, 0, 0, 0, nil))
	pool.Release(s)

	s2 := pool.Acquire(2)
	assert.Same(t, s, s2, "released segments are reused")
	assert.Zero(t, s2.Len(), "reuse starts from a reset segment")
	recs, ok := s2.Records()
	require.True(t, ok)
	assert.Empty(t, recs)
}

func TestDetachAll(t *testing.T) {
	b := NewBuffers(NewPool(), NewQueue())
	b.ForThread(1)
	b.ForThread(2)
	open := b.DetachAll()
	assert.Len(t, open, 2)
	assert.Empty(t, b.DetachAll())
}

func TestSegmentLockContention(t *testing.T) {
	s := NewSegment(1)
	var wg sync.WaitGroup
	counter := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Lock()
				counter++
				s.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, counter, "the lock byte serializes all parties")
}

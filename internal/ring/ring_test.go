package ring

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(addrs ...uint64) Sample {
	return Sample{Addrs: addrs}
}

func TestPointStackAllSameTop(t *testing.T) {
	r := New(20)
	for i := 0; i < 20; i++ {
		r.Append(sample(0xAAA, 0xBBB, 0xCCC))
	}

	ps, ok := r.SelectPointStack()
	require.True(t, ok)
	assert.Equal(t, uint64(0xAAA), ps.Sample.Addrs[0])
	assert.Equal(t, 20, ps.TopRepeats, "a uniform ring repeats across its full capacity")
	assert.Equal(t, []int{20, 20, 20}, ps.FrameCounts)
}

func TestPointStackAllDifferentTops(t *testing.T) {
	r := New(5)
	for i := 0; i < 5; i++ {
		r.Append(sample(uint64(0x1000 + i)))
	}

	ps, ok := r.SelectPointStack()
	require.True(t, ok)
	assert.Equal(t, 1, ps.TopRepeats)
	// Ties go to the most recent slot.
	assert.Equal(t, uint64(0x1004), ps.Sample.Addrs[0])
	assert.Equal(t, []int{1}, ps.FrameCounts)
}

func TestPointStackPicksLongestRun(t *testing.T) {
	r := New(8)
	r.Append(sample(0x1))
	r.Append(sample(0x2))
	r.Append(sample(0x2))
	r.Append(sample(0x3, 0x2))
	r.Append(sample(0x4))
	r.Append(sample(0x4))
	r.Append(sample(0x4))
	r.Append(sample(0x5))

	ps, ok := r.SelectPointStack()
	require.True(t, ok)
	assert.Equal(t, uint64(0x4), ps.Sample.Addrs[0])
	assert.Equal(t, 3, ps.TopRepeats)
	// 0x4 appears in exactly 3 samples overall.
	assert.Equal(t, []int{3}, ps.FrameCounts)
}

func TestFrameCountsCountNonConsecutiveAppearances(t *testing.T) {
	r := New(6)
	r.Append(sample(0xA, 0xF))
	r.Append(sample(0xB))
	r.Append(sample(0xA, 0xF))
	r.Append(sample(0xA, 0xF))
	// Run of 0xA: the winner.
	ps, ok := r.SelectPointStack()
	require.True(t, ok)
	assert.Equal(t, uint64(0xA), ps.Sample.Addrs[0])
	assert.Equal(t, 2, ps.TopRepeats)
	// 0xA and 0xF each appear in 3 of the 4 samples, consecutive or not.
	assert.Equal(t, []int{3, 3}, ps.FrameCounts)
}

func TestRingOverwritesOldest(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Append(sample(uint64(i + 1)))
	}
	assert.Equal(t, 3, r.Len())

	got := r.Samples()
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Addrs[0], "oldest surviving sample")
	assert.Equal(t, uint64(5), got[2].Addrs[0])
}

func TestRunSurvivesWrapAround(t *testing.T) {
	r := New(3)
	for i := 0; i < 7; i++ {
		r.Append(sample(0xAAA))
	}
	ps, ok := r.SelectPointStack()
	require.True(t, ok)
	assert.Equal(t, 7, ps.TopRepeats, "the consecutive counter keeps extending across wrap-around")
}

func TestEmptyRing(t *testing.T) {
	r := New(4)
	_, ok := r.SelectPointStack()
	assert.False(t, ok)
	assert.Empty(t, r.Samples())
}

func TestCallTreeMergesSiblingsByAddress(t *testing.T) {
	tree := NewCallTree()
	tree.AddSample(Sample{Addrs: []uint64{0x1, 0x2, 0x3}, CPUPercent: 50})
	tree.AddSample(Sample{Addrs: []uint64{0x1, 0x2, 0x4}, CPUPercent: 30})
	tree.AddSample(Sample{Addrs: []uint64{0x9}, CPUPercent: 10})
	tree.Sort()

	roots := tree.Roots()
	require.Len(t, roots, 2)
	assert.Equal(t, uint64(0x1), roots[0].Address, "children sort by descending count")
	assert.Equal(t, 2, roots[0].Count)
	assert.InDelta(t, 80, roots[0].CPUWeight, 0.001)

	require.Len(t, roots[0].Children, 1)
	mid := roots[0].Children[0]
	assert.Equal(t, uint64(0x2), mid.Address)
	require.Len(t, mid.Children, 2)
	assert.Equal(t, 1, mid.Children[0].Count)
}

func TestRingProfileJSON(t *testing.T) {
	r := New(4)
	r.Append(sample(0x10, 0x20))
	r.Append(sample(0x10, 0x20))
	r.Append(sample(0x10, 0x30))

	raw, err := r.Profile()
	require.NoError(t, err)

	var nodes []Node
	require.NoError(t, json.Unmarshal(raw, &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, uint64(0x10), nodes[0].Address)
	assert.Equal(t, 3, nodes[0].Count)
	require.Len(t, nodes[0].Children, 2)
	assert.Equal(t, uint64(0x20), nodes[0].Children[0].Address)
}

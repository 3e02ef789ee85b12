package threads

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangwatch/hangwatch/internal/platform/platformtest"
)

func TestCaptureSumsProcessCPU(t *testing.T) {
	fake := platformtest.NewFakeThreads(1)
	fake.Thread(1).CPUPercent = 12.5
	fake.Add(2, nil).CPUPercent = 95
	fake.Add(3, nil).CPUPercent = 80

	snap, err := Capture(fake)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Count())
	assert.InDelta(t, 187.5, snap.ProcessCPU, 0.001, "the sum can exceed 100 on multi-core")
}

func TestCaptureClampsIdleThreads(t *testing.T) {
	fake := platformtest.NewFakeThreads(1)
	idle := fake.Add(2, nil)
	idle.CPUPercent = 50
	idle.Idle = true
	fake.Add(3, nil).CPUPercent = 30

	snap, err := Capture(fake)
	require.NoError(t, err)
	assert.InDelta(t, 30, snap.ProcessCPU, 0.001)
	for _, ti := range snap.Threads {
		if ti.Idle {
			assert.Zero(t, ti.CPUPercent, "idle threads are clamped to 0")
		}
	}
}

func TestHotterThan(t *testing.T) {
	fake := platformtest.NewFakeThreads(1)
	fake.Thread(1).CPUPercent = 10
	fake.Add(2, nil).CPUPercent = 85
	fake.Add(3, nil).CPUPercent = 92
	fake.Add(4, nil).CPUPercent = 50

	snap, err := Capture(fake)
	require.NoError(t, err)

	hot := snap.HotterThan(80)
	require.Len(t, hot, 2)
	assert.InDelta(t, 92, hot[0].CPUPercent, 0.001, "hottest first")
	assert.InDelta(t, 85, hot[1].CPUPercent, 0.001)

	assert.Empty(t, snap.HotterThan(200))
}

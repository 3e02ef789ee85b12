package alloc

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangwatch/hangwatch/internal/allocdb"
	"github.com/hangwatch/hangwatch/internal/config"
	"github.com/hangwatch/hangwatch/internal/platform"
	"github.com/hangwatch/hangwatch/internal/platform/platformtest"
)

func newTestRecorder(t *testing.T, mutate func(*config.Config)) (*Recorder, *allocdb.RunDir, *platformtest.FakeThreads) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	fake := platformtest.NewFakeThreads(1)
	fake.UsePerGoroutineCurrent()
	run, err := allocdb.CreateRunDir(t.TempDir(), allocdb.Meta{LaunchTimestampUS: time.Now().UnixMicro()})
	require.NoError(t, err)
	rec, err := NewRecorder(cfg, fake, platform.NewRealClock(), run, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(rec.Stop)
	return rec, run, fake
}

// waitLive polls the drain thread until the live row count matches.
func waitLive(t *testing.T, rec *Recorder, want int) []allocdb.AllocRow {
	t.Helper()
	var rows []allocdb.AllocRow
	require.Eventually(t, func() bool {
		var err error
		rows, err = rec.SnapshotLive()
		return err == nil && len(rows) == want
	}, 5*time.Second, 2*time.Millisecond, "expected %d live rows", want)
	return rows
}

func logAlloc(addr, size uint64) {
	LogEvent(KindAlloc, 0, size, 0, addr, 0)
}

func logFree(addr uint64) {
	LogEvent(KindFree, 0, addr, 0, 0, 0)
}

func TestAllocFreeRoundtripLeavesNothing(t *testing.T) {
	rec, run, _ := newTestRecorder(t, nil)

	for i := 0; i < 100000; i++ {
		logAlloc(0x100000, 128)
		logFree(0x100000)
	}
	waitLive(t, rec, 0)

	rec.Stop()

	// The on-disk table agrees after shutdown.
	tbl, err := allocdb.OpenAllocTable(run.File(allocdb.AllocTableFile))
	require.NoError(t, err)
	defer tbl.Close()
	assert.Zero(t, tbl.Len())

	// Producer-side compaction elided the pairs before the drain thread
	// ever saw a stack, so the stack table stays (near) empty.
	st, err := allocdb.OpenStackTable(run.File(allocdb.StackTableFile))
	require.NoError(t, err)
	defer st.Close()
	assert.LessOrEqual(t, st.Len(), 2)
}

func TestLiveLeakSharesOneStackID(t *testing.T) {
	rec, _, _ := newTestRecorder(t, nil)

	base := uint64(0x2000000)
	for i := 0; i < 1000; i++ {
		logAlloc(base+uint64(i)*1024, 1024)
	}
	rows := waitLive(t, rec, 1000)

	stackID := rows[0].StackID
	assert.NotZero(t, stackID)
	for _, r := range rows {
		assert.Equal(t, uint64(1024), r.Size)
		assert.Equal(t, stackID, r.StackID, "same call site, same deduplicated stack")
	}
}

func TestFreeOfUnknownAddressIsNoop(t *testing.T) {
	rec, _, _ := newTestRecorder(t, nil)
	logFree(0xDEAD)
	logAlloc(0x3000, 64)
	rows := waitLive(t, rec, 1)
	assert.Equal(t, uint64(0x3000), rows[0].Addr)
}

func TestReallocSplitsIntoFreeAndAlloc(t *testing.T) {
	rec, _, _ := newTestRecorder(t, nil)

	logAlloc(0x4000, 64)
	waitLive(t, rec, 1)

	// realloc(0x4000, 256) -> 0x5000
	LogEvent(KindAlloc|KindFree, 0, 0x4000, 256, 0x5000, 0)
	rows := waitLive(t, rec, 1)
	assert.Equal(t, uint64(0x5000), rows[0].Addr)
	assert.Equal(t, uint64(256), rows[0].Size)

	// realloc(NULL, n) is a plain alloc.
	LogEvent(KindAlloc|KindFree, 0, 0, 128, 0x6000, 0)
	waitLive(t, rec, 2)

	// realloc returning the same address just updates the row.
	LogEvent(KindAlloc|KindFree, 0, 0x6000, 512, 0x6000, 0)
	require.Eventually(t, func() bool {
		rows, err := rec.SnapshotLive()
		if err != nil || len(rows) != 2 {
			return false
		}
		for _, r := range rows {
			if r.Addr == 0x6000 && r.Size == 512 {
				return true
			}
		}
		return false
	}, 5*time.Second, 2*time.Millisecond)
}

func TestDispatcherFilters(t *testing.T) {
	rec, _, _ := newTestRecorder(t, nil)

	// free(NULL) is dropped.
	logFree(0)
	// Failed allocation.
	LogEvent(KindAlloc, 0, 64, 0, 0, 0)
	// Internal heap growth: vm-allocate aliased VM_MEMORY_MALLOC.
	LogEvent(KindAlloc|KindVM|uint32(VMMemoryMalloc)<<vmAliasShift, 0, 4096, 0, 0x7000, 0)
	// Mapped file regions are not heap provenance.
	LogEvent(KindAlloc|KindMappedFile, 0, 4096, 0, 0x8000, 0)

	logAlloc(0x9000, 16)
	rows := waitLive(t, rec, 1)
	assert.Equal(t, uint64(0x9000), rows[0].Addr)
}

func TestVMRegionOutsideMallocAliasIsRecorded(t *testing.T) {
	rec, _, _ := newTestRecorder(t, nil)

	const aliasStack = 30
	LogEvent(KindAlloc|KindVM|uint32(aliasStack)<<vmAliasShift, 0, 16384, 0, 0xA000, 0)
	rows := waitLive(t, rec, 1)
	assert.Equal(t, uint64(0xA000), rows[0].Addr)
	assert.Equal(t, uint32(1), rows[0].Flags&1, "vm rows are flagged")
}

func TestIgnoredThreadProducesNoRecord(t *testing.T) {
	rec, _, _ := newTestRecorder(t, nil)

	rec.IgnoreCurrentThread()
	logAlloc(0xB000, 64)
	time.Sleep(50 * time.Millisecond)
	rows, err := rec.SnapshotLive()
	require.NoError(t, err)
	assert.Empty(t, rows, "a synthetic event under the ignore flag leaves no trace")

	rec.UnignoreCurrentThread()
	logAlloc(0xB100, 64)
	waitLive(t, rec, 1)
}

func TestUninstalledHookDropsEvents(t *testing.T) {
	rec, _, _ := newTestRecorder(t, nil)
	rec.Stop()
	assert.False(t, HookInstalled())
	logAlloc(0xC000, 64) // must not panic or deadlock
	assert.ErrorIs(t, rec.Err(), ErrDisabled)
}

func TestStackCaptureModeNone(t *testing.T) {
	rec, run, _ := newTestRecorder(t, func(c *config.Config) {
		c.CaptureCallStacksMode = config.StackCaptureNone
	})

	logAlloc(0xD000, 64)
	rows := waitLive(t, rec, 1)
	assert.Zero(t, rows[0].StackID, "mode 0 records no stacks")

	rec.Stop()
	st, err := allocdb.OpenStackTable(run.File(allocdb.StackTableFile))
	require.NoError(t, err)
	defer st.Close()
	assert.Zero(t, st.Len())
}

func TestSkipMinAllocSize(t *testing.T) {
	rec, _, _ := newTestRecorder(t, func(c *config.Config) {
		c.SkipMinAllocSize = 64
	})

	logAlloc(0xE000, 16) // below the floor: no stack
	logAlloc(0xE100, 64) // at the floor: stack captured
	rows := waitLive(t, rec, 2)
	for _, r := range rows {
		switch r.Addr {
		case 0xE000:
			assert.Zero(t, r.StackID)
		case 0xE100:
			assert.NotZero(t, r.StackID)
		}
	}
}

func TestTypeUpdate(t *testing.T) {
	rec, run, _ := newTestRecorder(t, nil)

	logAlloc(0xF000, 128)
	waitLive(t, rec, 1)
	rec.LogTypeUpdate(0xF000, "ImageBuffer")
	require.Eventually(t, func() bool {
		rows, err := rec.SnapshotLive()
		return err == nil && len(rows) == 1 && rows[0].TypeTag != 0
	}, 5*time.Second, 2*time.Millisecond)

	rec.Stop()
	names, err := allocdb.ReadTypeTable(run.File(allocdb.ObjectTypeFile))
	require.NoError(t, err)
	rows := []string{}
	for _, n := range names {
		rows = append(rows, n)
	}
	assert.Contains(t, rows, "ImageBuffer")
}

func TestAnalysisToolGating(t *testing.T) {
	t.Setenv("MallocStackLogging", "1")
	fake := platformtest.NewFakeThreads(1)
	run, err := allocdb.CreateRunDir(t.TempDir(), allocdb.Meta{LaunchTimestampUS: 1})
	require.NoError(t, err)
	_, err = NewRecorder(config.Default(), fake, platform.NewRealClock(), run, zerolog.Nop())
	assert.ErrorIs(t, err, ErrAnalysisToolRunning)
	assert.False(t, HookInstalled())
}

func TestSegmentRotationUnderLoad(t *testing.T) {
	rec, _, _ := newTestRecorder(t, nil)

	// Far more records than one segment holds; rotation must hand full
	// segments over without losing or reordering anything.
	const n = 50000
	base := uint64(0x10000000)
	for i := 0; i < n; i++ {
		logAlloc(base+uint64(i)*16, 16)
	}
	waitLive(t, rec, n)
}

func TestProbeStack(t *testing.T) {
	rec, run, _ := newTestRecorder(t, nil)

	var hash uint64
	for i := 0; i < 3; i++ {
		h := rec.ProbeStack(0)
		require.NotZero(t, h)
		if i == 0 {
			hash = h
		} else {
			assert.Equal(t, hash, h, "the same call site probes to the same hash")
		}
	}

	rec.Stop()
	st, err := allocdb.OpenStackTable(run.File(allocdb.StackTableFile))
	require.NoError(t, err)
	defer st.Close()
	assert.True(t, st.Contains(hash))
}

package inspect

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangwatch/hangwatch/internal/allocdb"
)

// seedRun writes a minimal but complete run directory.
func seedRun(t *testing.T, base string) *allocdb.RunDir {
	t.Helper()
	run, err := allocdb.CreateRunDir(base, allocdb.Meta{
		LaunchTimestampUS: 1700000000000000,
		OSVersion:         "15.1",
		DeviceModel:       "devboard",
	})
	require.NoError(t, err)

	at, err := allocdb.OpenAllocTable(run.File(allocdb.AllocTableFile))
	require.NoError(t, err)
	st, err := allocdb.OpenStackTable(run.File(allocdb.StackTableFile))
	require.NoError(t, err)
	require.NoError(t, st.Insert(0xAAA, []uint64{0x10, 0x20}))
	for i := 0; i < 5; i++ {
		require.NoError(t, at.Put(allocdb.AllocRow{
			Addr: uint64(0x1000 + i*64), Size: 64, StackID: 0xAAA,
		}))
	}
	require.NoError(t, at.Close())
	require.NoError(t, st.Close())
	return run
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestRunsCommand(t *testing.T) {
	base := t.TempDir()
	seedRun(t, base)

	out := execute(t, NewRunsCmd(), base)
	assert.Contains(t, out, "run-1700000000000000")
	assert.Contains(t, out, "os=15.1")
}

func TestSurvivorsCommand(t *testing.T) {
	base := t.TempDir()
	run := seedRun(t, base)

	out := execute(t, NewSurvivorsCmd(), "--json", run.Path)
	var survivors []allocdb.Survivor
	require.NoError(t, json.Unmarshal([]byte(out), &survivors))
	require.Len(t, survivors, 1)
	assert.Equal(t, uint64(0xAAA), survivors[0].StackID)
	assert.Equal(t, 5, survivors[0].Count)
	assert.Equal(t, uint64(320), survivors[0].TotalBytes)
	assert.Equal(t, []uint64{0x10, 0x20}, survivors[0].Frames)
}

func TestStacksCommand(t *testing.T) {
	base := t.TempDir()
	run := seedRun(t, base)

	out := execute(t, NewStacksCmd(), run.Path)
	assert.Contains(t, out, "1 stacks")
}

func TestMetaCommand(t *testing.T) {
	base := t.TempDir()
	run := seedRun(t, base)

	out := execute(t, NewMetaCmd(), run.Path)
	var meta struct {
		OSVersion  string `json:"os_version"`
		LiveAllocs int    `json:"live_allocs"`
		Stacks     int    `json:"stacks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &meta))
	assert.Equal(t, "15.1", meta.OSVersion)
	assert.Equal(t, 5, meta.LiveAllocs)
	assert.Equal(t, 1, meta.Stacks)
}

func TestSurvivorsCommandMissingRun(t *testing.T) {
	cmd := NewSurvivorsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{t.TempDir()})
	assert.Error(t, cmd.Execute())
}

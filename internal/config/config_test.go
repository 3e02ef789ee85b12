package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestThresholdDomain(t *testing.T) {
	cases := []struct {
		threshold time.Duration
		ok        bool
	}{
		{400 * time.Millisecond, true},
		{500 * time.Millisecond, true},
		{2 * time.Second, true},
		{300 * time.Millisecond, false},
		{2100 * time.Millisecond, false},
		{450 * time.Millisecond, false},
		{0, false},
		{-500 * time.Millisecond, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, ValidThreshold(tc.threshold), "threshold %v", tc.threshold)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Run("timeout out of domain", func(t *testing.T) {
		cfg := Default()
		cfg.RunloopTimeout = 3 * time.Second
		assert.ErrorIs(t, cfg.Validate(), ErrThresholdDomain)
	})
	t.Run("low threshold above timeout", func(t *testing.T) {
		cfg := Default()
		cfg.RunloopTimeout = 500 * time.Millisecond
		cfg.RunloopLowThreshold = 800 * time.Millisecond
		assert.Error(t, cfg.Validate())
	})
	t.Run("bad capture mode", func(t *testing.T) {
		cfg := Default()
		cfg.CaptureCallStacksMode = 7
		assert.Error(t, cfg.Validate())
	})
	t.Run("negative quota", func(t *testing.T) {
		cfg := Default()
		cfg.DailyDumpQuota = -1
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hangwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runloop_timeout: 1s
cpu_sustained_limit_pct: 70
capture_cpu_hot_stacks: true
daily_dump_quota: 42
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.RunloopTimeout)
	assert.Equal(t, float64(70), cfg.CPUSustainedLimitPct)
	assert.True(t, cfg.CaptureCPUHotStacks)
	assert.Equal(t, 42, cfg.DailyDumpQuota)
	// Untouched fields keep their defaults.
	assert.Equal(t, 50*time.Millisecond, cfg.SampleInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runloop_timeout: 10s\n"), 0o644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrThresholdDomain)
}

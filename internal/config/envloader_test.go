package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("HANGWATCH_RUNLOOP_TIMEOUT", "1s")
	t.Setenv("HANGWATCH_CPU_SUSTAINED_LIMIT_PCT", "65.5")
	t.Setenv("HANGWATCH_CAPTURE_CPU_HOT_STACKS", "true")
	t.Setenv("HANGWATCH_CAPTURE_CALL_STACKS_MODE", "2")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.RunloopTimeout)
	assert.Equal(t, 65.5, cfg.CPUSustainedLimitPct)
	assert.True(t, cfg.CaptureCPUHotStacks)
	assert.Equal(t, StackCaptureObjects, cfg.CaptureCallStacksMode)
	// Untouched fields keep their defaults.
	assert.Equal(t, 50*time.Millisecond, cfg.SampleInterval)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("HANGWATCH_RUNLOOP_TIMEOUT", "soon")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvValidates(t *testing.T) {
	t.Setenv("HANGWATCH_RUNLOOP_TIMEOUT", "10s")
	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrThresholdDomain)
}

func TestEmptyEnvIsIgnored(t *testing.T) {
	t.Setenv("HANGWATCH_DAILY_DUMP_QUOTA", "")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.DailyDumpQuota)
}

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Output: &buf})

	logger.Debug().Msg("dropped")
	logger.Info().Msg("dropped too")
	logger.Warn().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "shouting", Output: &buf})

	logger.Debug().Msg("below info")
	logger.Info().Msg("at info")

	out := buf.String()
	assert.NotContains(t, out, "below info")
	assert.Contains(t, out, "at info")
}

func TestStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Output: &buf})
	logger.Info().Str("component", "agent").Msg("started")

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "agent", entry["component"])
	assert.Equal(t, "started", entry["message"])
	assert.NotEmpty(t, entry["time"])
}

func TestForRunStampsRunIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := ForRun(Config{Level: "info", Output: &buf}, 1700000000000000)
	logger.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, float64(1700000000000000), entry["run"])
}

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, cfg Config) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	cfg.Output = &buf
	Init(cfg)
	t.Cleanup(func() { Init(ConfigForMode(LogModeTest)) })
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		out = append(out, record)
	}
	return out
}

func TestWithRun_AddsComponentAndRun(t *testing.T) {
	buf := capture(t, ConfigForMode(LogModeInfo))

	log := WithRun("round_controller", "run-7")
	log.Info().Int("round", 3).Msg("Round completed")

	records := lines(t, buf)
	require.Len(t, records, 1)
	assert.Equal(t, "round_controller", records[0]["component"])
	assert.Equal(t, "run-7", records[0]["run_id"])
	assert.Equal(t, float64(3), records[0]["round"])
	assert.Equal(t, "Round completed", records[0]["message"])
	assert.Contains(t, records[0], "caller")
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, Config{Level: LogLevelWarn})

	log := WithComponent("local_trainer")
	log.Info().Msg("hidden")
	log.Debug().Msg("hidden")
	log.Warn().Int("proxy_id", 2).Msg("shown")
	log.Error().Err(errors.New("boom")).Msg("also shown")

	records := lines(t, buf)
	require.Len(t, records, 2)
	assert.Equal(t, "warn", records[0]["level"])
	assert.Equal(t, float64(2), records[0]["proxy_id"])
	assert.Equal(t, "error", records[1]["level"])
	assert.Equal(t, "boom", records[1]["error"])
}

func TestDisabled(t *testing.T) {
	buf := capture(t, Config{Level: LogLevelDisabled})
	log := Get()
	log.Error().Msg("nothing")
	assert.Empty(t, buf.String())
}

func TestPrettyOutput_HidesComponentAndRun(t *testing.T) {
	cfg := ConfigForMode(LogModePretty)
	cfg.NoColor = true
	buf := capture(t, cfg)

	log := WithRun("aggregator", "run-42")
	log.Info().Str("client", "client_0").Int("round", 3).Msg("Round started")

	out := buf.String()
	assert.Contains(t, out, "▶")
	assert.Contains(t, out, "client=client_0")
	assert.Contains(t, out, "round=3")
	assert.NotContains(t, out, "aggregator")
	assert.NotContains(t, out, "run-42")
	assert.NotContains(t, out, "\x1b[", "no color codes when NoColor is set")
}

func TestConfigForMode_UnknownFallsBackToInfo(t *testing.T) {
	cfg := ConfigForMode(LogMode("verbose"))
	assert.Equal(t, LogLevelInfo, cfg.Level)
	assert.False(t, cfg.Pretty)
}

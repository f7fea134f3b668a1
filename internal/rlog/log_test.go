package rlog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutputIsParseable(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	Logger.Info().Str("key", "value").Msg("hello")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "hello", decoded["message"])
	require.Equal(t, "value", decoded["key"])
}

func TestInitRespectsConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})
	Logger.Info().Msg("should be suppressed")
	require.Empty(t, buf.String())

	Logger.Error().Msg("should appear")
	require.NotEmpty(t, buf.String())
}

func TestWithComponentTagsOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	WithComponent("txn").Info().Msg("tagged")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "txn", decoded["component"])
}

func TestWithNodeTermTargetTagOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithNode("node1").Info().Msg("n")
	WithTerm(42).Info().Msg("t")
	WithTarget("dr").Info().Msg("g")

	dec := json.NewDecoder(&buf)
	var line map[string]any
	require.NoError(t, dec.Decode(&line))
	require.Equal(t, "node1", line["node"])
	require.NoError(t, dec.Decode(&line))
	require.Equal(t, float64(42), line["term"])
	require.NoError(t, dec.Decode(&line))
	require.Equal(t, "dr", line["target"])
}

func TestInitDefaultsToInfoLevelForUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("nonsense"), JSONOutput: true, Output: &buf})
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "revshared", Env: "test", Writer: &buf})
	logger.Info("period closed", slog.String("period_id", "2026-09"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "period closed", line["message"])
	require.Equal(t, "revshared", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "2026-09", line["period_id"])
	require.Contains(t, line, "timestamp")
}

func TestSetupLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "revshared", Level: slog.LevelWarn, Writer: &buf})
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("rail_token", "s3cret").Value.String())
	require.Equal(t, "ob-1", MaskField("obligation_id", "ob-1").Value.String())
	require.Equal(t, "", MaskField("rail_token", "").Value.String())
	require.Equal(t, "EQDt…p4q2", MaskAddress("to", "EQDtFpEwcFAEcRe5mLVh2N6C0x-_hJEM7W61_JLnSF74p4q2").Value.String())
}

func TestSetupDevEnvUsesConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "revshared", Env: "dev", Writer: &buf})
	logger.Info("hello")
	require.Contains(t, buf.String(), "hello")
	require.Error(t, json.Unmarshal(buf.Bytes(), new(map[string]any)))
}

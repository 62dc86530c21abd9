package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/blip/broker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud", Format: "text", Output: "discard"})
	assert.Error(t, err)

	_, err = New(config.LoggingConfig{Level: "info", Format: "xml", Output: "discard"})
	assert.Error(t, err)
}

func TestFileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "blip.log")
	log, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	log.With("component", "ipc_router").Info("routed message", "from", "svc-a", "to", "svc-b")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "routed message", entry["msg"])
	assert.Equal(t, "ipc_router", entry["component"])
	assert.Equal(t, "svc-b", entry["to"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithWriter(&buf, "text", LevelWarn, nil)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.True(t, log.Enabled(LevelError))
	assert.False(t, log.Enabled(LevelDebug))
}

func TestLevelAndSlogShareConfiguration(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithWriter(&buf, "text", LevelWarn, nil)
	require.NoError(t, err)

	assert.Equal(t, LevelWarn, log.GetLevel())
	assert.Equal(t, "WARN", log.GetLevel().String())
	assert.Equal(t, LevelWarn, log.With("component", "ipc_server").GetLevel())

	log.Slog().Info("hidden")
	log.Slog().Error("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestDerivedLoggerCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blip.log")
	root, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)

	child := root.With("conn_id", "abc")
	require.NoError(t, child.Close())
	root.Info("still open")
	require.NoError(t, root.Close())
}

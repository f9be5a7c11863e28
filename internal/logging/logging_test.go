package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodash/internal/logging"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "workflow_id", "wf-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "wf-1", line["workflow_id"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("debug", "text", &buf)
	require.NoError(t, err)
	logger.Debug("hello", "n", 1)
	assert.Contains(t, buf.String(), "hello")
}

func TestParseLevel(t *testing.T) {
	lvl, err := logging.ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = logging.New("loud", "text", &bytes.Buffer{})
	require.Error(t, err)
}

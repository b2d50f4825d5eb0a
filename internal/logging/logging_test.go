package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_EmitsJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(Config{Level: "debug", Writer: &buf})

	log.Info("document added", slog.String("doc_id", "doc-1"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "document added", entry["msg"])
	assert.Equal(t, "doc-1", entry["doc_id"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestSetup_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(Config{Level: "warn", Writer: &buf})

	log.Info("suppressed")
	assert.Zero(t, buf.Len())

	log.Warn("emitted")
	assert.Positive(t, buf.Len())
}

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelFromString("debug"))
	assert.Equal(t, slog.LevelWarn, LevelFromString("WARNING"))
	assert.Equal(t, slog.LevelError, LevelFromString("error"))
	assert.Equal(t, slog.LevelInfo, LevelFromString("unknown"))
}

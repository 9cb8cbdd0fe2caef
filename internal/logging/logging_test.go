package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(&buf, Config{Level: "warn", Format: "json"})
	require.NoError(t, err)
	l.Info("dropped")
	l.Warn("kept", "fold", 3)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.EqualValues(t, 3, rec["fold"])

	_, err = NewWriter(&buf, Config{Format: "xml"})
	assert.Error(t, err)
}

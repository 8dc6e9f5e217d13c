package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{
		Level:  "warn",
		Format: "json",
		Output: &buf,
		Attrs:  []slog.Attr{Component("test")},
	})

	log.Info("dropped")
	log.Warn("kept", "user_id", "alice", Err(errors.New("boom")))

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, "test", record["component"])
	assert.Equal(t, "alice", record["user_id"])
	assert.Equal(t, "boom", record["error"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Format: "TEXT", Output: &buf}).Info("hello", "n", 1)
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "n=1")
}

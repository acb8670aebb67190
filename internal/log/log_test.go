package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: slog.LevelWarn, Stderr: &buf}))
	defer Close()

	Debug("hidden")
	Warn("shown", "pid", 4242)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "pid=4242")
	assert.False(t, Enabled(slog.LevelDebug))
}

func TestInit_FileGetsEverything(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, Init(Options{Level: slog.LevelError, JSONFormat: true, File: path, Stderr: &buf}))

	Debug("to the file", "rule", 3)
	Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to the file"`)
	assert.Contains(t, string(data), `"rule":3`)
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	With("component", "test").Debug("hello")
	assert.Contains(t, buf.String(), "component=test")
}

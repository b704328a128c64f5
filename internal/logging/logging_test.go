package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("verbose")
	assert.ErrorContains(t, err, `unknown log level "verbose"`)
}

func TestNew_ConsoleLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(Options{Level: "warn", Console: true}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", zap.String("id", "tx-1"))
	require.NoError(t, l.Close())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, `"id": "tx-1"`)
}

func TestNew_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(Options{Level: "info", Console: true}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Debug("before")
	require.NoError(t, l.SetLevel("debug"))
	l.Debug("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
	assert.Error(t, l.SetLevel("loud"))
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "explorer.log")
	l, err := New(Options{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	l.Named("engine").Debug("transition applied", zap.String("fine_status", "in_block"))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "engine", entry["logger"])
	assert.Equal(t, "transition applied", entry["msg"])
	assert.Equal(t, "in_block", entry["fine_status"])
	assert.Contains(t, entry, "ts")
}

func TestNew_NoOutputs(t *testing.T) {
	l, err := New(Options{Level: "debug"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.ErrorLevel))
	assert.NoError(t, l.Close())
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty", Console: true})
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, LevelInfo, d.Level)
	assert.True(t, d.Console)
	assert.Empty(t, d.File)
}

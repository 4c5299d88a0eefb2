// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})
	logger.Info("hello from file", "key", "value")
	require.NoError(t, logger.Close())

	filename := "testsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from file")
	assert.Contains(t, string(data), `"service":"testsvc"`)
}

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "filter",
		Quiet:   true,
	})
	logger.Debug("dropped debug")
	logger.Info("dropped info")
	logger.Warn("kept warn")
	logger.Error("kept error")
	require.NoError(t, logger.Close())

	filename := "filter_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)

	assert.NotContains(t, string(data), "dropped debug")
	assert.NotContains(t, string(data), "dropped info")
	assert.Contains(t, string(data), "kept warn")
	assert.Contains(t, string(data), "kept error")
}

func TestLogger_With(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "child",
		Quiet:   true,
	})
	child := logger.With("run_id", "abc123")
	child.Info("scoped message")
	require.NoError(t, logger.Close())

	filename := "child_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)
	assert.Contains(t, string(data), "abc123")
}

func TestBufferedExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Quiet:    true,
		Service:  "buffered",
		Exporter: exporter,
	})
	logger.Info("exported message", "key", "value")

	// Export is async; poll until the entry lands.
	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)

	entries := exporter.Entries()
	assert.Equal(t, "exported message", entries[0].Message)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, "buffered", entries[0].Service)
	assert.Equal(t, "value", entries[0].Attrs["key"])
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewWriterExporter(&buf)

	err := exporter.Export(context.Background(), LogEntry{
		Timestamp: time.Now(),
		Level:     LevelWarn,
		Message:   "written entry",
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "WARN")
	assert.Contains(t, buf.String(), "written entry")
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"a", 1, "b", "two", 3, "orphan"})
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, "two", m["b"])
	// Non-string key is skipped.
	assert.Len(t, m, 2)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".gitgraph/logs"), expandPath("~/.gitgraph/logs"))
	assert.Equal(t, "/var/log/gitgraph", expandPath("/var/log/gitgraph"))
}

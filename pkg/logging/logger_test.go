// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.toSlogLevel())
	assert.Equal(t, slog.LevelWarn, LevelWarn.toSlogLevel())
	assert.Equal(t, slog.LevelInfo, Level(99).toSlogLevel(), "unknown defaults to Info")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   Level
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{" WARN ", LevelWarn, true},
		{"warning", LevelWarn, true},
		{"", LevelInfo, true},
		{"verbose", LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_NonTerminalOutputIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "gateway", Output: &buf})

	logger.Slog().Info("request admitted", "clientKey", "203.0.113.9")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request admitted", entry["msg"])
	assert.Equal(t, "gateway", entry["service"])
	assert.Equal(t, "203.0.113.9", entry["clientKey"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Slog().Error("nothing")
	assert.Empty(t, buf.String())
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "ingest", Output: &buf})

	logger.Slog().Info("uploaded", "file", "vat-act.pdf")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "second close is a no-op")

	path := filepath.Join(dir, "ingest_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "vat-act.pdf"))
	assert.Contains(t, buf.String(), "vat-act.pdf", "stderr copy still written")
}

func TestExpandHome(t *testing.T) {
	got, err := expandHome("/var/log/lexgate")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/lexgate", got)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err = expandHome("~/logs")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), got)
}

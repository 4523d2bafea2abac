// ABOUTME: Tests for the coven-chatstore command helpers
// ABOUTME: Covers the color log handler and token argument parsing

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatstore/internal/config"
)

func TestColorHandler(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "store").WithGroup("flush").Info("snapshot written", "bytes", 42)
	logger.Warn("slow", slog.Group("lock", "waited", "2s"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF snapshot written component=store flush.bytes=42")
	assert.Contains(t, lines[1], "WRN slow lock.waited=2s")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("flushed", "dirty", 0)
	assert.Contains(t, buf.String(), `"msg":"flushed"`)
	assert.Contains(t, buf.String(), `"dirty":0`)
}

func TestRunToken_ArgumentErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "--uid flag is required"},
		{[]string{"--uid"}, "--uid requires a value"},
		{[]string{"--uid", "abc"}, "--uid must be a positive integer"},
		{[]string{"--uid=0"}, "--uid must be a positive integer"},
		{[]string{"--uid=7", "--ttl=soon"}, "--ttl must be a positive duration"},
		{[]string{"--name", "x"}, "unknown flag: --name"},
		{[]string{"7"}, "unexpected argument: 7"},
	}
	for _, tt := range tests {
		err := runToken(tt.args)
		require.Error(t, err, "%v", tt.args)
		assert.Equal(t, tt.want, err.Error(), "%v", tt.args)
	}
}

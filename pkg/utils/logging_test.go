package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"DEBUG", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"Warning", zapcore.WarnLevel, false},
		{"ERROR", zapcore.ErrorLevel, false},
		{"LOUD", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "agentfs.log")

	logger, closer, err := NewLogger(LogConfig{Level: "INFO", Format: "json", File: file})
	require.NoError(t, err)

	logger.Named("engine").Info("engine started")
	logger.Debug("suppressed")
	require.NoError(t, logger.Sync())
	require.NoError(t, closer())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"engine started"`)
	assert.Contains(t, string(data), `"logger":"engine"`)
	assert.NotContains(t, string(data), "suppressed")
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, _, err := NewLogger(LogConfig{Level: "NOPE"})
	assert.Error(t, err)

	_, _, err = NewLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"1KB", 1024, false},
		{"16 MB", 16 << 20, false},
		{"1GiB", 1 << 30, false},
		{"1.5G", 3 << 29, false},
		{"2t", 2 << 40, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-1MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "100 B", FormatBytes(100))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(3<<19))
	assert.True(t, strings.HasSuffix(FormatBytes(5<<30), "GB"))
}

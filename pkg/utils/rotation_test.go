package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRotatorRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "engine.log")

	rotator, err := NewLogRotator(&RotationConfig{Filename: file, MaxSize: 64})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 3; i++ {
		_, err := rotator.Write(line)
		require.NoError(t, err)
	}

	backups, err := rotator.backupFiles()
	require.NoError(t, err)
	assert.NotEmpty(t, backups)

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(64))
}

func TestLogRotatorCompressesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "engine.log")

	rotator, err := NewLogRotator(&RotationConfig{Filename: file, MaxBackups: 1, Compress: true})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	for i := 0; i < 3; i++ {
		_, err := rotator.Write([]byte("entry\n"))
		require.NoError(t, err)
		require.NoError(t, rotator.Rotate())
	}

	backups, err := rotator.backupFiles()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, strings.HasSuffix(backups[0], ".log.zst"))
}

func TestLogRotatorRequiresFilename(t *testing.T) {
	t.Parallel()

	_, err := NewLogRotator(nil)
	assert.Error(t, err)
	_, err = NewLogRotator(&RotationConfig{})
	assert.Error(t, err)
}

func TestLogRotatorWriteAfterClose(t *testing.T) {
	rotator, err := NewLogRotator(&RotationConfig{Filename: filepath.Join(t.TempDir(), "x.log")})
	require.NoError(t, err)
	require.NoError(t, rotator.Close())

	_, err = rotator.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

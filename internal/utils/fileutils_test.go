package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFileOfSize(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := bytes.Repeat([]byte{0xAB}, size)
	// Vary the tail so head/tail sampling actually differs between files.
	if size > 0 {
		data[size-1] = byte(len(name))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileFingerprintStable(t *testing.T) {
	dir := t.TempDir()
	path := writeFileOfSize(t, dir, "small.mkv", 1024)

	first, err := FileFingerprint(path)
	require.NoError(t, err)
	second, err := FileFingerprint(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestFileFingerprintBoundary(t *testing.T) {
	dir := t.TempDir()

	// Exactly 8 MiB takes the sampled path; one byte less hashes whole.
	exact := writeFileOfSize(t, dir, "exact.mkv", 8*1024*1024)
	under := writeFileOfSize(t, dir, "under.mkv", 8*1024*1024-1)
	over := writeFileOfSize(t, dir, "over.mkv", 8*1024*1024+1)

	for _, path := range []string{exact, under, over} {
		first, err := FileFingerprint(path)
		require.NoError(t, err)
		second, err := FileFingerprint(path)
		require.NoError(t, err)
		assert.Equal(t, first, second, path)
	}
}

func TestFileFingerprintDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFileOfSize(t, dir, "movie.mkv", 9*1024*1024)

	before, err := FileFingerprint(path)
	require.NoError(t, err)

	// Rewrite the head; the sampled hash must change.
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("different content"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	after, err := FileFingerprint(path)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestFileFingerprintMissingFile(t *testing.T) {
	_, err := FileFingerprint(filepath.Join(t.TempDir(), "nope.mkv"))
	assert.Error(t, err)
}

func TestHasAllowedExtension(t *testing.T) {
	exts := []string{".mp4", ".mkv", ".avi", ".m4v"}

	assert.True(t, HasAllowedExtension("/media/movie.MKV", exts))
	assert.True(t, HasAllowedExtension("movie.mp4", exts))
	assert.False(t, HasAllowedExtension("movie.srt", exts))
	assert.False(t, HasAllowedExtension("noext", exts))
}

func TestTempOutputPath(t *testing.T) {
	out := TempOutputPath("/tmp/work", "/media/series/Show S01E01.mkv")
	assert.Equal(t, "/tmp/work/Show S01E01_compressed.mkv", out)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", FormatDuration(45))
	assert.Equal(t, "3m 10s", FormatDuration(190))
	assert.Equal(t, "2h 5m", FormatDuration(2*3600+5*60))
	assert.Equal(t, "Unknown", FormatDuration(-1))
}

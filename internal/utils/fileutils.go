package utils

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Files at or above this size are fingerprinted by sampling the head
	// and tail instead of hashing the whole file.
	sampledHashThreshold = 8 * 1024 * 1024
	sampleChunkSize      = 4 * 1024 * 1024
)

// FileFingerprint calculates a fast checksum for change detection.
// Files smaller than 8 MiB are hashed whole; larger files hash the
// first and last 4 MiB. This is not a cryptographic commitment, only
// a cheap way for the scanner to notice a rewritten file.
func FileFingerprint(filePath string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := md5.New()

	if info.Size() < sampledHashThreshold {
		if _, err := io.Copy(hasher, file); err != nil {
			return "", fmt.Errorf("failed to hash file: %w", err)
		}
		return hex.EncodeToString(hasher.Sum(nil)), nil
	}

	buffer := make([]byte, sampleChunkSize)

	// First 4 MiB
	if _, err := io.ReadFull(file, buffer); err != nil {
		return "", fmt.Errorf("failed to read file head: %w", err)
	}
	hasher.Write(buffer)

	// Last 4 MiB
	if _, err := file.Seek(-sampleChunkSize, io.SeekEnd); err != nil {
		return "", fmt.Errorf("failed to seek to file tail: %w", err)
	}
	if _, err := io.ReadFull(file, buffer); err != nil {
		return "", fmt.Errorf("failed to read file tail: %w", err)
	}
	hasher.Write(buffer)

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HasAllowedExtension reports whether the path ends in one of the
// configured media extensions (case-insensitive).
func HasAllowedExtension(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// TempOutputPath builds the temp-dir output path for a source file,
// e.g. /tmp/media_compression/Movie_compressed.mkv.
func TempOutputPath(tempDir, sourcePath string) string {
	fileName := filepath.Base(sourcePath)
	ext := filepath.Ext(fileName)
	baseName := strings.TrimSuffix(fileName, ext)
	return filepath.Join(tempDir, baseName+"_compressed"+ext)
}

// FormatDuration renders a second count as a compact human string
// ("45s", "3m 10s", "2h 5m").
func FormatDuration(seconds float64) string {
	if seconds < 0 {
		return "Unknown"
	}
	s := int(seconds)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}

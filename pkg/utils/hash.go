// pkg/utils/hash.go - utility functions for hashing files.

package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/windowsadmins/cimiscan/pkg/logging"
)

// FileSHA256 returns the SHA256 sum of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks if a file's hash matches the expected hash
func Verify(file string, expectedHash string) bool {
	sum, err := FileSHA256(file)
	if err != nil {
		logging.Warn("Failed to hash file", "path", file, "error", err)
		return false
	}
	logging.Debug("Calculated SHA256 hash", "path", file, "hash", sum)
	return strings.EqualFold(sum, strings.TrimSpace(expectedHash))
}

package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateDatabasePath validates that a local database path is safe to
// open: non-empty, no NUL bytes, and no directory traversal once
// cleaned. Absolute paths are allowed since the outbox file usually
// lives under the user's data directory.
func ValidateDatabasePath(path string) error {
	if path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("database path contains NUL byte")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	return nil
}

// ValidateRelativePath validates a path against a base directory,
// rejecting anything that escapes the base once resolved.
func ValidateRelativePath(path, baseDir string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if filepath.IsAbs(path) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	fullPath := filepath.Clean(filepath.Join(baseDir, path))
	cleanBase := filepath.Clean(baseDir)

	if !strings.HasPrefix(fullPath, cleanBase) {
		return fmt.Errorf("path escapes base directory: %s", path)
	}

	return nil
}

// Package cache implements the file-cache discipline shared by every
// pipeline stage: an artifact is valid iff it exists and is non-empty, and
// the only way an artifact becomes visible at its final path is an atomic
// rename from a temp path. A zero-byte file is corrupt and is deleted, never
// served.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
)

// PartialSuffix marks in-flight writes. A crash leaves the partial file
// behind; the final path never holds incomplete data.
const PartialSuffix = ".partial"

// IsNonEmpty reports whether path exists and holds at least one byte.
func IsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// RemoveIfEmpty deletes path if it exists with size zero. Errors from the
// stat or unlink are ignored; a leftover empty file will be rejected by
// IsNonEmpty anyway.
func RemoveIfEmpty(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > 0 {
		return
	}
	_ = os.Remove(path)
}

// WriteFileAtomic writes data to a partial sibling of path and renames it
// into place. The parent directory is created if needed.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	tmp := path + PartialSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("promote %s: %w", path, err)
	}
	return nil
}

// WithPartial runs fn against the partial sibling of path and promotes the
// result on success. On failure the partial file is removed and nothing
// appears at path. fn producing an empty file is a failure.
func WithPartial(path string, fn func(tmpPath string) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	tmp := path + PartialSuffix
	if err := fn(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if !IsNonEmpty(tmp) {
		_ = os.Remove(tmp)
		return fmt.Errorf("produced empty artifact for %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("promote %s: %w", path, err)
	}
	return nil
}

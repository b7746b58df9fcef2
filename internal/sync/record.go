package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadRecord returns the fingerprint stored in the record file at path.
// ok is false when there is no record yet.
func ReadRecord(path string) (sha string, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read record %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// WriteRecord stores sha in the record file at path
func WriteRecord(path, sha string) error {
	if err := writeFileAtomic(path, []byte(sha), 0644); err != nil {
		return fmt.Errorf("failed to write record %s: %w", path, err)
	}
	return nil
}

// fileExists reports whether path exists and is a regular file
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// writeFileAtomic writes data to dst through a temp file in the same
// directory followed by a rename, so dst is either the old or the new content.
func writeFileAtomic(dst string, data []byte, perm os.FileMode) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".mapsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// QuarantineSuffix is appended to a data file that failed to parse.
const QuarantineSuffix = "_bad"

// WriteFileAtomic replaces path with data. The bytes go to a temp file in the
// same directory, are synced, and renamed over path, so a crash leaves either
// the old or the new content in place.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: create dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("storage: chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("storage: rename into %q: %w", path, err)
	}
	committed = true

	// Persist the rename itself; not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Quarantine moves path to path+QuarantineSuffix, replacing an older
// quarantined copy, and returns the new location.
func Quarantine(path string) (string, error) {
	bad := path + QuarantineSuffix
	if err := os.Remove(bad); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("storage: remove old quarantine %q: %w", bad, err)
	}
	if err := os.Rename(path, bad); err != nil {
		return "", fmt.Errorf("storage: quarantine %q: %w", path, err)
	}
	return bad, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

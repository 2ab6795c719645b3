// Package snapshot reads and writes the JSON documents that make up a saved
// module directory.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// StateFile is the name of the state document inside every snapshot directory.
const StateFile = "state.json"

// ErrNotFound is returned when a snapshot document does not exist.
var ErrNotFound = errors.New("snapshot: not found")

// WriteJSON atomically writes v as indented JSON to path. The parent
// directory is created if needed.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("snapshot: write %s: %w", path, err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("snapshot: sync %s: %w", path, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("snapshot: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("snapshot: rename %s: %w", path, err)
	}
	return nil
}

// ReadJSON decodes the JSON document at path into v. A missing file is
// reported as ErrNotFound; malformed content is a decode error.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("snapshot: decode %s: %w", path, err)
	}
	return nil
}

// WriteState writes the state document of dir.
func WriteState(dir string, v any) error {
	return WriteJSON(filepath.Join(dir, StateFile), v)
}

// ReadState reads the state document of dir.
func ReadState(dir string, v any) error {
	return ReadJSON(filepath.Join(dir, StateFile), v)
}

// Exists reports whether dir exists and is a directory.
func Exists(dir string) bool {
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}

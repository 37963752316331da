package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists a single collection as a pretty-printed JSON file. Writes go
// through a temp file followed by an atomic rename so a crash leaves either
// the prior or the new snapshot intact, never a torn file.
type Store struct {
	path string
}

// New returns a store rooted at path. The parent directory is created on the
// first save if it does not exist.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Save marshals v with indentation and atomically replaces the snapshot.
func (s *Store) Save(v any) error {
	if s == nil || s.path == "" {
		return errors.New("snapshot: store not configured")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal %s: %w", s.path, err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: rename to %s: %w", s.path, err)
	}
	return nil
}

// Load unmarshals the snapshot into v. A missing file is not an error; the
// collection simply starts empty and ok reports false.
func (s *Store) Load(v any) (ok bool, err error) {
	if s == nil || s.path == "" {
		return false, errors.New("snapshot: store not configured")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("snapshot: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("snapshot: decode %s: %w", s.path, err)
	}
	return true, nil
}

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// JSONFileBackend persists each collection as a pretty-printed JSON array in
// its own file under Dir. Writes go through a temp file and a rename so a
// crash mid-save never leaves a truncated collection behind.
type JSONFileBackend struct {
	dir string
}

// NewJSONFileBackend constructs a backend rooted at dir.
func NewJSONFileBackend(dir string) (*JSONFileBackend, error) {
	if dir == "" {
		return nil, errors.New("storage: data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data directory: %w", err)
	}
	return &JSONFileBackend{dir: dir}, nil
}

// Load reads the collection file into out. A missing file reports found =
// false with a nil error.
func (b *JSONFileBackend) Load(collection Collection, out any) (bool, error) {
	data, err := os.ReadFile(b.path(collection))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: read %s: %w", collection, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", collection, err)
	}
	return true, nil
}

// Save serializes the full collection, replacing prior contents.
func (b *JSONFileBackend) Save(collection Collection, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", collection, err)
	}
	target := b.path(collection)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write %s: %w", collection, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("storage: replace %s: %w", collection, err)
	}
	return nil
}

func (b *JSONFileBackend) path(collection Collection) string {
	return filepath.Join(b.dir, string(collection)+".json")
}

package txstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists every record to a single JSON file. Suitable for a
// single relay instance; use Postgres or Redis when running more than one.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	return nil
}

// persist writes a temp file, syncs it and renames it over the old one so a
// crash leaves either the previous or the new contents, never a torn file.
func (f *FileStore) persist() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (f *FileStore) Get(_ context.Context, txID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (f *FileStore) Put(_ context.Context, txID string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prevRec, existed := f.data[txID]
	var prev *Record
	if existed {
		prev = &prevRec
	}
	if err := CheckTransition(prev, rec); err != nil {
		return err
	}

	f.data[txID] = rec
	if err := f.persist(); err != nil {
		if existed {
			f.data[txID] = prevRec
		} else {
			delete(f.data, txID)
		}
		return fmt.Errorf("persist %s: %w", txID, err)
	}
	return nil
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// File is a Store persisted as a JSON array of ids. The file is read once
// when opened and rewritten whenever a new id is added.
type File struct {
	mu     sync.Mutex
	path   string
	ids    map[string]struct{}
	closed bool
	logger zerolog.Logger
}

// OpenFile loads the store at path. A missing or unreadable file yields an
// empty store; the problem is logged, not returned.
func OpenFile(path string, logger zerolog.Logger) *File {
	f := &File{
		path:   path,
		ids:    make(map[string]struct{}),
		logger: logger,
	}

	ids, err := readIDs(path)
	observe(BackendFile, "load", err)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		logger.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable problematic entity file")
	default:
		for _, id := range ids {
			f.ids[id] = struct{}{}
		}
		logger.Debug().Int("entities", len(ids)).Str("path", path).Msg("Loaded problematic entities")
	}
	StoreEntries.WithLabelValues(BackendFile).Set(float64(len(f.ids)))

	return f
}

func readIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return ids, nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Has implements Store.
func (f *File) Has(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrStoreClosed
	}
	_, ok := f.ids[id]
	observe(BackendFile, "has", nil, ok)
	return ok, nil
}

// Put implements Store. The id stays marked in memory even if writing the
// file fails.
func (f *File) Put(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}
	if _, ok := f.ids[id]; ok {
		return nil
	}
	f.ids[id] = struct{}{}
	StoreEntries.WithLabelValues(BackendFile).Set(float64(len(f.ids)))

	err := f.save()
	observe(BackendFile, "put", err)
	if err != nil {
		return err
	}
	f.logger.Info().Str("entity", id).Msg("Marked entity as problematic")
	return nil
}

// save writes the set through a temporary file so readers never see a
// truncated document. mu must be held.
func (f *File) save() error {
	data, err := json.Marshal(sortedIDs(f.ids))
	if err != nil {
		return fmt.Errorf("encode problematic entities: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".problematic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// List implements Store.
func (f *File) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrStoreClosed
	}
	return sortedIDs(f.ids), nil
}

// Close implements Store.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Store is a set of problematic entity ids.
type Store interface {
	// Has reports whether id has been marked.
	Has(ctx context.Context, id string) (bool, error)

	// Put marks id. Marking an id twice is not an error.
	Put(ctx context.Context, id string) error

	// List returns every marked id, sorted.
	List(ctx context.Context) ([]string, error)

	// Close releases the backend.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// DefaultFilePath is the file backend's default location.
const DefaultFilePath = ".meraki_problematic_networks.json"

// Config selects and configures a backend.
type Config struct {
	Backend string `koanf:"backend" validate:"omitempty,oneof=memory file redis badger"`

	// Path is the JSON file for the file backend and the directory for
	// the badger backend.
	Path string `koanf:"path"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// Open creates the configured store. An empty backend selects memory.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "problematic-store").Str("backend", cfg.Backend).Logger()

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		path := cfg.Path
		if path == "" {
			path = DefaultFilePath
		}
		return OpenFile(path, logger), nil
	case BackendRedis:
		r, err := OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case BackendBadger:
		b, err := OpenBadger(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	closed bool
}

// NewMemory creates an empty in-memory store, optionally seeded with ids.
func NewMemory(ids ...string) *Memory {
	m := &Memory{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		m.ids[id] = struct{}{}
	}
	return m
}

// Has implements Store.
func (m *Memory) Has(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrStoreClosed
	}
	_, ok := m.ids[id]
	observe(BackendMemory, "has", nil, ok)
	return ok, nil
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.ids[id] = struct{}{}
	observe(BackendMemory, "put", nil)
	StoreEntries.WithLabelValues(BackendMemory).Set(float64(len(m.ids)))
	return nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return sortedIDs(m.ids), nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

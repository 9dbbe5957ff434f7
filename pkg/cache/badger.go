package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Badger is a Store backed by an embedded BadgerDB. Each id is stored as an
// Entry under the meraki:problematic: prefix.
type Badger struct {
	db     *badger.DB
	prefix []byte
	owned  bool
	closed bool
	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewBadger wraps an open database. The caller keeps ownership of db.
func NewBadger(db *badger.DB, logger zerolog.Logger) *Badger {
	return &Badger{
		db:     db,
		prefix: []byte(Key("problematic") + ":"),
		logger: logger,
	}
}

// OpenBadger opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string, logger zerolog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		observe(BackendBadger, "load", err)
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}

	b := NewBadger(db, logger)
	b.owned = true
	return b, nil
}

func (b *Badger) makeKey(id string) []byte {
	key := make([]byte, 0, len(b.prefix)+len(id))
	key = append(key, b.prefix...)
	return append(key, id...)
}

func (b *Badger) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Has implements Store.
func (b *Badger) Has(ctx context.Context, id string) (bool, error) {
	if b.isClosed() {
		return false, ErrStoreClosed
	}

	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(b.makeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	observe(BackendBadger, "has", err, found)
	if err != nil {
		return false, fmt.Errorf("badger get: %w", err)
	}
	return found, nil
}

// Put implements Store. An existing entry keeps its original MarkedAt.
func (b *Badger) Put(ctx context.Context, id string) error {
	if b.isClosed() {
		return ErrStoreClosed
	}

	added := false
	err := b.db.Update(func(txn *badger.Txn) error {
		key := b.makeKey(id)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(Entry{ID: id, MarkedAt: time.Now().UTC()})
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		added = true
		return txn.Set(key, data)
	})
	observe(BackendBadger, "put", err)
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	if added {
		b.logger.Info().Str("entity", id).Msg("Marked entity as problematic")
	}
	return nil
}

// Entries returns every stored entry, sorted by id.
func (b *Badger) Entries(ctx context.Context) ([]Entry, error) {
	if b.isClosed() {
		return nil, ErrStoreClosed
	}

	var entries []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				b.logger.Debug().Err(err).Bytes("key", it.Item().Key()).Msg("Skipping undecodable entry")
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	observe(BackendBadger, "list", err)
	if err != nil {
		return nil, fmt.Errorf("badger iterate: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	StoreEntries.WithLabelValues(BackendBadger).Set(float64(len(entries)))
	return entries, nil
}

// List implements Store.
func (b *Badger) List(ctx context.Context) ([]string, error) {
	entries, err := b.Entries(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// Close implements Store. Databases passed to NewBadger are left open.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.owned {
		return b.db.Close()
	}
	return nil
}

// Package cache remembers entities that are known to time out on
// full-window calls, so later runs can start them in chunked mode.
//
// The store is a hint, never a dependency: every backend tolerates being
// empty, missing or corrupt, and callers log and ignore store errors.
//
// # Backends
//
//   - Memory: process-local set; the default.
//   - File: JSON array of ids, rewritten on every new id
//     (.meraki_problematic_networks.json by default).
//   - Redis: a set under meraki:problematic_networks, shared between hosts.
//   - Badger: one key per id under the meraki:problematic: prefix, with the
//     time the entity was first marked.
//
// # Basic Usage
//
//	store, err := cache.Open(ctx, cache.Config{Backend: cache.BackendFile}, logger)
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	slow, _ := store.Has(ctx, networkID)
//	_ = store.Put(ctx, networkID)
//
// # Metrics
//
//   - meraki_store_operations_total{backend,operation,outcome}
//   - meraki_store_entries{backend}
package cache

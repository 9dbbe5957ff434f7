package fetch

import (
	"sort"
	"sync"
)

// EntityState is what the run has learned about one entity.
type EntityState struct {
	// Blacklisted entities cannot serve the query and are never asked again.
	Blacklisted bool `json:"blacklisted"`

	// Slow entities skip the full-window call and go straight to chunks.
	Slow bool `json:"slow"`

	// TimeoutCount shortens the adaptive chunk timeout.
	TimeoutCount int `json:"timeout_count"`

	// ChunkHours is the current chunk size; zero until the entity is chunked.
	ChunkHours float64 `json:"chunk_hours"`
}

// Registry is the run-scoped, concurrency-safe map of entity states shared
// by every window.
type Registry struct {
	mu     sync.Mutex
	states map[string]EntityState
}

// NewRegistry creates a registry with the given entities pre-blacklisted.
func NewRegistry(blacklist ...string) *Registry {
	r := &Registry{states: make(map[string]EntityState)}
	for _, id := range blacklist {
		r.states[id] = EntityState{Blacklisted: true}
	}
	return r
}

// Get returns the state of id; unknown entities have the zero state.
func (r *Registry) Get(id string) EntityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

// Blacklisted reports whether id is blacklisted.
func (r *Registry) Blacklisted(id string) bool {
	return r.Get(id).Blacklisted
}

// Merge folds the state produced by a fetch into the registry and returns
// the merged result. Flags only ever turn on, the chunk size only ever
// shrinks, and timeouts accumulate relative to the state the fetch started
// from, so concurrent fetches of the same entity do not lose each other's
// findings.
func (r *Registry) Merge(id string, before, after EntityState) EntityState {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.states[id]
	cur.Blacklisted = cur.Blacklisted || after.Blacklisted
	cur.Slow = cur.Slow || after.Slow
	if delta := after.TimeoutCount - before.TimeoutCount; delta > 0 {
		cur.TimeoutCount += delta
	}
	if after.ChunkHours > 0 && (cur.ChunkHours == 0 || after.ChunkHours < cur.ChunkHours) {
		cur.ChunkHours = after.ChunkHours
	}
	r.states[id] = cur
	return cur
}

// Filter returns the ids that are not blacklisted, preserving order.
func (r *Registry) Filter(ids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !r.states[id].Blacklisted {
			out = append(out, id)
		}
	}
	return out
}

// BlacklistedIDs returns the sorted blacklisted ids.
func (r *Registry) BlacklistedIDs() []string {
	return r.collect(func(s EntityState) bool { return s.Blacklisted })
}

// SlowIDs returns the sorted ids of slow entities.
func (r *Registry) SlowIDs() []string {
	return r.collect(func(s EntityState) bool { return s.Slow })
}

func (r *Registry) collect(match func(EntityState) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, s := range r.states {
		if match(s) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

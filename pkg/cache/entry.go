package cache

import "time"

// Entry describes one problematic entity.
type Entry struct {
	// ID is the entity identifier (a network id).
	ID string `json:"id"`

	// MarkedAt is when the entity was first marked.
	MarkedAt time.Time `json:"marked_at"`
}

// Age returns how long ago the entity was marked; zero when unknown.
func (e Entry) Age() time.Duration {
	if e.MarkedAt.IsZero() {
		return 0
	}
	return time.Since(e.MarkedAt)
}

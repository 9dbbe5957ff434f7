package ratelimit

// Snapshot is a point-in-time copy of the governor state, used for logging
// and for the diagnostics section of a report.
type Snapshot struct {
	// Limit is the concurrency limit in force.
	Limit int `json:"limit" yaml:"limit"`

	// MinLimit and MaxLimit are the configured bounds.
	MinLimit int `json:"min_limit" yaml:"min_limit"`
	MaxLimit int `json:"max_limit" yaml:"max_limit"`

	// Successes and Errors are the counters accumulated since the last
	// adjustment.
	Successes int `json:"successes" yaml:"successes"`
	Errors    int `json:"errors" yaml:"errors"`

	// InFlight is the number of permits held when the snapshot was taken.
	InFlight int `json:"in_flight" yaml:"in_flight"`
}

// AtFloor reports whether the limit cannot shrink any further.
func (s Snapshot) AtFloor() bool {
	return s.Limit <= s.MinLimit
}

// AtCeiling reports whether the limit cannot grow any further.
func (s Snapshot) AtCeiling() bool {
	return s.Limit >= s.MaxLimit
}

// InBounds reports whether the limit lies within [MinLimit, MaxLimit].
func (s Snapshot) InBounds() bool {
	return s.Limit >= s.MinLimit && s.Limit <= s.MaxLimit
}

package ratelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var rateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meraki_rate_limit_hits_total",
	Help: "Total number of 429 responses observed by the fetch strategy",
})

// Tracker records rate-limit hits observed while fetching entity data. The
// aggregator polls CheckAndReset after every batch of windows to decide how
// many windows may run side by side.
type Tracker struct {
	mu     sync.Mutex
	hit    bool
	total  int
	logger zerolog.Logger
}

// NewTracker creates an empty hit tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		logger: logger.With().Str("component", "rate-tracker").Logger(),
	}
}

// RecordHit marks that a rate limit was observed.
func (t *Tracker) RecordHit() {
	t.mu.Lock()
	t.hit = true
	t.total++
	total := t.total
	t.mu.Unlock()

	rateLimitHitsTotal.Inc()
	t.logger.Warn().Int("total_hits", total).Msg("Rate limit hit")
}

// CheckAndReset reports whether a hit was recorded since the previous call
// and clears the flag.
func (t *Tracker) CheckAndReset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.hit
	t.hit = false
	return was
}

// Total returns the number of hits recorded over the tracker's lifetime.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

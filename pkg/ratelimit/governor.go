// Package ratelimit implements the adaptive concurrency governor that bounds
// in-flight dashboard API calls, and the rate-limit hit tracker used to tune
// window-level parallelism.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Prometheus metrics for the concurrency governor.
var (
	governorLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meraki_governor_limit",
		Help: "Current concurrency limit of the API governor",
	})

	governorAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_governor_adjustments_total",
		Help: "Total governor limit changes by direction",
	}, []string{"direction"})

	governorInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meraki_governor_in_flight",
		Help: "Number of permits currently held",
	})
)

// GovernorConfig holds the concurrency bounds of a Governor.
type GovernorConfig struct {
	// InitialLimit is the number of permits available at start.
	InitialLimit int

	// MinLimit and MaxLimit bound every adjustment.
	MinLimit int
	MaxLimit int

	// IncreaseThreshold is the number of consecutive error-free successes
	// required before the limit grows by one.
	IncreaseThreshold int
}

// DefaultGovernorConfig returns the bounds used for a full report run.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		InitialLimit:      5,
		MinLimit:          3,
		MaxLimit:          15,
		IncreaseThreshold: 100,
	}
}

// Validate checks that the bounds are ordered and positive.
func (c GovernorConfig) Validate() error {
	if c.MinLimit < 1 {
		return fmt.Errorf("min limit must be >= 1 (got %d)", c.MinLimit)
	}
	if c.MaxLimit < c.MinLimit {
		return fmt.Errorf("max limit %d is below min limit %d", c.MaxLimit, c.MinLimit)
	}
	if c.InitialLimit < c.MinLimit || c.InitialLimit > c.MaxLimit {
		return fmt.Errorf("initial limit %d outside [%d, %d]", c.InitialLimit, c.MinLimit, c.MaxLimit)
	}
	if c.IncreaseThreshold < 1 {
		return fmt.Errorf("increase threshold must be >= 1 (got %d)", c.IncreaseThreshold)
	}
	return nil
}

// Governor is a resizable permit pool. Counters are fed by the invoker and
// the limit is moved by Adjust: any error shrinks it by one, a long enough
// error-free streak grows it by one.
//
// Resizing installs a fresh semaphore. Permits handed out earlier are
// released into the semaphore they were taken from, so in-flight calls are
// never cancelled or double counted.
type Governor struct {
	mu        sync.Mutex
	sem       *semaphore.Weighted
	current   int
	successes int
	errors    int
	inFlight  int
	config    GovernorConfig
	logger    zerolog.Logger
}

// NewGovernor creates a governor with the given bounds.
func NewGovernor(cfg GovernorConfig, logger zerolog.Logger) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("governor config: %w", err)
	}

	governorLimit.Set(float64(cfg.InitialLimit))

	return &Governor{
		sem:     semaphore.NewWeighted(int64(cfg.InitialLimit)),
		current: cfg.InitialLimit,
		config:  cfg,
		logger:  logger.With().Str("component", "governor").Logger(),
	}, nil
}

// Acquire blocks until a permit is available or ctx is done. The returned
// release func is idempotent and must be called exactly when the guarded
// call finishes, whatever its outcome.
func (g *Governor) Acquire(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	sem := g.sem
	g.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.inFlight++
	governorInFlight.Set(float64(g.inFlight))
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sem.Release(1)
			g.mu.Lock()
			g.inFlight--
			governorInFlight.Set(float64(g.inFlight))
			g.mu.Unlock()
		})
	}, nil
}

// RecordSuccess counts a successful call.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	g.successes++
	g.mu.Unlock()
}

// RecordError counts a throttled call.
func (g *Governor) RecordError() {
	g.mu.Lock()
	g.errors++
	g.mu.Unlock()
}

// Adjust applies the limit policy to the counters gathered since the last
// change.
func (g *Governor) Adjust() {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.errors > 0:
		g.errors = 0
		g.successes = 0
		if g.current > g.config.MinLimit {
			g.resize(g.current-1, "decrease")
			g.logger.Warn().
				Int("limit", g.current).
				Msg("Rate limit hit - decreasing concurrency limit")
		}
	case g.successes > g.config.IncreaseThreshold:
		g.successes = 0
		if g.current < g.config.MaxLimit {
			g.resize(g.current+1, "increase")
			g.logger.Info().
				Int("limit", g.current).
				Msg("Increased concurrency limit")
		}
	}
}

// resize must be called with mu held.
func (g *Governor) resize(limit int, direction string) {
	g.current = limit
	g.sem = semaphore.NewWeighted(int64(limit))
	governorLimit.Set(float64(limit))
	governorAdjustmentsTotal.WithLabelValues(direction).Inc()
}

// Limit returns the current concurrency limit.
func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Snapshot returns a copy of the governor state.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Limit:     g.current,
		MinLimit:  g.config.MinLimit,
		MaxLimit:  g.config.MaxLimit,
		Successes: g.successes,
		Errors:    g.errors,
		InFlight:  g.inFlight,
	}
}

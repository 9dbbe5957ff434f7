// Package aggregate runs the escalating fetch over many entities and many
// time windows and folds the results into deduplicated and raw totals.
package aggregate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/fetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	windowParallelism = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meraki_window_parallelism",
		Help: "Number of windows processed concurrently in the current batch",
	})

	individualRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meraki_individual_retries_total",
		Help: "Entities retried on their own after a sub-batch timeout",
	})

	windowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meraki_window_duration_seconds",
		Help:    "Time to process one window across all entities",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})
)

// Fetcher fetches one entity for one window. *fetch.Strategy implements it.
type Fetcher interface {
	Fetch(ctx context.Context, id string, state fetch.EntityState, w fetch.Window) fetch.Outcome
}

// HitChecker reports whether rate limits were hit since the last check.
// *ratelimit.Tracker implements it.
type HitChecker interface {
	CheckAndReset() bool
	Total() int
}

// Config holds the aggregation limits.
type Config struct {
	// InitialWindowParallelism is the number of windows in the first batch;
	// MaxWindowParallelism caps the growth after clean batches.
	InitialWindowParallelism int
	MaxWindowParallelism     int

	// GroupSize entities are handled per group, SubBatchSize of them
	// concurrently.
	GroupSize    int
	SubBatchSize int

	// SubBatchTimeout bounds a whole sub-batch; entities that did not finish
	// in time are retried one by one under IndividualTimeout.
	SubBatchTimeout   time.Duration
	IndividualTimeout time.Duration

	// GroupPause separates consecutive groups of a window.
	GroupPause time.Duration

	// DedupeField is the record field deduplicated across the run.
	DedupeField string
}

// DefaultConfig returns the limits used for a report run.
func DefaultConfig() Config {
	return Config{
		InitialWindowParallelism: 2,
		MaxWindowParallelism:     2,
		GroupSize:                6,
		SubBatchSize:             3,
		SubBatchTimeout:          360 * time.Second,
		IndividualTimeout:        180 * time.Second,
		GroupPause:               200 * time.Millisecond,
		DedupeField:              "mac",
	}
}

// Aggregator drives fetches across windows and entities. The registry it is
// given carries blacklist and slow-entity state across every window of a run.
type Aggregator struct {
	fetcher  Fetcher
	registry *fetch.Registry
	hits     HitChecker
	config   Config
	logger   zerolog.Logger
}

// New creates an aggregator. hits may be nil, in which case only rate limits
// reported in fetch outcomes steer window parallelism.
func New(fetcher Fetcher, registry *fetch.Registry, hits HitChecker, cfg Config, logger zerolog.Logger) *Aggregator {
	if cfg.InitialWindowParallelism < 1 {
		cfg.InitialWindowParallelism = 1
	}
	if cfg.MaxWindowParallelism < cfg.InitialWindowParallelism {
		cfg.MaxWindowParallelism = cfg.InitialWindowParallelism
	}
	if cfg.GroupSize < 1 {
		cfg.GroupSize = 6
	}
	if cfg.SubBatchSize < 1 {
		cfg.SubBatchSize = 3
	}
	if cfg.DedupeField == "" {
		cfg.DedupeField = "mac"
	}
	if registry == nil {
		registry = fetch.NewRegistry()
	}

	return &Aggregator{
		fetcher:  fetcher,
		registry: registry,
		hits:     hits,
		config:   cfg,
		logger:   logger.With().Str("component", "aggregator").Logger(),
	}
}

// Registry returns the run-scoped entity registry.
func (a *Aggregator) Registry() *fetch.Registry {
	return a.registry
}

// windowResult is what one window contributes to the report.
type windowResult struct {
	count      WindowCount
	keys       map[string]struct{}
	stats      Diagnostics
	highVolume []string
}

// Aggregate fetches every entity for every window and returns the merged
// report. It never fails: failed pairings contribute nothing and are counted
// in the diagnostics, and a cancelled ctx ends the run early with whatever
// was collected.
func (a *Aggregator) Aggregate(ctx context.Context, entities []string, windows []fetch.Window) *Report {
	start := time.Now()
	report := &Report{PerWindow: make([]WindowCount, len(windows))}
	for i, w := range windows {
		report.PerWindow[i] = WindowCount{Index: i, Start: w.Start, End: w.End}
	}

	unique := make(map[string]struct{})
	highVolume := make(map[string]struct{})
	parallelism := a.config.InitialWindowParallelism

	// Hits recorded before this run (listing calls sharing the tracker)
	// must not throttle the first batch or count towards this report.
	baseline := 0
	if a.hits != nil {
		a.hits.CheckAndReset()
		baseline = a.hits.Total()
	}

	a.logger.Info().
		Int("entities", len(entities)).
		Int("windows", len(windows)).
		Msg("Starting aggregation")

	next := 0
	for next < len(windows) {
		if ctx.Err() != nil {
			break
		}

		n := min(parallelism, len(windows)-next)
		windowParallelism.Set(float64(n))
		report.Parallelism = append(report.Parallelism, parallelism)

		results := make([]windowResult, n)
		var g errgroup.Group
		for j := 0; j < n; j++ {
			idx := next + j
			g.Go(func() error {
				results[j] = a.processWindow(ctx, idx, windows[idx], entities)
				return nil
			})
		}
		_ = g.Wait()

		batchHits := 0
		for _, r := range results {
			report.PerWindow[r.count.Index] = r.count
			report.TotalRaw += r.count.Raw
			for k := range r.keys {
				unique[k] = struct{}{}
			}
			for _, id := range r.highVolume {
				highVolume[id] = struct{}{}
			}
			report.Diagnostics.add(r.stats)
			batchHits += r.stats.RateLimitHits
		}

		hit := batchHits > 0
		if a.hits != nil && a.hits.CheckAndReset() {
			hit = true
		}

		switch {
		case hit:
			if parallelism != 1 {
				a.logger.Warn().
					Int("from", parallelism).
					Int("to", 1).
					Msg("Rate limit hit in batch - reducing window parallelism")
			}
			parallelism = 1
		case parallelism < a.config.MaxWindowParallelism:
			parallelism++
			a.logger.Debug().Int("parallelism", parallelism).Msg("Increasing window parallelism")
		}

		next += n
	}

	report.Diagnostics.SkippedWindows = len(windows) - next
	report.TotalDeduped = len(unique)
	report.finish(len(windows))

	report.Diagnostics.BlacklistedEntities = a.registry.BlacklistedIDs()
	report.Diagnostics.SlowEntities = a.registry.SlowIDs()
	report.Diagnostics.HighVolumeEntities = sortedKeys(highVolume)
	if a.hits != nil {
		report.Diagnostics.RateLimitHits = max(report.Diagnostics.RateLimitHits, a.hits.Total()-baseline)
	}
	report.Duration = time.Since(start)

	a.logger.Info().
		Int("total_deduped", report.TotalDeduped).
		Int("total_raw", report.TotalRaw).
		Int("blacklisted", len(report.Diagnostics.BlacklistedEntities)).
		Int("slow", len(report.Diagnostics.SlowEntities)).
		Int("rate_limit_hits", report.Diagnostics.RateLimitHits).
		Bool("complete", report.Complete).
		Dur("duration", report.Duration).
		Msg("Aggregation complete")

	return report
}

// processWindow fetches every non-blacklisted entity for one window.
func (a *Aggregator) processWindow(ctx context.Context, idx int, w fetch.Window, entities []string) windowResult {
	start := time.Now()
	defer func() {
		windowDuration.Observe(time.Since(start).Seconds())
	}()

	res := windowResult{
		count: WindowCount{Index: idx, Start: w.Start, End: w.End},
		keys:  make(map[string]struct{}),
	}

	active := a.registry.Filter(entities)
	res.count.Entities = len(active)

	a.logger.Debug().
		Int("window", idx).
		Str("range", w.String()).
		Int("entities", len(active)).
		Msg("Processing window")

	for g := 0; g < len(active); g += a.config.GroupSize {
		if g > 0 {
			if err := client.SleepContext(ctx, a.config.GroupPause); err != nil {
				break
			}
		}

		group := active[g:min(g+a.config.GroupSize, len(active))]
		for s := 0; s < len(group); s += a.config.SubBatchSize {
			if ctx.Err() != nil {
				break
			}
			sub := group[s:min(s+a.config.SubBatchSize, len(group))]
			outcomes, retried := a.processSubBatch(ctx, w, sub)
			res.stats.IndividualRetries += retried
			for _, out := range outcomes {
				res.addOutcome(out, a.config.DedupeField)
			}
		}
	}

	res.count.Unique = len(res.keys)

	a.logger.Info().
		Int("window", idx).
		Int("unique", res.count.Unique).
		Int("raw", res.count.Raw).
		Dur("duration", time.Since(start)).
		Msg("Window complete")

	return res
}

// processSubBatch fetches sub concurrently under SubBatchTimeout. Entities
// cut off by that timeout are fetched again one at a time.
func (a *Aggregator) processSubBatch(ctx context.Context, w fetch.Window, sub []string) ([]fetch.Outcome, int) {
	outcomes := make([]fetch.Outcome, len(sub))

	subCtx, cancel := context.WithTimeout(ctx, a.config.SubBatchTimeout)
	var wg sync.WaitGroup
	for i, id := range sub {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = a.fetchEntity(subCtx, id, w)
		}()
	}
	wg.Wait()
	timedOut := errors.Is(subCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if !timedOut {
		return outcomes, 0
	}

	a.logger.Warn().
		Strs("entities", sub).
		Dur("timeout", a.config.SubBatchTimeout).
		Msg("Sub-batch timed out - retrying unfinished entities individually")

	retried := 0
	for i, id := range sub {
		if outcomes[i].Status != fetch.StatusCancelled {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		retried++
		individualRetriesTotal.Inc()

		indCtx, cancel := context.WithTimeout(ctx, a.config.IndividualTimeout)
		outcomes[i] = a.fetchEntity(indCtx, id, w)
		cancel()
	}
	return outcomes, retried
}

// fetchEntity runs one fetch against the current registry state and folds
// the resulting state back in.
func (a *Aggregator) fetchEntity(ctx context.Context, id string, w fetch.Window) fetch.Outcome {
	before := a.registry.Get(id)
	out := a.fetcher.Fetch(ctx, id, before, w)
	out.State = a.registry.Merge(id, before, out.State)
	return out
}

func (r *windowResult) addOutcome(out fetch.Outcome, field string) {
	switch out.Status {
	case fetch.StatusPartial:
		r.count.Partial++
		r.stats.PartialFetches++
	case fetch.StatusCancelled:
		r.count.Partial++
		r.stats.CancelledFetches++
	case fetch.StatusBlacklisted:
		r.stats.NewlyBlacklisted++
	}
	r.stats.Timeouts += out.Timeouts
	r.stats.RateLimitHits += out.RateLimitHits
	r.stats.SkippedChunks += out.SkippedChunks
	if out.HighVolume {
		r.highVolume = append(r.highVolume, out.EntityID)
	}

	r.count.Raw += len(out.Records)
	for _, rec := range out.Records {
		key, ok := rec.String(field)
		if !ok {
			r.stats.MissingKeyRecords++
			continue
		}
		r.keys[strings.ToLower(key)] = struct{}{}
	}
}

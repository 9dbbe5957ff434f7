package aggregate

import (
	"sort"
	"time"
)

// WindowCount is the contribution of one window.
type WindowCount struct {
	Index int       `json:"index" yaml:"index"`
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`

	// Unique is the number of distinct dedupe keys seen in this window.
	Unique int `json:"unique" yaml:"unique"`

	// Raw is the number of records fetched in this window, without dedup.
	Raw int `json:"raw" yaml:"raw"`

	// Entities is the number of entities asked; Partial counts those that
	// returned incomplete data.
	Entities int `json:"entities" yaml:"entities"`
	Partial  int `json:"partial" yaml:"partial"`
}

// Diagnostics makes partial coverage visible.
type Diagnostics struct {
	BlacklistedEntities []string `json:"blacklisted_entities" yaml:"blacklisted_entities"`
	SlowEntities        []string `json:"slow_entities" yaml:"slow_entities"`
	HighVolumeEntities  []string `json:"high_volume_entities,omitempty" yaml:"high_volume_entities,omitempty"`

	NewlyBlacklisted  int `json:"newly_blacklisted" yaml:"newly_blacklisted"`
	RateLimitHits     int `json:"rate_limit_hits" yaml:"rate_limit_hits"`
	Timeouts          int `json:"timeouts" yaml:"timeouts"`
	SkippedChunks     int `json:"skipped_chunks" yaml:"skipped_chunks"`
	PartialFetches    int `json:"partial_fetches" yaml:"partial_fetches"`
	CancelledFetches  int `json:"cancelled_fetches" yaml:"cancelled_fetches"`
	IndividualRetries int `json:"individual_retries" yaml:"individual_retries"`
	SkippedWindows    int `json:"skipped_windows" yaml:"skipped_windows"`

	// MissingKeyRecords were counted raw but had no dedupe key.
	MissingKeyRecords int `json:"missing_key_records" yaml:"missing_key_records"`
}

func (d *Diagnostics) add(o Diagnostics) {
	d.NewlyBlacklisted += o.NewlyBlacklisted
	d.RateLimitHits += o.RateLimitHits
	d.Timeouts += o.Timeouts
	d.SkippedChunks += o.SkippedChunks
	d.PartialFetches += o.PartialFetches
	d.CancelledFetches += o.CancelledFetches
	d.IndividualRetries += o.IndividualRetries
	d.MissingKeyRecords += o.MissingKeyRecords
}

// Report is the result of an aggregation run.
type Report struct {
	// TotalDeduped is the number of distinct case-normalized dedupe keys
	// across all windows and entities.
	TotalDeduped int `json:"total_deduped" yaml:"total_deduped"`

	// TotalRaw is the sum of per-window, per-entity record counts.
	TotalRaw int `json:"total_raw" yaml:"total_raw"`

	// AverageUnique and AverageRaw are per-window means over all windows.
	AverageUnique float64 `json:"average_unique" yaml:"average_unique"`
	AverageRaw    float64 `json:"average_raw" yaml:"average_raw"`

	PerWindow []WindowCount `json:"per_window" yaml:"per_window"`

	// Parallelism is the window parallelism used by each batch, in order.
	Parallelism []int `json:"parallelism" yaml:"parallelism"`

	Diagnostics Diagnostics `json:"diagnostics" yaml:"diagnostics"`

	// Complete is false whenever any pairing returned incomplete data.
	Complete bool `json:"complete" yaml:"complete"`

	Duration time.Duration `json:"duration" yaml:"duration"`
}

func (r *Report) finish(windows int) {
	if windows > 0 {
		var unique int
		for _, w := range r.PerWindow {
			unique += w.Unique
		}
		r.AverageUnique = float64(unique) / float64(windows)
		r.AverageRaw = float64(r.TotalRaw) / float64(windows)
	}

	d := r.Diagnostics
	r.Complete = d.PartialFetches == 0 &&
		d.CancelledFetches == 0 &&
		d.SkippedChunks == 0 &&
		d.SkippedWindows == 0
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

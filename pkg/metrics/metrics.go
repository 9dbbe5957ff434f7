// Package metrics documents the Prometheus metrics of meraki-report and
// writes snapshots of them.
// All metrics are defined in their respective packages (client, ratelimit,
// pagination, fetch, aggregate, collector, cache) with promauto.
//
// meraki-report is a batch tool without an HTTP surface, so metrics are not
// scraped; the CLI writes a text exposition snapshot at exit instead
// (--metrics-file).
package metrics

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry is the default Prometheus registry used by meraki-report.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Prefix is shared by every meraki-report metric.
const Prefix = "meraki_"

// Snapshot renders the meraki-report metrics of gatherer in the Prometheus
// text exposition format. A nil gatherer uses the default one.
func Snapshot(gatherer prometheus.Gatherer) ([]byte, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	families, err := gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), Prefix) {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteFile writes a snapshot to path, replacing any existing file.
func WriteFile(path string, gatherer prometheus.Gatherer) error {
	data, err := Snapshot(gatherer)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), path)
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - meraki_requests_total{operation, status} (Counter): Requests by operation and HTTP status
//   - meraki_request_duration_seconds{operation} (Histogram): Request duration by operation
//   - meraki_errors_total{kind} (Counter): Errors by kind (timeout, rate_limited, unsupported_entity, transient)
//   - meraki_circuit_breaker_state{name} (Gauge): 0=closed, 1=half-open, 2=open
//
// Retry Metrics (pkg/client):
//   - meraki_retries_total{kind} (Counter): Retry attempts by error kind
//   - meraki_retry_backoff_seconds{kind} (Histogram): Backoff duration by error kind
//   - meraki_retry_exhausted_total{kind} (Counter): Calls that exhausted their retries
//
// Governor Metrics (pkg/ratelimit):
//   - meraki_governor_limit (Gauge): Current concurrency limit
//   - meraki_governor_adjustments_total{direction} (Counter): Limit changes
//   - meraki_governor_in_flight (Gauge): Permits currently held
//   - meraki_rate_limit_hits_total (Counter): 429 responses seen by the hit tracker
//
// Pagination Metrics (pkg/pagination):
//   - meraki_pages_fetched_total{listing} (Counter): Pages fetched by listing
//   - meraki_pagination_cursor_lost_total{listing} (Counter): Listings stopped on a missing cursor
//
// Fetch Metrics (pkg/fetch):
//   - meraki_fetch_outcomes_total{status} (Counter): Entity window fetches by outcome
//   - meraki_chunk_size_hours (Histogram): Chunk sizes used
//   - meraki_skipped_chunks_total (Counter): Chunks given up at the minimum size
//   - meraki_problematic_store_errors_total{operation} (Counter): Store read/write failures
//
// Aggregation Metrics (pkg/aggregate):
//   - meraki_window_parallelism (Gauge): Windows processed concurrently
//   - meraki_individual_retries_total (Counter): Entities retried after a sub-batch timeout
//   - meraki_window_duration_seconds (Histogram): Time per window
//
// Collection Metrics (pkg/collector):
//   - meraki_collection_runs_total{result} (Counter): Runs by result (complete, partial)
//   - meraki_listing_failures_total{listing} (Counter): Incomplete organization listings
//   - meraki_filtered_networks_total{reason} (Counter): Networks excluded from client stats
//
// Store Metrics (pkg/cache):
//   - meraki_store_operations_total{backend, operation, outcome} (Counter): Store operations
//   - meraki_store_entries{backend} (Gauge): Known problematic entities
//
// Example Prometheus Queries (against a pushed or scraped snapshot):
//
//   # Rate limit pressure
//   meraki_rate_limit_hits_total
//
//   # Share of fetches that needed chunking or returned partial data
//   sum(meraki_fetch_outcomes_total{status!="success"}) / sum(meraki_fetch_outcomes_total)
//
//   # P95 Request Latency
//   histogram_quantile(0.95, sum by (le) (meraki_request_duration_seconds_bucket))

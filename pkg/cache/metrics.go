package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperations tracks store calls by backend, operation and outcome.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meraki_store_operations_total",
			Help: "Total problematic-entity store operations",
		},
		[]string{"backend", "operation", "outcome"}, // operation: has, put, list, load; outcome: hit, miss, ok, error
	)

	// StoreEntries tracks the number of known entities per backend.
	StoreEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meraki_store_entries",
			Help: "Number of entities in the problematic-entity store",
		},
		[]string{"backend"},
	)
)

func observe(backend, operation string, err error, hit ...bool) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(hit) > 0 && hit[0]:
		outcome = "hit"
	case len(hit) > 0:
		outcome = "miss"
	}
	StoreOperations.WithLabelValues(backend, operation, outcome).Inc()
}

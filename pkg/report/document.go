// Package report turns a collection result into a report document and
// writes it to a sink.
package report

import (
	"time"

	"github.com/Sternrassler/meraki-report/pkg/aggregate"
	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/collector"
	"github.com/Sternrassler/meraki-report/pkg/ratelimit"
)

// Day is the client count of one day, newest first.
type Day struct {
	Date   string `json:"date" yaml:"date"`
	Unique int    `json:"unique" yaml:"unique"`
	Raw    int    `json:"raw" yaml:"raw"`
}

// ClientStats is the client section of a report.
type ClientStats struct {
	Days          int     `json:"days" yaml:"days"`
	TotalUnique   int     `json:"total_unique" yaml:"total_unique"`
	TotalRaw      int     `json:"total_raw" yaml:"total_raw"`
	AverageUnique float64 `json:"average_unique" yaml:"average_unique"`
	AverageRaw    float64 `json:"average_raw" yaml:"average_raw"`
	PerDay        []Day   `json:"per_day" yaml:"per_day"`
	Complete      bool    `json:"complete" yaml:"complete"`

	Diagnostics aggregate.Diagnostics `json:"diagnostics" yaml:"diagnostics"`
}

// Document is the serialized report.
type Document struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	Duration    string    `json:"duration" yaml:"duration"`

	Organizations    []collector.Organization `json:"organizations" yaml:"organizations"`
	Dashboard        collector.DashboardStats `json:"dashboard" yaml:"dashboard"`
	FilteredNetworks collector.FilterCounts   `json:"filtered_networks" yaml:"filtered_networks"`
	Clients          ClientStats              `json:"clients" yaml:"clients"`

	InventoryCount int             `json:"inventory_count" yaml:"inventory_count"`
	Inventory      []client.Record `json:"inventory,omitempty" yaml:"inventory,omitempty"`

	Governor ratelimit.Snapshot `json:"governor" yaml:"governor"`
	Warnings []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Options controls what goes into a Document.
type Options struct {
	// IncludeInventory copies the full device list into the document;
	// otherwise only its count is kept.
	IncludeInventory bool
}

// Build creates the document for a collection result.
func Build(r *collector.Result, generatedAt time.Time, opts Options) Document {
	doc := Document{
		RunID:            r.RunID,
		GeneratedAt:      generatedAt.UTC(),
		Duration:         r.Duration.Round(time.Millisecond).String(),
		Organizations:    r.Organizations,
		Dashboard:        r.Dashboard,
		FilteredNetworks: r.Filtered,
		InventoryCount:   len(r.Inventory),
		Governor:         r.Governor,
		Warnings:         r.Warnings,
	}
	if opts.IncludeInventory {
		doc.Inventory = r.Inventory
	}

	doc.Clients.Days = r.Days
	if rep := r.Clients; rep != nil {
		doc.Clients.TotalUnique = rep.TotalDeduped
		doc.Clients.TotalRaw = rep.TotalRaw
		doc.Clients.AverageUnique = rep.AverageUnique
		doc.Clients.AverageRaw = rep.AverageRaw
		doc.Clients.Complete = rep.Complete
		doc.Clients.Diagnostics = rep.Diagnostics

		for _, w := range rep.PerWindow {
			doc.Clients.PerDay = append(doc.Clients.PerDay, Day{
				Date:   w.Start.Format(time.DateOnly),
				Unique: w.Unique,
				Raw:    w.Raw,
			})
		}
	}

	return doc
}

package collector

import (
	"time"

	"github.com/Sternrassler/meraki-report/pkg/aggregate"
	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/ratelimit"
)

// Organization is an organization id with its resolved name.
type Organization struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// DashboardStats are the organization-wide totals.
type DashboardStats struct {
	TotalNetworks    int `json:"total_networks" yaml:"total_networks"`
	TotalInventory   int `json:"total_inventory" yaml:"total_inventory"`
	TotalActiveNodes int `json:"total_active_nodes" yaml:"total_active_nodes"`
}

func dashboardStats(listings []orgListing) DashboardStats {
	var s DashboardStats
	for _, l := range listings {
		s.TotalNetworks += len(l.networks)
		s.TotalInventory += len(l.inventory)
		s.TotalActiveNodes += activeDevices(l.inventory)
	}
	return s
}

// Result is everything collected by one run.
type Result struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Days      int       `json:"days" yaml:"days"`

	Organizations []Organization    `json:"organizations" yaml:"organizations"`
	Dashboard     DashboardStats    `json:"dashboard" yaml:"dashboard"`
	Filtered      FilterCounts      `json:"filtered_networks" yaml:"filtered_networks"`
	Clients       *aggregate.Report `json:"clients" yaml:"clients"`
	Inventory     []client.Record   `json:"inventory" yaml:"inventory"`

	Governor ratelimit.Snapshot `json:"governor" yaml:"governor"`
	Warnings []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Duration time.Duration      `json:"duration" yaml:"duration"`
}

// Complete reports whether every listing and every client fetch returned
// full data.
func (r *Result) Complete() bool {
	return len(r.Warnings) == 0 && r.Clients != nil && r.Clients.Complete
}

// OrganizationNames returns the names as an id to name map.
func (r *Result) OrganizationNames() map[string]string {
	out := make(map[string]string, len(r.Organizations))
	for _, o := range r.Organizations {
		out[o.ID] = o.Name
	}
	return out
}

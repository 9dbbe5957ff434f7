package collector

import (
	"slices"

	"github.com/Sternrassler/meraki-report/pkg/client"
)

// Product types that cannot serve the network clients listing.
const (
	ProductSystemsManager = "systemsManager"
	ProductCamera         = "camera"
)

// FilterCounts counts networks excluded from client statistics.
type FilterCounts struct {
	SystemsManager int `json:"systems_manager" yaml:"systems_manager"`
	Camera         int `json:"camera" yaml:"camera"`
}

// Total returns the number of excluded networks.
func (f FilterCounts) Total() int {
	return f.SystemsManager + f.Camera
}

// FilterIncompatibleNetworks returns the ids of networks that can list
// clients, in input order. Systems Manager networks and camera-only
// networks are dropped; records without an id are ignored.
func FilterIncompatibleNetworks(networks []client.Record) ([]string, FilterCounts) {
	var (
		valid  []string
		counts FilterCounts
	)

	for _, n := range networks {
		id, ok := n.String("id")
		if !ok || id == "" {
			continue
		}

		products := n.Strings("productTypes")
		switch {
		case slices.Contains(products, ProductSystemsManager):
			counts.SystemsManager++
			filteredNetworksTotal.WithLabelValues(ProductSystemsManager).Inc()
		case len(products) == 1 && products[0] == ProductCamera:
			counts.Camera++
			filteredNetworksTotal.WithLabelValues(ProductCamera).Inc()
		default:
			valid = append(valid, id)
		}
	}

	return valid, counts
}

// activeDevices counts inventory devices assigned to a network.
func activeDevices(devices []client.Record) int {
	n := 0
	for _, d := range devices {
		if id, ok := d.String("networkId"); ok && id != "" {
			n++
		}
	}
	return n
}

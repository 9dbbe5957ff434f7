package collector

import (
	"context"

	"github.com/Sternrassler/meraki-report/pkg/client"
)

// FallbackName is the name used for an organization whose name cannot be
// retrieved.
func FallbackName(orgID string) string {
	return "Organization " + orgID
}

// OrganizationNames resolves a name for every id. Names come from the
// organizations listing; ids missing from it are fetched one by one, and
// ids that still cannot be resolved get FallbackName.
func (c *Collector) OrganizationNames(ctx context.Context, orgIDs []string) map[string]string {
	names := make(map[string]string, len(orgIDs))
	wanted := make(map[string]bool, len(orgIDs))
	for _, id := range orgIDs {
		wanted[id] = true
	}

	orgs, err := client.Invoke(ctx, c.invoker, "organizations.list", c.api.ListOrganizations)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Organization listing failed, resolving names individually")
	}
	for _, org := range orgs {
		id, _ := org.String("id")
		name, _ := org.String("name")
		if wanted[id] && name != "" {
			names[id] = name
		}
	}

	for _, id := range orgIDs {
		if _, ok := names[id]; ok {
			continue
		}

		org, err := client.Invoke(ctx, c.invoker, "organizations.get", func(ctx context.Context) (client.Record, error) {
			return c.api.GetOrganization(ctx, id)
		})
		if name, ok := org.String("name"); err == nil && ok && name != "" {
			names[id] = name
			continue
		}

		c.logger.Warn().Err(err).Str("org_id", id).Msg("Could not retrieve organization name")
		names[id] = FallbackName(id)
	}

	return names
}

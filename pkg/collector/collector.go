package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/aggregate"
	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/fetch"
	"github.com/Sternrassler/meraki-report/pkg/pagination"
	"github.com/Sternrassler/meraki-report/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_collection_runs_total",
		Help: "Total collection runs by result (complete, partial)",
	}, []string{"result"})

	listingFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_listing_failures_total",
		Help: "Organization listings that returned partial data",
	}, []string{"listing"})

	filteredNetworksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_filtered_networks_total",
		Help: "Networks excluded from client statistics by reason",
	}, []string{"reason"})
)

var (
	// ErrNoOrganizations is returned by Collect when no organization ids are given.
	ErrNoOrganizations = errors.New("no organization ids given")

	// ErrInvalidDays is returned by Collect for a non-positive day count.
	ErrInvalidDays = errors.New("days must be positive")
)

// API is the subset of the dashboard client the collector uses.
// *client.Client implements it.
type API interface {
	ListOrganizations(ctx context.Context) ([]client.Record, error)
	GetOrganization(ctx context.Context, orgID string) (client.Record, error)
	ListNetworks(ctx context.Context, orgID string, page client.PageRequest) ([]client.Record, error)
	ListInventoryDevices(ctx context.Context, orgID string, page client.PageRequest) ([]client.Record, error)
	fetch.ClientLister
}

// Config holds collector configuration.
type Config struct {
	// ListingPageSize is perPage for network and inventory listings.
	ListingPageSize int

	// ClientPageSize is perPage for network client listings.
	ClientPageSize int

	// OrgConcurrency bounds the organizations listed at the same time.
	OrgConcurrency int

	// Blacklist pre-seeds networks that are never queried for clients.
	Blacklist []string

	Fetch     fetch.Config
	Aggregate aggregate.Config
}

// DefaultConfig returns the configuration of a report run.
func DefaultConfig() Config {
	return Config{
		ListingPageSize: 1000,
		ClientPageSize:  5000,
		OrgConcurrency:  4,
		Fetch:           fetch.DefaultConfig(),
		Aggregate:       aggregate.DefaultConfig(),
	}
}

// Collector runs report collections.
type Collector struct {
	api     API
	invoker *client.Invoker
	tracker *ratelimit.Tracker
	store   fetch.ProblematicStore

	networks  *pagination.Paginator
	inventory *pagination.Paginator
	clients   *pagination.Paginator

	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a collector. tracker may be nil, in which case a new one is
// created; store may be nil. The invoker reports its rate-limit responses
// to the tracker.
func New(api API, invoker *client.Invoker, tracker *ratelimit.Tracker, store fetch.ProblematicStore, cfg Config, logger zerolog.Logger) *Collector {
	if cfg.ListingPageSize < 1 {
		cfg.ListingPageSize = 1000
	}
	if cfg.ClientPageSize < 1 {
		cfg.ClientPageSize = 5000
	}
	if cfg.OrgConcurrency < 1 {
		cfg.OrgConcurrency = 1
	}

	logger = logger.With().Str("component", "collector").Logger()
	if tracker == nil {
		tracker = ratelimit.NewTracker(logger)
	}
	invoker.SetHitRecorder(tracker)

	return &Collector{
		api:       api,
		invoker:   invoker,
		tracker:   tracker,
		store:     store,
		networks:  pagination.New(invoker, pagination.Config{PageSize: cfg.ListingPageSize, CursorField: "id"}, logger),
		inventory: pagination.New(invoker, pagination.Config{PageSize: cfg.ListingPageSize, CursorField: "serial"}, logger),
		clients:   pagination.New(invoker, pagination.Config{PageSize: cfg.ClientPageSize, CursorField: "id"}, logger),
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Networks lists every network of an organization. On error the networks
// listed so far are returned with it.
func (c *Collector) Networks(ctx context.Context, orgID string) ([]client.Record, error) {
	return c.networks.ListAll(ctx, "organizations.networks", func(ctx context.Context, page client.PageRequest) ([]client.Record, error) {
		return c.api.ListNetworks(ctx, orgID, page)
	})
}

// InventoryDevices lists every inventory device of an organization. On error
// the devices listed so far are returned with it.
func (c *Collector) InventoryDevices(ctx context.Context, orgID string) ([]client.Record, error) {
	return c.inventory.ListAll(ctx, "organizations.inventory", func(ctx context.Context, page client.PageRequest) ([]client.Record, error) {
		return c.api.ListInventoryDevices(ctx, orgID, page)
	})
}

// orgListing is everything listed for one organization.
type orgListing struct {
	orgID        string
	networks     []client.Record
	inventory    []client.Record
	networksErr  error
	inventoryErr error
}

// list fetches networks and inventory of every organization concurrently.
// Results are in orgIDs order.
func (c *Collector) list(ctx context.Context, orgIDs []string) []orgListing {
	listings := make([]orgListing, len(orgIDs))

	var g errgroup.Group
	g.SetLimit(c.config.OrgConcurrency)
	for i, orgID := range orgIDs {
		listings[i].orgID = orgID
		l := &listings[i]

		g.Go(func() error {
			l.networks, l.networksErr = c.Networks(ctx, orgID)
			return nil
		})
		g.Go(func() error {
			l.inventory, l.inventoryErr = c.InventoryDevices(ctx, orgID)
			return nil
		})
	}
	g.Wait()

	for _, l := range listings {
		if l.networksErr != nil {
			listingFailuresTotal.WithLabelValues("networks").Inc()
			c.logger.Warn().Err(l.networksErr).Str("org_id", l.orgID).Int("networks", len(l.networks)).Msg("Network listing incomplete")
		}
		if l.inventoryErr != nil {
			listingFailuresTotal.WithLabelValues("inventory").Inc()
			c.logger.Warn().Err(l.inventoryErr).Str("org_id", l.orgID).Int("devices", len(l.inventory)).Msg("Inventory listing incomplete")
		}
	}
	return listings
}

// DashboardStats lists networks and inventory of every organization and
// returns the totals.
func (c *Collector) DashboardStats(ctx context.Context, orgIDs []string) DashboardStats {
	return dashboardStats(c.list(ctx, orgIDs))
}

// Collect runs a full collection for orgIDs over the last days days.
// It only fails on invalid arguments; remote failures degrade the result
// and are listed in Result.Warnings.
func (c *Collector) Collect(ctx context.Context, orgIDs []string, days int) (*Result, error) {
	if len(orgIDs) == 0 {
		return nil, ErrNoOrganizations
	}
	if days < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDays, days)
	}

	start := c.now()
	runID := uuid.NewString()
	logger := c.logger.With().Str("run_id", runID).Logger()
	logger.Info().Strs("org_ids", orgIDs).Int("days", days).Msg("Starting collection")

	result := &Result{
		RunID:     runID,
		StartedAt: start.UTC(),
		Days:      days,
	}

	names := c.OrganizationNames(ctx, orgIDs)
	for _, id := range orgIDs {
		result.Organizations = append(result.Organizations, Organization{ID: id, Name: names[id]})
	}

	listings := c.list(ctx, orgIDs)
	var networks []client.Record
	for _, l := range listings {
		networks = append(networks, l.networks...)
		result.Inventory = append(result.Inventory, l.inventory...)
		if l.networksErr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("networks of organization %s incomplete: %v", l.orgID, l.networksErr))
		}
		if l.inventoryErr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("inventory of organization %s incomplete: %v", l.orgID, l.inventoryErr))
		}
	}
	result.Dashboard = dashboardStats(listings)

	valid, filtered := FilterIncompatibleNetworks(networks)
	result.Filtered = filtered
	logger.Info().
		Int("networks", len(networks)).
		Int("client_networks", len(valid)).
		Int("filtered", filtered.Total()).
		Msg("Filtered incompatible networks")

	strategy := fetch.New(fetch.NewClientSource(c.api, c.clients), c.tracker, c.store, c.config.Fetch, logger)
	agg := aggregate.New(strategy, fetch.NewRegistry(c.config.Blacklist...), c.tracker, c.config.Aggregate, logger)
	result.Clients = agg.Aggregate(ctx, valid, fetch.DayWindows(start, days))

	result.Governor = c.invoker.Governor().Snapshot()
	result.Duration = c.now().Sub(start)

	status := "complete"
	if !result.Complete() {
		status = "partial"
	}
	runsTotal.WithLabelValues(status).Inc()

	logger.Info().
		Str("result", status).
		Int("unique_clients", result.Clients.TotalDeduped).
		Int("inventory", len(result.Inventory)).
		Dur("duration", result.Duration).
		Msg("Collection finished")

	return result, nil
}

package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_pages_fetched_total",
		Help: "Total listing pages fetched by listing name",
	}, []string{"listing"})

	cursorLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_pagination_cursor_lost_total",
		Help: "Listings stopped early because the last record had no cursor",
	}, []string{"listing"})
)

// Config holds paginator configuration.
type Config struct {
	// PageSize is sent as perPage; a page shorter than this is the last one.
	PageSize int

	// CursorField is read from the last record of a page and sent as
	// startingAfter on the next request.
	CursorField string
}

// ListFunc requests a single page of a listing.
type ListFunc func(ctx context.Context, page client.PageRequest) ([]client.Record, error)

// Paginator drains cursor-based listings through an Invoker.
type Paginator struct {
	invoker *client.Invoker
	config  Config
	logger  zerolog.Logger
}

// New creates a paginator.
func New(invoker *client.Invoker, cfg Config, logger zerolog.Logger) *Paginator {
	if cfg.PageSize < 1 {
		cfg.PageSize = 1
	}
	if cfg.CursorField == "" {
		cfg.CursorField = "id"
	}

	return &Paginator{
		invoker: invoker,
		config:  cfg,
		logger:  logger.With().Str("component", "paginator").Logger(),
	}
}

// Config returns the paginator configuration.
func (p *Paginator) Config() Config {
	return p.config
}

// ListAll fetches every page of a listing and concatenates them in order.
// On error the records gathered before the failing page are returned with it.
func (p *Paginator) ListAll(ctx context.Context, name string, list ListFunc) ([]client.Record, error) {
	start := time.Now()
	var (
		all    []client.Record
		cursor string
		pages  int
	)

	for {
		req := client.PageRequest{PerPage: p.config.PageSize, StartingAfter: cursor}
		page, err := client.Invoke(ctx, p.invoker, name, func(ctx context.Context) ([]client.Record, error) {
			return list(ctx, req)
		})
		if err != nil {
			p.logger.Debug().
				Err(err).
				Str("listing", name).
				Int("pages", pages).
				Int("records", len(all)).
				Msg("Listing failed - returning partial results")
			return all, fmt.Errorf("list %s page %d: %w", name, pages+1, err)
		}

		pages++
		pagesFetchedTotal.WithLabelValues(name).Inc()

		if len(page) == 0 {
			break
		}
		all = append(all, page...)

		if len(page) < p.config.PageSize {
			break
		}

		next, ok := page[len(page)-1].String(p.config.CursorField)
		if !ok {
			cursorLostTotal.WithLabelValues(name).Inc()
			p.logger.Warn().
				Str("listing", name).
				Str("cursor_field", p.config.CursorField).
				Int("pages", pages).
				Msg("Last record has no cursor - stopping pagination")
			break
		}
		cursor = next
	}

	p.logger.Debug().
		Str("listing", name).
		Int("pages", pages).
		Int("records", len(all)).
		Dur("duration", time.Since(start)).
		Msg("Listing complete")

	return all, nil
}

package fetch

import (
	"context"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/client"
	"github.com/Sternrassler/meraki-report/pkg/pagination"
)

// ClientLister is the slice of the dashboard client a ClientSource needs.
type ClientLister interface {
	ListNetworkClients(ctx context.Context, networkID string, t0, t1 time.Time, page client.PageRequest) ([]client.Record, error)
}

// ClientSource lists the clients seen on a network during a window.
type ClientSource struct {
	lister    ClientLister
	paginator *pagination.Paginator
}

// NewClientSource creates a Source over the network clients listing.
func NewClientSource(lister ClientLister, paginator *pagination.Paginator) *ClientSource {
	return &ClientSource{lister: lister, paginator: paginator}
}

// ListWindow implements Source.
func (s *ClientSource) ListWindow(ctx context.Context, networkID string, w Window) ([]client.Record, error) {
	return s.paginator.ListAll(ctx, "networks.clients", func(ctx context.Context, page client.PageRequest) ([]client.Record, error) {
		return s.lister.ListNetworkClients(ctx, networkID, w.Start, w.End, page)
	})
}

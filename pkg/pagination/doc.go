// Package pagination follows the dashboard API's cursor-based listings.
//
// Listings take a perPage size and an optional startingAfter cursor. The
// Paginator requests the first page without a cursor, then keeps passing the
// cursor field of the last record of each full page until a page comes back
// empty or short. Every page request runs through the rate-limited invoker,
// so pages are retried and governed like any other call.
//
// Example usage:
//
//	p := pagination.New(invoker, pagination.Config{PageSize: 1000, CursorField: "id"}, logger)
//	networks, err := p.ListAll(ctx, "networks", func(ctx context.Context, page client.PageRequest) ([]client.Record, error) {
//		return c.ListNetworks(ctx, orgID, page)
//	})
//
// On failure ListAll returns the records collected so far together with the
// error; callers decide whether a partial listing is usable.
package pagination

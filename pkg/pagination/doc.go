// Package pagination follows OData server-driven paging.
//
// The Web API caps each collection response (5000 rows by default, lower when
// the request sends Prefer: odata.maxpagesize=N) and links the remainder
// through @odata.nextLink. Pages must be read in order because each link
// carries the skip token of the previous page.
//
// Example usage:
//
//	pager := pagination.NewPager(api, pagination.DefaultConfig())
//	rows, err := pager.FetchAll(ctx, request.New(request.MethodGet, "accounts").
//		WithParams(url.Values{"$select": {"name"}}))
package pagination

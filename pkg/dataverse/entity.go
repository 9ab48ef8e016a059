package dataverse

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/dataverse-client/pkg/batch"
	"github.com/Sternrassler/dataverse-client/pkg/coordinator"
	"github.com/Sternrassler/dataverse-client/pkg/pagination"
	"github.com/Sternrassler/dataverse-client/pkg/request"
)

// Entity is a handle for reading and writing rows of one table.
type Entity struct {
	client *Client
	schema *Schema
}

// Entity resolves logicalName and returns a handle for it.
func (c *Client) Entity(ctx context.Context, logicalName string) (*Entity, error) {
	schema, err := c.Schema(ctx, logicalName)
	if err != nil {
		return nil, err
	}
	return &Entity{client: c, schema: schema}, nil
}

// Schema returns the entity schema.
func (e *Entity) Schema() *Schema {
	return e.schema
}

// Insert creates rows.
func (e *Entity) Insert(ctx context.Context, rows []batch.Row, opts ...Option) ([]coordinator.Outcome, error) {
	return e.client.Apply(ctx, batch.Create{EntitySet: e.schema.EntitySetName, Rows: rows}, opts...)
}

// Upsert creates or updates rows addressed by keys. With no keys the key is
// inferred from the schema.
func (e *Entity) Upsert(ctx context.Context, rows []batch.Row, keys []string, opts ...Option) ([]coordinator.Outcome, error) {
	o := e.client.resolveOptions(e.client.config.ChunkSize, opts)

	keys, primaryID, err := e.keys(rows, keys)
	if err != nil {
		return nil, err
	}

	commands, err := batch.Upsert{
		EntitySet: e.schema.EntitySetName,
		Rows:      rows,
		Keys:      keys,
		PrimaryID: primaryID,
		OnWarning: o.onWarning,
	}.Commands()
	if err != nil {
		return nil, err
	}
	return e.client.applyCommands(ctx, commands, o)
}

// UpdateColumn sets exactly one non-key column per row.
func (e *Entity) UpdateColumn(ctx context.Context, rows []batch.Row, keys []string, opts ...Option) ([]coordinator.Outcome, error) {
	o := e.client.resolveOptions(e.client.config.ChunkSize, opts)

	keys, primaryID, err := e.keys(rows, keys)
	if err != nil {
		return nil, err
	}

	commands, err := batch.UpdateColumn{
		EntitySet: e.schema.EntitySetName,
		Rows:      rows,
		Keys:      keys,
		PrimaryID: primaryID,
		OnWarning: o.onWarning,
	}.Commands()
	if err != nil {
		return nil, err
	}
	return e.client.applyCommands(ctx, commands, o)
}

// Delete removes rows by identifier: a primary id or an alternate key
// expression such as "accountnumber='A1'". The default chunk size is
// batch.DeleteChunkSize.
func (e *Entity) Delete(ctx context.Context, ids []string, opts ...Option) ([]coordinator.Outcome, error) {
	return e.DeleteColumn(ctx, ids, "", opts...)
}

// DeleteColumn clears column on the given rows. An empty column deletes the rows.
func (e *Entity) DeleteColumn(ctx context.Context, ids []string, column string, opts ...Option) ([]coordinator.Outcome, error) {
	o := e.client.resolveOptions(batch.DeleteChunkSize, opts)

	commands, err := batch.Delete{EntitySet: e.schema.EntitySetName, IDs: ids, Column: column}.Commands()
	if err != nil {
		return nil, err
	}
	return e.client.applyCommands(ctx, commands, o)
}

func (e *Entity) keys(rows []batch.Row, keys []string) ([]string, bool, error) {
	if len(keys) == 0 {
		return e.schema.InferKey(rows)
	}
	primaryID := len(keys) == 1 && keys[0] == e.schema.PrimaryIDAttribute
	return keys, primaryID, nil
}

// ReadOptions are the OData query options of Read. Strings are passed through
// as fully-formed OData expressions.
type ReadOptions struct {
	Select  []string
	Filter  string
	Expand  string
	OrderBy string
	Apply   string
	Top     int

	// PageSize sends Prefer: odata.maxpagesize.
	PageSize int

	// MaxPages stops after this many pages. Zero means no limit.
	MaxPages int
}

// Params renders the query options.
func (o ReadOptions) Params() url.Values {
	params := url.Values{}
	if len(o.Select) > 0 {
		params.Set("$select", strings.Join(o.Select, ","))
	}
	if o.Filter != "" {
		params.Set("$filter", o.Filter)
	}
	if o.Expand != "" {
		params.Set("$expand", o.Expand)
	}
	if o.OrderBy != "" {
		params.Set("$orderby", o.OrderBy)
	}
	if o.Apply != "" {
		params.Set("$apply", o.Apply)
	}
	if o.Top > 0 {
		params.Set("$top", strconv.Itoa(o.Top))
	}
	return params
}

// Read returns all rows matching opts, following server paging.
func (e *Entity) Read(ctx context.Context, opts ReadOptions) ([]map[string]any, error) {
	req := request.New(request.MethodGet, e.schema.EntitySetName)
	if params := opts.Params(); len(params) > 0 {
		req = req.WithParams(params)
	}

	pager := pagination.NewPager(e.client.api, pagination.Config{
		PageSize: opts.PageSize,
		MaxPages: opts.MaxPages,
		Timeout:  e.client.config.RequestTimeout,
	})
	return pager.FetchAll(ctx, req)
}

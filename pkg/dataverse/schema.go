package dataverse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/Sternrassler/dataverse-client/pkg/batch"
	"github.com/Sternrassler/dataverse-client/pkg/cache"
	"github.com/Sternrassler/dataverse-client/pkg/request"
)

// ErrNoKey is returned when no primary or alternate key is present in every row.
var ErrNoKey = errors.New("no consistent primary or alternate key in rows")

// Schema describes the addressing of one entity.
type Schema struct {
	LogicalName           string `json:"logical_name"`
	EntitySetName         string `json:"entity_set_name"`
	PrimaryIDAttribute    string `json:"primary_id_attribute"`
	PrimaryImageAttribute string `json:"primary_image_attribute,omitempty"`

	// AlternateKeys maps key schema names to their columns.
	AlternateKeys map[string][]string `json:"alternate_keys,omitempty"`
}

type entityDefinition struct {
	EntitySetName         string  `json:"EntitySetName"`
	PrimaryIDAttribute    string  `json:"PrimaryIdAttribute"`
	PrimaryImageAttribute *string `json:"PrimaryImageAttribute"`
}

type entityKeys struct {
	Value []struct {
		SchemaName    string   `json:"SchemaName"`
		KeyAttributes []string `json:"KeyAttributes"`
	} `json:"value"`
}

// definitionURL returns the metadata URL of an entity.
func definitionURL(logicalName string) string {
	return batch.EncodeAltKeys(fmt.Sprintf("EntityDefinitions(LogicalName='%s')", logicalName))
}

// Schema returns the schema of logicalName, from memory, the schema cache or
// the Web API, in that order.
func (c *Client) Schema(ctx context.Context, logicalName string) (*Schema, error) {
	name := strings.ToLower(strings.TrimSpace(logicalName))
	if name == "" {
		return nil, fmt.Errorf("logical name is required")
	}

	c.mu.Lock()
	schema, ok := c.schemas[name]
	c.mu.Unlock()
	if ok {
		return schema, nil
	}

	// Concurrent callers for one entity share a single lookup. The lookup
	// outlives any one caller's cancellation; each caller waits on its own ctx.
	ch := c.schemaCalls.DoChan(name, func() (any, error) {
		return c.loadSchema(context.WithoutCancel(ctx), name)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Schema), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadSchema resolves name through the schema cache and the Web API and
// memoizes the result.
func (c *Client) loadSchema(ctx context.Context, name string) (*Schema, error) {
	c.mu.Lock()
	schema, ok := c.schemas[name]
	c.mu.Unlock()
	if ok {
		return schema, nil
	}

	key := cache.SchemaKey(c.api.Endpoint(), name)
	if c.config.SchemaCache != nil {
		schema, err := c.cachedSchema(ctx, key)
		if err == nil {
			c.remember(schema)
			return schema, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("entity", name).Msg("Schema cache get error")
		}
	}

	schema, err := c.fetchSchema(ctx, name)
	if err != nil {
		return nil, err
	}
	c.remember(schema)

	// Share with other processes
	if c.config.SchemaCache != nil {
		if data, err := json.Marshal(schema); err == nil {
			if err := c.config.SchemaCache.Set(ctx, key, cache.NewEntry(data, c.config.SchemaTTL)); err != nil {
				c.logger.Warn().Err(err).Str("entity", name).Msg("Failed to cache schema")
			}
		}
	}

	return schema, nil
}

// InvalidateSchema drops logicalName from memory and from the schema cache.
func (c *Client) InvalidateSchema(ctx context.Context, logicalName string) error {
	name := strings.ToLower(strings.TrimSpace(logicalName))

	c.mu.Lock()
	delete(c.schemas, name)
	c.mu.Unlock()
	c.schemaCalls.Forget(name)

	if c.config.SchemaCache == nil {
		return nil
	}
	return c.config.SchemaCache.Delete(ctx, cache.SchemaKey(c.api.Endpoint(), name))
}

func (c *Client) remember(schema *Schema) {
	c.mu.Lock()
	c.schemas[schema.LogicalName] = schema
	c.mu.Unlock()
}

func (c *Client) cachedSchema(ctx context.Context, key cache.CacheKey) (*Schema, error) {
	entry, err := c.config.SchemaCache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var schema Schema
	if err := json.Unmarshal(entry.Data, &schema); err != nil {
		return nil, fmt.Errorf("%w: %v", cache.ErrInvalidEntry, err)
	}
	return &schema, nil
}

func (c *Client) fetchSchema(ctx context.Context, logicalName string) (*Schema, error) {
	base := definitionURL(logicalName)

	resp, err := c.api.Do(ctx, request.New(request.MethodGet, base).WithParams(url.Values{
		"$select": {"EntitySetName,PrimaryIdAttribute,PrimaryImageAttribute"},
	}))
	if err != nil {
		return nil, fmt.Errorf("fetch entity definition %s: %w", logicalName, err)
	}
	var def entityDefinition
	if err := resp.Decode(&def); err != nil {
		return nil, fmt.Errorf("entity definition %s: %w", logicalName, err)
	}
	if def.EntitySetName == "" {
		return nil, fmt.Errorf("entity definition %s: missing EntitySetName", logicalName)
	}

	resp, err = c.api.Do(ctx, request.New(request.MethodGet, base+"/Keys").WithParams(url.Values{
		"$select": {"SchemaName,KeyAttributes"},
	}))
	if err != nil {
		return nil, fmt.Errorf("fetch alternate keys %s: %w", logicalName, err)
	}
	var keys entityKeys
	if err := resp.Decode(&keys); err != nil {
		return nil, fmt.Errorf("alternate keys %s: %w", logicalName, err)
	}

	schema := &Schema{
		LogicalName:        logicalName,
		EntitySetName:      def.EntitySetName,
		PrimaryIDAttribute: def.PrimaryIDAttribute,
		AlternateKeys:      make(map[string][]string, len(keys.Value)),
	}
	if def.PrimaryImageAttribute != nil {
		schema.PrimaryImageAttribute = *def.PrimaryImageAttribute
	}
	for _, k := range keys.Value {
		schema.AlternateKeys[k.SchemaName] = k.KeyAttributes
	}

	c.logger.Debug().
		Str("entity", logicalName).
		Str("entity_set", schema.EntitySetName).
		Int("alternate_keys", len(schema.AlternateKeys)).
		Msg("Fetched entity schema")

	return schema, nil
}

// InferKey picks the key columns for rows: the primary id attribute when it
// is set in every row, otherwise the shortest alternate key whose columns are
// all set in every row. primaryID reports which one was chosen.
func (s *Schema) InferKey(rows []batch.Row) (keys []string, primaryID bool, err error) {
	if len(rows) == 0 {
		return nil, false, fmt.Errorf("%w: no rows", ErrNoKey)
	}

	if s.PrimaryIDAttribute != "" && allSet(rows, []string{s.PrimaryIDAttribute}) {
		return []string{s.PrimaryIDAttribute}, true, nil
	}

	// Sorted by length, then name, so the choice is deterministic.
	names := slices.SortedFunc(maps.Keys(s.AlternateKeys), func(a, b string) int {
		if d := len(s.AlternateKeys[a]) - len(s.AlternateKeys[b]); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	for _, name := range names {
		columns := s.AlternateKeys[name]
		if len(columns) > 0 && allSet(rows, columns) {
			return slices.Clone(columns), false, nil
		}
	}

	return nil, false, fmt.Errorf("%w for entity %s", ErrNoKey, s.LogicalName)
}

func allSet(rows []batch.Row, columns []string) bool {
	for _, row := range rows {
		for _, col := range columns {
			if v, ok := row[col]; !ok || v == nil {
				return false
			}
		}
	}
	return true
}

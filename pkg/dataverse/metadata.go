package dataverse

import (
	"context"
	"fmt"

	"github.com/Sternrassler/dataverse-client/pkg/client"
	"github.com/Sternrassler/dataverse-client/pkg/request"
)

// Publisher describes a new solution publisher.
type Publisher struct {
	Name         string
	UniqueName   string
	Description  string
	Prefix       string
	OptionPrefix int
}

// Payload returns the Web API body for the publisher.
func (p Publisher) Payload() map[string]any {
	return map[string]any{
		"friendlyname":                   p.Name,
		"uniquename":                     p.UniqueName,
		"description":                    p.Description,
		"customizationprefix":            p.Prefix,
		"customizationoptionvalueprefix": p.OptionPrefix,
	}
}

// DefaultSolutionVersion is used when Solution.Version is empty.
const DefaultSolutionVersion = "1.0.0.0"

// Solution describes a new solution owned by an existing publisher.
type Solution struct {
	Name        string
	UniqueName  string
	Description string
	PublisherID string
	Version     string
}

// Payload returns the Web API body for the solution.
func (s Solution) Payload() map[string]any {
	version := s.Version
	if version == "" {
		version = DefaultSolutionVersion
	}
	return map[string]any{
		"friendlyname":         s.Name,
		"uniquename":           s.UniqueName,
		"description":          s.Description,
		"version":              version,
		"publisher@odata.bind": fmt.Sprintf("publishers(%s)", s.PublisherID),
	}
}

// CreateEntity creates a table from a JSON-serializable EntityMetadata
// definition. A non-empty solution adds the table to that solution.
func (c *Client) CreateEntity(ctx context.Context, definition any, solution string) (*client.Response, error) {
	req := request.New(request.MethodPost, "EntityDefinitions").WithJSON(definition)
	if solution != "" {
		req = req.WithHeaders(map[string]string{"MSCRM.SolutionName": solution})
	}
	return c.api.Do(ctx, req)
}

// DeleteEntity deletes a table and drops its cached schema.
func (c *Client) DeleteEntity(ctx context.Context, logicalName string) (*client.Response, error) {
	resp, err := c.api.Do(ctx, request.New(request.MethodDelete, definitionURL(logicalName)))
	if err != nil {
		return nil, err
	}
	if err := c.InvalidateSchema(ctx, logicalName); err != nil {
		c.logger.Warn().Err(err).Str("entity", logicalName).Msg("Failed to invalidate schema")
	}
	return resp, nil
}

// CreateRelationship creates a relationship from a JSON-serializable
// RelationshipMetadata definition.
func (c *Client) CreateRelationship(ctx context.Context, definition any) (*client.Response, error) {
	return c.api.Do(ctx, request.New(request.MethodPost, "RelationshipDefinitions").WithJSON(definition))
}

// CreatePublisher creates a solution publisher.
func (c *Client) CreatePublisher(ctx context.Context, publisher Publisher) (*client.Response, error) {
	return c.api.Do(ctx, request.New(request.MethodPost, "publishers").WithJSON(publisher.Payload()))
}

// CreateSolution creates a solution.
func (c *Client) CreateSolution(ctx context.Context, solution Solution) (*client.Response, error) {
	if solution.PublisherID == "" {
		return nil, fmt.Errorf("solution %q: publisher id is required", solution.UniqueName)
	}
	return c.api.Do(ctx, request.New(request.MethodPost, "solutions").WithJSON(solution.Payload()))
}

package dataverse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/batch"
	"github.com/Sternrassler/dataverse-client/pkg/cache"
	"github.com/Sternrassler/dataverse-client/pkg/client"
	"github.com/Sternrassler/dataverse-client/pkg/coordinator"
	"github.com/Sternrassler/dataverse-client/pkg/request"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// API is the dispatcher surface used by Client. *client.Client satisfies it.
type API interface {
	Do(ctx context.Context, req request.Request) (*client.Response, error)
	Endpoint() string
	Relative(rawURL string) (string, error)
}

// SchemaCache stores serialized schemas. *cache.Manager satisfies it.
type SchemaCache interface {
	Get(ctx context.Context, key cache.CacheKey) (*cache.CacheEntry, error)
	Set(ctx context.Context, key cache.CacheKey, entry *cache.CacheEntry) error
	Delete(ctx context.Context, key cache.CacheKey) error
}

// Config holds the facade configuration.
type Config struct {
	// Mode is the default execution mode for write calls.
	Mode coordinator.Mode

	// MaxConcurrency bounds parallel mode. Zero uses GOMAXPROCS.
	MaxConcurrency int

	// RequestTimeout bounds each $batch request. Zero keeps the dispatcher default.
	RequestTimeout time.Duration

	// ChunkSize is the default number of commands per $batch request.
	ChunkSize int

	// SchemaCache is optional; schemas are always memoized in-process.
	SchemaCache SchemaCache

	// SchemaTTL is the lifetime of cached schemas.
	SchemaTTL time.Duration

	// Logger is optional; the global zerolog logger is used when nil.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:      coordinator.ModeSequential,
		ChunkSize: batch.DefaultChunkSize,
		SchemaTTL: time.Hour,
	}
}

// Client is the entry point for one Dataverse environment.
type Client struct {
	api    API
	config Config
	logger zerolog.Logger

	mu      sync.Mutex
	schemas map[string]*Schema

	schemaCalls singleflight.Group
}

// New creates a new client.
func New(api API, cfg Config) (*Client, error) {
	if api == nil {
		return nil, fmt.Errorf("api client is required")
	}

	if cfg.Mode == "" {
		cfg.Mode = coordinator.ModeSequential
	}
	if _, err := coordinator.ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = batch.DefaultChunkSize
	}
	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be >= 1 (got %d)", cfg.ChunkSize)
	}

	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be >= 0 (got %d)", cfg.MaxConcurrency)
	}

	if cfg.SchemaTTL <= 0 {
		cfg.SchemaTTL = time.Hour
	}

	logger := log.With().Str("component", "dataverse").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "dataverse").Logger()
	}

	return &Client{
		api:     api,
		config:  cfg,
		logger:  logger,
		schemas: make(map[string]*Schema),
	}, nil
}

// API returns the underlying dispatcher.
func (c *Client) API() API {
	return c.api
}

// Apply lowers op to batch commands and executes them.
func (c *Client) Apply(ctx context.Context, op batch.Operation, opts ...Option) ([]coordinator.Outcome, error) {
	commands, err := op.Commands()
	if err != nil {
		return nil, err
	}
	return c.ApplyCommands(ctx, commands, opts...)
}

// ApplyCommands encodes commands into $batch requests of at most the chunk
// size and executes them. It returns one Outcome per $batch request.
func (c *Client) ApplyCommands(ctx context.Context, commands []batch.Command, opts ...Option) ([]coordinator.Outcome, error) {
	return c.applyCommands(ctx, commands, c.resolveOptions(c.config.ChunkSize, opts))
}

func (c *Client) applyCommands(ctx context.Context, commands []batch.Command, o options) ([]coordinator.Outcome, error) {
	co, err := c.coordinator(o.mode)
	if err != nil {
		return nil, err
	}

	if len(commands) == 0 {
		return nil, nil
	}

	encOpts := []batch.Option{batch.WithChunkSize(o.chunkSize), batch.WithLogger(c.logger)}
	if o.boundary != nil {
		encOpts = append(encOpts, batch.WithBoundaryGenerator(o.boundary))
	}
	enc, err := batch.NewEncoder(c.api.Endpoint(), encOpts...)
	if err != nil {
		return nil, err
	}

	reqs, err := enc.Encode(commands)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int("commands", len(commands)).
		Int("chunks", len(reqs)).
		Str("mode", string(o.mode)).
		Msg("Submitting batch")

	return co.Execute(ctx, reqs), nil
}

// Execute runs independent requests through the coordinator without batching.
func (c *Client) Execute(ctx context.Context, reqs []request.Request, opts ...Option) ([]coordinator.Outcome, error) {
	o := c.resolveOptions(c.config.ChunkSize, opts)
	co, err := c.coordinator(o.mode)
	if err != nil {
		return nil, err
	}
	return co.Execute(ctx, reqs), nil
}

func (c *Client) coordinator(mode coordinator.Mode) (*coordinator.Coordinator, error) {
	parsed, err := coordinator.ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	return coordinator.New(c.api, coordinator.Config{
		Mode:           parsed,
		MaxConcurrency: c.config.MaxConcurrency,
		Timeout:        c.config.RequestTimeout,
	})
}

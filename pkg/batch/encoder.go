package batch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/dataverse-client/pkg/request"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultChunkSize is the maximum number of commands per $batch payload.
	DefaultChunkSize = 500

	// DeleteChunkSize is the recommended chunk size for deletes, which are
	// more likely to trip service protection limits.
	DeleteChunkSize = 100

	// BoundaryPrefix prefixes every generated boundary identifier.
	BoundaryPrefix = "batch_"

	// Endpoint is the relative URL of the batch endpoint.
	Endpoint = "$batch"
)

var (
	batchChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataverse_batch_chunks_total",
		Help: "Total number of encoded $batch payloads",
	})

	batchCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataverse_batch_commands_total",
		Help: "Total number of encoded batch commands by method",
	}, []string{"method"})
)

// BoundaryGenerator returns a token that is unique for the process lifetime.
// The encoder prefixes it with BoundaryPrefix.
type BoundaryGenerator func() string

// NewBoundary is the default BoundaryGenerator.
func NewBoundary() string {
	return uuid.NewString()
}

// Encoder lowers batch commands into $batch requests.
type Encoder struct {
	endpoint  *url.URL
	chunkSize int
	boundary  BoundaryGenerator
	logger    zerolog.Logger
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(size int) Option {
	return func(e *Encoder) {
		e.chunkSize = size
	}
}

// WithBoundaryGenerator overrides the boundary identifier source.
func WithBoundaryGenerator(gen BoundaryGenerator) Option {
	return func(e *Encoder) {
		e.boundary = gen
	}
}

// WithLogger sets the encoder logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Encoder) {
		e.logger = logger
	}
}

// NewEncoder creates an encoder resolving command URLs against endpoint,
// the absolute Web API root (e.g. https://org.crm.dynamics.com/api/data/v9.2/).
func NewEncoder(endpoint string, opts ...Option) (*Encoder, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("endpoint must be absolute (got %q)", endpoint)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		if u.RawPath != "" {
			u.RawPath += "/"
		}
	}

	e := &Encoder{
		endpoint:  u,
		chunkSize: DefaultChunkSize,
		boundary:  NewBoundary,
		logger:    log.With().Str("component", "batch-encoder").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0 (got %d)", e.chunkSize)
	}
	if e.boundary == nil {
		return nil, fmt.Errorf("boundary generator is required")
	}

	return e, nil
}

// ChunkSize returns the configured maximum commands per payload.
func (e *Encoder) ChunkSize() int {
	return e.chunkSize
}

// Encode partitions commands into chunks of at most ChunkSize and returns one
// POST request per chunk, in order. Each request's ID is its boundary.
func (e *Encoder) Encode(commands []Command) ([]request.Request, error) {
	chunks := Chunk(commands, e.chunkSize)
	requests := make([]request.Request, 0, len(chunks))

	for i, chunk := range chunks {
		req, err := e.encodeChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("encode chunk %d: %w", i+1, err)
		}
		requests = append(requests, req)

		e.logger.Debug().
			Str("batch_id", req.ID).
			Int("chunk", i+1).
			Int("chunks", len(chunks)).
			Int("commands", len(chunk)).
			Msg("Encoded batch chunk")
	}

	return requests, nil
}

func (e *Encoder) encodeChunk(chunk []Command) (request.Request, error) {
	id := BoundaryPrefix + e.boundary()

	parts := make([]string, 0, len(chunk)+1)
	for _, cmd := range chunk {
		part, err := cmd.Encode(id, e.endpoint)
		if err != nil {
			return request.Request{}, err
		}
		parts = append(parts, part)
		batchCommandsTotal.WithLabelValues(cmd.Method().String()).Inc()
	}
	parts = append(parts, "--"+id+"--")

	batchChunksTotal.Inc()

	return request.New(request.MethodPost, Endpoint).
		WithHeaders(map[string]string{
			"Content-Type":  fmt.Sprintf("multipart/mixed; boundary=%q", id),
			"If-None-Match": "null",
		}).
		WithData(strings.Join(parts, "\n") + "\n").
		WithID(id), nil
}

// Chunk splits items into contiguous slices of at most size elements.
// The returned slices share the backing array of items.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

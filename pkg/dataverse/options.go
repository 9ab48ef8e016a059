package dataverse

import (
	"github.com/Sternrassler/dataverse-client/pkg/batch"
	"github.com/Sternrassler/dataverse-client/pkg/coordinator"
)

type options struct {
	chunkSize int
	mode      coordinator.Mode
	boundary  batch.BoundaryGenerator
	onWarning func(batch.KeyWarning)
}

// Option customizes a single write call.
type Option func(*options)

// WithChunkSize sets the number of commands per $batch request.
func WithChunkSize(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// WithMode selects sequential or parallel execution of the batch requests.
func WithMode(mode coordinator.Mode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// WithBoundaryGenerator overrides the batch boundary source.
func WithBoundaryGenerator(gen batch.BoundaryGenerator) Option {
	return func(o *options) {
		o.boundary = gen
	}
}

// WithKeyWarnings receives ambiguous key literals instead of the default warning log.
func WithKeyWarnings(fn func(batch.KeyWarning)) Option {
	return func(o *options) {
		o.onWarning = fn
	}
}

func (c *Client) resolveOptions(defaultChunk int, opts []Option) options {
	o := options{
		chunkSize: defaultChunk,
		mode:      c.config.Mode,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

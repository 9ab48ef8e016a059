// Package coordinator executes independent Web API requests either one at a
// time or on a bounded worker pool, turning every result into an Outcome.
//
// A failing request never aborts its siblings: API and transport errors are
// captured in the Outcome for that request, and Execute returns only after
// every request has produced one.
//
// Ordering: ModeSequential returns outcomes in input order. ModeParallel
// returns them in completion order; use Outcome.Index or Request.ID to
// re-correlate, or SortByIndex to restore input order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/client"
	"github.com/Sternrassler/dataverse-client/pkg/request"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataverse_coordinator_outcomes_total",
		Help: "Total coordinator outcomes by mode and status",
	}, []string{"mode", "status"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dataverse_coordinator_in_flight",
		Help: "Requests currently dispatched by coordinator workers",
	})
)

// Mode selects how Execute schedules requests.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Modes lists the supported modes.
var Modes = []Mode{ModeSequential, ModeParallel}

// ErrInvalidMode is returned for unsupported mode strings.
var ErrInvalidMode = errors.New("invalid execution mode")

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Modes, m) {
		return m, nil
	}

	valid := make([]string, len(Modes))
	for i, known := range Modes {
		valid[i] = string(known)
	}
	return "", fmt.Errorf("%w %q: valid modes are %s", ErrInvalidMode, s, strings.Join(valid, ", "))
}

// Dispatcher sends a single request. *client.Client satisfies it.
type Dispatcher interface {
	Do(ctx context.Context, req request.Request) (*client.Response, error)
}

// Status is the result class of an Outcome.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusAPIError       Status = "api_error"
	StatusTransportError Status = "transport_error"

	// StatusInvalidRequest marks a descriptor that broke its contract and was
	// never sent.
	StatusInvalidRequest Status = "invalid_request"
)

// Outcome is the result of one submitted request.
type Outcome struct {
	// Index is the position of the request in the Execute input.
	Index    int
	Request  request.Request
	Status   Status
	Response *client.Response
	Err      error
	Duration time.Duration
}

// OK reports whether the request succeeded.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// SortByIndex orders outcomes by their input position.
func SortByIndex(outcomes []Outcome) {
	slices.SortFunc(outcomes, func(a, b Outcome) int { return a.Index - b.Index })
}

// Failed returns the unsuccessful outcomes.
func Failed(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, o := range outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Config holds coordinator configuration.
type Config struct {
	Mode Mode

	// MaxConcurrency bounds the parallel worker pool. Zero uses GOMAXPROCS.
	MaxConcurrency int

	// Timeout, when set, bounds each request independently of its siblings.
	Timeout time.Duration
}

// DefaultConfig returns a sequential configuration.
func DefaultConfig() Config {
	return Config{Mode: ModeSequential}
}

// Coordinator executes request sets against a Dispatcher.
type Coordinator struct {
	dispatcher Dispatcher
	config     Config
	logger     zerolog.Logger
}

// New creates a coordinator.
func New(dispatcher Dispatcher, config Config) (*Coordinator, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Mode == "" {
		config.Mode = ModeSequential
	}
	if _, err := ParseMode(string(config.Mode)); err != nil {
		return nil, err
	}
	if config.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be >= 0 (got %d)", config.MaxConcurrency)
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = runtime.GOMAXPROCS(0)
	}

	return &Coordinator{
		dispatcher: dispatcher,
		config:     config,
		logger:     log.With().Str("component", "coordinator").Logger(),
	}, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// Execute sends every request and returns exactly one Outcome per request.
func (c *Coordinator) Execute(ctx context.Context, reqs []request.Request) []Outcome {
	if len(reqs) == 0 {
		return nil
	}

	start := time.Now()
	var outcomes []Outcome
	switch c.config.Mode {
	case ModeParallel:
		outcomes = c.executeParallel(ctx, reqs)
	default:
		outcomes = c.executeSequential(ctx, reqs)
	}

	failed := len(Failed(outcomes))
	event := c.logger.Info()
	if failed > 0 {
		event = c.logger.Warn()
	}
	event.
		Str("mode", string(c.config.Mode)).
		Int("requests", len(reqs)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Execution complete")

	return outcomes
}

func (c *Coordinator) executeSequential(ctx context.Context, reqs []request.Request) []Outcome {
	outcomes := make([]Outcome, 0, len(reqs))
	for i, req := range reqs {
		outcomes = append(outcomes, c.dispatch(ctx, i, req))
	}
	return outcomes
}

// executeParallel runs a worker pool scoped to this call. All workers are
// joined before it returns.
func (c *Coordinator) executeParallel(ctx context.Context, reqs []request.Request) []Outcome {
	workers := min(c.config.MaxConcurrency, len(reqs))

	queue := make(chan int, len(reqs))
	for i := range reqs {
		queue <- i
	}
	close(queue)

	// Buffered to len(reqs) so workers never block on send; the channel
	// keeps completion order.
	results := make(chan Outcome, len(reqs))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go c.worker(ctx, w, reqs, queue, results, &wg)
	}
	wg.Wait()
	close(results)

	outcomes := make([]Outcome, 0, len(reqs))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (c *Coordinator) worker(ctx context.Context, workerID int, reqs []request.Request, queue <-chan int, results chan<- Outcome, wg *sync.WaitGroup) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		results <- c.dispatch(ctx, i, reqs[i])
		processed++
	}

	c.logger.Debug().
		Int("worker_id", workerID).
		Int("requests_processed", processed).
		Msg("Worker completed")
}

func (c *Coordinator) dispatch(ctx context.Context, index int, req request.Request) Outcome {
	if err := req.Validate(); err != nil {
		c.logger.Error().
			Err(err).
			Int("index", index).
			Str("id", req.ID).
			Msg("Invalid request descriptor")
		outcomesTotal.WithLabelValues(string(c.config.Mode), string(StatusInvalidRequest)).Inc()
		return Outcome{Index: index, Request: req, Status: StatusInvalidRequest, Err: err}
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	inFlight.Inc()
	start := time.Now()
	resp, err := c.dispatcher.Do(ctx, req)
	inFlight.Dec()

	outcome := Outcome{
		Index:    index,
		Request:  req,
		Status:   classify(err),
		Response: resp,
		Err:      err,
		Duration: time.Since(start),
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) && outcome.Response == nil {
		outcome.Response = apiErr.Response
	}

	if err != nil {
		c.logger.Warn().
			Err(err).
			Int("index", index).
			Str("id", req.ID).
			Str("status", string(outcome.Status)).
			Msg("Request failed")
	}

	outcomesTotal.WithLabelValues(string(c.config.Mode), string(outcome.Status)).Inc()
	return outcome
}

func classify(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return StatusAPIError
	}
	var transportErr *client.TransportError
	if errors.As(err, &transportErr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StatusTransportError
	}
	// Anything else was rejected before reaching the wire.
	return StatusInvalidRequest
}

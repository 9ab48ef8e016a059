// Package client dispatches request descriptors to the Dataverse Web API.
//
// The client resolves a descriptor against the environment endpoint, applies
// the default OData headers and a per-request timeout, and turns the response
// into either a *Response or a typed error. It never retries; see pkg/retry
// for caller-level retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/request"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Web API calls.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataverse_requests_total",
		Help: "Total Web API requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dataverse_request_duration_seconds",
		Help:    "Web API request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataverse_errors_total",
		Help: "Total Web API errors by class",
	}, []string{"class"})
)

const (
	// DefaultAPIVersion is the Web API version used when none is configured.
	DefaultAPIVersion = "v9.2"

	// DefaultTimeout bounds a single request.
	DefaultTimeout = 120 * time.Second
)

// Doer executes HTTP requests. *http.Client satisfies it, as does any client
// that attaches credentials.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter gates requests on service protection state. *ratelimit.Tracker
// satisfies it.
type Limiter interface {
	ShouldAllowRequest(ctx context.Context) (bool, error)
	UpdateFromResponse(ctx context.Context, statusCode int, headers http.Header) error
}

// Config holds the client configuration.
type Config struct {
	// EnvironmentURL is the organization root, e.g. https://org.crm.dynamics.com.
	EnvironmentURL string

	// APIVersion selects the /api/data/<version>/ endpoint.
	APIVersion string

	// HTTPClient sends the requests and is responsible for authentication.
	HTTPClient Doer

	// Timeout is the default per-request timeout.
	Timeout time.Duration

	// DefaultHeaders are sent with every request. Descriptor headers override them.
	DefaultHeaders map[string]string

	// Limiter is optional.
	Limiter Limiter

	// Logger is optional; the global zerolog logger is used when nil.
	Logger *zerolog.Logger
}

// DefaultHeaders returns the headers sent with every Web API request.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Accept":           "application/json",
		"OData-MaxVersion": "4.0",
		"OData-Version":    "4.0",
		"Content-Type":     "application/json; charset=utf-8",
	}
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(environmentURL string, httpClient Doer) Config {
	return Config{
		EnvironmentURL: environmentURL,
		APIVersion:     DefaultAPIVersion,
		HTTPClient:     httpClient,
		Timeout:        DefaultTimeout,
		DefaultHeaders: DefaultHeaders(),
	}
}

// Response is a fully-read Web API response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body (status %d)", r.StatusCode)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Client is the Web API dispatcher. It is safe for concurrent use.
type Client struct {
	httpClient Doer
	endpoint   *url.URL
	limiter    Limiter
	config     Config
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.EnvironmentURL == "" {
		return nil, ErrMissingEnvironment
	}

	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("http client is required")
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}

	if cfg.DefaultHeaders == nil {
		cfg.DefaultHeaders = DefaultHeaders()
	}

	env, err := url.Parse(strings.TrimRight(cfg.EnvironmentURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse environment url: %w", err)
	}
	if !env.IsAbs() || env.Host == "" {
		return nil, fmt.Errorf("environment url must be absolute (got %q)", cfg.EnvironmentURL)
	}
	endpoint := env.JoinPath("api", "data", cfg.APIVersion)
	endpoint.Path += "/"

	logger := log.With().Str("component", "dataverse-client").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "dataverse-client").Logger()
	}

	return &Client{
		httpClient: cfg.HTTPClient,
		endpoint:   endpoint,
		limiter:    cfg.Limiter,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Endpoint returns the absolute API endpoint, ending in a slash.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Relative strips the endpoint prefix from an absolute URL returned by the
// server (e.g. @odata.nextLink). Relative input is returned unchanged.
func (c *Client) Relative(rawURL string) (string, error) {
	if !request.IsAbsolute(rawURL) {
		return rawURL, nil
	}
	rel, ok := strings.CutPrefix(rawURL, c.Endpoint())
	if !ok {
		return "", fmt.Errorf("%w: %s is outside %s", request.ErrAbsoluteURL, rawURL, c.Endpoint())
	}
	return rel, nil
}

// Do sends req with the configured default timeout.
func (c *Client) Do(ctx context.Context, req request.Request) (*Response, error) {
	return c.DoWithTimeout(ctx, req, c.config.Timeout)
}

// DoWithTimeout sends req and waits at most timeout for the full response.
//
// A 2xx status yields a Response. Any other status yields an *APIError that
// carries the raw response. Failures without a response yield a *TransportError.
func (c *Client) DoWithTimeout(ctx context.Context, req request.Request, timeout time.Duration) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	method := req.Method.String()
	target, err := request.Resolve(c.endpoint, req.URL)
	if err != nil {
		return nil, err
	}
	if q := request.EncodeQuery(req.Params); q != "" {
		if strings.Contains(target, "?") {
			target += "&" + q
		} else {
			target += "?" + q
		}
	}

	if c.limiter != nil {
		allowed, err := c.limiter.ShouldAllowRequest(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			// Cancelled while throttled; nothing was sent.
			return nil, c.transportError(method, target, req.ID, ctx.Err())
		case err != nil:
			c.logger.Warn().Err(err).Msg("Rate limit check failed")
		case !allowed:
			c.logger.Warn().Str("method", method).Str("url", req.URL).Msg("Request blocked by rate limiter")
			requestsTotal.WithLabelValues(method, "rate_limited").Inc()
			errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			return nil, &APIError{
				StatusCode: http.StatusTooManyRequests,
				Class:      ErrorClassRateLimit,
				Message:    "blocked locally",
				Err:        ErrRateLimited,
			}
		}
	}

	body, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	headers := maps.Clone(c.config.DefaultHeaders)
	maps.Copy(headers, req.Headers)
	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", target).
		Str("id", req.ID).
		Msg("Executing Web API request")

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(method, target, req.ID, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.transportError(method, target, req.ID, fmt.Errorf("read body: %w", err))
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		Body:       data,
	}

	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if c.limiter != nil {
		if err := c.limiter.UpdateFromResponse(ctx, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit state")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp)
		errorsTotal.WithLabelValues(string(apiErr.Class)).Inc()
		c.logger.Warn().
			Str("method", method).
			Str("url", target).
			Str("id", req.ID).
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.Class)).
			Str("error_code", apiErr.Code).
			Msg(apiErr.Message)
		return nil, apiErr
	}

	return resp, nil
}

func (c *Client) transportError(method, target, id string, err error) error {
	errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
	requestsTotal.WithLabelValues(method, "network_error").Inc()

	level := c.logger.Error()
	if errors.Is(err, context.Canceled) {
		level = c.logger.Debug()
	}
	level.Err(err).Str("method", method).Str("url", target).Str("id", id).Msg("HTTP request failed")

	return &TransportError{Method: method, URL: target, Err: err}
}

func encodeBody(req request.Request) (io.Reader, error) {
	switch {
	case req.JSON != nil:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(req.JSON); err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		return &buf, nil
	case req.Data != "":
		return strings.NewReader(req.Data), nil
	default:
		return nil, nil
	}
}

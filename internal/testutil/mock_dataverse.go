// Package testutil provides testing utilities for the Dataverse client.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// APIPrefix is the Web API path served by MockDataverse.
const APIPrefix = "/api/data/v9.2/"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request as received by the mock server.
type RecordedRequest struct {
	Method string

	// Path is the escaped request path, e.g. /api/data/v9.2/things(k='%C3%A6').
	Path     string
	RawQuery string
	Header   http.Header
	Body     string
}

// MockDataverse is a configurable mock Web API server for testing.
type MockDataverse struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requests    []RecordedRequest
	inFlight    int
	maxInFlight int
}

// NewMockDataverse creates a new mock server.
func NewMockDataverse() *MockDataverse {
	mock := &MockDataverse{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method:   r.Method,
			Path:     r.URL.EscapedPath(),
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     string(body),
		})
		mock.inFlight++
		if mock.inFlight > mock.maxInFlight {
			mock.maxInFlight = mock.inFlight
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		defer func() {
			mock.mu.Lock()
			mock.inFlight--
			mock.mu.Unlock()
		}()

		// Handlers see the body again.
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the environment URL of the mock server.
func (m *MockDataverse) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockDataverse) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockDataverse) Close() {
	m.server.Close()
}

// Reset clears recorded requests and counters.
func (m *MockDataverse) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.maxInFlight = 0
}

// SetHandler sets a custom handler for an entity path relative to the API
// prefix, e.g. "$batch" or "EntityDefinitions(LogicalName='account')". The
// path is matched in its unescaped form.
func (m *MockDataverse) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[APIPrefix+path] = handler
}

// SetResponse configures a fixed response for path.
func (m *MockDataverse) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, resp.Handler())
}

// Handler returns an http handler that replays resp.
func (resp MockResponse) Handler() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	}
}

// Requests returns a copy of all recorded requests in arrival order.
func (m *MockDataverse) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockDataverse) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockDataverse) MaxInFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxInFlight
}

// defaultHandler answers $batch with an empty multipart body, GET with an
// empty collection and everything else with 204.
func (m *MockDataverse) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("x-ms-ratelimit-burst-remaining-xrm-requests", "5999")

	switch {
	case strings.HasSuffix(r.URL.Path, "/$batch"):
		w.Header().Set("Content-Type", "multipart/mixed; boundary=batchresponse_mock")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("--batchresponse_mock--\r\n"))
	case r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json; odata.metadata=minimal")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"value":[]}`))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// NewJSONResponse creates a 200 OK response with a JSON body.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json; odata.metadata=minimal",
			"x-ms-ratelimit-burst-remaining-xrm-requests": "5999",
		},
	}
}

// NewErrorResponse creates a Web API error response.
func NewErrorResponse(status int, code, message string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, code, message),
		Headers: map[string]string{
			"Content-Type": "application/json; odata.metadata=minimal",
		},
	}
}

// NewServiceProtectionResponse creates a 429 response with Retry-After.
func NewServiceProtectionResponse(retryAfter time.Duration) MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, "0x80072322",
		"Number of requests exceeded the limit of 6000 over time window of 300 seconds.")
	resp.Headers["Retry-After"] = fmt.Sprintf("%d", int(retryAfter.Seconds()))
	resp.Headers["x-ms-ratelimit-burst-remaining-xrm-requests"] = "0"
	return resp
}

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRateLimited is returned when the limiter blocks a request before it is sent.
	ErrRateLimited = errors.New("request blocked: service protection limit active")

	// ErrMissingEnvironment is returned when no environment URL is configured.
	ErrMissingEnvironment = errors.New("environment url is required")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 service protection errors.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// classifyStatus maps a non-2xx status code to an ErrorClass.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// APIError is returned when the server answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Class      ErrorClass

	// Code is the server error code, e.g. "0x80040217".
	Code string

	// Message is the first line of the server-reported error message, or the
	// status text when the body carries none.
	Message string

	// RetryAfter is parsed from the Retry-After header on 429 responses.
	RetryAfter time.Duration

	// Response is the raw response. It is nil when the request was blocked locally.
	Response *Response

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("dataverse %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// TransportError is returned when no HTTP response was received: connection
// failures, TLS errors, timeouts and cancellation.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("dataverse network error (%s %s): %v", e.Method, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClassOf returns the ErrorClass of err, or "" when err did not come from the client.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return ErrorClassNetwork
	}
	return ""
}

// IsRetryable reports whether err is worth retrying by the caller. Client
// errors other than 429 are not.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// errorEnvelope is the Web API error body: {"error": {"code": "...", "message": "..."}}.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newAPIError builds an APIError from a non-2xx response.
func newAPIError(resp *Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Class:      classifyStatus(resp.StatusCode),
		Message:    http.StatusText(resp.StatusCode),
		Response:   resp,
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(resp.Body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		if first, _, _ := strings.Cut(envelope.Error.Message, "\n"); strings.TrimSpace(first) != "" {
			apiErr.Message = strings.TrimSpace(first)
		}
	}

	if apiErr.Class == ErrorClassRateLimit {
		apiErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return apiErr
}

// MaxRetryAfter caps parsed Retry-After values.
const MaxRetryAfter = 24 * time.Hour

// ParseRetryAfter parses a Retry-After value given in seconds or as an HTTP date.
// It returns 0 when the value is absent or malformed and never more than
// MaxRetryAfter.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		// Also rejects NaN.
		if !(secs > 0) {
			return 0
		}
		if secs >= MaxRetryAfter.Seconds() {
			return MaxRetryAfter
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}
	return 0
}

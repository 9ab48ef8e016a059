// Package request defines the immutable descriptor for a single Web API call.
// Descriptors are produced by the batch encoder and the entity helpers and
// consumed by the dispatcher in pkg/client.
package request

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Method is an HTTP method accepted by the Web API.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPatch  Method = "PATCH"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// Methods lists every supported method in declaration order.
var Methods = []Method{MethodGet, MethodPost, MethodPatch, MethodPut, MethodDelete}

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	for _, known := range Methods {
		if m == known {
			return true
		}
	}
	return false
}

// String returns the wire token of the method.
func (m Method) String() string {
	return string(m)
}

var (
	// ErrInvalidMethod is returned for methods outside Methods.
	ErrInvalidMethod = errors.New("invalid request method")

	// ErrAbsoluteURL is returned when a descriptor carries an absolute URL.
	ErrAbsoluteURL = errors.New("request url must be relative to the api endpoint")

	// ErrConflictingBody is returned when both JSON and Data are set.
	ErrConflictingBody = errors.New("request json body and raw data are mutually exclusive")

	// ErrParamsNotAllowed is returned when query params are set on a non-GET request.
	ErrParamsNotAllowed = errors.New("query params are only allowed on GET requests")
)

// Request describes one HTTP operation against the Web API.
//
// URL is resolved against the client endpoint at send time. JSON and Data are
// mutually exclusive; Data is sent verbatim (e.g. an encoded $batch payload).
type Request struct {
	Method  Method
	URL     string
	Headers map[string]string
	Params  url.Values
	JSON    any
	Data    string

	// ID is an optional caller-supplied correlation identifier. It is never sent.
	ID string
}

// New creates a request for method and url.
func New(method Method, rawURL string) Request {
	return Request{Method: method, URL: rawURL}
}

// WithHeaders returns a copy of r with headers merged over the existing ones.
func (r Request) WithHeaders(headers map[string]string) Request {
	merged := make(map[string]string, len(r.Headers)+len(headers))
	maps.Copy(merged, r.Headers)
	maps.Copy(merged, headers)
	r.Headers = merged
	return r
}

// WithJSON returns a copy of r with a JSON body.
func (r Request) WithJSON(body any) Request {
	r.JSON = body
	return r
}

// WithData returns a copy of r with a raw string body.
func (r Request) WithData(data string) Request {
	r.Data = data
	return r
}

// WithParams returns a copy of r with query parameters.
func (r Request) WithParams(params url.Values) Request {
	r.Params = params
	return r
}

// WithID returns a copy of r tagged with a correlation identifier.
func (r Request) WithID(id string) Request {
	r.ID = id
	return r
}

// HasBody reports whether the request carries a payload.
func (r Request) HasBody() bool {
	return r.JSON != nil || r.Data != ""
}

// Validate checks the descriptor invariants.
func (r Request) Validate() error {
	if !r.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, r.Method)
	}

	if r.JSON != nil && r.Data != "" {
		return ErrConflictingBody
	}

	if len(r.Params) > 0 && r.Method != MethodGet {
		return fmt.Errorf("%w (method %s)", ErrParamsNotAllowed, r.Method)
	}

	if IsAbsolute(r.URL) {
		return fmt.Errorf("%w: %s", ErrAbsoluteURL, r.URL)
	}

	return nil
}

// IsAbsolute reports whether rawURL carries a scheme or host.
func IsAbsolute(rawURL string) bool {
	if strings.HasPrefix(rawURL, "//") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		// Unparseable input is rejected later when it is resolved.
		return false
	}
	return u.IsAbs() || u.Host != ""
}

// Resolve joins rawURL onto endpoint. The relative path is kept as written so
// already percent-encoded key literals are not escaped a second time.
func Resolve(endpoint *url.URL, rawURL string) (string, error) {
	if endpoint == nil || !endpoint.IsAbs() {
		return "", fmt.Errorf("endpoint must be an absolute url")
	}
	if IsAbsolute(rawURL) {
		return "", fmt.Errorf("%w: %s", ErrAbsoluteURL, rawURL)
	}

	rel, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	return endpoint.ResolveReference(rel).String(), nil
}

// EncodeQuery renders params in key order. OData system options keep their
// literal "$" prefix; values are query-escaped.
func EncodeQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}

	var b strings.Builder
	for _, key := range slices.Sorted(maps.Keys(params)) {
		name := url.QueryEscape(strings.TrimPrefix(key, "$"))
		if strings.HasPrefix(key, "$") {
			name = "$" + name
		}
		for _, value := range params[key] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return b.String()
}

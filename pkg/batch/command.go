package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/Sternrassler/dataverse-client/pkg/request"
)

const (
	contentTypeJSON  = "Content-Type: application/json"
	contentTypeEntry = contentTypeJSON + "; type=entry"
)

var (
	// ErrSingleColumn is returned when a PUT command does not carry exactly one column.
	ErrSingleColumn = errors.New("put command requires exactly one column")

	// ErrEmptyEntitySet is returned when a transform is given no entity set name.
	ErrEmptyEntitySet = errors.New("entity set name is required")
)

// Command is a single operation inside a $batch payload.
//
// Construction normalizes the command: a PUT targets its only column
// directly and wraps the value as {"value": v}, a POST is marked as an
// entry, and quoted alternate-key literals in the URL are percent-encoded.
type Command struct {
	method      request.Method
	url         string
	headers     map[string]string
	data        map[string]any
	contentType string
}

// NewCommand builds a normalized batch command. rawURL is relative to the API
// endpoint, data is the optional JSON body and headers are extra per-part
// headers.
func NewCommand(method request.Method, rawURL string, data map[string]any, headers map[string]string) (Command, error) {
	if !method.Valid() {
		return Command{}, fmt.Errorf("%w: %q", request.ErrInvalidMethod, method)
	}
	if request.IsAbsolute(rawURL) {
		return Command{}, fmt.Errorf("%w: %s", request.ErrAbsoluteURL, rawURL)
	}

	cmd := Command{
		method:      method,
		url:         rawURL,
		data:        data,
		contentType: contentTypeJSON,
	}

	switch method {
	case request.MethodPut:
		if len(data) != 1 {
			return Command{}, fmt.Errorf("%w (got %d)", ErrSingleColumn, len(data))
		}
		for col, value := range data {
			cmd.url += "/" + col
			cmd.data = map[string]any{"value": value}
		}
	case request.MethodPost:
		cmd.contentType = contentTypeEntry
	}

	if len(headers) > 0 {
		cmd.headers = maps.Clone(headers)
	}

	cmd.url = EncodeAltKeys(cmd.url)
	return cmd, nil
}

// Method returns the command method.
func (c Command) Method() request.Method { return c.method }

// URL returns the normalized relative URL.
func (c Command) URL() string { return c.url }

// Data returns the normalized body.
func (c Command) Data() map[string]any { return c.data }

// ContentType returns the part content-type header line.
func (c Command) ContentType() string { return c.contentType }

// Headers returns the extra part headers.
func (c Command) Headers() map[string]string { return c.headers }

// Body returns the JSON body, or an empty string when the command has none.
func (c Command) Body() (string, error) {
	if c.data == nil {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c.data); err != nil {
		return "", fmt.Errorf("encode body for %s %s: %w", c.method, c.url, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Encode renders the command as one MIME part delimited by boundary, with
// its URL resolved against endpoint.
func (c Command) Encode(boundary string, endpoint *url.URL) (string, error) {
	target, err := request.Resolve(endpoint, c.url)
	if err != nil {
		return "", err
	}

	body, err := c.Body()
	if err != nil {
		return "", err
	}

	lines := []string{
		"--" + boundary,
		"Content-Type: application/http",
		"Content-Transfer-Encoding: binary",
		"",
		fmt.Sprintf("%s %s HTTP/1.1", c.method, target),
		c.contentType,
	}
	for _, key := range slices.Sorted(maps.Keys(c.headers)) {
		lines = append(lines, key+": "+c.headers[key])
	}
	lines = append(lines, "", body)

	return strings.Join(lines, "\n"), nil
}

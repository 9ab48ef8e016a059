package pagination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/client"
	"github.com/Sternrassler/dataverse-client/pkg/request"
	"github.com/rs/zerolog/log"
)

// ErrPageLimit is returned when MaxPages is reached before the last page.
var ErrPageLimit = errors.New("page limit reached")

// Config holds pager configuration.
type Config struct {
	// PageSize is sent as Prefer: odata.maxpagesize. Zero leaves the server default.
	PageSize int

	// MaxPages stops paging after this many pages. Zero means no limit.
	MaxPages int

	// Timeout per page fetch. Zero uses the dispatcher default.
	Timeout time.Duration
}

// DefaultConfig returns the default pager configuration.
func DefaultConfig() Config {
	return Config{
		PageSize: 5000,
	}
}

// PageFetcher is the subset of *client.Client the pager needs.
type PageFetcher interface {
	Do(ctx context.Context, req request.Request) (*client.Response, error)
	Relative(rawURL string) (string, error)
}

// Page is one collection response.
type Page struct {
	Number int
	Rows   []map[string]any
}

type collection struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

// Pager walks @odata.nextLink chains.
type Pager struct {
	fetcher PageFetcher
	config  Config
}

// NewPager creates a new pager.
func NewPager(fetcher PageFetcher, config Config) *Pager {
	if config.PageSize < 0 {
		config.PageSize = 0
	}
	if config.MaxPages < 0 {
		config.MaxPages = 0
	}
	return &Pager{fetcher: fetcher, config: config}
}

// Each fetches req and every linked page, calling fn once per page in order.
// Paging stops at the first error from the server or from fn.
func (p *Pager) Each(ctx context.Context, req request.Request, fn func(Page) error) error {
	start := time.Now()

	if p.config.PageSize > 0 {
		req = req.WithHeaders(map[string]string{
			"Prefer": "odata.maxpagesize=" + strconv.Itoa(p.config.PageSize),
		})
	}

	rows := 0
	for number := 1; ; number++ {
		page, next, err := p.fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("fetch page %d of %s: %w", number, req.URL, err)
		}
		page.Number = number
		rows += len(page.Rows)

		if err := fn(page); err != nil {
			return err
		}

		if next == "" {
			log.Debug().
				Str("url", req.URL).
				Int("pages", number).
				Int("rows", rows).
				Dur("duration", time.Since(start)).
				Msg("Fetch complete")
			return nil
		}

		if p.config.MaxPages > 0 && number >= p.config.MaxPages {
			return fmt.Errorf("%w (%d pages, %d rows)", ErrPageLimit, number, rows)
		}

		// The link already carries the query; only headers carry over.
		req = request.New(request.MethodGet, next).WithHeaders(req.Headers)

		if number%10 == 0 {
			log.Info().
				Int("pages", number).
				Int("rows", rows).
				Msg("Fetch progress")
		}
	}
}

// FetchAll returns the rows of every page in server order.
func (p *Pager) FetchAll(ctx context.Context, req request.Request) ([]map[string]any, error) {
	var rows []map[string]any
	err := p.Each(ctx, req, func(page Page) error {
		rows = append(rows, page.Rows...)
		return nil
	})
	return rows, err
}

func (p *Pager) fetch(ctx context.Context, req request.Request) (Page, string, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	resp, err := p.fetcher.Do(ctx, req)
	if err != nil {
		return Page{}, "", err
	}

	var body collection
	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return Page{}, "", fmt.Errorf("decode collection: %w", err)
	}

	next := ""
	if body.NextLink != "" {
		next, err = p.fetcher.Relative(body.NextLink)
		if err != nil {
			return Page{}, "", fmt.Errorf("next link: %w", err)
		}
	}

	return Page{Rows: body.Value}, next, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/batch"
	"github.com/Sternrassler/dataverse-client/pkg/client"
	"github.com/Sternrassler/dataverse-client/pkg/coordinator"
	"github.com/Sternrassler/dataverse-client/pkg/dataverse"
	"github.com/Sternrassler/dataverse-client/pkg/metrics"
	"github.com/Sternrassler/dataverse-client/pkg/retry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds write request bodies.
const maxBodyBytes = 64 << 20

// Server exposes batch writes of one environment over HTTP.
type Server struct {
	dv         *dataverse.Client
	maxRetries int
	logger     zerolog.Logger
	router     chi.Router
}

// NewServer creates the proxy server and its routes.
func NewServer(dv *dataverse.Client, maxRetries int, logger zerolog.Logger) *Server {
	s := &Server{
		dv:         dv,
		maxRetries: maxRetries,
		logger:     logger,
		router:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", healthHandler)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Route("/v1/entities/{logicalName}", func(r chi.Router) {
		r.Post("/create", s.handleWrite(opCreate))
		r.Post("/upsert", s.handleWrite(opUpsert))
		r.Post("/delete", s.handleWrite(opDelete))
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
	})
}

type writeOp int

const (
	opCreate writeOp = iota
	opUpsert
	opDelete
)

// writeRequest is the body of the write endpoints. Rows and Keys are used
// by create and upsert, IDs and Column by delete.
type writeRequest struct {
	Rows   []batch.Row `json:"rows"`
	Keys   []string    `json:"keys"`
	IDs    []string    `json:"ids"`
	Column string      `json:"column"`
}

type outcomeJSON struct {
	Index      int    `json:"index"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type writeResponse struct {
	Outcomes []outcomeJSON `json:"outcomes"`
	Failed   int           `json:"failed"`
}

func (s *Server) handleWrite(op writeOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logicalName := chi.URLParam(r, "logicalName")

		opts, err := writeOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var body writeRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		entity, err := s.entity(ctx, logicalName)
		if err != nil {
			s.logger.Warn().Err(err).Str("entity", logicalName).Msg("Entity lookup failed")
			writeError(w, statusFor(err), err.Error())
			return
		}

		var outcomes []coordinator.Outcome
		switch op {
		case opCreate:
			outcomes, err = entity.Insert(ctx, body.Rows, opts...)
		case opUpsert:
			outcomes, err = entity.Upsert(ctx, body.Rows, body.Keys, opts...)
		case opDelete:
			outcomes, err = entity.DeleteColumn(ctx, body.IDs, body.Column, opts...)
		}
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		resp := writeResponse{Outcomes: make([]outcomeJSON, 0, len(outcomes))}
		for _, o := range outcomes {
			item := outcomeJSON{
				Index:      o.Index,
				Status:     string(o.Status),
				DurationMS: o.Duration.Milliseconds(),
			}
			if o.Response != nil {
				item.StatusCode = o.Response.StatusCode
			}
			if o.Err != nil {
				item.Error = o.Err.Error()
				resp.Failed++
			}
			resp.Outcomes = append(resp.Outcomes, item)
		}

		status := http.StatusOK
		if resp.Failed > 0 {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, resp)
	}
}

// entity resolves logicalName, retrying transient failures.
func (s *Server) entity(ctx context.Context, logicalName string) (*dataverse.Entity, error) {
	var entity *dataverse.Entity
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		entity, err = s.dv.Entity(ctx, logicalName)
		return err
	}, retry.WithMaxAttempts(s.maxRetries))
	return entity, err
}

func writeOptions(r *http.Request) ([]dataverse.Option, error) {
	var opts []dataverse.Option

	if v := r.URL.Query().Get("mode"); v != "" {
		mode, err := coordinator.ParseMode(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dataverse.WithMode(mode))
	}

	if v := r.URL.Query().Get("chunk_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("chunk_size must be a positive integer (got %q)", v)
		}
		opts = append(opts, dataverse.WithChunkSize(n))
	}

	return opts, nil
}

// statusFor maps library errors to proxy status codes.
func statusFor(err error) int {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, dataverse.ErrNoKey),
		errors.Is(err, batch.ErrMissingKey),
		errors.Is(err, batch.ErrSingleColumn),
		errors.Is(err, coordinator.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	case errors.As(err, &apiErr) && apiErr.Class == client.ErrorClassRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Package server exposes the HTTP API: uploads, ingestion jobs with SSE
// progress streaming, collections, direct vector writes, similarity and
// hybrid search, and account/API-key management.
//
// All /api/v1 routes except registration and login require authentication
// when an auth service is configured. Health probes and the Prometheus
// /metrics endpoint are always public.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vectory-io/vectory/internal/auth"
	"github.com/vectory-io/vectory/internal/health"
	"github.com/vectory-io/vectory/internal/ingest"
	"github.com/vectory-io/vectory/internal/ingest/parser"
	"github.com/vectory-io/vectory/internal/jobstore"
	"github.com/vectory-io/vectory/internal/observe"
	"github.com/vectory-io/vectory/pkg/blob"
	"github.com/vectory-io/vectory/pkg/provider/embeddings"
	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// DefaultMaxUploadBytes bounds one multipart upload (100 MiB).
const DefaultMaxUploadBytes = 100 << 20

// DefaultStreamInterval is the SSE progress push interval.
const DefaultStreamInterval = time.Second

// Options carries the collaborators and tuning for a [Server].
type Options struct {
	Scheduler *ingest.Scheduler
	Jobs      jobstore.Store
	Vectors   vectorstore.Store
	Blobs     blob.Store
	Provider  embeddings.Provider
	Parsers   *parser.Registry

	// Auth enables authentication on the API when non-nil.
	Auth *auth.Service

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	// Metrics instruments every request via [observe.Middleware]. Optional.
	Metrics *observe.Metrics

	// MaxUploadBytes bounds upload size. Default: [DefaultMaxUploadBytes].
	MaxUploadBytes int64

	// StreamInterval is the SSE push interval. Default: [DefaultStreamInterval].
	StreamInterval time.Duration

	Logger *slog.Logger
}

// Server is the HTTP API front end.
type Server struct {
	opts Options
	log  *slog.Logger
}

// New creates a Server. Scheduler, Jobs, Vectors, Blobs, Provider, and
// Parsers are required.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Scheduler == nil:
		return nil, errors.New("server: scheduler is required")
	case opts.Jobs == nil:
		return nil, errors.New("server: job store is required")
	case opts.Vectors == nil:
		return nil, errors.New("server: vector store is required")
	case opts.Blobs == nil:
		return nil, errors.New("server: blob store is required")
	case opts.Provider == nil:
		return nil, errors.New("server: embeddings provider is required")
	case opts.Parsers == nil:
		return nil, errors.New("server: parser registry is required")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = DefaultStreamInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{opts: opts, log: opts.Logger.With("component", "server")}, nil
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public surface.
	if s.opts.Health != nil {
		s.opts.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.opts.Auth != nil {
		mux.HandleFunc("POST /api/v1/auth/register", s.handleRegister)
		mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	}

	// API surface, behind auth when configured.
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/ingestion/upload", s.handleUpload)
	api.HandleFunc("POST /api/v1/ingestion/jobs", s.handleCreateJob)
	api.HandleFunc("GET /api/v1/ingestion/jobs", s.handleListJobs)
	api.HandleFunc("GET /api/v1/ingestion/jobs/{id}", s.handleGetJob)
	api.HandleFunc("GET /api/v1/ingestion/jobs/{id}/progress", s.handleProgress)
	api.HandleFunc("GET /api/v1/ingestion/jobs/{id}/stream", s.handleStream)
	api.HandleFunc("POST /api/v1/ingestion/jobs/{id}/cancel", s.handleCancelJob)
	api.HandleFunc("POST /api/v1/ingestion/jobs/{id}/retry", s.handleRetryJob)

	api.HandleFunc("GET /api/v1/collections", s.handleListCollections)
	api.HandleFunc("POST /api/v1/collections", s.handleCreateCollection)
	api.HandleFunc("GET /api/v1/collections/{id}", s.handleGetCollection)
	api.HandleFunc("PATCH /api/v1/collections/{id}", s.handleUpdateCollection)
	api.HandleFunc("DELETE /api/v1/collections/{id}", s.handleDeleteCollection)
	api.HandleFunc("GET /api/v1/collections/{id}/stats", s.handleCollectionStats)

	api.HandleFunc("POST /api/v1/collections/{id}/vectors", s.handleInsertVectors)
	api.HandleFunc("GET /api/v1/collections/{id}/vectors/{vid}", s.handleGetVector)
	api.HandleFunc("PATCH /api/v1/collections/{id}/vectors/{vid}", s.handleUpdateVector)
	api.HandleFunc("DELETE /api/v1/collections/{id}/vectors/{vid}", s.handleDeleteVector)
	api.HandleFunc("POST /api/v1/collections/{id}/vectors/batch-delete", s.handleBatchDeleteVectors)
	api.HandleFunc("POST /api/v1/collections/{id}/hybrid-search", s.handleHybridSearch)

	api.HandleFunc("POST /api/v1/search", s.handleSearch)

	if s.opts.Auth != nil {
		api.HandleFunc("GET /api/v1/keys", s.handleListKeys)
		api.HandleFunc("POST /api/v1/keys", s.handleCreateKey)
		api.HandleFunc("DELETE /api/v1/keys/{id}", s.handleRevokeKey)
	}

	var protected http.Handler = api
	if s.opts.Auth != nil {
		protected = auth.Middleware(s.opts.Auth)(api)
	}
	mux.Handle("/api/v1/", protected)

	if s.opts.Metrics != nil {
		return observe.Middleware(s.opts.Metrics)(mux)
	}
	return mux
}

// --- small JSON plumbing shared by every handler ---

// apiError is the uniform error body.
type apiError struct {
	Error string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "err", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, format string, args ...any) {
	s.respond(w, status, apiError{Error: fmt.Sprintf(format, args...)})
}

// failFor maps domain errors to HTTP statuses; unrecognised errors become
// an opaque 500 with a logged cause.
func (s *Server) failFor(w http.ResponseWriter, err error) {
	var policyErr *ingest.ChunkPolicyError
	switch {
	case errors.Is(err, jobstore.ErrNotFound),
		errors.Is(err, vectorstore.ErrCollectionNotFound),
		errors.Is(err, vectorstore.ErrRecordNotFound),
		errors.Is(err, auth.ErrNotFound):
		s.fail(w, http.StatusNotFound, "%s", err)
	case errors.Is(err, vectorstore.ErrCollectionExists),
		errors.Is(err, auth.ErrEmailTaken):
		s.fail(w, http.StatusConflict, "%s", err)
	case errors.Is(err, ingest.ErrNotCancellable),
		errors.Is(err, ingest.ErrNotRetryable):
		s.fail(w, http.StatusConflict, "%s", err)
	case errors.As(err, &policyErr):
		s.fail(w, http.StatusBadRequest, "%s", err)
	default:
		s.log.Error("request failed", "err", err)
		s.fail(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

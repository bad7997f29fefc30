// Package server provides the admin HTTP server of replicache.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/replicache/availability"
	"github.com/wolfeidau/replicache/cache"
	"github.com/wolfeidau/replicache/domain"
	"github.com/wolfeidau/replicache/flush"
	"github.com/wolfeidau/replicache/identity"
	"github.com/wolfeidau/replicache/reconcile"
	"github.com/wolfeidau/replicache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:9090")
	Address string

	// AuthToken enables Bearer token authentication when set.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// PendingCounter reports how many keys wait for a Network repair.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// Repairer pushes pending Local records to Network.
type Repairer interface {
	RepairNetwork(ctx context.Context, id identity.Identity) (*reconcile.RepairResult, error)
}

// Components are the parts of a running replicache the server reports on.
// Journal and Repairer are optional.
type Components struct {
	Registry  *domain.Registry
	Scheduler *flush.Scheduler
	Monitor   *availability.Monitor
	Identity  *identity.Provider
	Journal   PendingCounter
	Repairer  Repairer
}

// Server is the admin HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	registry  *domain.Registry
	scheduler *flush.Scheduler
	monitor   *availability.Monitor
	identity  *identity.Provider
	journal   PendingCounter
	repairer  Repairer
}

// New creates a new server with the given configuration.
func New(cfg Config, c Components) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:9090"
	}
	if c.Registry == nil || c.Scheduler == nil || c.Monitor == nil || c.Identity == nil {
		return nil, fmt.Errorf("creating server: registry, scheduler, monitor and identity are required")
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		registry:  c.Registry,
		scheduler: c.Scheduler,
		monitor:   c.Monitor,
		identity:  c.Identity,
		journal:   c.Journal,
		repairer:  c.Repairer,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // flushes may wait on a slow Network
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the routed handler with logging and auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /caches", s.handleCaches)
	mux.HandleFunc("GET /caches/{name}", s.handleCache)
	mux.HandleFunc("POST /caches/{name}/invalidate", s.handleInvalidate)

	mux.HandleFunc("GET /flush", s.handleFlushStatus)
	mux.HandleFunc("POST /flush", s.handleFlush)

	mux.HandleFunc("POST /reconcile", s.handleReconcile)
}

type healthResponse struct {
	Status      string    `json:"status"`
	Owner       string    `json:"owner"`
	Session     string    `json:"session"`
	Elevated    bool      `json:"elevated,omitempty"`
	Network     string    `json:"network"`
	Since       time.Time `json:"since,omitzero"`
	LastCheck   time.Time `json:"last_check,omitzero"`
	Transitions int       `json:"transitions"`
	Recoveries  int       `json:"recoveries"`
	Pending     *int      `json:"pending,omitempty"`
}

// handleHealth reports identity, Network availability and the pending repair count.
// The server itself is healthy whenever it answers; an unavailable Network is
// reported, not failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "healthz")

	id := s.identity.Current()
	st := s.monitor.Status()
	resp := healthResponse{
		Status:      "ok",
		Owner:       id.Owner,
		Session:     id.Session,
		Elevated:    id.Elevated,
		Network:     st.State.String(),
		Since:       st.Since,
		LastCheck:   st.LastCheck,
		Transitions: st.Transitions,
		Recoveries:  st.Recoveries,
	}
	if s.journal != nil {
		n, err := s.journal.CountPending(r.Context())
		if err != nil {
			s.logger.Warn("counting pending keys failed", "error", err)
		} else {
			resp.Pending = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type cacheResponse struct {
	cache.Stats
	Diagnostics string `json:"diagnostics"`
}

func describe(c domain.Cache) cacheResponse {
	return cacheResponse{Stats: c.Stats(), Diagnostics: c.Diagnostics()}
}

func (s *Server) handleCaches(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "caches")

	caches := s.registry.Caches()
	resp := make([]cacheResponse, 0, len(caches))
	for _, c := range caches {
		resp = append(resp, describe(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (domain.Cache, bool) {
	name := r.PathValue("name")
	telemetry.SetCache(r, name)
	c, ok := s.registry.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown cache %q", name))
	}
	return c, ok
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache")
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describe(c))
}

// handleInvalidate flushes and evicts the entries of one cache. The owner and
// period query parameters narrow the selection; without an owner the whole
// cache is invalidated.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "invalidate")
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}

	owner, period := r.URL.Query().Get("owner"), r.URL.Query().Get("period")
	var err error
	if owner == "" {
		err = c.InvalidateAll(r.Context())
	} else {
		err = c.Invalidate(r.Context(), owner, period)
	}
	if err != nil {
		s.logger.Error("invalidating cache failed", "cache", c.Name(), "owner", owner, "period", period, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, describe(c))
}

func (s *Server) handleFlushStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "flush_status")
	if last := s.scheduler.Status(); last != nil {
		writeJSON(w, http.StatusOK, last)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "no flush yet"})
}

type flushUserResponse struct {
	Owner   string `json:"owner"`
	Flushed int    `json:"flushed"`
	Error   string `json:"error,omitempty"`
}

// handleFlush flushes every write-back cache, or only one owner's entries
// when the owner query parameter is set.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "flush")

	if owner := r.URL.Query().Get("owner"); owner != "" {
		n, err := s.scheduler.FlushUser(r.Context(), owner)
		resp := flushUserResponse{Owner: owner, Flushed: n}
		status := http.StatusOK
		if err != nil {
			resp.Error = err.Error()
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, resp)
		return
	}

	result := s.scheduler.FlushNow(r.Context())
	status := http.StatusOK
	if result.Failed > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

type reconcileResponse struct {
	*reconcile.RepairResult
	Error string `json:"error,omitempty"`
}

// handleReconcile repairs Network for the current identity. A repair that
// could not start reports 503; a partial repair reports its counts with 500.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "reconcile")
	if s.repairer == nil {
		writeError(w, http.StatusNotImplemented, "reconciliation not enabled")
		return
	}

	result, err := s.repairer.RepairNetwork(r.Context(), s.identity.Current())
	switch {
	case err != nil && result == nil:
		s.logger.Warn("network repair failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Warn("network repair incomplete", "error", err)
		writeJSON(w, http.StatusInternalServerError, reconcileResponse{RepairResult: result, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, reconcileResponse{RepairResult: result})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set the endpoint and cache.
		r = telemetry.InjectTags(r, requestID)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Cache != "" {
			attrs = append(attrs, "cache", tags.Cache)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start serves until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting admin server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

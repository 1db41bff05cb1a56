// Package server exposes the agent over HTTP: CRUD for blocks,
// pipelines, and runs, a server-sent-events stream and a websocket
// relay for live planning, an intent runner, and a webhook intake that
// binds inbound messages to planner requests. Authentication is out of
// scope; bind to localhost or front with a proxy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"blocksmith/internal/agent"
	"blocksmith/internal/config"
	"blocksmith/internal/core"
	"blocksmith/internal/logging"
	"blocksmith/internal/registry"
	"blocksmith/internal/store"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config bounds one server instance.
type Config struct {
	// Addr is the host:port to bind.
	Addr string
	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes. Zero keeps SSE and
	// websocket streams open indefinitely.
	WriteTimeout time.Duration
	// ShutdownTimeout bounds graceful drain on Shutdown.
	ShutdownTimeout time.Duration
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

// DefaultConfig mirrors the shipped config file.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8787",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    1 << 20,
	}
}

// FromAppConfig derives server bounds from the application config.
func FromAppConfig(cfg *config.Config) Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	out.Addr = cfg.ListenAddr()
	out.ReadTimeout = cfg.GetReadTimeout()
	out.WriteTimeout = cfg.GetWriteTimeout()
	return out
}

// =============================================================================
// SERVER
// =============================================================================

// Server is the HTTP surface over one agent and its stores.
type Server struct {
	agent    *agent.Agent
	registry *registry.Registry
	store    *store.Store
	cfg      Config

	validate *validator.Validate
	upgrader websocket.Upgrader
	http     *http.Server

	requests atomic.Int64
	streams  atomic.Int64
	webhooks atomic.Int64
}

// New builds a server. Zero config fields fall back to defaults.
func New(a *agent.Agent, reg *registry.Registry, st *store.Store, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	s := &Server{
		agent:    a,
		registry: reg,
		store:    st,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the full route table. Exposed so tests can mount it
// on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	mux.HandleFunc("GET /v1/blocks", s.handleListBlocks)
	mux.HandleFunc("POST /v1/blocks", s.handleSaveBlock)
	mux.HandleFunc("GET /v1/blocks/{id}", s.handleGetBlock)
	mux.HandleFunc("DELETE /v1/blocks/{id}", s.handleDeleteBlock)

	mux.HandleFunc("GET /v1/pipelines", s.handleListPipelines)
	mux.HandleFunc("POST /v1/pipelines", s.handleSavePipeline)
	mux.HandleFunc("GET /v1/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("DELETE /v1/pipelines/{id}", s.handleDeletePipeline)
	mux.HandleFunc("POST /v1/pipelines/{id}/trigger", s.handleTriggerPipeline)

	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)

	mux.HandleFunc("GET /v1/notifications", s.handleListNotifications)
	mux.HandleFunc("POST /v1/notifications/read", s.handleMarkNotificationsRead)

	mux.HandleFunc("POST /v1/plan", s.handlePlanSSE)
	mux.HandleFunc("GET /v1/ws/plan", s.handlePlanWS)
	mux.HandleFunc("POST /v1/run", s.handleRunIntent)
	mux.HandleFunc("POST /v1/webhooks/message", s.handleWebhookMessage)

	return s.logRequests(mux)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	logging.Server("listening on %s", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured window.
func (s *Server) Shutdown(ctx context.Context) error {
	drain, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	logging.Server("shutting down")
	return s.http.Shutdown(drain)
}

// logRequests wraps the mux with per-request correlation logging and
// panic recovery.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		rl := logging.NewRequestLogger(logging.CategoryServer)
		started := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				rl.Error("panic in %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, core.NewCapability("internal error", fmt.Errorf("%v", rec)))
			}
		}()

		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
		rl.Info("%s %s in %s", r.Method, r.URL.Path, time.Since(started).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	regStats, err := s.registry.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	storeStats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"registry": regStats,
		"store":    storeStats,
		"server":   s.Metrics(),
	})
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerWarn("response write failed: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses and emits a
// JSON envelope carrying the kind for programmatic clients.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindTimeout:
		status = http.StatusGatewayTimeout
	case core.KindCancelled:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  core.KindOf(err).String(),
	})
}

// decodeBody reads and validates one JSON request payload.
func (s *Server) decodeBody(r *http.Request, into interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return core.NewValidation("", "malformed json body").WithCause(err)
	}
	if err := s.validate.Struct(into); err != nil {
		return core.NewValidation("", "invalid request: "+err.Error()).WithCause(err)
	}
	return nil
}

// =============================================================================
// METRICS
// =============================================================================

// Metrics is a point-in-time server counter snapshot.
type Metrics struct {
	Requests int64 `json:"requests"`
	Streams  int64 `json:"streams"`
	Webhooks int64 `json:"webhooks"`
}

func (m Metrics) String() string {
	return fmt.Sprintf("requests=%d streams=%d webhooks=%d", m.Requests, m.Streams, m.Webhooks)
}

// Metrics snapshots the counters.
func (s *Server) Metrics() Metrics {
	return Metrics{
		Requests: s.requests.Load(),
		Streams:  s.streams.Load(),
		Webhooks: s.webhooks.Load(),
	}
}

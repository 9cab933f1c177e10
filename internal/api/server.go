// Package api implements the local HTTP status API: the watcher's
// current view, on-demand SSID resolution, the event history and a
// WebSocket stream of live events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bigsaltyfishes/nmwatch/internal/buildinfo"
	"github.com/bigsaltyfishes/nmwatch/internal/connwatch"
	"github.com/bigsaltyfishes/nmwatch/internal/events"
	"github.com/bigsaltyfishes/nmwatch/internal/resolver"
	"github.com/bigsaltyfishes/nmwatch/internal/watcher"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000

	// queryTimeout bounds the NetworkManager calls behind one request.
	queryTimeout = 10 * time.Second
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// StateSource provides the watcher's current tables.
type StateSource interface {
	Snapshot() watcher.Snapshot
}

// Resolver answers SSID queries. [*resolver.Resolver] implements it.
type Resolver interface {
	Resolve(ctx context.Context, ssid string) (resolver.Result, error)
	Networks(ctx context.Context) ([]resolver.Network, error)
}

// History reads stored events. [*history.Store] implements it.
type History interface {
	Recent(ctx context.Context, limit int) ([]events.Event, error)
	ForConnection(ctx context.Context, path string, limit int) ([]events.Event, error)
}

// HealthSource reports dependency health. [*connwatch.Manager]
// implements it.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	state    StateSource
	resolver Resolver
	history  History
	health   HealthSource
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new API server.
func NewServer(address string, port int, state StateSource, res Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		state:    state,
		resolver: res,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// SetHistory enables the history endpoints.
func (s *Server) SetHistory(h History) {
	s.history = h
}

// SetHealth configures the dependency health source for /health.
func (s *Server) SetHealth(h HealthSource) {
	s.health = h
}

// SetEventBus enables the live event stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/connections", s.handleConnections)
	mux.HandleFunc("GET /v1/devices", s.handleDevices)

	mux.HandleFunc("GET /v1/resolve", s.handleResolve)
	mux.HandleFunc("GET /v1/networks", s.handleNetworks)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and ends open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) jsonResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Watching bool                               `json:"watching"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
	Dropped  uint64                             `json:"dropped_events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Watching: s.state.Snapshot().Connected,
		Dropped:  s.bus.Dropped(),
	}
	if s.health != nil {
		resp.Services = s.health.Status()
	}

	healthy := resp.Watching
	for _, st := range resp.Services {
		if !st.Ready {
			healthy = false
		}
	}
	if !healthy {
		resp.Status = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, resp, s.logger)
		return
	}
	s.jsonResponse(w, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, buildinfo.Info())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	s.jsonResponse(w, map[string]any{
		"connected":   snap.Connected,
		"updated":     snap.Updated,
		"connections": snap.Connections,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	s.jsonResponse(w, map[string]any{
		"connected": snap.Connected,
		"updated":   snap.Updated,
		"devices":   snap.Devices,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ssid := r.URL.Query().Get("ssid")
	if ssid == "" {
		s.errorResponse(w, http.StatusBadRequest, "ssid is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	res, err := s.resolver.Resolve(ctx, ssid)
	if err != nil {
		s.logger.Warn("resolve failed", "ssid", ssid, "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	s.jsonResponse(w, res)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	nets, err := s.resolver.Networks(ctx)
	if err != nil {
		s.logger.Warn("network listing failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	s.jsonResponse(w, map[string]any{"networks": nets})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	var (
		evs []events.Event
		err error
	)
	if conn := r.URL.Query().Get("connection"); conn != "" {
		evs, err = s.history.ForConnection(r.Context(), conn, limit)
	} else {
		evs, err = s.history.Recent(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	s.jsonResponse(w, map[string]any{"events": evs})
}

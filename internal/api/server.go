package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zde37/chordsim/internal/sim"
	"github.com/zde37/chordsim/pkg"
)

// Server exposes a running simulation over HTTP: the latest snapshot as
// JSON and a WebSocket stream of ring updates. It implements
// sim.RingUpdateBroadcaster.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	logger     *pkg.Logger

	mu      sync.RWMutex
	latest  *sim.Snapshot
	updates uint64
}

// NewServer creates a new observation server.
func NewServer(logger *pkg.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Server{
		logger: logger.WithFields(pkg.Fields{"component": "http_api"}),
		wsHub:  NewWebSocketHub(logger),
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/ring", corsMiddleware(http.HandlerFunc(s.ringHandler)))

	// WebSocket endpoint for live updates
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	// Health check endpoint
	mux.HandleFunc("/health", s.healthHandler)

	return mux
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// Stop WebSocket hub
	s.wsHub.Stop()

	// Shutdown HTTP server
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// BroadcastRingUpdate records snapshots for /api/ring and forwards every
// update to the WebSocket observers.
func (s *Server) BroadcastRingUpdate(update any) error {
	s.mu.Lock()
	s.updates++
	if ev, ok := update.(sim.RingUpdateEvent); ok && ev.Snapshot != nil {
		s.latest = ev.Snapshot
	}
	s.mu.Unlock()

	return s.wsHub.BroadcastRingUpdate(update)
}

// Latest returns the most recent snapshot and the number of updates seen.
func (s *Server) Latest() (*sim.Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.updates
}

// ringHandler serves the latest snapshot.
func (s *Server) ringHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	snap, _ := s.Latest()
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	_, updates := s.Latest()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"updates": updates,
		"clients": s.wsHub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

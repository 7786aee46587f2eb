// Package server provides the transport layer of the session bridge: the
// browser-facing HTTP/WebSocket server and the CLI-facing socket listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/workspace/session-bridge/internal/auth"
	"github.com/workspace/session-bridge/internal/bridge"
	"github.com/workspace/session-bridge/internal/config"
)

// Server owns the two listeners and routes traffic into the registry.
type Server struct {
	config     *config.Config
	registry   *bridge.Registry
	validator  *auth.JWTValidator
	httpServer *http.Server

	listenerMu  sync.Mutex
	cliListener net.Listener
	done        chan struct{}
}

// New creates a server. validator may be nil, in which case browser
// connections are unauthenticated (local development).
func New(cfg *config.Config, registry *bridge.Registry, validator *auth.JWTValidator) *Server {
	s := &Server{
		config:    cfg,
		registry:  registry,
		validator: validator,
		done:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally set to 0 because WebSocket connections
	// are long-lived. Go's http.Server.WriteTimeout sets a deadline on the
	// underlying net.Conn BEFORE the handler runs, which kills hijacked
	// WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws/session/{sessionId}", s.handleSessionWS)
}

// Start opens the CLI listener and serves HTTP. Blocks until the HTTP
// server stops.
func (s *Server) Start() error {
	if err := s.startCLIListener(); err != nil {
		return err
	}

	slog.Info("Starting session bridge", "addr", s.httpServer.Addr, "cliAddr", s.config.CLIListenAddr)
	return s.httpServer.ListenAndServe()
}

// startCLIListener binds the direct-backend socket and starts the accept
// loop. A stale unix socket file from a previous run is removed first.
func (s *Server) startCLIListener() error {
	network := s.config.CLIListenNetwork()
	if network == "unix" {
		if err := os.Remove(s.config.CLIListenAddr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	l, err := net.Listen(network, s.config.CLIListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", network, s.config.CLIListenAddr, err)
	}

	s.listenerMu.Lock()
	s.cliListener = l
	s.listenerMu.Unlock()

	go s.acceptCLIConnections(l)
	return nil
}

// Stop gracefully stops both listeners.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)

	s.listenerMu.Lock()
	if s.cliListener != nil {
		_ = s.cliListener.Close()
		s.cliListener = nil
	}
	s.listenerMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports liveness and the live session count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Count(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("server: write JSON response", "error", err)
	}
}

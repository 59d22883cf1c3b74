// Package relay implements the publicly reachable relay server: tunnel
// lifecycle endpoints, HTTP-to-WebSocket request multiplexing, and stream
// fan-out to mobile subscribers.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rbarinov/echoshell/internal/config"
	"github.com/rbarinov/echoshell/internal/fanout"
	"github.com/rbarinov/echoshell/internal/registry"
)

const (
	defaultPingInterval   = 20 * time.Second
	defaultLivenessWindow = 30 * time.Second
)

// Server binds every externally visible endpoint and coordinates the
// registry, the fan-out hub and the pending-request table.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *registry.Registry
	hub      *fanout.Hub
	pending  *pendingTable
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	httpSrv  *http.Server

	// Heartbeat timing, overridable in tests.
	pingInterval   time.Duration
	livenessWindow time.Duration

	shuttingDown atomic.Bool
}

// New wires a relay server. The registry and hub are injected so the
// binaries (and tests) control their lifetime.
func New(cfg *config.Config, reg *registry.Registry, hub *fanout.Hub, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		hub:      hub,
		pending:  newPendingTable(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Tunnel auth is bearer-key based; the relay is origin-agnostic.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval:   defaultPingInterval,
		livenessWindow: defaultLivenessWindow,
	}
	s.mux = http.NewServeMux()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/tunnel/create", s.handleTunnelCreate)
	s.mux.HandleFunc("/tunnel/", s.handleTunnel)
	s.mux.HandleFunc("/api/", s.handleRelayedRequest)
	s.mux.HandleFunc("/terminal/", s.handleTerminalStream)
	s.mux.HandleFunc("/recording/", s.handleRecordingStream)
	s.mux.HandleFunc("/agent/", s.handleAgentStream)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr()).Msg("Relay server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// Shutdown drains the server: pending requests answer 503, every subscriber
// and tunnel socket is closed with code 1001, then the listener stops.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("Relay server shutting down")

	s.pending.Shutdown()
	s.hub.Shutdown()
	for _, conn := range s.registry.LiveConnections() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTunnelCreate creates or restores a tunnel registration. Gated by the
// process-wide registration key.
func (s *Server) handleTunnelCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
		return
	}
	if !s.checkRegistrationKey(r) {
		writeError(w, http.StatusUnauthorized, CodeTunnelAuthError, "invalid registration key")
		return
	}

	var body struct {
		Name     string `json:"name"`
		TunnelID string `json:"tunnel_id"`
	}
	// An entirely empty body is fine; malformed JSON is not.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	tunnel, restored, err := s.registry.Create(body.Name, body.TunnelID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Tunnel create failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"config": map[string]any{
			"tunnelId":   tunnel.ID,
			"apiKey":     tunnel.APIKey,
			"publicUrl":  s.cfg.PublicURL(tunnel.ID),
			"wsUrl":      s.cfg.WSURL(tunnel.ID),
			"isRestored": restored,
		},
	})
}

// handleTunnel routes /tunnel/{id} (WebSocket attach) and
// /tunnel/{id}/status (operator debugging).
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tunnel/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleTunnelSocket(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "status":
		s.handleTunnelStatus(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, CodeTunnelNotFound, "unknown tunnel path")
	}
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request, tunnelID string) {
	if !s.checkRegistrationKey(r) {
		writeError(w, http.StatusUnauthorized, CodeTunnelAuthError, "invalid registration key")
		return
	}
	tunnel, ok := s.registry.Lookup(tunnelID)
	if !ok {
		writeError(w, http.StatusNotFound, CodeTunnelNotFound, "tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnelId":  tunnel.ID,
		"name":      tunnel.Name,
		"connected": s.registry.IsLive(tunnel.ID),
		"createdAt": tunnel.CreatedAt,
	})
}

func (s *Server) checkRegistrationKey(r *http.Request) bool {
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.RegistrationAPIKey)) == 1
}

// authorizeStreamClient checks the tunnel's clientAuthKey on stream
// subscriptions and relayed requests. The key may arrive in the
// Authorization header (with or without a Bearer prefix) or, for browser
// WebSockets that cannot set headers, in the token query parameter.
func (s *Server) authorizeStreamClient(r *http.Request, tunnelID string) bool {
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	return s.registry.AuthorizeClient(tunnelID, presented)
}

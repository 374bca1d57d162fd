// ABOUTME: HTTP server wiring for tunnelgate: health, agent upgrade, public catch-all.
// ABOUTME: Owns the shared collaborators the two ingress handlers need.

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grand151/tunnelgate/internal/auth"
	"github.com/grand151/tunnelgate/internal/registry"
	"github.com/grand151/tunnelgate/internal/tunnel"
)

// defaultHandshakeTimeout bounds how long a fresh connection may sit without
// completing authentication.
const defaultHandshakeTimeout = 10 * time.Second

// Params configures a Server.
type Params struct {
	Verifier         *auth.Verifier
	Manager          *tunnel.Manager
	Registry         registry.Registry
	ExchangeTimeout  time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Server exposes the tunnel's two entry points: the WebSocket endpoint agents
// dial out to, and the public catch-all that forwards caller requests over
// the tunnel.
type Server struct {
	verifier         *auth.Verifier
	manager          *tunnel.Manager
	registry         registry.Registry
	exchangeTimeout  time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger
	upgrader         websocket.Upgrader
}

// New creates a Server.
func New(p Params) *Server {
	if p.ExchangeTimeout <= 0 {
		p.ExchangeTimeout = tunnel.DefaultExchangeTimeout
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Server{
		verifier:         p.Verifier,
		manager:          p.Manager,
		registry:         p.Registry,
		exchangeTimeout:  p.ExchangeTimeout,
		handshakeTimeout: p.HandshakeTimeout,
		logger:           p.Logger,
		upgrader: websocket.Upgrader{
			// Agents dial from arbitrary networks; the capability token is
			// the authentication, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tunnel/connect", s.handleTunnelConnect)
	mux.HandleFunc("/tunnel/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/", s.handlePublic)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// errorEnvelope is the only error shape public callers ever see.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: code, Message: message})
}

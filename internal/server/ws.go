// ABOUTME: Agent-side ingress: WebSocket upgrade, auth handshake, frame routing loop.
// ABOUTME: Connections that never present a valid auth frame are closed, fail-closed.

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/grand151/tunnelgate/internal/auth"
	"github.com/grand151/tunnelgate/internal/protocol"
	"github.com/grand151/tunnelgate/internal/tunnel"
)

// handleTunnelConnect is the agent entry point. The agent dials out to this
// endpoint, authenticates with a capability token, and then the connection
// carries multiplexed HTTP exchanges until it drops.
func (s *Server) handleTunnelConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newAgentConn(ws)

	// Greet the agent; purely informational, prompts it to authenticate.
	if err := conn.WriteFrame(protocol.NewOpenFrame(tunnel.NewExchangeID())); err != nil {
		ws.Close()
		return
	}

	agent, err := s.authenticate(r.Context(), conn)
	if err != nil {
		s.logger.Warn("agent handshake rejected", "remote", r.RemoteAddr, "error", err)
		ws.Close()
		return
	}

	s.readLoop(agent, conn)
}

// authenticate runs the handshake: the first application frame must be a
// valid auth frame whose token carries the tunnel:connect scope and whose
// requested ports fit the token's allowlist. Malformed frames are dropped
// while waiting; any other failure closes the connection.
func (s *Server) authenticate(ctx context.Context, conn *agentConn) (*tunnel.Agent, error) {
	// Before Register there is no keepalive loop watching this connection,
	// so a client that never authenticates must be bounded here.
	if err := conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("setting handshake deadline: %w", err)
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("reading auth frame: %w", err)
		}

		frame, err := protocol.Parse(raw)
		if err != nil {
			continue
		}

		if frame.Type != protocol.FrameAuth {
			s.reject(conn, frame.ID, protocol.ReasonUnauthorized, "authentication required")
			return nil, fmt.Errorf("first frame was %q, want auth", frame.Type)
		}

		if frame.Token == "" {
			s.reject(conn, frame.ID, protocol.ReasonUnauthorized, "missing token")
			return nil, errors.New("auth frame without token")
		}

		claims, err := s.verifier.Verify(frame.Token)
		if err != nil {
			s.reject(conn, frame.ID, protocol.ReasonUnauthorized, "invalid token")
			return nil, fmt.Errorf("verifying token: %w", err)
		}

		if !claims.HasScope(auth.ScopeConnect) {
			s.reject(conn, frame.ID, protocol.ReasonUnauthorized, "missing required scope")
			return nil, errors.New("token lacks tunnel:connect scope")
		}

		ports, err := resolvePorts(frame, claims)
		if err != nil {
			s.reject(conn, frame.ID, protocol.ReasonBadRequest, err.Error())
			return nil, fmt.Errorf("validating ports: %w", err)
		}

		agent := &tunnel.Agent{
			Subdomain:    claims.Subdomain,
			WorkspaceID:  claims.WorkspaceID,
			UserID:       claims.UserID,
			ExposedPorts: ports,
			ConnectedAt:  time.Now(),
			Conn:         conn,
			Mux:          tunnel.NewMux(s.exchangeTimeout, s.logger.With("component", "mux", "subdomain", claims.Subdomain)),
		}

		if err := s.manager.Register(ctx, agent); err != nil {
			conn.WriteFrame(protocol.NewErrorFrame(frame.ID, protocol.ReasonInternal, "registration failed"))
			conn.Close(1011, "registration failed")
			return nil, fmt.Errorf("registering agent: %w", err)
		}

		// Handshake completion signal: echo the client's frame id.
		if err := conn.WriteFrame(protocol.NewAuthFrame(frame.ID, "", 0, nil)); err != nil {
			s.manager.Disconnect(ctx, agent, "handshake ack failed")
			return nil, fmt.Errorf("sending auth ack: %w", err)
		}

		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			s.manager.Disconnect(ctx, agent, "clearing handshake deadline failed")
			return nil, fmt.Errorf("clearing handshake deadline: %w", err)
		}

		return agent, nil
	}
}

// resolvePorts validates the ports the agent asked to expose against the
// token's allowlist and returns the effective port map. An agent that
// requests nothing inherits the full allowlist. This is the trust boundary:
// ports admitted here are the only ones ever routed for this connection.
func resolvePorts(frame *protocol.Frame, claims *auth.Claims) (map[string]int, error) {
	root, ok := claims.RootPort()
	if !ok {
		return nil, errors.New("token grants no root port")
	}
	if frame.Port != 0 && frame.Port != root {
		return nil, fmt.Errorf("primary port %d is not the granted root port", frame.Port)
	}

	if len(frame.ExposedPorts) == 0 {
		ports := make(map[string]int, len(claims.ExposedPorts))
		for name, port := range claims.ExposedPorts {
			ports[name] = port
		}
		return ports, nil
	}

	ports := map[string]int{protocol.RootPort: root}
	for name, port := range frame.ExposedPorts {
		granted, ok := claims.ExposedPorts[name]
		if !ok {
			return nil, fmt.Errorf("service %q is not in the token allowlist", name)
		}
		if granted != port {
			return nil, fmt.Errorf("service %q port %d does not match granted %d", name, port, granted)
		}
		ports[name] = port
	}
	return ports, nil
}

// reject answers a failed handshake with a typed error frame and closes the
// connection with a policy-violation code.
func (s *Server) reject(conn *agentConn, frameID, reason, message string) {
	if frameID == "" {
		frameID = tunnel.NewExchangeID()
	}
	if err := conn.WriteFrame(protocol.NewErrorFrame(frameID, reason, message)); err != nil {
		s.logger.Debug("sending rejection frame", "error", err)
	}
	if err := conn.Close(tunnel.ClosePolicyViolation, reason); err != nil {
		s.logger.Debug("closing rejected connection", "error", err)
	}
}

// readLoop routes inbound frames for an attached agent until the connection
// ends. Frame failures never kill the connection; only transport errors do.
func (s *Server) readLoop(agent *tunnel.Agent, conn *agentConn) {
	defer s.manager.Disconnect(context.Background(), agent, "connection closed")

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("agent read loop ended", "subdomain", agent.Subdomain, "error", err)
			return
		}

		frame, err := protocol.Parse(raw)
		if err != nil {
			s.logger.Debug("dropping malformed frame", "subdomain", agent.Subdomain, "error", err)
			continue
		}

		agent.MarkSeen()

		switch frame.Type {
		case protocol.FramePing:
			if err := conn.WriteFrame(protocol.NewPongFrame(frame.ID)); err != nil {
				s.logger.Debug("pong send failed", "subdomain", agent.Subdomain, "error", err)
			}
		case protocol.FramePong:
			// MarkSeen above is the whole job.
		case protocol.FrameResponse:
			agent.Mux.ResolveHeaders(frame.ID, frame.StatusCode, frame.Headers)
		case protocol.FrameData:
			agent.Mux.PushChunk(frame.ID, frame.Data, frame.Final)
		case protocol.FrameClose:
			agent.Mux.Cancel(frame.ID, tunnel.ErrCanceled)
		case protocol.FrameError:
			agent.Mux.Cancel(frame.ID, fmt.Errorf("agent reported %s", frame.Reason))
		case protocol.FrameAuth:
			// Duplicate auth retries after attach are harmless noise.
		default:
			s.logger.Debug("ignoring unexpected frame", "subdomain", agent.Subdomain, "type", frame.Type)
		}
	}
}

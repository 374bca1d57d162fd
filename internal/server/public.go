// ABOUTME: Public-side ingress: resolves the subdomain, forwards the request over
// ABOUTME: the tunnel as frames, and streams the agent's response back to the caller.

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/grand151/tunnelgate/internal/protocol"
	"github.com/grand151/tunnelgate/internal/registry"
	"github.com/grand151/tunnelgate/internal/tunnel"
)

// bodyChunkSize bounds each data frame to one read's worth of body.
const bodyChunkSize = 32 * 1024

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	sub := subdomainFromHost(r.Host)
	if sub == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "missing or malformed subdomain")
		return
	}

	ctx := r.Context()

	base, err := s.registry.BaseSubdomain(ctx, sub)
	if err != nil {
		s.replyLookupError(w, err, sub)
		return
	}

	// Defense against host spoofing: an ingress-supplied X-Subdomain must
	// agree with what the Host header resolved to.
	if x := r.Header.Get("X-Subdomain"); x != "" && x != base {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "subdomain header mismatch")
		return
	}

	port, err := s.registry.PortForSubdomain(ctx, sub)
	if err != nil {
		s.replyLookupError(w, err, sub)
		return
	}

	agent, ok := s.manager.Get(base)
	if !ok {
		// Live elsewhere or not at all; multi-instance routing is the outer
		// ingress's concern.
		writeJSONError(w, http.StatusServiceUnavailable, "tunnel_offline", "Tunnel Offline")
		return
	}

	service, _ := registry.SplitServiceSubdomain(sub)
	id := tunnel.NewExchangeID()

	dedupeKey := ""
	sse := isEventStream(r)
	if sse {
		// Logical path only: an EventSource reconnect with a fresh
		// last-event-id query still matches the previous exchange.
		dedupeKey = base + ":" + r.URL.Path
	}

	onCancel := func(string) {
		if err := agent.Conn.WriteFrame(protocol.NewCloseFrame(id)); err != nil {
			s.logger.Debug("close frame send failed", "exchange_id", id, "error", err)
		}
	}

	// Register before sending the request frame: a fast agent's response
	// must never arrive before anyone is waiting for it.
	ex := agent.Mux.Open(id, s.exchangeTimeout, onCancel, dedupeKey)

	frame := protocol.NewRequestFrame(id, r.Method, r.URL.RequestURI(), flattenHeader(r.Header), port, service)
	if err := agent.Conn.WriteFrame(frame); err != nil {
		agent.Mux.Cancel(id, tunnel.ErrDisconnected)
		writeJSONError(w, http.StatusServiceUnavailable, "tunnel_offline", "Tunnel Offline")
		return
	}

	if err := s.streamRequestBody(agent, id, r.Body); err != nil {
		agent.Mux.Cancel(id, tunnel.ErrCanceled)
		writeJSONError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}

	result, err := ex.Wait(ctx)
	if err != nil {
		s.replyExchangeError(w, ctx, agent, id, err)
		return
	}

	s.streamResponse(w, ctx, agent, id, result, sse)
	agent.MarkSeen()
}

// replyLookupError maps registry failures onto the public 503/500 surface.
func (s *Server) replyLookupError(w http.ResponseWriter, err error, sub string) {
	if errors.Is(err, registry.ErrNotFound) {
		writeJSONError(w, http.StatusServiceUnavailable, "tunnel_offline", "Tunnel Offline")
		return
	}
	s.logger.Error("registry lookup failed", "subdomain", sub, "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal_error", "registry lookup failed")
}

// replyExchangeError maps a failed exchange onto the public error surface.
func (s *Server) replyExchangeError(w http.ResponseWriter, ctx context.Context, agent *tunnel.Agent, id string, err error) {
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Caller went away; tell the agent to stop producing.
		agent.Mux.Cancel(id, tunnel.ErrCanceled)
	case errors.Is(err, tunnel.ErrDisconnected):
		writeJSONError(w, http.StatusBadGateway, "tunnel_disconnected", "agent disconnected mid-exchange")
	case errors.Is(err, tunnel.ErrTimeout), errors.Is(err, tunnel.ErrReplaced), errors.Is(err, tunnel.ErrCanceled):
		writeJSONError(w, http.StatusGatewayTimeout, "tunnel_timeout", "the tunnel did not respond in time")
	default:
		s.logger.Error("exchange failed", "exchange_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "exchange failed")
	}
}

// streamRequestBody forwards the caller's body as data frames, always
// terminating with a final frame even for an empty body.
func (s *Server) streamRequestBody(agent *tunnel.Agent, id string, body io.Reader) error {
	buf := make([]byte, bodyChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := agent.Conn.WriteFrame(protocol.NewDataFrame(id, buf[:n], false)); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return agent.Conn.WriteFrame(protocol.NewDataFrame(id, nil, true))
		}
		if err != nil {
			return err
		}
	}
}

// streamResponse relays the agent's response to the caller, flushing each
// chunk so long-lived event streams actually stream.
func (s *Server) streamResponse(w http.ResponseWriter, ctx context.Context, agent *tunnel.Agent, id string, result *tunnel.Result, sse bool) {
	hdr := w.Header()
	for k, v := range result.Headers {
		hdr.Set(k, v)
	}
	if sse {
		hdr.Set("Cache-Control", "no-cache, no-transform")
		hdr.Set("X-Accel-Buffering", "no")
		hdr.Del("Content-Length")
	}
	w.WriteHeader(result.StatusCode)

	flusher, _ := w.(http.Flusher)
	for {
		chunk, err := result.Body.Next(ctx)
		if err == io.EOF {
			return
		}
		if err != nil {
			// Headers are gone; all we can do is stop and release the
			// exchange if the caller was the one to bail.
			if ctx.Err() != nil {
				agent.Mux.Cancel(id, tunnel.ErrCanceled)
			}
			s.logger.Debug("response stream ended", "exchange_id", id, "error", err)
			return
		}
		if _, err := w.Write(chunk); err != nil {
			agent.Mux.Cancel(id, tunnel.ErrCanceled)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// subdomainFromHost extracts the first DNS label from a Host header value.
// Returns "" when the host has no subdomain or the label is malformed.
func subdomainFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	i := strings.IndexByte(host, '.')
	if i <= 0 {
		return ""
	}
	label := host[:i]
	for _, c := range label {
		if c != '-' && (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return label
}

// isEventStream reports whether the caller is opening a server-sent-event
// exchange; these get cancel-and-replace semantics per (subdomain, path).
func isEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// flattenHeader collapses an http.Header to the single-valued map the frame
// protocol carries. Multi-valued headers keep their first value.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		if len(values) > 0 {
			out[k] = values[0]
		}
	}
	return out
}

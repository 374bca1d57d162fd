// ABOUTME: Tunnel agent for local development and E2E testing. Dials out to a
// ABOUTME: tunnelgate server and serves forwarded requests from a local port, or echoes them.

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/grand151/tunnelgate/internal/protocol"
)

const responseChunkSize = 32 * 1024

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/tunnel/connect", "Tunnel server WebSocket URL")
	token := flag.String("token", os.Getenv("TUNNEL_TOKEN"), "Capability token (or TUNNEL_TOKEN env)")
	target := flag.String("target", "", "Local base URL to forward requests to (empty = echo mode)")
	flag.Parse()

	if *token == "" {
		log.Fatal("a capability token is required: pass -token or set TUNNEL_TOKEN")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *serverURL, *token, *target); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// run dials the server and serves until the context ends, reconnecting with
// backoff after transport failures. Authentication failures are fatal: a
// rejected token will not become valid by retrying.
func run(ctx context.Context, serverURL, token, target string) error {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Jitter: true,
	}

	for {
		err := session(ctx, serverURL, token, target, b)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if isAuthRejection(err) {
			return err
		}

		d := b.Duration()
		log.Printf("connection lost: %v (reconnecting in %s)", err, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// authRejection marks errors that retrying cannot fix.
type authRejection struct{ reason, message string }

func (e *authRejection) Error() string {
	return fmt.Sprintf("server rejected connection: %s: %s", e.reason, e.message)
}

func isAuthRejection(err error) bool {
	var rej *authRejection
	return errors.As(err, &rej)
}

// pendingRequest accumulates a forwarded request's body until its final data
// frame arrives.
type pendingRequest struct {
	frame *protocol.Frame
	body  bytes.Buffer
}

func session(ctx context.Context, serverURL, token, target string, b *backoff.Backoff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", serverURL, err)
	}
	defer conn.Close()

	// Writes come from concurrently served requests; gorilla allows one
	// writer at a time.
	var writeMu sync.Mutex
	send := func(f *protocol.Frame) error {
		raw, err := f.Encode()
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, raw)
	}

	if err := handshake(conn, send, token); err != nil {
		return err
	}
	b.Reset()
	log.Printf("connected to %s", serverURL)

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	// In-flight requests still collecting body frames, keyed by exchange id.
	pending := make(map[string]*pendingRequest)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		frame, err := protocol.Parse(raw)
		if err != nil {
			log.Printf("dropping malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case protocol.FramePing:
			if err := send(protocol.NewPongFrame(frame.ID)); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case protocol.FrameRequest:
			pending[frame.ID] = &pendingRequest{frame: frame}
		case protocol.FrameData:
			p, ok := pending[frame.ID]
			if !ok {
				continue
			}
			p.body.Write(frame.Data)
			if frame.Final {
				delete(pending, frame.ID)
				go serve(ctx, send, p, target)
			}
		case protocol.FrameClose:
			delete(pending, frame.ID)
		case protocol.FrameError:
			log.Printf("server error on exchange %s: %s: %s", frame.ID, frame.Reason, frame.Message)
			delete(pending, frame.ID)
		}
	}
}

// handshake completes the auth exchange: open frame in, auth frame out,
// ack (or rejection) back.
func handshake(conn *websocket.Conn, send func(*protocol.Frame) error, token string) error {
	readFrame := func() (*protocol.Frame, error) {
		if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		return protocol.Parse(raw)
	}

	open, err := readFrame()
	if err != nil {
		return fmt.Errorf("waiting for open frame: %w", err)
	}
	if open.Type != protocol.FrameOpen {
		return fmt.Errorf("expected open frame, got %s", open.Type)
	}

	authID := uuid.NewString()
	if err := send(protocol.NewAuthFrame(authID, token, 0, nil)); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	ack, err := readFrame()
	if err != nil {
		return fmt.Errorf("waiting for auth ack: %w", err)
	}
	switch ack.Type {
	case protocol.FrameAuth:
		return nil
	case protocol.FrameError:
		return &authRejection{reason: ack.Reason, message: ack.Message}
	default:
		return fmt.Errorf("expected auth ack, got %s", ack.Type)
	}
}

// serve answers one forwarded request, either by proxying to the local
// target or by echoing the request back.
func serve(ctx context.Context, send func(*protocol.Frame) error, p *pendingRequest, target string) {
	id := p.frame.ID

	var status int
	var headers map[string]string
	var body io.ReadCloser

	if target == "" {
		status, headers, body = echo(p)
	} else {
		var err error
		status, headers, body, err = forward(ctx, p, target)
		if err != nil {
			log.Printf("forward failed for %s %s: %v", p.frame.Method, p.frame.Path, err)
			status = http.StatusBadGateway
			headers = map[string]string{"Content-Type": "application/json"}
			body = io.NopCloser(strings.NewReader(fmt.Sprintf(`{"error":%q}`, err.Error())))
		}
	}
	defer body.Close()

	if err := send(protocol.NewResponseFrame(id, status, headers)); err != nil {
		log.Printf("sending response headers for %s: %v", id, err)
		return
	}

	buf := make([]byte, responseChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if serr := send(protocol.NewDataFrame(id, buf[:n], false)); serr != nil {
				log.Printf("sending response data for %s: %v", id, serr)
				return
			}
		}
		if err == io.EOF {
			if serr := send(protocol.NewDataFrame(id, nil, true)); serr != nil {
				log.Printf("sending final frame for %s: %v", id, serr)
			}
			return
		}
		if err != nil {
			_ = send(protocol.NewErrorFrame(id, protocol.ReasonInternal, err.Error()))
			return
		}
	}
}

// forward replays the request against the local target.
func forward(ctx context.Context, p *pendingRequest, target string) (int, map[string]string, io.ReadCloser, error) {
	url := strings.TrimRight(target, "/") + p.frame.Path
	req, err := http.NewRequestWithContext(ctx, p.frame.Method, url, bytes.NewReader(p.body.Bytes()))
	if err != nil {
		return 0, nil, nil, err
	}
	for k, v := range p.frame.Headers {
		if strings.EqualFold(k, "Host") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, headers, resp.Body, nil
}

// echo answers with a plain-text description of what arrived. Useful for
// checking a tunnel end to end without running a local service.
func echo(p *pendingRequest) (int, map[string]string, io.ReadCloser) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", p.frame.Method, p.frame.Path)
	for k, v := range p.frame.Headers {
		fmt.Fprintf(&sb, "%s: %s\n", k, v)
	}
	if p.body.Len() > 0 {
		fmt.Fprintf(&sb, "\n%s", p.body.String())
	}
	return http.StatusOK, map[string]string{"Content-Type": "text/plain; charset=utf-8"}, io.NopCloser(strings.NewReader(sb.String()))
}

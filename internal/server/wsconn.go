// ABOUTME: Wraps a gorilla WebSocket connection behind the tunnel.AgentConn surface.
// ABOUTME: Serializes writes; gorilla permits only one concurrent writer.

package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grand151/tunnelgate/internal/protocol"
)

const closeWriteWait = 5 * time.Second

type agentConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newAgentConn(conn *websocket.Conn) *agentConn {
	return &agentConn{conn: conn}
}

// WriteFrame encodes and sends one frame as a text message.
func (c *agentConn) WriteFrame(f *protocol.Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close sends a close control frame with the given code and then drops the
// connection. The control frame is best-effort; the agent may already be gone.
func (c *agentConn) Close(code int, reason string) error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeWriteWait))
	c.mu.Unlock()
	return c.conn.Close()
}

// ReadMessage blocks for the next message from the agent.
func (c *agentConn) ReadMessage() ([]byte, error) {
	_, raw, err := c.conn.ReadMessage()
	return raw, err
}

// SetReadDeadline bounds blocking reads. Zero clears the deadline.
func (c *agentConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

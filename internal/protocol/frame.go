// ABOUTME: Wire format for the frames exchanged over an agent tunnel connection.
// ABOUTME: Two-stage parsing: generic JSON decode, then per-type schema validation.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FrameType discriminates the frame union.
type FrameType string

// Frame types carried on the wire.
const (
	FrameAuth     FrameType = "auth"
	FrameOpen     FrameType = "open"
	FrameClose    FrameType = "close"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameData     FrameType = "data"
	FrameError    FrameType = "error"
)

// Reasons carried by error frames. Agents only ever see these, never raw
// server errors.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonBadRequest   = "bad_request"
	ReasonInternal     = "internal_error"
)

// RootPort is the well-known exposed-ports key naming an agent's primary port.
const RootPort = "root"

// ErrInvalidFrame is returned when a frame fails schema validation. Callers
// drop such frames; the protocol is best-effort over a reliable transport and
// a malformed frame is never fatal to the connection.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one discrete protocol message. Type selects which of the optional
// fields are meaningful; Parse enforces the per-type schema so code past the
// boundary can rely on it.
type Frame struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`

	// auth
	Token        string         `json:"token,omitempty"`
	ExposedPorts map[string]int `json:"exposedPorts,omitempty"`

	// request
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Port        int               `json:"port,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`

	// response
	StatusCode int `json:"statusCode,omitempty"`

	// data
	Data  []byte `json:"data,omitempty"`
	Final bool   `json:"final,omitempty"`

	// error
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes raw into a Frame and validates it against the per-type schema.
func Parse(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode serializes the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Frame) validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidFrame)
	}

	switch f.Type {
	case FrameAuth, FrameOpen, FrameClose, FramePing, FramePong, FrameData:
		// No required type-specific fields. An auth frame without a token is
		// schema-valid; the handshake rejects it with an unauthorized error.
	case FrameRequest:
		if f.Method == "" {
			return fmt.Errorf("%w: request frame missing method", ErrInvalidFrame)
		}
		if f.Path == "" {
			return fmt.Errorf("%w: request frame missing path", ErrInvalidFrame)
		}
		if f.Port <= 0 {
			return fmt.Errorf("%w: request frame missing port", ErrInvalidFrame)
		}
	case FrameResponse:
		if f.StatusCode < 100 || f.StatusCode > 599 {
			return fmt.Errorf("%w: response frame has status %d", ErrInvalidFrame, f.StatusCode)
		}
	case FrameError:
		if f.Reason == "" {
			return fmt.Errorf("%w: error frame missing reason", ErrInvalidFrame)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return nil
}

func stamp() int64 {
	return time.Now().UnixMilli()
}

// NewOpenFrame builds the server greeting that prompts the agent to
// authenticate.
func NewOpenFrame(id string) *Frame {
	return &Frame{Type: FrameOpen, ID: id, Timestamp: stamp()}
}

// NewAuthFrame builds an authentication frame. The server acknowledges a
// completed handshake by echoing the client's frame id with an empty token.
func NewAuthFrame(id, token string, port int, exposedPorts map[string]int) *Frame {
	return &Frame{Type: FrameAuth, ID: id, Timestamp: stamp(), Token: token, Port: port, ExposedPorts: exposedPorts}
}

// NewPingFrame builds a keepalive ping.
func NewPingFrame(id string) *Frame {
	return &Frame{Type: FramePing, ID: id, Timestamp: stamp()}
}

// NewPongFrame builds the reply to a ping.
func NewPongFrame(id string) *Frame {
	return &Frame{Type: FramePong, ID: id, Timestamp: stamp()}
}

// NewRequestFrame begins a logical HTTP exchange toward the agent.
func NewRequestFrame(id, method, path string, headers map[string]string, port int, serviceName string) *Frame {
	return &Frame{
		Type:        FrameRequest,
		ID:          id,
		Timestamp:   stamp(),
		Method:      method,
		Path:        path,
		Headers:     headers,
		Port:        port,
		ServiceName: serviceName,
	}
}

// NewResponseFrame carries an agent's response status and headers.
func NewResponseFrame(id string, statusCode int, headers map[string]string) *Frame {
	return &Frame{Type: FrameResponse, ID: id, Timestamp: stamp(), StatusCode: statusCode, Headers: headers}
}

// NewDataFrame carries one body chunk. A frame with final set ends the stream
// in its direction; an empty final frame is how a zero-length body terminates.
func NewDataFrame(id string, data []byte, final bool) *Frame {
	return &Frame{Type: FrameData, ID: id, Timestamp: stamp(), Data: data, Final: final}
}

// NewCloseFrame aborts the exchange with the given id.
func NewCloseFrame(id string) *Frame {
	return &Frame{Type: FrameClose, ID: id, Timestamp: stamp()}
}

// NewErrorFrame reports a typed failure for the exchange with the given id.
func NewErrorFrame(id, reason, message string) *Frame {
	return &Frame{Type: FrameError, ID: id, Timestamp: stamp(), Reason: reason, Message: message}
}

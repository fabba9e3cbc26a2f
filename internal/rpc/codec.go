package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeWriteTimeout bounds how long a close control frame write is
// allowed to block before the connection is torn down regardless.
const closeWriteTimeout = 2 * time.Second

// DecodeError carries the JSON-RPC error code a malformed inbound message
// should be reported with (spec §4.1): parse error for invalid JSON,
// invalid request for well-formed JSON that isn't an object or doesn't
// carry a "2.0" jsonrpc field.
type DecodeError struct {
	Code    int
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

// Codec serializes/deserializes JSON-RPC envelopes over a single
// WebSocket connection, one JSON document per text (or binary, decoded as
// UTF-8) frame. Writes are serialized with a mutex because a
// *websocket.Conn supports at most one concurrent writer.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps an established WebSocket connection.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// ReadEnvelope blocks for the next message and decodes it. A non-nil
// *DecodeError return means the message was read successfully but failed
// to parse as a Holon-RPC envelope; any other error is a transport-level
// failure (closed connection, I/O error) and the caller should tear the
// connection down.
func (c *Codec) ReadEnvelope() (*Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Code: CodeParseError, Message: "parse error"}
	}
	if _, ok := raw.(map[string]interface{}); !ok {
		return nil, &DecodeError{Code: CodeInvalidRequest, Message: "invalid request"}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Code: CodeInvalidRequest, Message: "invalid request: " + err.Error()}
	}
	if env.JSONRPC != Version {
		return nil, &DecodeError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid request: jsonrpc must be %q", Version)}
	}
	return &env, nil
}

// WriteEnvelope marshals and sends one envelope as a text frame.
func (c *Codec) WriteEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("holon-rpc: encode envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal-closure WebSocket close frame (spec §4.5 step 6)
// before closing the underlying connection.
func (c *Codec) Close() error {
	return c.CloseWithStatus(websocket.CloseNormalClosure, "")
}

// CloseWithStatus sends a close control frame carrying code and reason
// before closing the underlying connection. The control-frame write is
// best-effort: the connection is closed regardless of whether it
// succeeds.
func (c *Codec) CloseWithStatus(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	return c.conn.Close()
}

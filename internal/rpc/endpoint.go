package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HandlerFunc answers one inbound request. It receives the decoded params
// object (never nil; an absent params field is normalized to {}) and
// returns a JSON-serializable result or an error. A *Error returned here
// surfaces its code/message/data verbatim; any other error becomes a
// generic internal error (spec §4.2, "error translation").
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatch resolves an inbound method to a result. The default
// implementation (dispatchLocal) is a plain handler-table lookup; the
// broker installs its own Dispatch to implement rpc.register,
// rpc.unregister, routing, fan-out and broadcast before falling back to
// the broker's own handler table (spec §4.4 step 9).
type Dispatch func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// Role selects which correlation-id namespace an Endpoint allocates from
// when it originates a request, per spec §3 ("Correlation id").
type Role int

const (
	// RolePeer is a dialing peer client: its own invoke() calls use ids
	// prefixed "c". Every inbound request it receives was forwarded by the
	// broker, so it must carry an "s"-prefixed id (spec §4.2, "Server-role
	// validation").
	RolePeer Role = iota
	// RoleBroker is the broker's per-connection endpoint for one accepted
	// peer: its own invoke() calls (used to forward or fan out) use ids
	// prefixed "s".
	RoleBroker
)

func (r Role) idPrefix() string {
	if r == RoleBroker {
		return "s"
	}
	return "c"
}

// Endpoint is the per-connection peer endpoint described in spec §4.2. It
// is symmetric: the same type backs both the broker's per-peer connection
// object and a dialing client's connection.
type Endpoint struct {
	role      Role
	sessionID string
	codec     *Codec

	mu      sync.Mutex
	pending map[string]chan *Envelope
	nextID  uint64
	closed  bool

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc
	dispatch   Dispatch

	disconnectMu sync.Mutex
	onDisconnect func(error)
}

// NewEndpoint wraps a Codec with request/response correlation and inbound
// dispatch. The default Dispatch is a handler-table lookup; call
// SetDispatch to replace it (used by the broker).
func NewEndpoint(codec *Codec, role Role) *Endpoint {
	e := &Endpoint{
		role:      role,
		sessionID: uuid.NewString(),
		codec:     codec,
		pending:   make(map[string]chan *Envelope),
		handlers:  make(map[string]HandlerFunc),
	}
	e.dispatch = e.dispatchLocal
	return e
}

// SessionID is a random nonce assigned when the Endpoint was created, so
// it names exactly one TCP/WebSocket connection. It is independent of the
// broker-assigned peerID. Useful for correlating log lines across a single
// connection's lifetime.
func (e *Endpoint) SessionID() string { return e.sessionID }

// RegisterHandler installs a local handler for method. Duplicate
// registration replaces the previous handler (spec §4.2).
func (e *Endpoint) RegisterHandler(method string, h HandlerFunc) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[method] = h
}

// SetDispatch overrides how inbound requests (other than rpc.heartbeat,
// which Endpoint always answers itself) are resolved to a result.
func (e *Endpoint) SetDispatch(fn Dispatch) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.dispatch = fn
}

// SetDisconnectHandler installs a callback invoked exactly once, when the
// endpoint detects its connection is gone (read error or explicit Close).
func (e *Endpoint) SetDisconnectHandler(fn func(error)) {
	e.disconnectMu.Lock()
	defer e.disconnectMu.Unlock()
	e.onDisconnect = fn
}

func (e *Endpoint) dispatchLocal(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	e.handlersMu.RLock()
	h, ok := e.handlers[method]
	e.handlersMu.RUnlock()
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
	return h(ctx, params)
}

// Invoke allocates a fresh correlation id, sends a request, and waits for
// the matching response or timeout (spec §4.2). A timeout <= 0 waits
// indefinitely (bounded only by ctx).
func (e *Endpoint) Invoke(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("holon-rpc: marshal params: %w", err)
		}
		raw = b
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &Error{Code: CodeUnavailable, Message: "holon-rpc connection closed"}
	}
	e.nextID++
	id := fmt.Sprintf("%s%d", e.role.idPrefix(), e.nextID)
	waiter := make(chan *Envelope, 1)
	e.pending[id] = waiter
	e.mu.Unlock()

	if err := e.codec.WriteEnvelope(requestEnvelope(NewID(id), method, raw)); err != nil {
		e.removeWaiter(id)
		return nil, &Error{Code: CodeUnavailable, Message: "holon-rpc connection closed"}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case env := <-waiter:
		if env == nil {
			return nil, &Error{Code: CodeUnavailable, Message: "holon-rpc connection closed"}
		}
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-timeoutCh:
		e.removeWaiter(id)
		return nil, &Error{Code: CodeDeadlineExceeded, Message: "deadline exceeded"}
	case <-ctx.Done():
		e.removeWaiter(id)
		return nil, ctx.Err()
	}
}

// Notify sends a method-shaped envelope with no id. Per spec §3/§6 it is
// never acknowledged; the far side must not respond.
func (e *Endpoint) Notify(method string, params interface{}) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("holon-rpc: marshal params: %w", err)
		}
		raw = b
	}
	return e.codec.WriteEnvelope(notificationEnvelope(method, raw))
}

func (e *Endpoint) removeWaiter(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Serve reads envelopes until the connection fails or ctx is cancelled,
// dispatching each one. It returns the error that ended the loop.
func (e *Endpoint) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			e.fail(ctx.Err())
			return ctx.Err()
		}
		env, err := e.codec.ReadEnvelope()
		if err != nil {
			var derr *DecodeError
			if errors.As(err, &derr) {
				// A decode failure never carries a recoverable id, so the
				// reply is sent with id=null (spec §4.1).
				_ = e.codec.WriteEnvelope(errorEnvelope(NullID(), derr.Code, derr.Message))
				continue
			}
			e.fail(err)
			return err
		}
		e.dispatchInbound(ctx, env)
	}
}

func (e *Endpoint) dispatchInbound(ctx context.Context, env *Envelope) {
	switch {
	case env.IsRequest():
		e.handleInboundRequest(ctx, env)
	case env.IsResponse():
		e.handleInboundResponse(env)
	default:
		if env.ID != nil {
			_ = e.codec.WriteEnvelope(errorEnvelope(env.ID, CodeInvalidRequest, "invalid request"))
		}
	}
}

func (e *Endpoint) handleInboundResponse(env *Envelope) {
	if env.ID == nil || env.ID.IsNull() {
		return
	}
	e.mu.Lock()
	waiter, ok := e.pending[env.ID.String()]
	if ok {
		delete(e.pending, env.ID.String())
	}
	e.mu.Unlock()
	if ok {
		waiter <- env
	}
}

func (e *Endpoint) handleInboundRequest(ctx context.Context, env *Envelope) {
	notification := env.ID == nil

	// Every inbound request a dialing peer receives was forwarded by the
	// broker, which always originates requests from the "s" namespace.
	if e.role == RolePeer && !notification {
		if env.ID.IsNull() || !strings.HasPrefix(env.ID.String(), "s") {
			_ = e.codec.WriteEnvelope(errorEnvelope(env.ID, CodeInvalidRequest, "server request id must start with 's'"))
			return
		}
	}

	if env.Method == HeartbeatMethod {
		if !notification {
			_ = e.codec.WriteEnvelope(resultEnvelope(env.ID, []byte(`{}`)))
		}
		return
	}

	e.handlersMu.RLock()
	dispatch := e.dispatch
	e.handlersMu.RUnlock()

	params := env.Params
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}
	result, err := dispatch(ctx, env.Method, params)
	if notification {
		return
	}
	if err != nil {
		e.writeTranslatedError(env.ID, err)
		return
	}

	resBytes, merr := json.Marshal(result)
	if merr != nil {
		_ = e.codec.WriteEnvelope(errorEnvelope(env.ID, e.internalCode(), "failed to encode result"))
		return
	}
	normalized, nerr := normalizeResult(resBytes)
	if nerr != nil {
		_ = e.codec.WriteEnvelope(errorEnvelope(env.ID, e.internalCode(), "failed to encode result"))
		return
	}
	_ = e.codec.WriteEnvelope(resultEnvelope(env.ID, normalized))
}

func (e *Endpoint) internalCode() int {
	if e.role == RoleBroker {
		return CodeInternalError
	}
	return CodeHandlerInternal
}

func (e *Endpoint) writeTranslatedError(id *ID, err error) {
	var rerr *Error
	if errors.As(err, &rerr) {
		_ = e.codec.WriteEnvelope(&Envelope{JSONRPC: Version, ID: id, Error: rerr})
		return
	}
	_ = e.codec.WriteEnvelope(errorEnvelope(id, e.internalCode(), "internal error"))
}

// Close tears the endpoint down: it fails every pending invoke, runs the
// disconnect callback, and sends a normal-closure WebSocket close frame
// before closing the underlying connection (spec §4.5 step 6). Close is
// idempotent.
func (e *Endpoint) Close() error {
	e.fail(errEndpointClosed)
	return e.codec.CloseWithStatus(websocket.CloseNormalClosure, "")
}

// CloseGoingAway tears the endpoint down the same way Close does, but
// sends a "going away" WebSocket close code instead of normal closure.
// Used when the connection is dropped because the peer stopped
// responding to heartbeats (spec §4.5 step 3), not because of an
// intentional shutdown.
func (e *Endpoint) CloseGoingAway() error {
	e.fail(errEndpointClosed)
	return e.codec.CloseWithStatus(websocket.CloseGoingAway, "")
}

var errEndpointClosed = errors.New("holon-rpc: endpoint closed")

func (e *Endpoint) fail(cause error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[string]chan *Envelope)
	e.mu.Unlock()

	for _, waiter := range pending {
		waiter <- nil
	}

	e.disconnectMu.Lock()
	onDisconnect := e.onDisconnect
	e.disconnectMu.Unlock()
	if onDisconnect != nil {
		onDisconnect(cause)
	}
}

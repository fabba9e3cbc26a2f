package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newRawConnPair spins up an httptest WebSocket server and dials it,
// returning the raw server-side and client-side connections.
func newRawConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn, cleanup func()) {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}

	serverReady := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		serverReady <- conn
	}))

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	url := "ws" + ts.URL[len("http"):]
	clientConn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverConn := <-serverReady

	return serverConn, clientConn, func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		ts.Close()
	}
}

// newEndpointPair wires both sides of a raw connection pair into
// Endpoints (RoleBroker accepting, RolePeer dialing) and starts both
// Serve loops in the background.
func newEndpointPair(t *testing.T) (server *Endpoint, client *Endpoint, cleanup func()) {
	t.Helper()
	serverConn, clientConn, rawCleanup := newRawConnPair(t)

	server = NewEndpoint(NewCodec(serverConn), RoleBroker)
	client = NewEndpoint(NewCodec(clientConn), RolePeer)
	go func() { _ = server.Serve(context.Background()) }()
	go func() { _ = client.Serve(context.Background()) }()

	return server, client, func() {
		_ = client.Close()
		_ = server.Close()
		rawCleanup()
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	server, client, cleanup := newEndpointPair(t)
	defer cleanup()

	server.RegisterHandler("Echo/Ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]string{"from": "server", "message": p.Message}, nil
	})

	result, err := client.Invoke(context.Background(), "Echo/Ping", map[string]string{"message": "hi"}, time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["message"] != "hi" || got["from"] != "server" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestInvokeMethodNotFound(t *testing.T) {
	_, client, cleanup := newEndpointPair(t)
	defer cleanup()

	_, err := client.Invoke(context.Background(), "nope", nil, time.Second)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %v", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	server, client, cleanup := newEndpointPair(t)
	defer cleanup()

	block := make(chan struct{})
	defer close(block)
	server.RegisterHandler("slow", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		<-block
		return map[string]string{}, nil
	})

	_, err := client.Invoke(context.Background(), "slow", nil, 20*time.Millisecond)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Code != CodeDeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNotificationProducesNoResponse(t *testing.T) {
	server, client, cleanup := newEndpointPair(t)
	defer cleanup()

	called := make(chan struct{}, 1)
	server.RegisterHandler("fireAndForget", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		called <- struct{}{}
		return map[string]string{"unused": "true"}, nil
	})

	if err := client.Notify("fireAndForget", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked")
	}
	// No way to observe "no response sent" directly without a response
	// racing in; rely on the invoke round-trip test to show responses are
	// delivered only for requests carrying an id.
}

func TestDisconnectFailsPending(t *testing.T) {
	server, client, cleanup := newEndpointPair(t)
	defer cleanup()
	_ = cleanup

	block := make(chan struct{})
	server.RegisterHandler("slow", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		<-block
		return map[string]string{}, nil
	})

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Invoke(context.Background(), "slow", nil, 5*time.Second)
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = client.Close()
	close(block)

	select {
	case err := <-resultCh:
		var rerr *Error
		if !errors.As(err, &rerr) || rerr.Code != CodeUnavailable {
			t.Fatalf("expected unavailable error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending invoke was never failed")
	}
}

func TestHandlerErrorTranslation(t *testing.T) {
	server, client, cleanup := newEndpointPair(t)
	defer cleanup()

	server.RegisterHandler("boom", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("unexpected failure with internal details")
	})

	_, err := client.Invoke(context.Background(), "boom", nil, time.Second)
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if rerr.Code != CodeInternalError {
		t.Fatalf("expected broker-side internal error code %d, got %d", CodeInternalError, rerr.Code)
	}
	if rerr.Message == "unexpected failure with internal details" {
		t.Fatalf("handler error message leaked verbatim: %q", rerr.Message)
	}
}

func TestServerRequestIDPrefixValidation(t *testing.T) {
	serverConn, clientConn, cleanup := newRawConnPair(t)
	defer cleanup()

	clientCodec := NewCodec(clientConn)
	client := NewEndpoint(clientCodec, RolePeer)
	serverCodec := NewCodec(serverConn)

	// Simulate a misbehaving far side sending the client-role endpoint a
	// request carrying a "c"-prefixed id, which only a client ever
	// allocates; the broker always originates from the "s" namespace.
	if err := serverCodec.WriteEnvelope(requestEnvelope(NewID("c1"), "whoami", nil)); err != nil {
		t.Fatalf("write: %v", err)
	}

	env, err := clientCodec.ReadEnvelope()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	client.handleInboundRequest(context.Background(), env)

	resp, err := serverCodec.ReadEnvelope()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp)
	}
}

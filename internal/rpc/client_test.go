package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testBroker is a minimal broker stand-in: it upgrades every connection
// and serves a fixed handler table via a real Endpoint in RoleBroker,
// just enough to exercise the Dialer against.
type testBroker struct {
	srv     *httptest.Server
	connsCh chan *websocket.Conn
}

func newTestBroker(t *testing.T, handlers map[string]HandlerFunc) *testBroker {
	t.Helper()
	tb := &testBroker{connsCh: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	tb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tb.connsCh <- conn
		ep := NewEndpoint(NewCodec(conn), RoleBroker)
		for method, h := range handlers {
			ep.RegisterHandler(method, h)
		}
		_ = ep.Serve(context.Background())
	}))
	return tb
}

// nextConn returns the next accepted server-side connection, or fails the
// test if none arrives within the deadline.
func (tb *testBroker) nextConn(t *testing.T, within time.Duration) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-tb.connsCh:
		return conn
	case <-time.After(within):
		t.Fatalf("no connection accepted within %s", within)
		return nil
	}
}

func (tb *testBroker) wsURL() string {
	return "ws" + tb.srv.URL[len("http"):]
}

func TestDialerInvoke(t *testing.T) {
	tb := newTestBroker(t, map[string]HandlerFunc{
		"Echo/Ping": func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var p struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(params, &p)
			return map[string]string{"message": p.Message}, nil
		},
	})
	defer tb.srv.Close()

	cfg := DefaultDialConfig(tb.wsURL())
	cfg.ConnectTimeout = 2 * time.Second
	d := Dial(cfg)
	defer d.Close()

	result, err := d.Invoke(context.Background(), "Echo/Ping", map[string]string{"message": "hi"}, time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["message"] != "hi" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestDialerRejectsWrongSubprotocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{} // no subprotocol offered
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
	}))
	defer srv.Close()

	cfg := DefaultDialConfig("ws" + srv.URL[len("http"):])
	cfg.ConnectTimeout = 300 * time.Millisecond
	cfg.ReconnectMinDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	d := Dial(cfg)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := d.Invoke(ctx, "whatever", nil, 0)
	if err == nil {
		t.Fatalf("expected Invoke to fail against a broker that won't negotiate the subprotocol")
	}
}

func TestDialerHeartbeat(t *testing.T) {
	tb := newTestBroker(t, nil)
	defer tb.srv.Close()

	cfg := DefaultDialConfig(tb.wsURL())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	d := Dial(cfg)
	defer d.Close()

	if _, err := d.Invoke(context.Background(), "Echo/Ping", nil, time.Second); err == nil {
		t.Fatalf("expected method-not-found for unregistered method")
	}

	deadline := time.Now().Add(time.Second)
	for d.HeartbeatCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least one heartbeat, got %d", d.HeartbeatCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestDialerReconnectsAfterServerClose pins down spec.md §8 scenario 6:
// a client invokes Ping, the broker drops the socket once, the client
// reconnects on its own, a subsequent Ping succeeds, and the heartbeat
// counter reaches at least 1.
func TestDialerReconnectsAfterServerClose(t *testing.T) {
	pingHandler := func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]string{"pong": "ok"}, nil
	}
	tb := newTestBroker(t, map[string]HandlerFunc{"Ping": pingHandler})
	defer tb.srv.Close()

	cfg := DefaultDialConfig(tb.wsURL())
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.ReconnectMinDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	d := Dial(cfg)
	defer d.Close()

	firstConn := tb.nextConn(t, 2*time.Second)

	if _, err := d.Invoke(context.Background(), "Ping", nil, time.Second); err != nil {
		t.Fatalf("first Ping: %v", err)
	}

	if err := firstConn.Close(); err != nil {
		t.Fatalf("force-close server connection: %v", err)
	}

	// Reconnect establishes a brand new accepted connection.
	tb.nextConn(t, cfg.ReconnectMaxDelay*2)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ReconnectMaxDelay*2+2*time.Second)
	defer cancel()
	if _, err := d.Invoke(ctx, "Ping", nil, time.Second); err != nil {
		t.Fatalf("second Ping after reconnect: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for d.HeartbeatCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected HeartbeatCount >= 1 after reconnect, got %d", d.HeartbeatCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDefaultDialConfigFillsDefaults(t *testing.T) {
	cfg := DefaultDialConfig("ws://example.invalid/rpc")
	if cfg.ReconnectFactor != 2.0 {
		t.Fatalf("expected default reconnect factor 2.0, got %v", cfg.ReconnectFactor)
	}
	if !strings.Contains(cfg.URL, "example.invalid") {
		t.Fatalf("expected URL to be preserved, got %q", cfg.URL)
	}
}

// Package peer is the public, application-facing API for connecting to a
// Holon-RPC broker. It wraps internal/rpc.Dialer with the convenience
// methods an application actually reaches for: connect, register under a
// name, expose handlers, invoke other peers by name, fan out, and close.
package peer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tenzoki/holon-rpc/internal/config"
	"github.com/tenzoki/holon-rpc/internal/rpc"
	"github.com/tenzoki/holon-rpc/internal/telemetry"
)

// Client is a connected Holon-RPC peer. Create one with Connect.
type Client struct {
	name   string
	dialer *rpc.Dialer
}

// Connect dials cfg.BrokerURL, starts the reconnect supervisor, and (if
// cfg.Name is non-empty) registers under that holon name once connected.
// Connect blocks until the initial connection succeeds or
// cfg.ConnectTimeoutMs elapses.
func Connect(ctx context.Context, cfg config.PeerConfig) (*Client, error) {
	dialCfg := rpc.DialConfig{
		URL:               cfg.BrokerURL,
		HeartbeatInterval: config.Millis(cfg.HeartbeatIntervalMs),
		HeartbeatTimeout:  config.Millis(cfg.HeartbeatTimeoutMs),
		ReconnectMinDelay: config.Millis(cfg.ReconnectMinDelayMs),
		ReconnectMaxDelay: config.Millis(cfg.ReconnectMaxDelayMs),
		ReconnectFactor:   cfg.ReconnectFactor,
		ReconnectJitter:   cfg.ReconnectJitter,
		ConnectTimeout:    config.Millis(cfg.ConnectTimeoutMs),
		RequestTimeout:    config.Millis(cfg.RequestTimeoutMs),
	}

	d := rpc.Dial(dialCfg)
	c := &Client{name: strings.TrimSpace(cfg.Name), dialer: d}

	if _, err := d.Invoke(ctx, rpc.HeartbeatMethod, map[string]interface{}{}, dialCfg.ConnectTimeout); err != nil {
		d.Close()
		return nil, err
	}

	if c.name != "" {
		if _, err := d.Invoke(ctx, rpc.RegisterMethod, map[string]string{"name": c.name}, dialCfg.RequestTimeout); err != nil {
			d.Close()
			return nil, err
		}
	}

	return c, nil
}

// RegisterHandler installs a handler for inbound requests addressed to
// this peer's own methods (spec §4.2). Safe to call before or after
// Connect's initial handshake, and across reconnects.
func (c *Client) RegisterHandler(method string, h rpc.HandlerFunc) {
	c.dialer.RegisterHandler(method, h)
}

// Invoke calls method on the broker. method may be a plain name (handled
// locally by the broker's own handler table), a dotted
// "<holonName>.<method>" route (directed dispatch), or a "*.<method>"
// fan-out. timeout <= 0 uses the configured RequestTimeout.
func (c *Client) Invoke(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	return c.dialer.Invoke(ctx, method, params, timeout)
}

// InvokeNamed is a convenience wrapper for directed dispatch to a
// specific holon name: it builds the "<holonName>.<method>" route.
func (c *Client) InvokeNamed(ctx context.Context, holonName, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	return c.Invoke(ctx, holonName+"."+method, params, timeout)
}

// FanOutEntry mirrors one element of a broker fan-out response (spec
// §4.4 step 7): either Result or Error is populated.
type FanOutEntry struct {
	Peer   string          `json:"peer"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpc.Error      `json:"error,omitempty"`
}

// InvokeFanOut calls method on every connected peer except the caller
// and returns the per-target results (spec §4.4 step 7, §6 "*.<m>").
func (c *Client) InvokeFanOut(ctx context.Context, method string, params interface{}, timeout time.Duration) ([]FanOutEntry, error) {
	raw, err := c.Invoke(ctx, "*."+method, params, timeout)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Value []FanOutEntry `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Value, nil
}

// SetMetrics installs the OpenTelemetry instrument set this client
// reports heartbeat successes through.
func (c *Client) SetMetrics(m *telemetry.Metrics) { c.dialer.SetMetrics(m) }

// HeartbeatCount reports how many heartbeats this client has completed
// across its lifetime, including across reconnects.
func (c *Client) HeartbeatCount() int64 { return c.dialer.HeartbeatCount() }

// Close is idempotent: it stops the reconnect supervisor and fails any
// outstanding invokes.
func (c *Client) Close() error { return c.dialer.Close() }

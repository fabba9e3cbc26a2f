package rpc

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenzoki/holon-rpc/internal/telemetry"
)

// DialConfig configures a Dialer's reconnect and heartbeat behavior
// (spec §4.5). Dial replaces zero-valued durations and a zero
// ReconnectFactor with the values DefaultDialConfig uses; a zero
// ReconnectJitter means no jitter.
type DialConfig struct {
	URL string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectFactor   float64
	ReconnectJitter   float64

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultDialConfig returns a DialConfig with the defaults named in
// spec §4.5, dialing url.
func DefaultDialConfig(rawURL string) DialConfig {
	return DialConfig{
		URL:               rawURL,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		ReconnectMinDelay: 200 * time.Millisecond,
		ReconnectMaxDelay: 30 * time.Second,
		ReconnectFactor:   2.0,
		ReconnectJitter:   0.1,
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// Dialer owns a single logical connection to a Holon-RPC broker, dealing
// with the actual socket disappearing and reappearing underneath it. It
// wraps one live *Endpoint at a time and transparently swaps it on
// reconnect (spec §4.5, "Client Reconnector").
type Dialer struct {
	cfg DialConfig

	mu       sync.Mutex
	endpoint *Endpoint
	attempt  int
	closed   bool

	readyMu sync.Mutex
	ready   chan struct{} // closed when an endpoint becomes live

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	heartbeats atomic.Int64

	metricsMu sync.RWMutex
	metrics   *telemetry.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// SetMetrics installs the OpenTelemetry instrument set heartbeat
// successes are reported through. Safe to call at any time; a nil
// metrics (the default) disables reporting.
func (d *Dialer) SetMetrics(m *telemetry.Metrics) {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	d.metrics = m
}

func (d *Dialer) metricsSnapshot() *telemetry.Metrics {
	d.metricsMu.RLock()
	defer d.metricsMu.RUnlock()
	return d.metrics
}

// Dial starts the connect/reconnect supervisor in the background and
// returns immediately; use Invoke (which awaits readiness up to
// ConnectTimeout) to make calls.
func Dial(cfg DialConfig) *Dialer {
	if cfg.ReconnectFactor == 0 {
		cfg.ReconnectFactor = 2.0
	}
	if cfg.ReconnectMinDelay == 0 {
		cfg.ReconnectMinDelay = 200 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dialer{
		cfg:      cfg,
		ready:    make(chan struct{}),
		handlers: make(map[string]HandlerFunc),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go d.supervise(ctx)
	return d
}

// RegisterHandler installs a handler that will be applied to every
// Endpoint this Dialer creates, including ones created by future
// reconnects.
func (d *Dialer) RegisterHandler(method string, h HandlerFunc) {
	d.handlersMu.Lock()
	d.handlers[method] = h
	d.handlersMu.Unlock()

	d.mu.Lock()
	ep := d.endpoint
	d.mu.Unlock()
	if ep != nil {
		ep.RegisterHandler(method, h)
	}
}

func (d *Dialer) supervise(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ep, err := d.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("holon-rpc: connect failed: %v", err)
			if !d.backoff(ctx) {
				return
			}
			continue
		}

		d.mu.Lock()
		d.attempt = 0
		d.endpoint = ep
		d.mu.Unlock()
		d.markReady()

		heartbeatDone := make(chan struct{})
		go d.heartbeatLoop(ep, heartbeatDone)

		serveErr := ep.Serve(ctx)
		close(heartbeatDone)
		d.mu.Lock()
		d.endpoint = nil
		d.mu.Unlock()
		d.markNotReady()

		if ctx.Err() != nil {
			return
		}
		log.Printf("holon-rpc: connection lost: %v", serveErr)
		if !d.backoff(ctx) {
			return
		}
	}
}

func (d *Dialer) connect(ctx context.Context) (*Endpoint, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("holon-rpc: invalid url: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, resp, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Sec-WebSocket-Protocol") != Subprotocol {
		_ = conn.Close()
		return nil, fmt.Errorf("holon-rpc: broker did not negotiate subprotocol %q", Subprotocol)
	}

	ep := NewEndpoint(NewCodec(conn), RolePeer)
	d.handlersMu.RLock()
	for method, h := range d.handlers {
		ep.RegisterHandler(method, h)
	}
	d.handlersMu.RUnlock()

	return ep, nil
}

// backoff sleeps for the next reconnect delay and reports whether the
// Dialer should keep trying (false means ctx was cancelled mid-sleep).
func (d *Dialer) backoff(ctx context.Context) bool {
	d.mu.Lock()
	attempt := d.attempt
	d.attempt++
	d.mu.Unlock()

	delay := time.Duration(float64(d.cfg.ReconnectMinDelay) * pow(d.cfg.ReconnectFactor, attempt))
	if delay > d.cfg.ReconnectMaxDelay {
		delay = d.cfg.ReconnectMaxDelay
	}
	jitter := time.Duration(rand.Float64() * float64(d.cfg.ReconnectMinDelay) * d.cfg.ReconnectJitter)
	delay += jitter

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (d *Dialer) heartbeatLoop(ep *Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HeartbeatTimeout)
			_, err := ep.Invoke(ctx, HeartbeatMethod, map[string]interface{}{}, d.cfg.HeartbeatTimeout)
			cancel()
			if err != nil {
				log.Printf("holon-rpc: heartbeat failed, closing connection: %v", err)
				_ = ep.CloseGoingAway()
				return
			}
			d.heartbeats.Add(1)
			if m := d.metricsSnapshot(); m != nil {
				m.HeartbeatsTotal.Add(context.Background(), 1)
			}
		}
	}
}

func (d *Dialer) markReady() {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()
	select {
	case <-d.ready:
		// already closed/ready; leave as is
	default:
		close(d.ready)
	}
}

func (d *Dialer) markNotReady() {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()
	select {
	case <-d.ready:
		d.ready = make(chan struct{})
	default:
	}
}

// awaitReady blocks until a live endpoint exists or ctx/ConnectTimeout
// expires.
func (d *Dialer) awaitReady(ctx context.Context) (*Endpoint, error) {
	timeout := d.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		d.mu.Lock()
		ep := d.endpoint
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil, &Error{Code: CodeUnavailable, Message: "holon-rpc connection closed"}
		}
		if ep != nil {
			return ep, nil
		}

		d.readyMu.Lock()
		readyCh := d.ready
		d.readyMu.Unlock()

		select {
		case <-readyCh:
		case <-deadline.Done():
			return nil, &Error{Code: CodeDeadlineExceeded, Message: "deadline exceeded waiting to connect"}
		}
	}
}

// Invoke awaits a live connection (bounded by ConnectTimeout) and then
// calls the underlying Endpoint's Invoke with RequestTimeout (or the
// explicit timeout if non-zero).
func (d *Dialer) Invoke(ctx context.Context, method string, params interface{}, timeout time.Duration) ([]byte, error) {
	ep, err := d.awaitReady(ctx)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = d.cfg.RequestTimeout
	}
	return ep.Invoke(ctx, method, params, timeout)
}

// HeartbeatCount returns the number of heartbeats this Dialer has
// successfully completed across its lifetime, including before and after
// reconnects.
func (d *Dialer) HeartbeatCount() int64 { return d.heartbeats.Load() }

// Close is idempotent. It stops the supervisor, closes the live
// endpoint (failing its pending requests), and prevents further
// reconnects.
func (d *Dialer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ep := d.endpoint
	d.mu.Unlock()

	d.cancel()
	if ep != nil {
		_ = ep.Close()
	}
	<-d.done
	return nil
}

// Package broker implements the central Holon-RPC broker: it accepts
// peer WebSocket connections, maintains the peer/holon registry, and
// dispatches requests per the routing rules in the Holon-RPC spec
// (built-in methods, directed dispatch by holon name, fan-out, and
// broadcast-response/full-broadcast side notifications).
//
// The broker serves as the central communication hub that connects all
// peers, enabling one peer to invoke methods registered by another
// without either side holding a direct connection to the other.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenzoki/holon-rpc/internal/registry"
	"github.com/tenzoki/holon-rpc/internal/rpc"
	"github.com/tenzoki/holon-rpc/internal/telemetry"
)

// Dispatcher is the central broker service that accepts peer connections
// and routes requests between them.
type Dispatcher struct {
	addr  string // HTTP listen address, e.g. ":8080"
	path  string // WebSocket upgrade path
	debug bool

	httpSrv  *http.Server
	listener net.Listener
	addrMu   sync.Mutex
	addrCh   chan struct{}

	registry *registry.Registry

	peersMu sync.RWMutex
	peers   map[string]*rpc.Endpoint

	nextPeerID atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[string]rpc.HandlerFunc

	arrivalMu     sync.Mutex
	arrivalQueue  []string
	arrivalSignal chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	metricsMu sync.RWMutex
	metrics   *telemetry.Metrics
}

// NewDispatcher constructs a Dispatcher listening on addr and serving
// WebSocket upgrades at path.
func NewDispatcher(addr, path string, debug bool) *Dispatcher {
	if path == "" {
		path = rpc.DefaultPath
	}
	return &Dispatcher{
		addr:          addr,
		path:          path,
		debug:         debug,
		addrCh:        make(chan struct{}),
		registry:      registry.New(),
		peers:         make(map[string]*rpc.Endpoint),
		handlers:      make(map[string]rpc.HandlerFunc),
		arrivalSignal: make(chan struct{}),
		closed:        make(chan struct{}),
	}
}

// errBrokerClosed is returned by WaitForPeer once the broker has shut
// down, so a waiter with no deadline of its own does not block forever.
var errBrokerClosed = errors.New("holon-broker: broker closed")

// SetMetrics installs the OpenTelemetry instrument set the dispatcher
// reports request/fan-out/connected-peer counts through. Safe to call
// at any time; a nil metrics (the default) disables reporting.
func (d *Dispatcher) SetMetrics(m *telemetry.Metrics) {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	d.metrics = m
}

func (d *Dispatcher) metricsSnapshot() *telemetry.Metrics {
	d.metricsMu.RLock()
	defer d.metricsMu.RUnlock()
	return d.metrics
}

// RegisterHandler installs a broker-local handler, reachable by peers
// that call it directly by method name (spec §4.4 step 9, the fallback
// after built-ins and routing fail to claim the request).
func (d *Dispatcher) RegisterHandler(method string, h rpc.HandlerFunc) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[method] = h
}

// Serve starts the HTTP listener and blocks until ctx is cancelled, at
// which point it performs a graceful shutdown: the listener stops
// accepting new connections and every live peer connection is closed,
// which fails their pending requests (spec §4.4, "Disconnect handling").
func (d *Dispatcher) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(d.path, d.upgradeHandler)
	d.httpSrv = &http.Server{Addr: d.addr, Handler: mux}

	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("holon-broker: listen: %w", err)
	}
	d.addrMu.Lock()
	d.listener = ln
	close(d.addrCh)
	d.addrMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if d.debug {
			log.Printf("holon-broker: listening on %s%s", ln.Addr().String(), d.path)
		}
		if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("holon-broker: serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		d.closeOnce.Do(func() { close(d.closed) })
		return err
	case <-ctx.Done():
	}

	if d.debug {
		log.Printf("holon-broker: shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.httpSrv.Shutdown(shutdownCtx)

	d.closeAllPeers()
	d.closeOnce.Do(func() { close(d.closed) })
	<-errCh
	return nil
}

// Addr blocks until Serve has bound its listener and returns the actual
// address it is listening on, useful when addr was ":0".
func (d *Dispatcher) Addr(ctx context.Context) (string, error) {
	select {
	case <-d.addrCh:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	d.addrMu.Lock()
	ln := d.listener
	d.addrMu.Unlock()
	return ln.Addr().String(), nil
}

func (d *Dispatcher) closeAllPeers() {
	d.peersMu.Lock()
	peers := make([]*rpc.Endpoint, 0, len(d.peers))
	for _, ep := range d.peers {
		peers = append(peers, ep)
	}
	d.peersMu.Unlock()

	for _, ep := range peers {
		_ = ep.Close()
	}
}

func (d *Dispatcher) nextPeerIDString() string {
	n := d.nextPeerID.Add(1)
	return "c" + strconv.FormatUint(n, 10)
}

func (d *Dispatcher) addPeer(id string, ep *rpc.Endpoint) {
	d.peersMu.Lock()
	d.peers[id] = ep
	d.peersMu.Unlock()

	d.arrivalMu.Lock()
	d.arrivalQueue = append(d.arrivalQueue, id)
	close(d.arrivalSignal)
	d.arrivalSignal = make(chan struct{})
	d.arrivalMu.Unlock()

	if m := d.metricsSnapshot(); m != nil {
		m.ConnectedPeers.Add(context.Background(), 1)
	}
}

func (d *Dispatcher) peerByID(id string) (*rpc.Endpoint, bool) {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	ep, ok := d.peers[id]
	return ep, ok
}

// connectedPeersExcept returns every currently connected peer id other
// than exclude, in no particular order.
func (d *Dispatcher) connectedPeersExcept(exclude string) []string {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	ids := make([]string, 0, len(d.peers))
	for id := range d.peers {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *Dispatcher) handleDisconnect(peerID string) {
	d.peersMu.Lock()
	delete(d.peers, peerID)
	d.peersMu.Unlock()

	d.registry.Deregister(peerID, "")

	if m := d.metricsSnapshot(); m != nil {
		m.ConnectedPeers.Add(context.Background(), -1)
	}
}

// WaitForPeer blocks until a peer connects and returns its id, in FIFO
// arrival order, until ctx is cancelled, or until the broker itself shuts
// down. Used by callers embedding the broker that need to wait for a
// specific counterpart to show up before invoking it directly. A
// deadline is expressed by passing a context with a timeout; there is no
// separate timeout parameter.
func (d *Dispatcher) WaitForPeer(ctx context.Context) (string, error) {
	for {
		d.arrivalMu.Lock()
		if len(d.arrivalQueue) > 0 {
			id := d.arrivalQueue[0]
			d.arrivalQueue = d.arrivalQueue[1:]
			d.arrivalMu.Unlock()
			return id, nil
		}
		signal := d.arrivalSignal
		d.arrivalMu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-d.closed:
			return "", errBrokerClosed
		}
	}
}

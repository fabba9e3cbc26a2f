package broker

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tenzoki/holon-rpc/internal/rpc"
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{rpc.Subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// upgradeHandler accepts an HTTP GET on the broker's configured path and
// upgrades it to a WebSocket connection, but only if the client offered
// the "holon-rpc" subprotocol (spec §4.4). Any other request is refused
// before the handshake completes.
func (d *Dispatcher) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	if !offersSubprotocol(r, rpc.Subprotocol) {
		http.Error(w, "holon-rpc subprotocol required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if d.debug {
			log.Printf("holon-broker: upgrade failed: %v", err)
		}
		return
	}

	d.acceptConn(conn)
}

func offersSubprotocol(r *http.Request, name string) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == name {
			return true
		}
	}
	return false
}

// acceptConn wires a freshly upgraded connection into a broker-role
// Endpoint and runs its read loop until the connection closes.
func (d *Dispatcher) acceptConn(conn *websocket.Conn) {
	peerID := d.nextPeerIDString()
	ep := rpc.NewEndpoint(rpc.NewCodec(conn), rpc.RoleBroker)
	ep.SetDispatch(d.dispatchForPeer(peerID))

	d.addPeer(peerID, ep)
	if d.debug {
		log.Printf("holon-broker: peer %s connected (session %s)", peerID, ep.SessionID())
	}

	err := ep.Serve(context.Background())
	d.handleDisconnect(peerID)
	if d.debug {
		log.Printf("holon-broker: peer %s disconnected (session %s): %v", peerID, ep.SessionID(), err)
	}
}

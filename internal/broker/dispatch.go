package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tenzoki/holon-rpc/internal/registry"
	"github.com/tenzoki/holon-rpc/internal/rpc"
)

// defaultRequestTimeout bounds every invoke the broker forwards to a peer,
// so a broken peer can't hang a forwarding call forever. A deadline on the
// caller's context applies as well; whichever comes first ends the call.
const defaultRequestTimeout = 30 * time.Second

// routeHints holds the parsed _peer/_routing/fan-out hints for one
// inbound request (spec §4.4 step 6). Hint keys are removed from params
// before params reaches any handler or forwarded peer.
type routeHints struct {
	peerHint    string
	hasPeerHint bool
	routing     string // "", "broadcast-response", "full-broadcast"
	fanOut      bool
}

// dispatchForPeer returns the rpc.Dispatch installed on callerID's
// Endpoint: it implements the broker's full request handling order
// (spec §4.4 steps 3-9; steps 1-2 are handled by rpc.Codec/rpc.Endpoint
// before dispatch is ever called).
func (d *Dispatcher) dispatchForPeer(callerID string) rpc.Dispatch {
	return func(ctx context.Context, method string, rawParams json.RawMessage) (interface{}, error) {
		metrics := d.metricsSnapshot()
		start := time.Now()
		if metrics != nil {
			metrics.RequestsTotal.Add(ctx, 1)
			defer func() {
				metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
			}()
		}

		params, derr := decodeParamsObject(rawParams)
		if derr != nil {
			return nil, derr
		}

		switch method {
		case rpc.RegisterMethod:
			return d.handleRegister(callerID, params)
		case rpc.UnregisterMethod:
			d.registry.Deregister(callerID, "")
			return map[string]interface{}{}, nil
		}

		hints, strippedMethod, herr := parseHints(method, params)
		if herr != nil {
			return nil, herr
		}

		if hints.fanOut {
			if metrics != nil {
				metrics.FanOutTotal.Add(ctx, 1)
			}
			return d.fanOutDispatch(ctx, callerID, strippedMethod, params, hints)
		}

		result, handled, ferr := d.directed(ctx, callerID, strippedMethod, params, hints)
		if handled {
			if ferr == nil && metrics != nil {
				metrics.ForwardedTotal.Add(ctx, 1)
			}
			return result, ferr
		}

		return d.localDispatch(ctx, strippedMethod, params)
	}
}

// decodeParamsObject enforces spec §4.4 step 3: params must be absent,
// null, or a JSON object.
func decodeParamsObject(raw json.RawMessage) (map[string]interface{}, *rpc.Error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "params must be a JSON object"}
	}
	return m, nil
}

// parseHints extracts and strips _routing/_peer from params and the *.
// fan-out prefix from method (spec §4.4 step 6, §6 "Routing sigils").
func parseHints(method string, params map[string]interface{}) (routeHints, string, *rpc.Error) {
	var h routeHints

	if v, ok := params["_routing"]; ok {
		s, ok := v.(string)
		if !ok || (s != "" && s != "broadcast-response" && s != "full-broadcast") {
			return h, method, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid _routing value"}
		}
		h.routing = s
		delete(params, "_routing")
	}

	if v, ok := params["_peer"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return h, method, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "_peer must be a non-empty string"}
		}
		h.peerHint = s
		h.hasPeerHint = true
		delete(params, "_peer")
	}

	strippedMethod := method
	if strings.HasPrefix(method, "*.") {
		strippedMethod = method[2:]
		h.fanOut = true
	}

	if h.routing == "full-broadcast" && !h.fanOut {
		return h, strippedMethod, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "full-broadcast requires a \"*.\" method"}
	}

	return h, strippedMethod, nil
}

func (d *Dispatcher) handleRegister(peerID string, params map[string]interface{}) (interface{}, error) {
	raw, _ := params["name"].(string)
	name := strings.TrimSpace(raw)
	if name == "" {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "register requires a non-empty name"}
	}
	d.registry.Register(peerID, name)
	return map[string]string{"peer": peerID, "name": name}, nil
}

// fanOutEntry is one element of a fan-out result array or broadcast
// notification payload (spec §4.4 step 7).
type fanOutEntry struct {
	Peer   string          `json:"peer"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpc.Error      `json:"error,omitempty"`
}

func (d *Dispatcher) fanOutDispatch(ctx context.Context, callerID, method string, params map[string]interface{}, hints routeHints) (interface{}, error) {
	targets := d.connectedPeersExcept(callerID)
	if len(targets) == 0 {
		return nil, &rpc.Error{Code: rpc.CodeNotFound, Message: "no connected peers"}
	}

	entries := make([]fanOutEntry, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			entries[i] = d.invokePeer(ctx, target, method, params)
		}(i, target)
	}
	wg.Wait()

	if hints.routing == "full-broadcast" {
		d.broadcastFanOut(callerID, method, entries)
	}

	return entries, nil
}

func (d *Dispatcher) invokePeer(ctx context.Context, target, method string, params map[string]interface{}) fanOutEntry {
	ep, ok := d.peerByID(target)
	if !ok {
		return fanOutEntry{Peer: target, Error: &rpc.Error{Code: rpc.CodeNotFound, Message: fmt.Sprintf("peer %q not found", target)}}
	}
	result, err := ep.Invoke(ctx, method, params, defaultRequestTimeout)
	if err != nil {
		var rerr *rpc.Error
		if errors.As(err, &rerr) {
			return fanOutEntry{Peer: target, Error: rerr}
		}
		return fanOutEntry{Peer: target, Error: &rpc.Error{Code: rpc.CodeInternalError, Message: "forwarding failed"}}
	}
	return fanOutEntry{Peer: target, Result: result}
}

// broadcastFanOut implements full-broadcast: after the fan-out result is
// gathered, every entry is replayed as a notification to every peer
// except the caller and that entry's own source peer (spec §4.4 step 7).
func (d *Dispatcher) broadcastFanOut(callerID, method string, entries []fanOutEntry) {
	recipients := d.connectedPeersExcept(callerID)
	for _, entry := range entries {
		payload := map[string]interface{}{"peer": entry.Peer}
		if entry.Error != nil {
			payload["error"] = entry.Error
		} else {
			payload["result"] = entry.Result
		}
		for _, r := range recipients {
			if r == entry.Peer {
				continue
			}
			d.notify(r, method, payload)
		}
	}
}

// directed resolves and invokes a single target peer (spec §4.4 step 8).
// handled=false means no route applied and the caller should fall
// through to the local handler table (step 9).
func (d *Dispatcher) directed(ctx context.Context, callerID, method string, params map[string]interface{}, hints routeHints) (result interface{}, handled bool, err error) {
	var target string
	forwardMethod := method

	if hints.hasPeerHint {
		target = hints.peerHint
	} else {
		holonName, rest, ok := registry.ParseDispatchRoute(method)
		if !ok {
			return nil, false, nil
		}
		if !d.registry.Known(holonName) {
			return nil, true, &rpc.Error{Code: rpc.CodeNotFound, Message: fmt.Sprintf("holon %q not found", holonName)}
		}
		resolved, ok := d.registry.Resolve(holonName, callerID)
		if !ok {
			return nil, true, &rpc.Error{Code: rpc.CodeNotFound, Message: fmt.Sprintf("peer for holon %q not found", holonName)}
		}
		target = resolved
		forwardMethod = rest
	}

	entry := d.invokePeer(ctx, target, forwardMethod, params)
	if entry.Error != nil {
		return nil, true, entry.Error
	}

	if hints.routing == "broadcast-response" {
		d.broadcastDirected(callerID, target, forwardMethod, entry.Result)
	}

	return entry.Result, true, nil
}

// broadcastDirected implements broadcast-response: after the caller's
// direct reply, every other connected peer (except the target itself)
// receives a notification describing the call's outcome.
func (d *Dispatcher) broadcastDirected(callerID, target, method string, result json.RawMessage) {
	payload := map[string]interface{}{"peer": target, "result": result}
	for _, r := range d.connectedPeersExcept(callerID) {
		if r == target {
			continue
		}
		d.notify(r, method, payload)
	}
}

func (d *Dispatcher) notify(peerID, method string, params interface{}) {
	ep, ok := d.peerByID(peerID)
	if !ok {
		return
	}
	if err := ep.Notify(method, params); err != nil && d.debug {
		log.Printf("holon-broker: notify %s failed: %v", peerID, err)
	}
}

func (d *Dispatcher) localDispatch(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	d.handlersMu.RLock()
	h, ok := d.handlers[method]
	d.handlersMu.RUnlock()
	if !ok {
		return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: "failed to encode params"}
	}
	return h(ctx, raw)
}

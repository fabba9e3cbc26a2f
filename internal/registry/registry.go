// Package registry tracks the bidirectional mapping between connected
// peer ids and the holon names they have registered under (spec §4.3),
// and parses the dotted "<holonName>.<method>" route convention used by
// directed dispatch.
package registry

import (
	"strings"
	"sync"
)

// Registry holds the broker's live peerID <-> holonName bookkeeping. All
// methods are safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// names maps a holon name to the ordered list of peer ids currently
	// registered under it. Order is registration order: the first
	// registrant is preferred on collision (spec §9, "no load balancing").
	names map[string][]string

	// holonOf is the inverse: the single name peerID is currently
	// registered under, so Deregister and re-Register can find and evict
	// it without a linear scan. A peerID absent from this map has no
	// name.
	holonOf map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		names:   make(map[string][]string),
		holonOf: make(map[string]string),
	}
}

// Register associates peerID with holonName, replacing any name peerID
// was previously registered under (spec §3, §4.3: at most one name per
// peer). A name may still have more than one peer registered under it,
// resolved by first-registered priority. Register is a no-op if peerID
// is already registered under holonName.
func (r *Registry) Register(peerID, holonName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.holonOf[peerID]; ok {
		if current == holonName {
			return
		}
		r.removeFromName(peerID, current)
	}
	r.holonOf[peerID] = holonName
	r.names[holonName] = append(r.names[holonName], peerID)
}

// Deregister removes peerID from holonName. If holonName is empty, or
// matches peerID's current name, peerID's registration is cleared
// entirely (used when a peer disconnects, or deregisters explicitly).
func (r *Registry) Deregister(peerID, holonName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.holonOf[peerID]
	if !ok {
		return
	}
	if holonName != "" && holonName != current {
		return
	}
	r.removeFromName(peerID, current)
	delete(r.holonOf, peerID)
}

func (r *Registry) removeFromName(peerID, holonName string) {
	ids := r.names[holonName]
	for i, id := range ids {
		if id == peerID {
			r.names[holonName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.names[holonName]) == 0 {
		delete(r.names, holonName)
	}
}

// Resolve returns the first peer id registered to holonName whose id is
// not excludePeerID (spec §4.3, "first-available-excluding-caller"), and
// whether any such peer exists.
func (r *Registry) Resolve(holonName, excludePeerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.names[holonName] {
		if id != excludePeerID {
			return id, true
		}
	}
	return "", false
}

// Known reports whether any peer is currently registered under holonName,
// regardless of caller exclusion. Used to distinguish "holon not found"
// from "holon found but no eligible peer" (spec §4.4 step 8).
func (r *Registry) Known(holonName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.names[holonName]
	return ok && len(ids) > 0
}

// NamesOf returns the holon name peerID is currently registered under, or
// an empty slice if it has none. At most one name is ever returned (spec
// §3: at most one name per peer).
func (r *Registry) NamesOf(peerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.holonOf[peerID]
	if !ok {
		return nil
	}
	return []string{name}
}

// ParseDispatchRoute splits a dotted "<holonName>.<method>" method string
// into its two parts, per spec §4.4. It returns ok=false if method
// contains no '.', in which case dispatch falls through to the broker's
// own local handler table.
func ParseDispatchRoute(method string) (holonName, rest string, ok bool) {
	idx := strings.Index(method, ".")
	if idx <= 0 || idx == len(method)-1 {
		return "", "", false
	}
	return method[:idx], method[idx+1:], true
}

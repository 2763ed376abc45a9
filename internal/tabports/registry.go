// Package tabports is the Tab Port Registry: C9 of the tree-sync core. It
// maintains the bijection between local "tab" consumers (in this
// realization, any process or goroutine holding a registered port) and the
// namespace each has attached to, and tells the shared coordinator when the
// last port of a namespace has detached. Grounded on the session
// bookkeeping style of internal/rpc/server.go (a registry of live
// connections keyed by an opaque id, protected by one mutex, torn down on
// disconnect).
package tabports

import (
	"sync"

	"github.com/treesync/core/internal/types"
)

// OutboundType enumerates coordinator→tab message kinds (§4.6.4).
type OutboundType string

const (
	OutConnected       OutboundType = "connected"
	OutDisconnected    OutboundType = "disconnected"
	OutConnecting      OutboundType = "connecting"
	OutReconnecting    OutboundType = "reconnecting"
	OutEvent           OutboundType = "event"
	OutConnectionCount OutboundType = "connection-count"
	OutDataChanged     OutboundType = "dataChanged"
	OutPendingCount    OutboundType = "pendingCount"
	OutSyncStatus      OutboundType = "syncStatus"
	OutError           OutboundType = "error"
	OutAck             OutboundType = "ack"

	// OutConnectivityChanged carries the Reachability Monitor's online/offline
	// flips (§4.8: "emit connectivityChanged{isOnline} to all ports"). Unlike
	// every other outbound type it is process-wide, not namespace-scoped —
	// sent via BroadcastAll rather than Broadcast.
	OutConnectivityChanged OutboundType = "connectivityChanged"
)

// OutboundMessage is one frame sent from the coordinator to a tab port.
// RequestID echoes the inbound message's requestId when this frame is a
// direct response to one (§6.3: "every request type carrying a requestId
// must be answered with a response message carrying the same requestId");
// it is empty for unprompted broadcasts like connected/reconnecting.
type OutboundMessage struct {
	Type      OutboundType    `json:"type"`
	Namespace types.Namespace `json:"namespace,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      any             `json:"data,omitempty"`
}

const sinkBuffer = 64

type port struct {
	id   string
	ns   *types.Namespace
	sink chan OutboundMessage
}

// Registry owns every registered port and the namespace each is currently
// attached to.
type Registry struct {
	mu    sync.Mutex
	ports map[string]*port
	byNS  map[types.Namespace]map[string]struct{}
}

// NewRegistry constructs an empty port registry.
func NewRegistry() *Registry {
	return &Registry{
		ports: map[string]*port{},
		byNS:  map[types.Namespace]map[string]struct{}{},
	}
}

// Register creates a new port with the given id (generated by the caller)
// and returns its outbound message sink. The port starts unattached to any
// namespace.
func (r *Registry) Register(portID string) <-chan OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &port{id: portID, sink: make(chan OutboundMessage, sinkBuffer)}
	r.ports[portID] = p
	return p.sink
}

// Connect attaches portID to ns. isFirstPort reports whether ns had no
// other attached ports before this call, signaling the coordinator to open
// an upstream SSE connection for ns.
func (r *Registry) Connect(portID string, ns types.Namespace) (isFirstPort bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.ports[portID]
	if !exists {
		return false, false
	}
	if p.ns != nil && *p.ns != ns {
		r.detachLocked(portID, *p.ns)
	}
	nsCopy := ns
	p.ns = &nsCopy

	if r.byNS[ns] == nil {
		r.byNS[ns] = map[string]struct{}{}
	}
	isFirstPort = len(r.byNS[ns]) == 0
	r.byNS[ns][portID] = struct{}{}
	return isFirstPort, true
}

// Disconnect detaches portID from its current namespace (without removing
// the port itself). wasLastPort reports whether ns now has zero attached
// ports, signaling the coordinator to close ns's upstream SSE.
func (r *Registry) Disconnect(portID string) (ns types.Namespace, wasLastPort bool, hadNamespace bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.ports[portID]
	if !exists || p.ns == nil {
		return "", false, false
	}
	ns = *p.ns
	wasLastPort = r.detachLocked(portID, ns)
	p.ns = nil
	return ns, wasLastPort, true
}

// Remove fully tears down portID (transport failure or explicit close),
// detaching it from any namespace and closing its sink.
func (r *Registry) Remove(portID string) (ns types.Namespace, wasLastPort bool, hadNamespace bool) {
	r.mu.Lock()
	p, exists := r.ports[portID]
	if !exists {
		r.mu.Unlock()
		return "", false, false
	}
	if p.ns != nil {
		ns = *p.ns
		wasLastPort = r.detachLocked(portID, ns)
		hadNamespace = true
	}
	delete(r.ports, portID)
	r.mu.Unlock()

	close(p.sink)
	return ns, wasLastPort, hadNamespace
}

// detachLocked removes portID from ns's member set. Caller holds r.mu.
func (r *Registry) detachLocked(portID string, ns types.Namespace) (wasLastPort bool) {
	members := r.byNS[ns]
	if members == nil {
		return false
	}
	delete(members, portID)
	if len(members) == 0 {
		delete(r.byNS, ns)
		return true
	}
	return false
}

// Broadcast fans msg out to every port currently attached to ns. Slow or
// full sinks are skipped rather than blocking the broadcaster — a tab that
// never drains its sink falls behind, it doesn't stall other tabs.
func (r *Registry) Broadcast(ns types.Namespace, msg OutboundMessage) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byNS[ns]))
	for id := range r.byNS[ns] {
		ids = append(ids, id)
	}
	ports := make([]*port, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.ports[id]; ok {
			ports = append(ports, p)
		}
	}
	r.mu.Unlock()

	for _, p := range ports {
		trySend(p, msg)
	}
}

// BroadcastAll fans msg out to every registered port regardless of which
// namespace it is attached to, for process-wide signals like
// connectivityChanged that aren't scoped to one namespace.
func (r *Registry) BroadcastAll(msg OutboundMessage) {
	r.mu.Lock()
	ports := make([]*port, 0, len(r.ports))
	for _, p := range r.ports {
		ports = append(ports, p)
	}
	r.mu.Unlock()

	for _, p := range ports {
		trySend(p, msg)
	}
}

// Send delivers msg to exactly one port (used for ack{operationId}, which
// is addressed to the port that enqueued the operation, not broadcast).
func (r *Registry) Send(portID string, msg OutboundMessage) {
	r.mu.Lock()
	p, ok := r.ports[portID]
	r.mu.Unlock()
	if !ok {
		return
	}
	trySend(p, msg)
}

// trySend delivers msg to p's sink without blocking. p is a snapshot taken
// under r.mu, so Remove can close p.sink concurrently from outside the
// lock once the port has been torn down; recover guards that race instead
// of relying on a second lock acquisition here, which would just move the
// same race to the close side.
func trySend(p *port, msg OutboundMessage) {
	defer func() {
		recover()
	}()
	select {
	case p.sink <- msg:
	default:
	}
}

// PortCount returns the number of ports currently attached to ns.
func (r *Registry) PortCount(ns types.Namespace) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byNS[ns])
}

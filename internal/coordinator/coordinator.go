// Package coordinator is the Shared Coordinator: C6 of the tree-sync
// core. Per the design note against a browser shared-worker analogue, it
// is realized here as a process-wide singleton owning one upstream SSE
// connection per namespace, demultiplexed to every local "tab" (any
// consumer holding a registered tabports.Registry port) — the contract of
// §4.6 is unchanged, only the transport binding the tabs to the
// coordinator differs (an in-process channel per port rather than a
// browser MessagePort). The SSE client loop is adapted from the donor's
// internal/rpc/http_client_sse.go ConnectSSE.
package coordinator

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/treesync/core/internal/tabports"
	"github.com/treesync/core/internal/types"
)

// Options configures a Coordinator.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Backoff    BackoffConfig
	Logger     *slog.Logger
	Ports      *tabports.Registry
}

// Coordinator is the process-wide singleton described in §4.6: it owns
// every tab port (via Ports) and one ConnectionManager per namespace with
// at least one attached port.
type Coordinator struct {
	opts Options

	mu         sync.Mutex
	managers   map[types.Namespace]*connectionManager
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New constructs a Coordinator. Zero-value Options fields fall back to
// http.DefaultClient, DefaultBackoffConfig, slog.Default, and a fresh
// tabports.Registry.
func New(opts Options) *Coordinator {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoffConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ports == nil {
		opts.Ports = tabports.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:       opts,
		managers:   map[types.Namespace]*connectionManager{},
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// RegisterPort creates a new tab port and returns its outbound message
// sink, per §4.6.4's port protocol.
func (c *Coordinator) RegisterPort(portID string) <-chan tabports.OutboundMessage {
	return c.opts.Ports.Register(portID)
}

// Connect handles the inbound connect{namespace} message: attaches portID
// to ns, opening ns's upstream SSE if this is the first port for it.
func (c *Coordinator) Connect(portID string, ns types.Namespace) {
	isFirst, ok := c.opts.Ports.Connect(portID, ns)
	if !ok {
		return
	}
	if isFirst {
		c.ensureManager(ns).start(c.rootCtx)
	}
}

// Disconnect handles the inbound disconnect{namespace} message: detaches
// portID from its namespace, closing the upstream SSE if it was the last
// port attached.
func (c *Coordinator) Disconnect(portID string) {
	ns, wasLast, hadNS := c.opts.Ports.Disconnect(portID)
	if !hadNS {
		return
	}
	if wasLast {
		c.stopManager(ns)
	}
}

// RemovePort fully tears down portID (transport failure or explicit
// close), closing its upstream SSE if it was the last port of its
// namespace.
func (c *Coordinator) RemovePort(portID string) {
	ns, wasLast, hadNS := c.opts.Ports.Remove(portID)
	if hadNS && wasLast {
		c.stopManager(ns)
	}
}

// State reports ns's ConnectionManager state, or Closed if ns has no
// manager (never connected, or already torn down).
func (c *Coordinator) State(ns types.Namespace) State {
	c.mu.Lock()
	cm, ok := c.managers[ns]
	c.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return cm.getState()
}

// ConnectionCount reports how many local ports are currently attached to
// ns. The connection-count{count} broadcasts do not use it; they carry the
// server's connectionCount from the upstream connection frame.
func (c *Coordinator) ConnectionCount(ns types.Namespace) int {
	return c.opts.Ports.PortCount(ns)
}

func (c *Coordinator) ensureManager(ns types.Namespace) *connectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cm, ok := c.managers[ns]; ok {
		return cm
	}
	cm := newConnectionManager(ns, c)
	c.managers[ns] = cm
	return cm
}

func (c *Coordinator) stopManager(ns types.Namespace) {
	c.mu.Lock()
	cm, ok := c.managers[ns]
	if ok {
		delete(c.managers, ns)
	}
	c.mu.Unlock()
	if ok {
		cm.stop()
	}
}

func (c *Coordinator) broadcast(ns types.Namespace, msg tabports.OutboundMessage) {
	c.opts.Ports.Broadcast(ns, msg)
}

// Close tears down every namespace's upstream connection. Intended for
// process shutdown.
func (c *Coordinator) Close() {
	c.rootCancel()
}

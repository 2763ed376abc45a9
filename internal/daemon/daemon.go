// Package daemon composes the Shared Coordinator (C6), Sync Engine (C7),
// Reachability Monitor (C8), and Tab Port Registry (C9) behind a single
// per-process listener speaking the §6.3 tab port protocol: newline-
// delimited JSON frames over a Unix domain socket, one connection per tab.
// Grounded on the donor's internal/rpc/server.go connection-registry shape
// (opaque-id-keyed sessions torn down on disconnect) and http_server.go's
// listener lifecycle, adapted from an RPC request/response loop to the
// coordinator's broadcast-plus-request/response port protocol.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treesync/core/internal/coordinator"
	"github.com/treesync/core/internal/oplog"
	"github.com/treesync/core/internal/reachability"
	"github.com/treesync/core/internal/replica"
	"github.com/treesync/core/internal/syncengine"
	"github.com/treesync/core/internal/tabports"
	"github.com/treesync/core/internal/types"
)

// inboundMessage is the wire shape of every tab -> coordinator frame
// (§4.6.4). Fields not relevant to Type are left zero.
type inboundMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Namespace types.Namespace `json:"namespace,omitempty"`
	Op        *types.Op       `json:"op,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
}

const (
	inConnect          = "connect"
	inDisconnect       = "disconnect"
	inEnqueueOperation = "enqueueOperation"
	inSyncNow          = "syncNow"
	inGetStatus        = "getStatus"
	inGetPendingCount  = "getPendingCount"
	inResetDatabase    = "resetDatabase"
	inFetchInitialData = "fetchInitialData"
)

type treeNodeResponse struct {
	RootID types.NodeId              `json:"rootId"`
	Nodes  map[types.NodeId]*types.Node `json:"nodes"`
}

// Daemon is the process-wide composition root for one coordinator daemon.
// A single Daemon serves every tab and every namespace that daemon has
// ever touched.
type Daemon struct {
	Coordinator  *coordinator.Coordinator
	Engine       *syncengine.Engine
	Log          *oplog.Log
	Reach        *reachability.Monitor
	Ports        *tabports.Registry
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *slog.Logger

	mu       sync.Mutex
	replicas map[types.Namespace]*replica.Replica
}

// New wires a Daemon from its already-constructed components. Callers
// build the Coordinator with ports as its Options.Ports so Daemon and
// Coordinator observe the same registry.
func New(coord *coordinator.Coordinator, engine *syncengine.Engine, log *oplog.Log, reach *reachability.Monitor, ports *tabports.Registry, baseURL string, httpClient *http.Client, logger *slog.Logger) *Daemon {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		Coordinator: coord,
		Engine:      engine,
		Log:         log,
		Reach:       reach,
		Ports:       ports,
		BaseURL:     baseURL,
		HTTPClient:  httpClient,
		Logger:      logger,
		replicas:    map[types.Namespace]*replica.Replica{},
	}
}

// Start brings up the reachability monitor, whose OnChange callback is
// expected to have been wired (by the caller, at construction) to call
// Engine.OnConnectivityChanged and broadcast connectivity to tab ports.
func (d *Daemon) Start(ctx context.Context) {
	d.Reach.Start(ctx)
}

// ListenAndServe accepts tab connections on a Unix domain socket at
// socketPath until ctx is canceled. Each connection is one tab port for
// the lifetime of the TCP/Unix stream.
func (d *Daemon) ListenAndServe(ctx context.Context, socketPath string) error {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	d.Logger.Info("daemon: listening", "socket", socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("daemon: accept: %w", err)
			}
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	portID := uuid.NewString()
	sink := d.Coordinator.RegisterPort(portID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(conn)
		for msg := range sink {
			if err := enc.Encode(msg); err != nil {
				return
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var in inboundMessage
		if err := json.Unmarshal(scanner.Bytes(), &in); err != nil {
			d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, Data: map[string]string{"message": err.Error()}})
			continue
		}
		d.dispatch(ctx, portID, in)
	}

	// RemovePort closes sink, which is what lets the writer goroutine above
	// drain and exit; it must run before waiting on done, not deferred,
	// since a defer only fires after this function returns.
	d.Coordinator.RemovePort(portID)
	conn.Close()
	<-done
}

func (d *Daemon) dispatch(ctx context.Context, portID string, in inboundMessage) {
	switch in.Type {
	case inConnect:
		d.Coordinator.Connect(portID, in.Namespace)
		d.replicaFor(in.Namespace)
	case inDisconnect:
		d.Coordinator.Disconnect(portID)
	case inEnqueueOperation:
		d.handleEnqueue(ctx, portID, in)
	case inSyncNow:
		d.handleSyncNow(ctx, in.Namespace)
	case inGetStatus:
		d.handleGetStatus(portID, in)
	case inGetPendingCount:
		d.handleGetPendingCount(ctx, portID, in)
	case inResetDatabase:
		d.handleResetDatabase(ctx, portID, in)
	case inFetchInitialData:
		d.handleFetchInitialData(ctx, portID, in)
	default:
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": "unknown message type: " + in.Type}})
	}
}

func (d *Daemon) replicaFor(ns types.Namespace) *replica.Replica {
	d.mu.Lock()
	defer d.mu.Unlock()
	rep, ok := d.replicas[ns]
	if !ok {
		rep = replica.New(ns, time.Now())
		d.replicas[ns] = rep
		d.Engine.RegisterReplica(ns, rep)
	}
	return rep
}

// handleEnqueue applies op to the local replica immediately (the local
// read the client sees within milliseconds per scenario 1) and hands the
// envelope to the sync engine for batched server delivery, acking the
// originating port once both steps have been scheduled.
func (d *Daemon) handleEnqueue(ctx context.Context, portID string, in inboundMessage) {
	if in.Op == nil {
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": "enqueueOperation requires op"}})
		return
	}
	rep := d.replicaFor(in.Namespace)
	ts := in.Ts
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	// Apply locally first: every precondition check in the replica runs
	// before any mutation, so a Validation/Conflict error here leaves the
	// replica untouched and the envelope never reaches the log (§8: "local
	// replica unchanged, envelope never enqueued").
	envID := uuid.NewString()
	if _, err := rep.Apply(*in.Op, envID, ts, time.Now()); err != nil {
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": err.Error()}})
		return
	}

	env, err := d.Engine.EnqueueEnvelope(ctx, types.NewEnvelopeWithID(envID, in.Namespace, *in.Op, ts))
	if err != nil {
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": err.Error()}})
		return
	}

	d.Ports.Broadcast(in.Namespace, tabports.OutboundMessage{Type: tabports.OutDataChanged, Namespace: in.Namespace})
	d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutAck, RequestID: in.RequestID, Data: map[string]string{"operationId": env.ID}})
}

func (d *Daemon) handleSyncNow(ctx context.Context, ns types.Namespace) {
	if ns != "" {
		d.Engine.SyncNow(ctx, ns)
		return
	}
	d.mu.Lock()
	all := make([]types.Namespace, 0, len(d.replicas))
	for n := range d.replicas {
		all = append(all, n)
	}
	d.mu.Unlock()
	for _, n := range all {
		d.Engine.SyncNow(ctx, n)
	}
}

func (d *Daemon) handleGetStatus(portID string, in inboundMessage) {
	state := d.Coordinator.State(in.Namespace)
	d.Ports.Send(portID, tabports.OutboundMessage{
		Type:      tabports.OutSyncStatus,
		RequestID: in.RequestID,
		Namespace: in.Namespace,
		Data:      map[string]string{"status": string(state)},
	})
}

func (d *Daemon) handleGetPendingCount(ctx context.Context, portID string, in inboundMessage) {
	n, err := d.Log.CountPending(ctx, in.Namespace)
	if err != nil {
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": err.Error()}})
		return
	}
	d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutPendingCount, RequestID: in.RequestID, Namespace: in.Namespace, Data: map[string]int{"count": n}})
}

// handleResetDatabase discards ns's local journal, the Fatal-error
// recovery path of §7. The in-memory replica is rebuilt fresh; callers
// are expected to follow up with fetchInitialData to repopulate it.
func (d *Daemon) handleResetDatabase(ctx context.Context, portID string, in inboundMessage) {
	if err := d.Log.Reset(ctx, in.Namespace); err != nil {
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": err.Error()}})
		return
	}
	d.mu.Lock()
	delete(d.replicas, in.Namespace)
	d.mu.Unlock()
	d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutAck, RequestID: in.RequestID})
}

func (d *Daemon) handleFetchInitialData(ctx context.Context, portID string, in inboundMessage) {
	url := d.BaseURL + "/api/" + string(in.Namespace) + "/tree/node/" + string(types.RootNodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": err.Error()}})
		return
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": err.Error()}})
		return
	}
	defer resp.Body.Close()

	var body treeNodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutError, RequestID: in.RequestID, Data: map[string]string{"message": err.Error()}})
		return
	}

	nodes := make([]*types.Node, 0, len(body.Nodes))
	for _, n := range body.Nodes {
		nodes = append(nodes, n)
	}

	rep := d.replicaFor(in.Namespace)
	rep.Reconcile(nodes)

	d.Ports.Send(portID, tabports.OutboundMessage{Type: tabports.OutDataChanged, RequestID: in.RequestID, Namespace: in.Namespace})
}

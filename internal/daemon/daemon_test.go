package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/core/internal/coordinator"
	"github.com/treesync/core/internal/oplog"
	"github.com/treesync/core/internal/reachability"
	"github.com/treesync/core/internal/syncengine"
	"github.com/treesync/core/internal/tabports"
	"github.com/treesync/core/internal/types"
)

func newTestDaemon(t *testing.T, mux *http.ServeMux) (*Daemon, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	log, err := oplog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	ports := tabports.NewRegistry()
	coord := coordinator.New(coordinator.Options{BaseURL: srv.URL, Ports: ports})
	t.Cleanup(coord.Close)

	engine := syncengine.New(log, syncengine.Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
	reach := reachability.New(reachability.Options{BaseURL: srv.URL})

	return New(coord, engine, log, reach, ports, srv.URL, srv.Client(), nil), srv
}

func recvOutbound(t *testing.T, sink <-chan tabports.OutboundMessage) tabports.OutboundMessage {
	t.Helper()
	select {
	case msg := <-sink:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return tabports.OutboundMessage{}
	}
}

func emptySyncMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"applied": []any{}, "mappings": map[string]string{}, "serverTimestamp": 0})
	})
	return mux
}

func TestHandleEnqueue_AppliesLocallyAndAcks(t *testing.T) {
	d, _ := newTestDaemon(t, emptySyncMux())

	sink := d.Coordinator.RegisterPort("p1")
	ns := types.Namespace("default")
	root := types.RootNodeID
	title := types.NodeId("f1")

	// Attach p1 to ns directly so it receives the dataChanged broadcast
	// without starting an upstream connection manager.
	d.Ports.Connect("p1", ns)
	d.dispatch(context.Background(), "p1", inboundMessage{
		Type:      inEnqueueOperation,
		RequestID: "req-1",
		Namespace: ns,
		Op:        &types.Op{Type: types.OpCreateFolder, ID: &title, ParentID: &root, Title: "Dev"},
		Ts:        1,
	})

	changed := recvOutbound(t, sink)
	assert.Equal(t, tabports.OutDataChanged, changed.Type)

	ack := recvOutbound(t, sink)
	assert.Equal(t, tabports.OutAck, ack.Type)
	assert.Equal(t, "req-1", ack.RequestID)

	rep := d.replicaFor(ns)
	nodes, err := rep.GetSubtree(root)
	require.NoError(t, err)
	found := false
	for _, n := range nodes {
		if n.ID == title {
			found = true
		}
	}
	assert.True(t, found, "f1 should be visible in the local replica immediately")

	pending, err := d.Log.ListPending(context.Background(), ns)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHandleEnqueue_ValidationErrorNeverEnqueues(t *testing.T) {
	d, _ := newTestDaemon(t, emptySyncMux())

	sink := d.Coordinator.RegisterPort("p1")
	ns := types.Namespace("default")
	root := types.RootNodeID
	id := types.NodeId("b1")

	d.dispatch(context.Background(), "p1", inboundMessage{
		Type:      inEnqueueOperation,
		RequestID: "req-2",
		Namespace: ns,
		Op:        &types.Op{Type: types.OpCreateBookmark, ID: &id, ParentID: &root, Title: "Bad", URL: "not-a-url"},
		Ts:        1,
	})

	errMsg := recvOutbound(t, sink)
	assert.Equal(t, tabports.OutError, errMsg.Type)

	pending, err := d.Log.ListPending(context.Background(), ns)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandleGetPendingCount_ReportsOplogCount(t *testing.T) {
	d, _ := newTestDaemon(t, emptySyncMux())

	sink := d.Coordinator.RegisterPort("p1")
	ns := types.Namespace("default")
	root := types.RootNodeID
	id := types.NodeId("f1")

	d.dispatch(context.Background(), "p1", inboundMessage{
		Type: inEnqueueOperation, Namespace: ns,
		Op: &types.Op{Type: types.OpCreateFolder, ID: &id, ParentID: &root, Title: "Dev"}, Ts: 1,
	})
	recvOutbound(t, sink) // ack (p1 is not attached to ns, so the dataChanged broadcast does not reach it)

	d.dispatch(context.Background(), "p1", inboundMessage{Type: inGetPendingCount, RequestID: "req-3", Namespace: ns})

	msg := recvOutbound(t, sink)
	assert.Equal(t, tabports.OutPendingCount, msg.Type)
	assert.Equal(t, "req-3", msg.RequestID)
	assert.Equal(t, map[string]int{"count": 1}, msg.Data)
}

func TestHandleResetDatabase_ClearsPending(t *testing.T) {
	d, _ := newTestDaemon(t, emptySyncMux())

	sink := d.Coordinator.RegisterPort("p1")
	ns := types.Namespace("default")
	root := types.RootNodeID
	id := types.NodeId("f1")

	d.dispatch(context.Background(), "p1", inboundMessage{
		Type: inEnqueueOperation, Namespace: ns,
		Op: &types.Op{Type: types.OpCreateFolder, ID: &id, ParentID: &root, Title: "Dev"}, Ts: 1,
	})
	recvOutbound(t, sink) // ack (p1 is not attached to ns, so the dataChanged broadcast does not reach it)

	d.dispatch(context.Background(), "p1", inboundMessage{Type: inResetDatabase, RequestID: "req-4", Namespace: ns})
	ack := recvOutbound(t, sink)
	assert.Equal(t, tabports.OutAck, ack.Type)

	pending, err := d.Log.ListPending(context.Background(), ns)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandleFetchInitialData_ReconcilesReplicaFromServer(t *testing.T) {
	mux := emptySyncMux()
	mux.HandleFunc("/api/default/tree/node/root", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rootId": "root",
			"nodes": map[string]any{
				"root": map[string]any{"id": "root", "parentId": nil, "kind": "folder", "title": "", "isOpen": true},
				"f1":   map[string]any{"id": "f1", "parentId": "root", "kind": "folder", "title": "Dev", "isOpen": true},
			},
		})
	})
	d, _ := newTestDaemon(t, mux)

	sink := d.Coordinator.RegisterPort("p1")
	ns := types.Namespace("default")

	d.dispatch(context.Background(), "p1", inboundMessage{Type: inFetchInitialData, RequestID: "req-5", Namespace: ns})

	msg := recvOutbound(t, sink)
	assert.Equal(t, tabports.OutDataChanged, msg.Type)
	assert.Equal(t, "req-5", msg.RequestID)

	rep := d.replicaFor(ns)
	nodes, err := rep.GetSubtree(types.RootNodeID)
	require.NoError(t, err)
	ids := map[types.NodeId]bool{}
	for _, n := range nodes {
		ids[n.ID] = true
	}
	assert.True(t, ids["f1"])
}

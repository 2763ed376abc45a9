package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/core/internal/applicator"
	"github.com/treesync/core/internal/broker"
	"github.com/treesync/core/internal/types"
)

func newTestServer(t *testing.T) (*Server, *broker.Broker, *applicator.Applicator) {
	t.Helper()
	b := broker.New(broker.Options{})
	a, err := applicator.Open(":memory:", b)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return New(b, a, nil), b, a
}

func TestHandlePing_Returns200(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Head(srv.URL + "/api/ping")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleConnections_ReportsZeroBeforeAnySubscriber(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/connections?namespace=default")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0, body["connections"])
}

func TestHandleEvents_StreamsConnectionFrameFirst(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/events?namespace=default", nil)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var eventLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			eventLine = line
			break
		}
	}
	assert.Equal(t, "event: connection", eventLine)
}

func TestHandleSyncBatch_AppliesAndReturnsResponse(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	name := types.NodeId("temp_1")
	root := types.RootNodeID
	env := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, ID: &name, ParentID: &root, Title: "Work"}, 1)

	body := syncRequestBody{ClientID: "c1", Operations: []types.OperationEnvelope{env}}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/sync/default/operations", "application/json", strings.NewReader(string(raw)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out syncResponseBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Applied, 1)
	assert.Equal(t, "success", out.Applied[0].Status)
	realID, ok := out.Mappings["temp_1"]
	require.True(t, ok)
	assert.NotEmpty(t, realID)
}

func TestHandleTreeNode_PrunesChildrenOfClosedFolders(t *testing.T) {
	s, _, a := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx := context.Background()
	root := types.RootNodeID
	closedID := types.NodeId("closed_folder")
	childID := types.NodeId("child_bookmark")

	_, err := a.ApplyOne(ctx, "default", types.NewEnvelope("default", types.Op{
		Type: types.OpCreateFolder, ID: &closedID, ParentID: &root, Title: "Closed",
	}, 1))
	require.NoError(t, err)

	isOpenFalse := false
	_, err = a.ApplyOne(ctx, "default", types.NewEnvelope("default", types.Op{
		Type: types.OpToggleFolder, FolderID: &closedID, Open: &isOpenFalse,
	}, 2))
	require.NoError(t, err)

	_, err = a.ApplyOne(ctx, "default", types.NewEnvelope("default", types.Op{
		Type: types.OpCreateBookmark, ID: &childID, ParentID: &closedID, Title: "Hidden", URL: "https://example.com",
	}, 3))
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/default/tree/node/" + string(root))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		RootID types.NodeId           `json:"rootId"`
		Nodes  map[string]*types.Node `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Nodes, string(closedID))
	assert.NotContains(t, out.Nodes, string(childID))
}

func TestHandleNamespaces_ListsTouchedNamespaces(t *testing.T) {
	s, _, a := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx := context.Background()
	_, err := a.GetSubtree(ctx, "alpha", types.RootNodeID) // bootstraps the namespace's root
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/namespaces")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Data []applicator.NamespaceSummary `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	found := false
	for _, ns := range out.Data {
		if ns.Namespace == "alpha" {
			found = true
		}
	}
	assert.True(t, found)
}

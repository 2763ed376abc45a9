package applicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/core/internal/broker"
	"github.com/treesync/core/internal/types"
)

func newTestApplicator(t *testing.T) *Applicator {
	t.Helper()
	b := broker.New(broker.Options{})
	a, err := Open(":memory:", b)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestApplyOne_CreateFolder(t *testing.T) {
	ctx := context.Background()
	a := newTestApplicator(t)

	env := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "Dev"}, time.Now().UnixMilli())
	result, err := a.ApplyOne(ctx, "default", env)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)

	nodes, err := a.GetSubtree(ctx, "default", types.RootNodeID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestApplyOne_IdempotentByEnvelopeID(t *testing.T) {
	ctx := context.Background()
	a := newTestApplicator(t)

	env := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "Dev"}, time.Now().UnixMilli())
	_, err := a.ApplyOne(ctx, "default", env)
	require.NoError(t, err)

	result, err := a.ApplyOne(ctx, "default", env)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)

	nodes, err := a.GetSubtree(ctx, "default", types.RootNodeID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2, "re-applying the same envelope id must not duplicate the node")
}

func TestApplyOne_UnknownParentFails(t *testing.T) {
	ctx := context.Background()
	a := newTestApplicator(t)

	missing := types.NodeId("nope")
	env := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "x", ParentID: &missing}, time.Now().UnixMilli())
	result, err := a.ApplyOne(ctx, "default", env)
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestApplyBatch_RemapsTempIDsAndChains(t *testing.T) {
	ctx := context.Background()
	a := newTestApplicator(t)

	tempFolder := types.NodeId("temp_1")
	tempBookmark := types.NodeId("temp_2")
	createFolder := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, ID: &tempFolder, Title: "Dev"}, 1)
	createBookmark := types.NewEnvelope("default", types.Op{
		Type: types.OpCreateBookmark, ID: &tempBookmark, ParentID: &tempFolder, Title: "MDN", URL: "https://developer.mozilla.org",
	}, 2)

	applied, mappings, serverTS := a.ApplyBatch(ctx, "default", []types.OperationEnvelope{createFolder, createBookmark})
	require.Len(t, applied, 2)
	assert.Equal(t, "success", applied[0].Status)
	assert.Equal(t, "success", applied[1].Status)
	assert.Len(t, mappings, 2)
	assert.NotEmpty(t, serverTS)

	realFolderID, ok := mappings["temp_1"]
	require.True(t, ok)
	realBookmarkID, ok := mappings["temp_2"]
	require.True(t, ok)

	nodes, err := a.GetSubtree(ctx, "default", types.RootNodeID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	var bookmark *types.Node
	for _, n := range nodes {
		if string(n.ID) == realBookmarkID {
			bookmark = n
		}
	}
	require.NotNil(t, bookmark)
	assert.Equal(t, realFolderID, string(*bookmark.ParentID))
}

func TestApplyBatch_ClientGeneratedIDsSkipRemap(t *testing.T) {
	ctx := context.Background()
	a := newTestApplicator(t)

	f1 := types.NodeId("f1")
	env := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, ID: &f1, Title: "Dev"}, 1)

	applied, mappings, _ := a.ApplyBatch(ctx, "default", []types.OperationEnvelope{env})
	require.Len(t, applied, 1)
	assert.Equal(t, "success", applied[0].Status)
	assert.Empty(t, mappings, "non-temp client ids round-trip without a mapping entry")
}

func TestApplyOne_RemoveNodeCascades(t *testing.T) {
	ctx := context.Background()
	a := newTestApplicator(t)

	folderEnv := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "P"}, 1)
	_, err := a.ApplyOne(ctx, "default", folderEnv)
	require.NoError(t, err)

	nodes, err := a.GetSubtree(ctx, "default", types.RootNodeID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	folderID := nodes[1].ID

	removeEnv := types.NewEnvelope("default", types.Op{Type: types.OpRemoveNode, NodeID: &folderID}, 2)
	result, err := a.ApplyOne(ctx, "default", removeEnv)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)

	nodes, err = a.GetSubtree(ctx, "default", types.RootNodeID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

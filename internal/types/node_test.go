package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootFolder(t *testing.T) {
	root := NewRootFolder(time.Unix(0, 0))
	assert.True(t, root.IsRoot())
	assert.Equal(t, RootNodeID, root.ID)
	assert.Equal(t, KindFolder, root.Kind)
}

func TestNodeClone_Independent(t *testing.T) {
	parent := NodeId("f1")
	n := &Node{ID: "b1", ParentID: &parent, Kind: KindBookmark}
	clone := n.Clone()
	require.NotNil(t, clone)

	*clone.ParentID = "f2"
	assert.Equal(t, NodeId("f1"), *n.ParentID, "mutating the clone's parent id must not affect the original")
}

func TestNewNodeID_Unique(t *testing.T) {
	a := NewNodeID()
	b := NewNodeID()
	assert.NotEqual(t, a, b)
}

func TestNewEnvelope_StartsPending(t *testing.T) {
	env := NewEnvelope("default", Op{Type: OpCreateFolder, Title: "Dev"}, 1000)
	assert.Equal(t, StatusPending, env.Status)
	assert.Equal(t, 0, env.RetryCount)
	assert.NotEmpty(t, env.ID)
}

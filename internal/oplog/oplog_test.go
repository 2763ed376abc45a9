package oplog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/core/internal/types"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAppendAndListPending(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t)

	env1 := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "Dev"}, 100)
	env2 := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "Ops"}, 50)

	require.NoError(t, log.Append(ctx, env1))
	require.NoError(t, log.Append(ctx, env2))

	pending, err := log.ListPending(ctx, "default")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, env2.ID, pending[0].ID, "ascending by ts: env2 (ts=50) sorts before env1 (ts=100)")
	assert.Equal(t, env1.ID, pending[1].ID)

	count, err := log.CountPending(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMarkSynced_RemovesFromPending(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t)

	env := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "Dev"}, 100)
	require.NoError(t, log.Append(ctx, env))
	require.NoError(t, log.MarkSynced(ctx, env.ID))

	pending, err := log.ListPending(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := log.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSynced, got.Status)
}

func TestMarkFailed_IncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t)

	env := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "Dev"}, 100)
	require.NoError(t, log.Append(ctx, env))

	require.NoError(t, log.MarkFailed(ctx, env.ID, "network timeout"))
	got, err := log.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "network timeout", got.LastError)

	require.NoError(t, log.Requeue(ctx, env.ID))
	got, err = log.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount, "requeue preserves retry_count; only ForceRetry resets it")
}

func TestForceRetry_ResetsRetryCount(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t)

	env := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, Title: "Dev"}, 100)
	require.NoError(t, log.Append(ctx, env))
	for i := 0; i < 5; i++ {
		require.NoError(t, log.MarkFailed(ctx, env.ID, "err"))
	}

	require.NoError(t, log.ForceRetry(ctx, env.ID))
	got, err := log.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestRemapIDs_RewritesPendingPayloads(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t)

	tempFolder := types.NodeId("temp_1")
	tempBookmark := types.NodeId("temp_2")

	createFolder := types.NewEnvelope("default", types.Op{Type: types.OpCreateFolder, ID: &tempFolder, Title: "Dev"}, 10)
	createBookmark := types.NewEnvelope("default", types.Op{
		Type: types.OpCreateBookmark, ID: &tempBookmark, ParentID: &tempFolder, Title: "MDN", URL: "https://developer.mozilla.org",
	}, 20)

	require.NoError(t, log.Append(ctx, createFolder))
	require.NoError(t, log.Append(ctx, createBookmark))

	require.NoError(t, log.RemapIDs(ctx, "default", map[string]string{
		"temp_1": "R1",
		"temp_2": "R2",
	}))

	got, err := log.Get(ctx, createBookmark.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Op.ID)
	require.NotNil(t, got.Op.ParentID)
	assert.Equal(t, types.NodeId("R2"), *got.Op.ID)
	assert.Equal(t, types.NodeId("R1"), *got.Op.ParentID)
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t)
	_, err := log.Get(ctx, "missing")
	assert.Error(t, err)
}

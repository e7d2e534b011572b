package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise-graph/stepwise/pkg/codec"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/storage"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(storage.NewLocalStore(t.TempDir()), "job1", 2, 0, slog.Default())
	m.sleep = func(time.Duration) {}
	return m
}

func buildPartition(t *testing.T) *graph.Partition {
	t.Helper()
	p := graph.NewPartition(3)
	a := graph.NewVertex("a", int64(7))
	a.Edges.Add(graph.Edge{Target: "b", Value: int64(1)})
	a.VoteToHalt()
	p.Put(a)
	p.Put(graph.NewVertex("b", int64(9)))
	return p
}

func TestSnapshot_RoundTrip(t *testing.T) {
	c, err := codec.New("gob")
	require.NoError(t, err)

	p := buildPartition(t)
	pending := map[int]map[graph.VertexID][]any{
		4: {"b": {int64(5), int64(6)}},
	}
	mutations := []graph.Mutation{
		{Kind: graph.AddVertex, Vertex: "c", Value: int64(11)},
		{Kind: graph.RemoveVertex, Vertex: "b"},
	}
	snap, err := Snapshot(p, pending, mutations, map[int]int{4: 2}, 4, c)
	require.NoError(t, err)

	data, err := snap.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalSnapshot(data)
	require.NoError(t, err)

	restored, err := Restore(decoded, c, func() graph.OutEdges { return graph.NewSliceEdges() })
	require.NoError(t, err)

	rp := restored.Partition
	require.Equal(t, 2, rp.Len())
	assert.Equal(t, int64(7), rp.Get("a").Value)
	assert.True(t, rp.Get("a").Halted)
	assert.Equal(t, int64(9), rp.Get("b").Value)
	require.Len(t, rp.Get("a").Edges.All(), 1)
	assert.Equal(t, graph.VertexID("b"), rp.Get("a").Edges.All()[0].Target)
	assert.Equal(t, []any{int64(5), int64(6)}, restored.Pending[4]["b"])
	assert.Equal(t, 2, restored.Sent[4])
	assert.Equal(t, mutations, restored.Mutations)
}

func TestManager_Due(t *testing.T) {
	m := testManager(t)
	assert.False(t, m.Due(0))
	assert.False(t, m.Due(1))
	assert.True(t, m.Due(2))
	assert.True(t, m.Due(4))

	m.Interval = 0
	assert.False(t, m.Due(100), "interval 0 disables checkpointing")
}

func TestManager_CommitAndRecoverTarget(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	c, err := codec.New("gob")
	require.NoError(t, err)
	snap, err := Snapshot(buildPartition(t), nil, nil, nil, 2, c)
	require.NoError(t, err)

	require.NoError(t, m.WritePartition(ctx, snap))
	require.NoError(t, m.Commit(ctx, 2, nil))
	require.NoError(t, m.Commit(ctx, 4, nil))

	// Roll back to the checkpoint at or below the failed superstep.
	got, ok, err := m.LastCommitted(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got)

	got, ok, err = m.LastCommitted(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got)

	_, ok, err = m.LastCommitted(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "no checkpoint at or below superstep 1")

	pids, err := m.Partitions(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []graph.PartitionID{3}, pids)

	restored, err := m.RestorePartition(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, len(restored.Vertices))
}

type flakyStore struct {
	storage.BlobStore
	failures int
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transient storage failure")
	}
	return f.BlobStore.Put(ctx, key, data)
}

func TestManager_WriteRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	m.Blobs = &flakyStore{BlobStore: m.Blobs, failures: 2}

	c, err := codec.New("gob")
	require.NoError(t, err)
	snap, err := Snapshot(buildPartition(t), nil, nil, nil, 2, c)
	require.NoError(t, err)

	require.NoError(t, m.WritePartition(ctx, snap), "two transient failures should be absorbed")

	m.Blobs = &flakyStore{BlobStore: m.Blobs, failures: 10}
	require.Error(t, m.WritePartition(ctx, snap), "persistent failure surfaces after retries")
}

func TestManager_RetentionPrunesOldCheckpoints(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	m.Retain = 2

	c, err := codec.New("gob")
	require.NoError(t, err)
	for _, s := range []int{2, 4, 6} {
		snap, err := Snapshot(buildPartition(t), nil, nil, nil, s, c)
		require.NoError(t, err)
		require.NoError(t, m.WritePartition(ctx, snap))
		require.NoError(t, m.Commit(ctx, s, map[string]any{"seen": int64(s)}))
	}

	_, ok, err := m.LastCommitted(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok, "checkpoint 2 should have been pruned")

	pids, err := m.Partitions(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, pids)

	globals, err := m.Globals(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, globals, "pruned checkpoint keeps no aggregator globals")
}

func TestManager_GlobalsSurviveCommit(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	require.NoError(t, m.Commit(ctx, 2, map[string]any{
		"components": int64(12),
		"max-rank":   float64(0.85),
	}))

	globals, err := m.Globals(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(12), globals["components"])
	assert.Equal(t, float64(0.85), globals["max-rank"])

	// A checkpoint committed without globals reads back as none.
	require.NoError(t, m.Commit(ctx, 4, nil))
	globals, err = m.Globals(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, globals)
}

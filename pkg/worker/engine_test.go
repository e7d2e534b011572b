package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise-graph/stepwise/pkg/aggregate"
	"github.com/stepwise-graph/stepwise/pkg/checkpoint"
	"github.com/stepwise-graph/stepwise/pkg/codec"
	"github.com/stepwise-graph/stepwise/pkg/compute"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/message"
	"github.com/stepwise-graph/stepwise/pkg/partition"
	"github.com/stepwise-graph/stepwise/pkg/storage"
)

func newTestEngine(t *testing.T, id partition.WorkerID, table *partition.Table, transport Transport, fn compute.Func) *Engine {
	t.Helper()
	c, err := codec.New("gob")
	require.NoError(t, err)
	e, err := NewEngine(Config{
		ID:          id,
		Table:       table,
		Store:       message.NewStore(nil, nil),
		Aggregators: aggregate.NewRegistry(),
		Compute:     fn,
		Codec:       c,
		Transport:   transport,
		Parallelism: 2,
	})
	require.NoError(t, err)
	return e
}

func twoWorkerTable(t *testing.T) *partition.Table {
	t.Helper()
	table := partition.NewTable(partition.HashStrategy{}, 4)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0", "w1"}))
	return table
}

// echoToSelf sends one message to the vertex itself in superstep 0 and
// halts afterwards, so every vertex runs exactly two supersteps.
func echoToSelf(ctx *compute.Context, v *graph.Vertex, messages []any) error {
	if ctx.Superstep() == 0 {
		return ctx.Send(v.ID, int64(1))
	}
	var sum int64
	for _, m := range messages {
		sum += m.(int64)
	}
	v.Value = sum
	v.VoteToHalt()
	return nil
}

func seedVertices(e *Engine, table *partition.Table, ids ...graph.VertexID) {
	for _, id := range ids {
		pid := table.Assign(id)
		if owner, _ := table.OwnerOf(pid); owner != e.ID() {
			continue
		}
		e.Partition(pid).Put(&graph.Vertex{ID: id, Value: int64(0), Edges: graph.NewSliceEdges()})
	}
}

func TestEngineLocalAndRemoteRouting(t *testing.T) {
	table := twoWorkerTable(t)
	transport := NewLocalTransport()

	toPeer := func(ctx *compute.Context, v *graph.Vertex, messages []any) error {
		if ctx.Superstep() == 0 {
			// Every vertex messages every seeded vertex including the
			// ones another worker owns.
			for _, dest := range []graph.VertexID{"a", "b", "c", "d"} {
				if err := ctx.Send(dest, int64(1)); err != nil {
					return err
				}
			}
			return nil
		}
		var sum int64
		for _, m := range messages {
			sum += m.(int64)
		}
		v.Value = sum
		v.VoteToHalt()
		return nil
	}

	e0 := newTestEngine(t, "w0", table, transport, toPeer)
	e1 := newTestEngine(t, "w1", table, transport, toPeer)
	transport.Attach(e0)
	transport.Attach(e1)

	ids := []graph.VertexID{"a", "b", "c", "d"}
	seedVertices(e0, table, ids...)
	seedVertices(e1, table, ids...)

	ctx := context.Background()
	r0, err := e0.RunSuperstep(ctx, 0, nil)
	require.NoError(t, err)
	r1, err := e1.RunSuperstep(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(16), r0.MessagesSent+r1.MessagesSent)

	r0, err = e0.RunSuperstep(ctx, 1, nil)
	require.NoError(t, err)
	r1, err = e1.RunSuperstep(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r0.ActiveVertices+r1.ActiveVertices)

	// Every vertex received one message from each of the four senders.
	for _, e := range []*Engine{e0, e1} {
		for _, pid := range table.PartitionsOf(e.ID()) {
			e.Partition(pid).Each(func(v *graph.Vertex) error {
				assert.Equal(t, int64(4), v.Value, "vertex %s", v.ID)
				return nil
			})
		}
	}
}

func TestEngineImplicitVertexCreation(t *testing.T) {
	table := partition.NewTable(partition.HashStrategy{}, 2)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0"}))
	transport := NewLocalTransport()

	fn := func(ctx *compute.Context, v *graph.Vertex, messages []any) error {
		if ctx.Superstep() == 0 && v.ID == "seed" {
			return ctx.Send("ghost", int64(7))
		}
		if len(messages) > 0 {
			v.Value = messages[0]
		}
		v.VoteToHalt()
		return nil
	}
	e := newTestEngine(t, "w0", table, transport, fn)
	transport.Attach(e)
	seedVertices(e, table, "seed")

	ctx := context.Background()
	_, err := e.RunSuperstep(ctx, 0, nil)
	require.NoError(t, err)
	_, err = e.RunSuperstep(ctx, 1, nil)
	require.NoError(t, err)

	ghost := e.Partition(table.Assign("ghost")).Get("ghost")
	require.NotNil(t, ghost, "message to a missing vertex must create it")
	assert.Equal(t, int64(7), ghost.Value)
}

func TestEngineHaltedVertexReactivatesOnMessage(t *testing.T) {
	table := partition.NewTable(partition.HashStrategy{}, 1)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0"}))
	transport := NewLocalTransport()

	e := newTestEngine(t, "w0", table, transport, echoToSelf)
	transport.Attach(e)
	seedVertices(e, table, "x")

	ctx := context.Background()
	r, err := e.RunSuperstep(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.MessagesSent)

	r, err = e.RunSuperstep(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.ActiveVertices)
	assert.Equal(t, int64(1), e.Partition(table.Assign("x")).Get("x").Value)
}

func TestEngineComputeErrorFailsWorker(t *testing.T) {
	table := partition.NewTable(partition.HashStrategy{}, 1)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0"}))
	transport := NewLocalTransport()

	fn := func(ctx *compute.Context, v *graph.Vertex, messages []any) error {
		return assert.AnError
	}
	e := newTestEngine(t, "w0", table, transport, fn)
	transport.Attach(e)
	seedVertices(e, table, "x")

	_, err := e.RunSuperstep(context.Background(), 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vertex x")
}

func TestEngineComputePanicFailsWorker(t *testing.T) {
	table := partition.NewTable(partition.HashStrategy{}, 1)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0"}))
	transport := NewLocalTransport()

	fn := func(ctx *compute.Context, v *graph.Vertex, messages []any) error {
		// Vertices are seeded with int64 values, so this blows up.
		v.Value = v.Value.(string) + "!"
		return nil
	}
	e := newTestEngine(t, "w0", table, transport, fn)
	transport.Attach(e)
	seedVertices(e, table, "x")

	_, err := e.RunSuperstep(context.Background(), 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Contains(t, err.Error(), "vertex x")
}

func TestEngineMutationLandsInOwningPartition(t *testing.T) {
	// RangeSize 1 pins numeric ids to known partitions: "0" -> 0, "2" -> 2.
	table := partition.NewTable(partition.RangeStrategy{RangeSize: 1}, 4)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0"}))
	transport := NewLocalTransport()

	fn := func(ctx *compute.Context, v *graph.Vertex, messages []any) error {
		if ctx.Superstep() == 0 && v.ID == "0" {
			ctx.AddVertex("2", int64(42))
		}
		v.VoteToHalt()
		return nil
	}
	e := newTestEngine(t, "w0", table, transport, fn)
	transport.Attach(e)
	seedVertices(e, table, "0")

	ctx := context.Background()
	_, err := e.RunSuperstep(ctx, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, e.Partition(2).Get("2"), "mutations stay buffered until the next superstep")

	_, err = e.RunSuperstep(ctx, 1, nil)
	require.NoError(t, err)

	added := e.Partition(2).Get("2")
	require.NotNil(t, added, "added vertex must live in the partition its id is assigned to")
	assert.Equal(t, int64(42), added.Value)
	assert.Equal(t, 1, e.Partition(0).Len(), "the requesting vertex's partition must not hold a copy")
}

func TestEngineMutationShipsToOwningWorker(t *testing.T) {
	table := partition.NewTable(partition.RangeStrategy{RangeSize: 1}, 4)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0", "w1"}))
	transport := NewLocalTransport()

	src, _ := table.OwnerOf(table.Assign("0"))
	dst, _ := table.OwnerOf(table.Assign("3"))
	require.NotEqual(t, src, dst, "test needs the target id on the other worker")

	fn := func(ctx *compute.Context, v *graph.Vertex, messages []any) error {
		if ctx.Superstep() == 0 && v.ID == "0" {
			ctx.AddVertex("3", int64(7))
		}
		v.VoteToHalt()
		return nil
	}
	e0 := newTestEngine(t, "w0", table, transport, fn)
	e1 := newTestEngine(t, "w1", table, transport, fn)
	transport.Attach(e0)
	transport.Attach(e1)
	seedVertices(e0, table, "0")
	seedVertices(e1, table, "0")

	ctx := context.Background()
	for s := 0; s <= 1; s++ {
		_, err := e0.RunSuperstep(ctx, s, nil)
		require.NoError(t, err)
		_, err = e1.RunSuperstep(ctx, s, nil)
		require.NoError(t, err)
	}

	engines := map[partition.WorkerID]*Engine{"w0": e0, "w1": e1}
	added := engines[dst].Partition(table.Assign("3")).Get("3")
	require.NotNil(t, added, "mutation must travel to the worker owning its target")
	assert.Equal(t, int64(7), added.Value)
	assert.Nil(t, engines[src].Partition(table.Assign("3")).Get("3"),
		"the requesting worker must not keep a copy")
}

func TestEngineCheckpointCarriesBufferedMutations(t *testing.T) {
	table := partition.NewTable(partition.RangeStrategy{RangeSize: 1}, 4)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0"}))
	transport := NewLocalTransport()

	fn := func(ctx *compute.Context, v *graph.Vertex, messages []any) error {
		if ctx.Superstep() == 0 && v.ID == "0" {
			ctx.AddVertex("2", int64(5))
			ctx.AddEdge("2", graph.Edge{Target: "0", Value: int64(1)})
		}
		v.VoteToHalt()
		return nil
	}
	e := newTestEngine(t, "w0", table, transport, fn)
	transport.Attach(e)
	seedVertices(e, table, "0")

	ctx := context.Background()
	_, err := e.RunSuperstep(ctx, 0, nil)
	require.NoError(t, err)

	// Checkpoint while the mutations are still buffered, unapplied.
	mgr := &checkpoint.Manager{
		Blobs:    storage.NewLocalStore(t.TempDir()),
		JobID:    "mut-ckpt",
		Interval: 1,
	}
	require.NoError(t, e.WriteCheckpoint(ctx, 0, mgr))
	require.NoError(t, mgr.Commit(ctx, 0, nil))

	e2 := newTestEngine(t, "w0", table, transport, fn)
	transport.Attach(e2)
	require.NoError(t, e2.RestoreCheckpoint(ctx, 0, mgr))

	_, err = e2.RunSuperstep(ctx, 1, nil)
	require.NoError(t, err)

	added := e2.Partition(2).Get("2")
	require.NotNil(t, added, "restored engine must replay the buffered mutations")
	assert.Equal(t, int64(5), added.Value)
	require.Len(t, added.Edges.All(), 1)
	assert.Equal(t, graph.VertexID("0"), added.Edges.All()[0].Target)
}

func TestEngineCheckpointRoundTrip(t *testing.T) {
	table := partition.NewTable(partition.HashStrategy{}, 2)
	require.NoError(t, table.Distribute([]partition.WorkerID{"w0"}))
	transport := NewLocalTransport()

	e := newTestEngine(t, "w0", table, transport, echoToSelf)
	transport.Attach(e)
	seedVertices(e, table, "a", "b", "c")

	ctx := context.Background()
	_, err := e.RunSuperstep(ctx, 0, nil)
	require.NoError(t, err)

	mgr := &checkpoint.Manager{
		Blobs:    storage.NewLocalStore(t.TempDir()),
		JobID:    "ckpt-test",
		Interval: 1,
	}
	require.NoError(t, e.WriteCheckpoint(ctx, 0, mgr))
	require.NoError(t, mgr.Commit(ctx, 0, nil))

	// Wreck local state, then restore and replay superstep 1.
	e2 := newTestEngine(t, "w0", table, transport, echoToSelf)
	transport.Attach(e2)
	require.NoError(t, e2.RestoreCheckpoint(ctx, 0, mgr))

	r, err := e2.RunSuperstep(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.ActiveVertices)
	for _, id := range []graph.VertexID{"a", "b", "c"} {
		v := e2.Partition(table.Assign(id)).Get(id)
		require.NotNil(t, v)
		assert.Equal(t, int64(1), v.Value, "vertex %s", id)
	}
}

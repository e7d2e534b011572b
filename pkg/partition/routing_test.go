package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise-graph/stepwise/pkg/graph"
)

func TestHashStrategy_Deterministic(t *testing.T) {
	s := HashStrategy{}
	for _, id := range []graph.VertexID{"1", "2", "abc", "zz-top"} {
		first := s.Assign(id, 16)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, s.Assign(id, 16), "assignment for %s must not vary", id)
		}
		assert.GreaterOrEqual(t, int(first), 0)
		assert.Less(t, int(first), 16)
	}
}

func TestRangeStrategy_NumericLocality(t *testing.T) {
	s := RangeStrategy{RangeSize: 100}
	assert.Equal(t, s.Assign("1", 4), s.Assign("99", 4))
	assert.NotEqual(t, s.Assign("1", 4), s.Assign("101", 4))
}

func TestRangeStrategy_NegativeIDsStayInRange(t *testing.T) {
	s := RangeStrategy{RangeSize: 100}
	for _, id := range []graph.VertexID{"-1", "-250", "-9223372036854775808"} {
		pid := s.Assign(id, 4)
		assert.GreaterOrEqual(t, int(pid), 0, "id %s", id)
		assert.Less(t, int(pid), 4, "id %s", id)
		assert.Equal(t, pid, s.Assign(id, 4), "assignment for %s must not vary", id)
	}
}

func TestTable_DistributeCoversAllPartitions(t *testing.T) {
	table := NewTable(HashStrategy{}, 8)
	require.NoError(t, table.Distribute([]WorkerID{"w2", "w0", "w1"}))

	seen := map[WorkerID]int{}
	for p := 0; p < 8; p++ {
		owner, ok := table.OwnerOf(graph.PartitionID(p))
		require.True(t, ok, "partition %d has no owner", p)
		seen[owner]++
	}
	assert.Len(t, seen, 3)
	// Round-robin over sorted worker ids gives a 3/3/2 split.
	assert.Equal(t, 3, seen["w0"])
	assert.Equal(t, 3, seen["w1"])
	assert.Equal(t, 2, seen["w2"])
}

func TestTable_ReassignWorkerPreservesPartitions(t *testing.T) {
	table := NewTable(HashStrategy{}, 9)
	require.NoError(t, table.Distribute([]WorkerID{"w0", "w1", "w2"}))

	before := table.Snapshot()
	require.NoError(t, table.ReassignWorker("w1", []WorkerID{"w0", "w2"}))
	after := table.Snapshot()

	require.Len(t, after, len(before), "reassignment must not lose partitions")
	for pid := range after {
		assert.NotEqual(t, WorkerID("w1"), after[pid], "partition %d still owned by failed worker", pid)
	}
	// Partitions not owned by the failed worker stay put.
	for pid, owner := range before {
		if owner != "w1" {
			assert.Equal(t, owner, after[pid])
		}
	}
}

func TestTable_RebalanceEvensLoad(t *testing.T) {
	table := NewTable(HashStrategy{}, 4)
	require.NoError(t, table.Distribute([]WorkerID{"w0", "w1"}))

	counts := map[graph.PartitionID]int{0: 1000, 1: 10, 2: 10, 3: 10}
	next := table.Rebalance(counts, []WorkerID{"w0", "w1"})

	// The heavy partition must sit alone on one worker.
	heavyOwner := next[0]
	for pid, owner := range next {
		if pid != 0 {
			assert.NotEqual(t, heavyOwner, owner, "partition %d should avoid the heavy worker", pid)
		}
	}
}

package coord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise-graph/stepwise/pkg/partition"
)

func TestInMemory_Registration(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	require.NoError(t, c.RegisterWorker(ctx, "w1", "addr1"))
	require.NoError(t, c.RegisterWorker(ctx, "w0", "addr0"))
	require.Error(t, c.RegisterWorker(ctx, "w1", "addr1"), "duplicate registration must fail")

	workers, err := c.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []partition.WorkerID{"w0", "w1"}, workers)

	addr, ok := c.Endpoint("w1")
	require.True(t, ok)
	assert.Equal(t, "addr1", addr)

	leader, err := c.ElectLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, partition.WorkerID("w0"), leader)
}

func TestInMemory_BarrierReleasesWhenAllArrive(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	require.NoError(t, c.RegisterWorker(ctx, "w0", ""))
	require.NoError(t, c.RegisterWorker(ctx, "w1", ""))

	var wg sync.WaitGroup
	released := make(chan partition.WorkerID, 2)
	for _, id := range []partition.WorkerID{"w0", "w1"} {
		wg.Add(1)
		go func(id partition.WorkerID) {
			defer wg.Done()
			wctx := WithWorker(ctx, id)
			require.NoError(t, c.EnterBarrier(wctx, 1))
			require.NoError(t, c.AwaitBarrierRelease(wctx, 1))
			released <- id
		}(id)
	}
	wg.Wait()
	assert.Len(t, released, 2)
}

func TestInMemory_BarrierBlocksUntilLastWorker(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	require.NoError(t, c.RegisterWorker(ctx, "w0", ""))
	require.NoError(t, c.RegisterWorker(ctx, "w1", ""))

	w0 := WithWorker(ctx, partition.WorkerID("w0"))
	require.NoError(t, c.EnterBarrier(w0, 1))

	timed, cancel := context.WithTimeout(w0, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AwaitBarrierRelease(timed, 1), "barrier must hold until every worker arrives")
}

func TestInMemory_DeregisterUnblocksBarrier(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()
	require.NoError(t, c.RegisterWorker(ctx, "w0", ""))
	require.NoError(t, c.RegisterWorker(ctx, "w1", ""))

	w0 := WithWorker(ctx, partition.WorkerID("w0"))
	require.NoError(t, c.EnterBarrier(w0, 1))

	// w1 fails and never arrives; removing it releases the barrier.
	c.Deregister("w1")

	timed, cancel := context.WithTimeout(w0, time.Second)
	defer cancel()
	require.NoError(t, c.AwaitBarrierRelease(timed, 1))
}

package master

import (
	"context"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/partition"
	"github.com/stepwise-graph/stepwise/pkg/worker"
)

// WorkerClient is the master's handle on one worker. The in-process
// driver implements it with direct engine calls; distributed jobs use
// the rpc implementation below.
type WorkerClient interface {
	ID() partition.WorkerID
	Begin(ctx context.Context, args worker.BeginArgs) (*worker.Report, error)
	Checkpoint(ctx context.Context, superstep int) error
	Restore(ctx context.Context, superstep int, assignment partition.Assignment) error
	Output(ctx context.Context, adapter, path string) error
	VertexCounts(ctx context.Context) (map[graph.PartitionID]int, error)
	Abort(ctx context.Context, reason string) error
}

// RPCClient drives a remote worker over net/rpc.
type RPCClient struct {
	id   partition.WorkerID
	addr string

	mu     sync.Mutex
	client *rpc.Client
}

func NewRPCClient(id partition.WorkerID, addr string) *RPCClient {
	return &RPCClient{id: id, addr: addr}
}

func (c *RPCClient) ID() partition.WorkerID { return c.id }

func (c *RPCClient) conn() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	cl, err := rpc.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s at %s: %w", c.id, c.addr, err)
	}
	c.client = cl
	return cl, nil
}

func (c *RPCClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// call runs one rpc with context cancellation. A canceled context drops
// the cached connection so a hung worker does not poison later calls.
func (c *RPCClient) call(ctx context.Context, method string, args, reply any) error {
	cl, err := c.conn()
	if err != nil {
		return err
	}
	done := cl.Go(method, args, reply, nil)
	select {
	case <-ctx.Done():
		c.reset()
		return fmt.Errorf("worker %s: %s: %w", c.id, method, ctx.Err())
	case <-done.Done:
	}
	if done.Error != nil {
		c.reset()
		return fmt.Errorf("worker %s: %s: %w", c.id, method, done.Error)
	}
	return nil
}

func (c *RPCClient) Begin(ctx context.Context, args worker.BeginArgs) (*worker.Report, error) {
	var report worker.Report
	if err := c.call(ctx, "Worker.BeginSuperstep", &args, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *RPCClient) Checkpoint(ctx context.Context, superstep int) error {
	var ack worker.Ack
	return c.call(ctx, "Worker.Checkpoint", &worker.CheckpointArgs{Superstep: superstep}, &ack)
}

func (c *RPCClient) Restore(ctx context.Context, superstep int, assignment partition.Assignment) error {
	var ack worker.Ack
	return c.call(ctx, "Worker.Restore", &worker.CheckpointArgs{Superstep: superstep, Assignment: assignment}, &ack)
}

func (c *RPCClient) Output(ctx context.Context, adapter, path string) error {
	var ack worker.Ack
	return c.call(ctx, "Worker.WriteOutput", &worker.OutputArgs{Adapter: adapter, Path: path}, &ack)
}

func (c *RPCClient) VertexCounts(ctx context.Context) (map[graph.PartitionID]int, error) {
	var counts map[graph.PartitionID]int
	if err := c.call(ctx, "Worker.VertexCounts", &worker.Ack{}, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (c *RPCClient) Abort(ctx context.Context, reason string) error {
	var ack worker.Ack
	return c.call(ctx, "Worker.Abort", &worker.AbortArgs{Reason: reason}, &ack)
}

// Close releases the cached connection.
func (c *RPCClient) Close() { c.reset() }

package worker

import (
	"context"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/stepwise-graph/stepwise/internal/swarm"
	"github.com/stepwise-graph/stepwise/pkg/message"
	"github.com/stepwise-graph/stepwise/pkg/partition"
)

// LocalTransport routes batches between engines living in the same
// process. The in-process driver uses it.
type LocalTransport struct {
	mu      sync.RWMutex
	engines map[partition.WorkerID]*Engine
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{engines: make(map[partition.WorkerID]*Engine)}
}

func (t *LocalTransport) Attach(e *Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engines[e.ID()] = e
}

func (t *LocalTransport) Detach(id partition.WorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.engines, id)
}

func (t *LocalTransport) SendBatch(ctx context.Context, peer partition.WorkerID, batch message.Batch) error {
	t.mu.RLock()
	e := t.engines[peer]
	t.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("peer %s not attached", peer)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.ReceiveBatch(batch)
}

// RPCTransport delivers batches to peer workers over net/rpc. Connections
// are cached per peer and re-dialed on failure. Batches are split into
// chunks whose in-flight count follows an adaptive window fed by the
// acks, so a slow receiver backs the sender off instead of being buried.
type RPCTransport struct {
	Table     *partition.Table
	ChunkSize int
	window    *swarm.Window

	mu      sync.Mutex
	clients map[partition.WorkerID]*rpc.Client
}

func NewRPCTransport(table *partition.Table) *RPCTransport {
	return &RPCTransport{
		Table:     table,
		ChunkSize: 4096,
		window:    swarm.NewWindow(8, 2, 64),
		clients:   make(map[partition.WorkerID]*rpc.Client),
	}
}

func (t *RPCTransport) client(peer partition.WorkerID) (*rpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.clients[peer]; c != nil {
		return c, nil
	}
	addr, ok := t.Table.Endpoint(peer)
	if !ok {
		return nil, fmt.Errorf("no endpoint for worker %s", peer)
	}
	c, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s at %s: %w", peer, addr, err)
	}
	t.clients[peer] = c
	return c, nil
}

func (t *RPCTransport) drop(peer partition.WorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.clients[peer]; c != nil {
		c.Close()
		delete(t.clients, peer)
	}
}

func (t *RPCTransport) SendBatch(ctx context.Context, peer partition.WorkerID, batch message.Batch) error {
	var chunks []message.Batch
	for start := 0; start < len(batch.Envelopes); start += t.ChunkSize {
		end := start + t.ChunkSize
		if end > len(batch.Envelopes) {
			end = len(batch.Envelopes)
		}
		chunks = append(chunks, message.Batch{From: batch.From, Superstep: batch.Superstep, Envelopes: batch.Envelopes[start:end]})
	}
	// Mutations ride in one chunk, which may be the batch's only one.
	if len(chunks) == 0 {
		chunks = append(chunks, message.Batch{From: batch.From, Superstep: batch.Superstep})
	}
	chunks[0].Mutations = batch.Mutations
	// In-flight chunk count follows the adaptive window so a congested
	// receiver slows the sender down rather than filling its rpc queue.
	pool := swarm.NewPool(t.window.Size())
	tasks := make([]swarm.Task, 0, len(chunks))
	for _, chunk := range chunks {
		tasks = append(tasks, func(ctx context.Context) error {
			return t.sendChunk(ctx, peer, chunk)
		})
	}
	return pool.Run(ctx, tasks)
}

func (t *RPCTransport) sendChunk(ctx context.Context, peer partition.WorkerID, chunk message.Batch) error {
	c, err := t.client(peer)
	if err != nil {
		return err
	}
	start := time.Now()
	var ack Ack
	call := c.Go("Worker.DeliverMessages", &chunk, &ack, nil)
	select {
	case <-ctx.Done():
		t.drop(peer)
		return ctx.Err()
	case <-call.Done:
	}
	if call.Error != nil {
		t.drop(peer)
		t.window.Observe(time.Since(start), true)
		return call.Error
	}
	t.window.Observe(time.Since(start), false)
	return nil
}

// Close tears down all cached peer connections.
func (t *RPCTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, c := range t.clients {
		c.Close()
		delete(t.clients, peer)
	}
}

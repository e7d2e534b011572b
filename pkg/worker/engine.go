// Package worker implements the worker engine: it owns a set of
// partitions, runs vertex compute per superstep, applies buffered
// mutations, and flushes messages to peer workers before reporting
// completion to the master.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stepwise-graph/stepwise/internal/swarm"
	"github.com/stepwise-graph/stepwise/pkg/aggregate"
	"github.com/stepwise-graph/stepwise/pkg/checkpoint"
	"github.com/stepwise-graph/stepwise/pkg/codec"
	"github.com/stepwise-graph/stepwise/pkg/compute"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/graphio"
	"github.com/stepwise-graph/stepwise/pkg/message"
	"github.com/stepwise-graph/stepwise/pkg/partition"
	"github.com/stepwise-graph/stepwise/pkg/storage"
)

// Phase is the worker's superstep state machine position.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseComputing
	PhaseReportingDone
	PhaseBarrierWait
	PhaseHalted
	PhaseRecovering
)

// Transport delivers sealed message batches to a peer worker's message
// store. The send must be acknowledged before the sending worker's
// completion report is accepted.
type Transport interface {
	SendBatch(ctx context.Context, peer partition.WorkerID, batch message.Batch) error
}

// Report is the completion report a worker hands the master at the
// barrier.
type Report struct {
	Worker         partition.WorkerID
	Superstep      int
	ActiveVertices int64
	MessagesSent   int64
	Aggregators    map[string]any
}

// Config wires an Engine.
type Config struct {
	ID          partition.WorkerID
	Table       *partition.Table
	Store       *message.Store
	Aggregators *aggregate.Registry
	Compute     compute.Func
	Codec       codec.Codec
	Transport   Transport
	NewValue    graph.ValueFactory
	NewEdges    func() graph.OutEdges
	Parallelism int
	Logger      *slog.Logger
}

// Engine runs supersteps over the partitions it owns.
type Engine struct {
	cfg   Config
	pool  *swarm.Pool
	phase atomic.Int32

	mu         sync.Mutex
	partitions map[graph.PartitionID]*graph.Partition
	mutations  map[graph.PartitionID]*graph.MutationBuffer

	outMu  sync.Mutex
	outbox map[partition.WorkerID][]message.Envelope
	mutOut map[partition.WorkerID][]graph.Mutation
	sent   atomic.Int64

	aborted atomic.Bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id must not be empty")
	}
	if cfg.Compute == nil {
		return nil, fmt.Errorf("worker %s: compute function must not be nil", cfg.ID)
	}
	if cfg.NewValue == nil {
		cfg.NewValue = graph.DefaultValueFactory
	}
	if cfg.NewEdges == nil {
		cfg.NewEdges = func() graph.OutEdges { return graph.NewSliceEdges() }
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		pool:       swarm.NewPool(cfg.Parallelism),
		partitions: make(map[graph.PartitionID]*graph.Partition),
		mutations:  make(map[graph.PartitionID]*graph.MutationBuffer),
		outbox:     make(map[partition.WorkerID][]message.Envelope),
		mutOut:     make(map[partition.WorkerID][]graph.Mutation),
	}, nil
}

// ID returns the worker id.
func (e *Engine) ID() partition.WorkerID { return e.cfg.ID }

// Phase returns the current state machine position.
func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

func (e *Engine) setPhase(p Phase) { e.phase.Store(int32(p)) }

// Abort makes the engine stop at its next safe point.
func (e *Engine) Abort() { e.aborted.Store(true) }

// InstallPartition hands the engine a partition to own. Ownership is
// exclusive; the previous holder must have released it.
func (e *Engine) InstallPartition(p *graph.Partition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partitions[p.ID] = p
}

// DropPartitions releases ownership of every partition not in keep. Used
// when the master migrates partitions away after rebalancing.
func (e *Engine) DropPartitions(keep map[graph.PartitionID]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for pid := range e.partitions {
		if !keep[pid] {
			delete(e.partitions, pid)
			delete(e.mutations, pid)
		}
	}
}

// Partition returns an owned partition, creating it on demand. The loader
// uses this as its partition sink.
func (e *Engine) Partition(pid graph.PartitionID) *graph.Partition {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.partitions[pid]
	if p == nil {
		p = graph.NewPartition(pid)
		e.partitions[pid] = p
	}
	return p
}

// Load seeds the engine's partitions from input adapters, keeping only
// vertices assigned to partitions this worker owns.
func (e *Engine) Load(vertices graphio.VertexReader, edges graphio.EdgeReader, filter graph.EdgeFilter) error {
	owned := map[graph.PartitionID]bool{}
	for _, pid := range e.cfg.Table.PartitionsOf(e.cfg.ID) {
		owned[pid] = true
	}
	scratch := map[graph.PartitionID]*graph.Partition{}
	err := graphio.Load(graphio.LoadOptions{
		Vertices:    vertices,
		Edges:       edges,
		Assign:      e.cfg.Table.Assign,
		NewEdges:    e.cfg.NewEdges,
		NewValue:    e.cfg.NewValue,
		InputFilter: filter,
		Partition: func(pid graph.PartitionID) *graph.Partition {
			if owned[pid] {
				return e.Partition(pid)
			}
			// Not ours: route into a discarded scratch partition.
			if scratch[pid] == nil {
				scratch[pid] = graph.NewPartition(pid)
			}
			return scratch[pid]
		},
	})
	if err != nil {
		return fmt.Errorf("worker %s: %w", e.cfg.ID, err)
	}
	return nil
}

// RunSuperstep executes superstep s over every owned partition and flushes
// remote messages. It returns the completion report only after every
// remote batch has been acknowledged, which is what keeps messages from
// racing the barrier crossing.
func (e *Engine) RunSuperstep(ctx context.Context, s int, aggregators map[string]any) (*Report, error) {
	if e.aborted.Load() {
		return nil, fmt.Errorf("worker %s: aborted", e.cfg.ID)
	}
	e.setPhase(PhaseComputing)
	defer e.setPhase(PhaseBarrierWait)

	e.cfg.Aggregators.SetGlobals(aggregators)
	e.sent.Store(0)

	// Mutations buffered during s-1, locally and from peers, apply
	// before the input of s is delivered. The barrier guarantees every
	// remote batch for s-1 has already arrived; batches for s that beat
	// this worker to its own start stay buffered for s+1.
	e.applyMutations(s)

	// Messages produced in s-1 become this superstep's input.
	e.cfg.Store.Seal(s - 1)
	inbox, err := e.cfg.Store.Deliver(s)
	if err != nil {
		return nil, fmt.Errorf("worker %s: deliver superstep %d: %w", e.cfg.ID, s, err)
	}
	e.resolveImplicitVertices(inbox)

	byPartition := e.groupInbox(inbox)

	e.mu.Lock()
	pids := make([]graph.PartitionID, 0, len(e.partitions))
	for pid := range e.partitions {
		pids = append(pids, pid)
	}
	e.mu.Unlock()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	tasks := make([]swarm.Task, 0, len(pids))
	for _, pid := range pids {
		p := e.Partition(pid)
		partInbox := byPartition[pid]
		tasks = append(tasks, func(ctx context.Context) error {
			return e.computePartition(ctx, s, p, partInbox, aggregators)
		})
	}
	if err := e.pool.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("worker %s: superstep %d: %w", e.cfg.ID, s, err)
	}

	if err := e.flushRemote(ctx, s); err != nil {
		return nil, fmt.Errorf("worker %s: flush superstep %d: %w", e.cfg.ID, s, err)
	}

	e.setPhase(PhaseReportingDone)
	report := &Report{
		Worker:         e.cfg.ID,
		Superstep:      s,
		ActiveVertices: e.activeVertices(),
		MessagesSent:   e.sent.Load(),
		Aggregators:    e.cfg.Aggregators.DrainPartials(),
	}
	return report, nil
}

func (e *Engine) computePartition(ctx context.Context, s int, p *graph.Partition, inbox map[graph.VertexID][]any, aggregators map[string]any) error {
	cctx := compute.NewContext(
		s,
		aggregators,
		e.send(s),
		e.cfg.Aggregators.Contribute,
		e.routeMutation,
	)

	return p.Each(func(v *graph.Vertex) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		messages := inbox[v.ID]
		if len(messages) > 0 {
			v.Activate()
		}
		if v.Halted {
			return nil
		}
		if err := runCompute(e.cfg.Compute, cctx, v, messages); err != nil {
			// A single vertex failure is a worker-level failure; it is
			// never silently skipped.
			return fmt.Errorf("compute vertex %s in partition %d: %w", v.ID, p.ID, err)
		}
		return nil
	})
}

// runCompute confines a panicking vertex program to an error, so a bad
// type assertion fails the worker and triggers recovery instead of
// killing the process.
func runCompute(fn compute.Func, cctx *compute.Context, v *graph.Vertex, messages []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(cctx, v, messages)
}

// routeMutation buffers a mutation with the partition that owns its
// target id, which is rarely the requesting vertex's own partition.
// Mutations owned by a peer travel with the next remote flush.
func (e *Engine) routeMutation(m graph.Mutation) {
	pid := e.cfg.Table.Assign(m.Vertex)
	owner, ok := e.cfg.Table.OwnerOf(pid)
	if !ok || owner == e.cfg.ID {
		e.mutationBuffer(pid).Add(m)
		return
	}
	e.outMu.Lock()
	e.mutOut[owner] = append(e.mutOut[owner], m)
	e.outMu.Unlock()
}

// send routes one message: local destinations go straight into the message
// store, remote ones are encoded and buffered for the post-compute flush.
func (e *Engine) send(s int) func(dest graph.VertexID, payload any) error {
	return func(dest graph.VertexID, payload any) error {
		e.sent.Add(1)
		pid := e.cfg.Table.Assign(dest)
		owner, ok := e.cfg.Table.OwnerOf(pid)
		if !ok {
			return fmt.Errorf("no owner for partition %d (message to %s)", pid, dest)
		}
		if owner == e.cfg.ID {
			return e.cfg.Store.Enqueue(dest, payload, s)
		}
		data, err := e.cfg.Codec.Encode(payload)
		if err != nil {
			return fmt.Errorf("encode message to vertex %s: %w", dest, err)
		}
		e.outMu.Lock()
		e.outbox[owner] = append(e.outbox[owner], message.Envelope{Dest: dest, Superstep: s, Data: data})
		e.outMu.Unlock()
		return nil
	}
}

// flushRemote pushes buffered envelopes and mutations to their owning
// workers and waits for every acknowledgment.
func (e *Engine) flushRemote(ctx context.Context, s int) error {
	e.outMu.Lock()
	outbox := e.outbox
	mutOut := e.mutOut
	e.outbox = make(map[partition.WorkerID][]message.Envelope)
	e.mutOut = make(map[partition.WorkerID][]graph.Mutation)
	e.outMu.Unlock()

	peerSet := make(map[partition.WorkerID]bool, len(outbox))
	for peer := range outbox {
		peerSet[peer] = true
	}
	for peer := range mutOut {
		peerSet[peer] = true
	}
	peers := make([]partition.WorkerID, 0, len(peerSet))
	for peer := range peerSet {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	tasks := make([]swarm.Task, 0, len(peers))
	for _, peer := range peers {
		batch := message.Batch{From: string(e.cfg.ID), Superstep: s, Envelopes: outbox[peer]}
		for _, m := range mutOut[peer] {
			data, err := e.cfg.Codec.Encode(m)
			if err != nil {
				return fmt.Errorf("encode mutation of vertex %s: %w", m.Vertex, err)
			}
			batch.Mutations = append(batch.Mutations, data)
		}
		tasks = append(tasks, func(ctx context.Context) error {
			if err := e.cfg.Transport.SendBatch(ctx, peer, batch); err != nil {
				return fmt.Errorf("deliver batch to %s: %w", peer, err)
			}
			return nil
		})
	}
	return e.pool.Run(ctx, tasks)
}

// ReceiveBatch is the peer-facing entry: decode a remote batch into the
// local message store and mutation buffers. The store rejects batches for
// sealed supersteps, so the S+1 visibility invariant holds across process
// boundaries.
func (e *Engine) ReceiveBatch(batch message.Batch) error {
	for _, data := range batch.Mutations {
		payload, err := e.cfg.Codec.Decode(data)
		if err != nil {
			return fmt.Errorf("decode mutation from %s: %w", batch.From, err)
		}
		m, ok := payload.(graph.Mutation)
		if !ok {
			return fmt.Errorf("mutation from %s decoded to %T", batch.From, payload)
		}
		e.routeMutation(m)
	}

	byDest := make(map[graph.VertexID][]any, len(batch.Envelopes))
	for _, env := range batch.Envelopes {
		payload, err := e.cfg.Codec.Decode(env.Data)
		if err != nil {
			return fmt.Errorf("decode message for vertex %s: %w", env.Dest, err)
		}
		byDest[env.Dest] = append(byDest[env.Dest], payload)
	}
	return e.cfg.Store.Receive(batch.Superstep, byDest)
}

// resolveImplicitVertices creates vertices for message destinations that
// do not exist yet, with a factory value, before compute begins.
func (e *Engine) resolveImplicitVertices(inbox map[graph.VertexID][]any) {
	for dest := range inbox {
		pid := e.cfg.Table.Assign(dest)
		p := e.Partition(pid)
		if p.Get(dest) == nil {
			p.Put(&graph.Vertex{ID: dest, Value: e.cfg.NewValue(), Edges: e.cfg.NewEdges()})
		}
	}
}

func (e *Engine) groupInbox(inbox map[graph.VertexID][]any) map[graph.PartitionID]map[graph.VertexID][]any {
	out := make(map[graph.PartitionID]map[graph.VertexID][]any)
	for dest, payloads := range inbox {
		pid := e.cfg.Table.Assign(dest)
		if out[pid] == nil {
			out[pid] = make(map[graph.VertexID][]any)
		}
		out[pid][dest] = payloads
	}
	return out
}

func (e *Engine) mutationBuffer(pid graph.PartitionID) *graph.MutationBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.mutations[pid]
	if b == nil {
		b = &graph.MutationBuffer{}
		e.mutations[pid] = b
	}
	return b
}

func (e *Engine) applyMutations(s int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for pid, buf := range e.mutations {
		if buf.Len() == 0 {
			continue
		}
		p := e.partitions[pid]
		if p == nil {
			p = graph.NewPartition(pid)
			e.partitions[pid] = p
		}
		buf.Apply(p, s, e.cfg.NewValue, e.cfg.NewEdges)
	}
}

func (e *Engine) activeVertices() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int64
	for _, p := range e.partitions {
		n += int64(p.ActiveCount())
	}
	return n
}

// VertexCounts reports per-partition vertex counts for load balancing.
func (e *Engine) VertexCounts() map[graph.PartitionID]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[graph.PartitionID]int, len(e.partitions))
	for pid, p := range e.partitions {
		out[pid] = p.Len()
	}
	return out
}

// WriteCheckpoint snapshots every owned partition, including the pending
// queues destined to it and its not-yet-applied mutations, and stores
// them tagged with s.
func (e *Engine) WriteCheckpoint(ctx context.Context, s int, mgr *checkpoint.Manager) error {
	pending, err := e.cfg.Store.Pending()
	if err != nil {
		return fmt.Errorf("worker %s: %w", e.cfg.ID, err)
	}
	sent := e.cfg.Store.SentCounts()

	// A mutation may target a partition that holds no vertices yet, so
	// the snapshot set is the union of populated partitions and
	// partitions with buffered mutations.
	e.mu.Lock()
	pidSet := make(map[graph.PartitionID]bool, len(e.partitions))
	for pid := range e.partitions {
		pidSet[pid] = true
	}
	for pid, buf := range e.mutations {
		if buf.Len() > 0 {
			pidSet[pid] = true
		}
	}
	e.mu.Unlock()

	pids := make([]graph.PartitionID, 0, len(pidSet))
	for pid := range pidSet {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		p := e.Partition(pid)
		partPending := make(map[int]map[graph.VertexID][]any)
		for step, queue := range pending {
			for dest, payloads := range queue {
				if e.cfg.Table.Assign(dest) != p.ID {
					continue
				}
				if partPending[step] == nil {
					partPending[step] = make(map[graph.VertexID][]any)
				}
				partPending[step][dest] = payloads
			}
		}
		snap, err := checkpoint.Snapshot(p, partPending, e.mutationBuffer(pid).Pending(), sent, s, e.cfg.Codec)
		if err != nil {
			return err
		}
		if err := mgr.WritePartition(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// RestoreCheckpoint replaces all local state with the checkpoint at s,
// loading every partition the routing table currently assigns to this
// worker. Anything produced after s is discarded; replay regenerates it.
func (e *Engine) RestoreCheckpoint(ctx context.Context, s int, mgr *checkpoint.Manager) error {
	e.setPhase(PhaseRecovering)
	defer e.setPhase(PhaseIdle)

	e.mu.Lock()
	e.partitions = make(map[graph.PartitionID]*graph.Partition)
	e.mutations = make(map[graph.PartitionID]*graph.MutationBuffer)
	e.mu.Unlock()
	e.cfg.Store.Reset()
	e.outMu.Lock()
	e.outbox = make(map[partition.WorkerID][]message.Envelope)
	e.mutOut = make(map[partition.WorkerID][]graph.Mutation)
	e.outMu.Unlock()

	pending := make(map[int]map[graph.VertexID][]any)
	sent := make(map[int]int)
	for _, pid := range e.cfg.Table.PartitionsOf(e.cfg.ID) {
		snap, err := mgr.RestorePartition(ctx, s, pid)
		if err != nil {
			// A partition with no blob held nothing when the
			// checkpoint was taken.
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("worker %s: %w", e.cfg.ID, err)
		}
		restored, err := checkpoint.Restore(snap, e.cfg.Codec, e.cfg.NewEdges)
		if err != nil {
			return fmt.Errorf("worker %s: %w", e.cfg.ID, err)
		}
		e.InstallPartition(restored.Partition)
		for _, m := range restored.Mutations {
			e.mutationBuffer(pid).Add(m)
		}
		for step, queue := range restored.Pending {
			if pending[step] == nil {
				pending[step] = make(map[graph.VertexID][]any)
			}
			for dest, payloads := range queue {
				pending[step][dest] = append(pending[step][dest], payloads...)
			}
		}
		for step, n := range restored.Sent {
			if n > sent[step] {
				sent[step] = n
			}
		}
	}
	e.cfg.Store.Restore(pending, sent)
	return nil
}

// WriteOutput drains final vertex values into the output adapter, in
// sorted partition and vertex order.
func (e *Engine) WriteOutput(out graphio.OutputWriter) error {
	e.setPhase(PhaseHalted)

	e.mu.Lock()
	parts := make([]*graph.Partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		parts = append(parts, p)
	}
	e.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })

	for _, p := range parts {
		err := p.Each(func(v *graph.Vertex) error {
			return out.Write(v.ID, v.Value)
		})
		if err != nil {
			return err
		}
	}
	return out.Flush()
}

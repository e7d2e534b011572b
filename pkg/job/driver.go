package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/stepwise-graph/stepwise/pkg/checkpoint"
	"github.com/stepwise-graph/stepwise/pkg/coord"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/graphio"
	"github.com/stepwise-graph/stepwise/pkg/master"
	"github.com/stepwise-graph/stepwise/pkg/message"
	"github.com/stepwise-graph/stepwise/pkg/partition"
	"github.com/stepwise-graph/stepwise/pkg/storage"
	"github.com/stepwise-graph/stepwise/pkg/worker"
)

// Local runs a whole job inside one process: every worker is an engine
// wired to an in-memory transport and coordinator. It is the vehicle for
// development runs and for end-to-end tests.
type Local struct {
	Spec Spec

	// VertexInput and EdgeInput override the sources named in the spec.
	// Either may be nil.
	VertexInput io.Reader
	EdgeInput   io.Reader

	// Blobs backs checkpoints and message spilling. Nil disables both
	// unless the spec asks for them, in which case a throwaway local
	// store is created under dir.
	Blobs storage.BlobStore
	// Dir is the scratch directory for the throwaway blob store.
	Dir string

	Logger *slog.Logger

	// WorkerTimeout bounds each worker's superstep. Zero keeps the
	// master default.
	WorkerTimeout time.Duration

	table   *partition.Table
	engines map[partition.WorkerID]*worker.Engine
	mst     *master.Master
}

// Events exposes the master's progress feed. Valid after Start.
func (l *Local) Events() <-chan master.Event {
	if l.mst == nil {
		return nil
	}
	return l.mst.Events()
}

// Result is a local run's outcome plus the final vertex values gathered
// from every engine.
type Result struct {
	master.Result
	Values map[graph.VertexID]any
}

// Run executes the job to completion and gathers final vertex values.
func (l *Local) Run(ctx context.Context) (*Result, error) {
	if err := l.Start(ctx); err != nil {
		return nil, err
	}
	return l.Wait(ctx)
}

// Start builds the workers, loads the graph and prepares the master.
func (l *Local) Start(ctx context.Context) error {
	rt, err := l.Spec.resolve()
	if err != nil {
		return err
	}
	spec := rt.spec
	if l.Logger == nil {
		l.Logger = slog.Default()
	}

	blobs := l.Blobs
	if blobs == nil && (spec.CheckpointInterval > 0 || spec.SpillThreshold > 0) {
		dir := l.Dir
		if dir == "" {
			dir = "."
		}
		blobs = storage.NewLocalStore(dir)
	}

	l.table = partition.NewTable(rt.strategy, spec.Partitions)
	workers := make([]partition.WorkerID, 0, spec.Workers)
	for i := 0; i < spec.Workers; i++ {
		workers = append(workers, partition.WorkerID(fmt.Sprintf("w%d", i)))
	}
	if err := l.table.Distribute(workers); err != nil {
		return fmt.Errorf("job %s: %w", spec.ID, err)
	}

	var ckpt *checkpoint.Manager
	if spec.CheckpointInterval > 0 {
		ckpt = &checkpoint.Manager{
			Blobs:    blobs,
			JobID:    spec.ID,
			Interval: spec.CheckpointInterval,
			Retain:   spec.CheckpointRetain,
			Logger:   l.Logger,
		}
	}

	transport := worker.NewLocalTransport()
	membership := coord.NewInMemory()
	l.engines = make(map[partition.WorkerID]*worker.Engine, len(workers))
	clients := make([]master.WorkerClient, 0, len(workers))
	for _, id := range workers {
		combiner, err := rt.combinerFor()
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
		var spiller *message.Spiller
		if spec.SpillThreshold > 0 {
			prefix := fmt.Sprintf("jobs/%s/workers/%s", spec.ID, id)
			spiller = message.NewSpiller(blobs, rt.codec, prefix, spec.SpillThreshold)
		}
		aggs, err := rt.aggregators()
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
		engine, err := worker.NewEngine(worker.Config{
			ID:          id,
			Table:       l.table,
			Store:       message.NewStore(combiner, spiller),
			Aggregators: aggs,
			Compute:     rt.compute,
			Codec:       rt.codec,
			Transport:   transport,
			NewValue:    rt.valueFactory,
			NewEdges:    rt.newEdges,
			Parallelism: spec.Parallelism,
			Logger:      l.Logger.With("worker", id),
		})
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
		transport.Attach(engine)
		l.engines[id] = engine
		clients = append(clients, &localClient{engine: engine, ckpt: ckpt, table: l.table, coord: membership})
	}

	if err := l.loadGraph(rt); err != nil {
		return err
	}

	masterAggs, err := rt.aggregators()
	if err != nil {
		return fmt.Errorf("job %s: %w", spec.ID, err)
	}
	l.mst, err = master.New(master.Config{
		JobID:               spec.ID,
		Clients:             clients,
		Table:               l.table,
		Aggregators:         masterAggs,
		Checkpoints:         ckpt,
		Coord:               membership,
		MaxSupersteps:       spec.MaxSupersteps,
		MaxRecoveryAttempts: spec.MaxRecoveryAttempts,
		WorkerTimeout:       l.WorkerTimeout,
		HaltPolicy:          rt.haltPolicy,
		Logger:              l.Logger,
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", spec.ID, err)
	}
	return nil
}

// Wait runs the prepared master to completion.
func (l *Local) Wait(ctx context.Context) (*Result, error) {
	res, err := l.mst.Run(ctx)
	if err != nil {
		return nil, err
	}
	values := l.gatherValues()
	if out := l.Spec.Output; out != nil {
		if err := l.writeOutput(out, values); err != nil {
			return nil, err
		}
	}
	return &Result{Result: *res, Values: values}, nil
}

// loadGraph reads the inputs once and hands each partition to its
// owning engine.
func (l *Local) loadGraph(rt *runtime) error {
	var vertices graphio.VertexReader
	var edges graphio.EdgeReader
	var err error
	spec := rt.spec
	if l.VertexInput != nil {
		name := "text-vertices"
		if spec.Input != nil && spec.Input.Vertices != "" {
			name = spec.Input.Vertices
		}
		vertices, err = graphio.NewVertexInput(name, l.VertexInput)
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
	}
	if l.EdgeInput != nil {
		name := "text-edges"
		if spec.Input != nil && spec.Input.Edges != "" {
			name = spec.Input.Edges
		}
		edges, err = graphio.NewEdgeInput(name, l.EdgeInput)
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
	}

	partitions := map[graph.PartitionID]*graph.Partition{}
	err = graphio.Load(graphio.LoadOptions{
		Vertices:    vertices,
		Edges:       edges,
		Assign:      l.table.Assign,
		NewEdges:    rt.newEdges,
		NewValue:    rt.valueFactory,
		InputFilter: rt.inputFilter,
		Partition: func(pid graph.PartitionID) *graph.Partition {
			p := partitions[pid]
			if p == nil {
				p = graph.NewPartition(pid)
				partitions[pid] = p
			}
			return p
		},
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", spec.ID, err)
	}
	for pid, p := range partitions {
		owner, ok := l.table.OwnerOf(pid)
		if !ok {
			return fmt.Errorf("job %s: partition %d has no owner", spec.ID, pid)
		}
		l.engines[owner].InstallPartition(p)
	}
	return nil
}

func (l *Local) gatherValues() map[graph.VertexID]any {
	values := make(map[graph.VertexID]any)
	for id, engine := range l.engines {
		if len(l.table.PartitionsOf(id)) == 0 {
			continue
		}
		for _, pid := range l.table.PartitionsOf(id) {
			engine.Partition(pid).Each(func(v *graph.Vertex) error {
				values[v.ID] = v.Value
				return nil
			})
		}
	}
	return values
}

func (l *Local) writeOutput(out *OutputSpec, values map[graph.VertexID]any) error {
	f, err := createOutputFile(out.Path)
	if err != nil {
		return fmt.Errorf("job %s: %w", l.Spec.ID, err)
	}
	defer f.Close()
	w, err := graphio.NewOutput(out.Adapter, f)
	if err != nil {
		return fmt.Errorf("job %s: %w", l.Spec.ID, err)
	}
	ids := make([]graph.VertexID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := w.Write(id, values[id]); err != nil {
			return fmt.Errorf("job %s: %w", l.Spec.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("job %s: %w", l.Spec.ID, err)
	}
	return f.Close()
}

// localClient adapts an in-process engine to the master's client
// contract.
type localClient struct {
	engine *worker.Engine
	ckpt   *checkpoint.Manager
	table  *partition.Table
	coord  *coord.InMemory
}

func (c *localClient) ID() partition.WorkerID { return c.engine.ID() }

// Begin runs the superstep and then holds the report at the barrier
// until every registered worker has arrived. A failed worker is
// deregistered so it cannot strand the others.
func (c *localClient) Begin(ctx context.Context, args worker.BeginArgs) (*worker.Report, error) {
	report, err := c.engine.RunSuperstep(ctx, args.Superstep, args.Aggregators)
	if err != nil {
		c.coord.Deregister(c.engine.ID())
		return nil, err
	}
	wctx := coord.WithWorker(ctx, c.engine.ID())
	if err := c.coord.EnterBarrier(wctx, args.Superstep); err != nil {
		return nil, err
	}
	if err := c.coord.AwaitBarrierRelease(ctx, args.Superstep); err != nil {
		return nil, err
	}
	return report, nil
}

func (c *localClient) Checkpoint(ctx context.Context, superstep int) error {
	if c.ckpt == nil {
		return fmt.Errorf("checkpointing disabled")
	}
	return c.engine.WriteCheckpoint(ctx, superstep, c.ckpt)
}

func (c *localClient) Restore(ctx context.Context, superstep int, a partition.Assignment) error {
	if c.ckpt == nil {
		return fmt.Errorf("checkpointing disabled")
	}
	// The table is shared with the master, which already applied the
	// post-failure assignment.
	return c.engine.RestoreCheckpoint(ctx, superstep, c.ckpt)
}

func (c *localClient) Output(ctx context.Context, adapter, path string) error {
	// Local runs gather values directly from the engines instead.
	return nil
}

func (c *localClient) VertexCounts(ctx context.Context) (map[graph.PartitionID]int, error) {
	return c.engine.VertexCounts(), nil
}

func (c *localClient) Abort(ctx context.Context, reason string) error {
	c.engine.Abort()
	return nil
}

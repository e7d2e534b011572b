// Package master implements the barrier loop: it starts supersteps on
// every worker, collects completion reports, combines aggregators,
// decides halting, and coordinates checkpoint writes and rollback
// recovery when a worker fails.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stepwise-graph/stepwise/pkg/aggregate"
	"github.com/stepwise-graph/stepwise/pkg/checkpoint"
	"github.com/stepwise-graph/stepwise/pkg/coord"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/partition"
	"github.com/stepwise-graph/stepwise/pkg/worker"
)

// State is the master's position in the barrier protocol.
type State int

const (
	StateInitializing State = iota
	StateSuperstepInProgress
	StateCollecting
	StateCheckpointing
	StateAdvancing
	StateRecovering
	StateHalting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSuperstepInProgress:
		return "superstep-in-progress"
	case StateCollecting:
		return "collecting"
	case StateCheckpointing:
		return "checkpointing"
	case StateAdvancing:
		return "advancing"
	case StateRecovering:
		return "recovering"
	case StateHalting:
		return "halting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event is a per-barrier progress snapshot, consumed by the TUI and by
// anything else watching the run.
type Event struct {
	Superstep      int
	State          State
	ActiveVertices int64
	MessagesSent   int64
	Workers        int
	Recoveries     int
	Err            error
}

// OutputSpec tells workers where to drain final vertex values. Each
// worker writes its own shard under Dir.
type OutputSpec struct {
	Adapter string
	Dir     string
}

// Config wires a Master.
type Config struct {
	JobID       string
	Clients     []WorkerClient
	Table       *partition.Table
	Aggregators *aggregate.Registry
	Checkpoints *checkpoint.Manager
	Coord       coord.Coordinator

	MaxSupersteps       int
	MaxRecoveryAttempts int
	WorkerTimeout       time.Duration
	HaltPolicy          *HaltPolicy
	Output              *OutputSpec

	// SeedAggregators, when set, returns master-written aggregator
	// values applied once per barrier, before that superstep's
	// broadcast. Worker contributions during the superstep still
	// combine on top as usual.
	SeedAggregators func(superstep int) map[string]any

	Logger *slog.Logger
}

// Result summarizes a finished run.
type Result struct {
	Supersteps  int
	Aggregators map[string]any
	Recoveries  int
}

// Master owns the barrier loop for one job.
type Master struct {
	cfg     Config
	state   State
	events  chan Event
	tracer  trace.Tracer
	metrics masterMetrics
}

type masterMetrics struct {
	supersteps metric.Int64Counter
	messages   metric.Int64Counter
	recoveries metric.Int64Counter
}

func New(cfg Config) (*Master, error) {
	if len(cfg.Clients) == 0 {
		return nil, fmt.Errorf("job %s: at least one worker is required", cfg.JobID)
	}
	if cfg.Table == nil {
		return nil, fmt.Errorf("job %s: routing table is required", cfg.JobID)
	}
	if cfg.MaxSupersteps <= 0 {
		cfg.MaxSupersteps = 1 << 20
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Aggregators == nil {
		cfg.Aggregators = aggregate.NewRegistry()
	}

	meter := otel.Meter("stepwise/master")
	supersteps, _ := meter.Int64Counter("stepwise.supersteps.completed")
	messages, _ := meter.Int64Counter("stepwise.messages.sent")
	recoveries, _ := meter.Int64Counter("stepwise.recoveries")

	return &Master{
		cfg:    cfg,
		state:  StateInitializing,
		events: make(chan Event, 64),
		tracer: otel.Tracer("stepwise/master"),
		metrics: masterMetrics{
			supersteps: supersteps,
			messages:   messages,
			recoveries: recoveries,
		},
	}, nil
}

// Events delivers per-barrier progress. The channel closes when Run
// returns. Slow consumers lose events rather than stalling the barrier.
func (m *Master) Events() <-chan Event { return m.events }

func (m *Master) emit(ev Event) {
	ev.State = m.state
	ev.Workers = len(m.cfg.Clients)
	select {
	case m.events <- ev:
	default:
	}
}

// Run drives the job to completion. It returns once every worker has
// written output, or with the error that made the job unrecoverable.
func (m *Master) Run(ctx context.Context) (*Result, error) {
	defer close(m.events)

	ctx, span := m.tracer.Start(ctx, "job.run",
		trace.WithAttributes(attribute.String("job.id", m.cfg.JobID)))
	defer span.End()

	if m.cfg.Coord != nil {
		for _, c := range m.cfg.Clients {
			addr, _ := m.cfg.Table.Endpoint(c.ID())
			if err := m.cfg.Coord.RegisterWorker(ctx, c.ID(), addr); err != nil {
				return nil, fmt.Errorf("job %s: register worker %s: %w", m.cfg.JobID, c.ID(), err)
			}
		}
		members, err := m.cfg.Coord.ListWorkers(ctx)
		if err != nil {
			return nil, fmt.Errorf("job %s: list workers: %w", m.cfg.JobID, err)
		}
		leader, err := m.cfg.Coord.ElectLeader(ctx)
		if err != nil {
			return nil, fmt.Errorf("job %s: elect leader: %w", m.cfg.JobID, err)
		}
		m.cfg.Logger.Info("membership established",
			"job", m.cfg.JobID, "workers", len(members), "leader", leader)
	}

	globals, err := m.cfg.Aggregators.CombineReports(nil)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", m.cfg.JobID, err)
	}

	recoveries := 0
	superstep := 0
	for {
		if err := ctx.Err(); err != nil {
			m.abortAll(fmt.Sprintf("job context canceled: %v", err))
			return nil, err
		}

		if m.cfg.SeedAggregators != nil {
			for name, v := range m.cfg.SeedAggregators(superstep) {
				if err := m.cfg.Aggregators.Seed(name, v); err != nil {
					m.abortAll(err.Error())
					return nil, fmt.Errorf("job %s: superstep %d: %w", m.cfg.JobID, superstep, err)
				}
				globals[name] = v
			}
		}

		reports, failed, err := m.runSuperstep(ctx, superstep, globals)
		if err != nil {
			return nil, err
		}
		if len(failed) > 0 {
			recoveries++
			m.metrics.recoveries.Add(ctx, 1)
			if m.cfg.MaxRecoveryAttempts > 0 && recoveries > m.cfg.MaxRecoveryAttempts {
				m.abortAll("recovery attempts exhausted")
				return nil, fmt.Errorf("job %s: recovery attempts exhausted after %d tries", m.cfg.JobID, recoveries)
			}
			resumeAt, restored, rerr := m.recover(ctx, superstep, failed)
			if rerr != nil {
				m.abortAll(rerr.Error())
				return nil, rerr
			}
			superstep = resumeAt
			// The resumed superstep observes the values combined at the
			// checkpoint barrier, exactly as the clean run did. The
			// checkpointed superstep itself is not replayed, so its
			// contributions cannot be rebuilt from reports.
			if restored == nil {
				restored, err = m.cfg.Aggregators.CombineReports(nil)
				if err != nil {
					return nil, err
				}
			}
			globals = restored
			continue
		}

		m.state = StateCollecting
		var active, sent int64
		partials := make([]map[string]any, 0, len(reports))
		for _, r := range reports {
			active += r.ActiveVertices
			sent += r.MessagesSent
			partials = append(partials, r.Aggregators)
		}
		globals, err = m.cfg.Aggregators.CombineReports(partials)
		if err != nil {
			m.abortAll(err.Error())
			return nil, fmt.Errorf("job %s: superstep %d: %w", m.cfg.JobID, superstep, err)
		}

		m.metrics.supersteps.Add(ctx, 1)
		m.metrics.messages.Add(ctx, sent)
		m.emit(Event{Superstep: superstep, ActiveVertices: active, MessagesSent: sent, Recoveries: recoveries})
		m.cfg.Logger.Info("superstep complete",
			"job", m.cfg.JobID, "superstep", superstep,
			"active", active, "sent", sent)

		halt, err := m.shouldHalt(superstep, active, sent, globals)
		if err != nil {
			m.abortAll(err.Error())
			return nil, err
		}
		if halt {
			break
		}

		if m.cfg.Checkpoints != nil && m.cfg.Checkpoints.Due(superstep) {
			m.checkpoint(ctx, superstep, globals)
		}

		m.state = StateAdvancing
		superstep++
	}

	m.state = StateHalting
	if err := m.writeOutput(ctx); err != nil {
		return nil, err
	}
	m.state = StateTerminated
	m.emit(Event{Superstep: superstep, Recoveries: recoveries})

	return &Result{Supersteps: superstep + 1, Aggregators: globals, Recoveries: recoveries}, nil
}

// runSuperstep broadcasts the superstep start and collects every report.
// Workers that error or exceed the timeout come back in failed.
func (m *Master) runSuperstep(ctx context.Context, superstep int, globals map[string]any) (map[partition.WorkerID]*worker.Report, []partition.WorkerID, error) {
	m.state = StateSuperstepInProgress
	ctx, span := m.tracer.Start(ctx, "superstep",
		trace.WithAttributes(attribute.Int("superstep", superstep)))
	defer span.End()

	args := worker.BeginArgs{
		Superstep:   superstep,
		Aggregators: globals,
		Assignment:  m.cfg.Table.Snapshot(),
		Endpoints:   m.endpoints(),
	}

	type outcome struct {
		id     partition.WorkerID
		report *worker.Report
		err    error
	}
	results := make(chan outcome, len(m.cfg.Clients))
	var wg sync.WaitGroup
	for _, c := range m.cfg.Clients {
		wg.Add(1)
		go func(c WorkerClient) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.cfg.WorkerTimeout)
			defer cancel()
			r, err := c.Begin(cctx, args)
			results <- outcome{id: c.ID(), report: r, err: err}
		}(c)
	}
	wg.Wait()
	close(results)

	reports := make(map[partition.WorkerID]*worker.Report, len(m.cfg.Clients))
	var failed []partition.WorkerID
	for o := range results {
		if o.err != nil {
			m.cfg.Logger.Error("worker failed during superstep",
				"job", m.cfg.JobID, "superstep", superstep, "worker", o.id, "error", o.err)
			failed = append(failed, o.id)
			continue
		}
		reports[o.id] = o.report
	}
	return reports, failed, nil
}

func (m *Master) shouldHalt(superstep int, active, sent int64, globals map[string]any) (bool, error) {
	if active == 0 && sent == 0 {
		m.cfg.Logger.Info("job quiesced", "job", m.cfg.JobID, "superstep", superstep)
		return true, nil
	}
	if superstep+1 >= m.cfg.MaxSupersteps {
		m.cfg.Logger.Info("superstep limit reached", "job", m.cfg.JobID, "superstep", superstep)
		return true, nil
	}
	halt, err := m.cfg.HaltPolicy.Evaluate(superstep, active, sent, globals)
	if err != nil {
		return false, fmt.Errorf("job %s: %w", m.cfg.JobID, err)
	}
	if halt {
		m.cfg.Logger.Info("halt policy satisfied", "job", m.cfg.JobID, "superstep", superstep)
	}
	return halt, nil
}

// checkpoint asks every worker to snapshot and commits the manifest only
// when all succeed, alongside the aggregator globals combined at this
// barrier. A failed checkpoint degrades the job, it does not stop it.
func (m *Master) checkpoint(ctx context.Context, superstep int, globals map[string]any) {
	m.state = StateCheckpointing
	ctx, span := m.tracer.Start(ctx, "checkpoint",
		trace.WithAttributes(attribute.Int("superstep", superstep)))
	defer span.End()

	for _, c := range m.cfg.Clients {
		if err := c.Checkpoint(ctx, superstep); err != nil {
			m.cfg.Logger.Warn("checkpoint skipped",
				"job", m.cfg.JobID, "superstep", superstep, "worker", c.ID(), "error", err)
			return
		}
	}
	if err := m.cfg.Checkpoints.Commit(ctx, superstep, globals); err != nil {
		m.cfg.Logger.Warn("checkpoint commit failed",
			"job", m.cfg.JobID, "superstep", superstep, "error", err)
	}
}

// recover rolls the job back to the newest committed checkpoint at or
// before the failed superstep, reassigning the failed workers'
// partitions to survivors. It returns the superstep to resume at and
// the aggregator globals that were combined at the checkpoint barrier.
func (m *Master) recover(ctx context.Context, superstep int, failed []partition.WorkerID) (int, map[string]any, error) {
	m.state = StateRecovering
	ctx, span := m.tracer.Start(ctx, "recover",
		trace.WithAttributes(attribute.Int("superstep", superstep)))
	defer span.End()

	if m.cfg.Checkpoints == nil {
		return 0, nil, fmt.Errorf("job %s: worker failure with checkpointing disabled", m.cfg.JobID)
	}

	failedSet := make(map[partition.WorkerID]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}
	survivors := m.cfg.Clients[:0:0]
	for _, c := range m.cfg.Clients {
		if !failedSet[c.ID()] {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return 0, nil, fmt.Errorf("job %s: all workers failed", m.cfg.JobID)
	}

	survivorIDs := make([]partition.WorkerID, 0, len(survivors))
	for _, c := range survivors {
		survivorIDs = append(survivorIDs, c.ID())
	}
	for _, id := range failed {
		if m.cfg.Coord != nil {
			m.cfg.Coord.Deregister(id)
		}
		if err := m.cfg.Table.ReassignWorker(id, survivorIDs); err != nil {
			return 0, nil, fmt.Errorf("job %s: reassign partitions of %s: %w", m.cfg.JobID, id, err)
		}
	}
	m.cfg.Clients = survivors
	m.rebalance(ctx, survivors, survivorIDs)

	target, ok, err := m.cfg.Checkpoints.LastCommitted(ctx, superstep)
	if err != nil {
		return 0, nil, fmt.Errorf("job %s: locate checkpoint: %w", m.cfg.JobID, err)
	}
	if !ok {
		return 0, nil, fmt.Errorf("job %s: no committed checkpoint to roll back to", m.cfg.JobID)
	}

	assignment := m.cfg.Table.Snapshot()
	for _, c := range survivors {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.WorkerTimeout)
		err := c.Restore(cctx, target, assignment)
		cancel()
		if err != nil {
			return 0, nil, fmt.Errorf("job %s: restore on %s: %w", m.cfg.JobID, c.ID(), err)
		}
	}
	restored, err := m.cfg.Checkpoints.Globals(ctx, target)
	if err != nil {
		return 0, nil, fmt.Errorf("job %s: load checkpointed aggregators: %w", m.cfg.JobID, err)
	}
	m.cfg.Logger.Info("rolled back to checkpoint",
		"job", m.cfg.JobID, "checkpoint", target, "failed", failed, "survivors", len(survivors))
	m.emit(Event{Superstep: target})
	return target + 1, restored, nil
}

// rebalance refines the post-failure assignment using survivor-reported
// vertex counts. The restore that follows reloads partitions wherever
// they land, so this is safe whenever every survivor answers; any
// failure keeps the count-blind reassignment.
func (m *Master) rebalance(ctx context.Context, survivors []WorkerClient, ids []partition.WorkerID) {
	counts := make(map[graph.PartitionID]int)
	for _, c := range survivors {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.WorkerTimeout)
		wc, err := c.VertexCounts(cctx)
		cancel()
		if err != nil {
			m.cfg.Logger.Warn("rebalance skipped",
				"job", m.cfg.JobID, "worker", c.ID(), "error", err)
			return
		}
		for pid, n := range wc {
			counts[pid] += n
		}
	}
	m.cfg.Table.Rebalance(counts, ids)
}

func (m *Master) writeOutput(ctx context.Context) error {
	if m.cfg.Output == nil {
		return nil
	}
	for _, c := range m.cfg.Clients {
		shard := path.Join(m.cfg.Output.Dir, fmt.Sprintf("part-%s", c.ID()))
		if err := c.Output(ctx, m.cfg.Output.Adapter, shard); err != nil {
			return fmt.Errorf("job %s: output on %s: %w", m.cfg.JobID, c.ID(), err)
		}
	}
	return nil
}

func (m *Master) abortAll(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range m.cfg.Clients {
		if err := c.Abort(ctx, reason); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			m.cfg.Logger.Warn("abort failed", "worker", c.ID(), "error", err)
		}
	}
}

func (m *Master) endpoints() map[partition.WorkerID]string {
	out := make(map[partition.WorkerID]string)
	for _, c := range m.cfg.Clients {
		if addr, ok := m.cfg.Table.Endpoint(c.ID()); ok {
			out[c.ID()] = addr
		}
	}
	return out
}

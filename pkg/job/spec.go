// Package job ties the engine together: the job specification, its
// validation, the HCL job file format, and the in-process driver used
// for local runs and tests.
package job

import (
	"fmt"

	"github.com/stepwise-graph/stepwise/pkg/aggregate"
	"github.com/stepwise-graph/stepwise/pkg/codec"
	"github.com/stepwise-graph/stepwise/pkg/compute"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/master"
	"github.com/stepwise-graph/stepwise/pkg/message"
	"github.com/stepwise-graph/stepwise/pkg/partition"
)

// AggregatorSpec declares one named aggregator with a builtin combine
// kind.
type AggregatorSpec struct {
	Name string `hcl:"name,label"`
	Kind string `hcl:"kind"`
}

// InputSpec names the input adapters and their sources.
type InputSpec struct {
	Vertices     string `hcl:"vertices,optional"`
	VertexSource string `hcl:"vertex_source,optional"`
	Edges        string `hcl:"edges,optional"`
	EdgeSource   string `hcl:"edge_source,optional"`
	Filter       string `hcl:"filter,optional"`
}

// OutputSpec names the output adapter and destination.
type OutputSpec struct {
	Adapter string `hcl:"adapter"`
	Path    string `hcl:"path"`
}

// Spec is the full description of one job. The zero value of every
// optional field picks the documented default.
type Spec struct {
	ID      string `hcl:"name,label"`
	Compute string `hcl:"compute"`

	Partitions  int    `hcl:"partitions,optional"`
	Workers     int    `hcl:"workers,optional"`
	Partitioner string `hcl:"partitioner,optional"`
	Combiner    string `hcl:"combiner,optional"`
	Codec       string `hcl:"codec,optional"`
	Edges       string `hcl:"edge_container,optional"`

	MaxSupersteps       int    `hcl:"max_supersteps,optional"`
	HaltExpr            string `hcl:"halt_when,optional"`
	CheckpointInterval  int    `hcl:"checkpoint_interval,optional"`
	CheckpointRetain    int    `hcl:"checkpoint_retain,optional"`
	MaxRecoveryAttempts int    `hcl:"max_recovery_attempts,optional"`

	ValueFactory   string `hcl:"value_factory,optional"`
	SpillThreshold int    `hcl:"spill_threshold,optional"`
	Parallelism    int    `hcl:"parallelism,optional"`

	Aggregators []AggregatorSpec `hcl:"aggregator,block"`
	Input       *InputSpec       `hcl:"input,block"`
	Output      *OutputSpec      `hcl:"output,block"`
}

// runtime is the resolved form of a Spec: every configuration-time id
// replaced by the component it names.
type runtime struct {
	spec Spec

	compute      compute.Func
	strategy     partition.Strategy
	combinerFor  func() (message.Combiner, error)
	codec        codec.Codec
	newEdges     func() graph.OutEdges
	valueFactory graph.ValueFactory
	inputFilter  graph.EdgeFilter
	haltPolicy   *master.HaltPolicy
	aggregators  func() (*aggregate.Registry, error)
}

// resolve validates the spec before any superstep runs. Every
// configuration error is fatal here rather than mid-job.
func (s Spec) resolve() (*runtime, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("job name must not be empty")
	}
	if s.Partitions <= 0 {
		s.Partitions = 1
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.Partitioner == "" {
		s.Partitioner = "hash"
	}
	if s.Codec == "" {
		s.Codec = "gob"
	}
	if s.Edges == "" {
		s.Edges = "slice"
	}

	fn, err := compute.Lookup(s.Compute)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", s.ID, err)
	}
	strategy, err := partition.NewStrategy(s.Partitioner)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", s.ID, err)
	}
	// Validate once up front; per-worker stores get their own instance.
	if _, err := message.NewCombiner(s.Combiner); err != nil {
		return nil, fmt.Errorf("job %s: %w", s.ID, err)
	}
	c, err := codec.New(s.Codec)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", s.ID, err)
	}
	newEdges, err := graph.NewEdges(s.Edges)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", s.ID, err)
	}
	valueFactory, err := newValueFactory(s.ValueFactory)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", s.ID, err)
	}
	var filter graph.EdgeFilter
	if s.Input != nil {
		filter, err = newEdgeFilter(s.Input.Filter)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", s.ID, err)
		}
	}
	policy, err := master.CompileHaltPolicy(s.HaltExpr)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", s.ID, err)
	}
	for _, a := range s.Aggregators {
		if _, ok := builtinAggregators[a.Kind]; !ok {
			return nil, fmt.Errorf("job %s: aggregator %q: unknown kind %q", s.ID, a.Name, a.Kind)
		}
	}

	name := s.Combiner
	aggs := s.Aggregators
	return &runtime{
		spec:     s,
		compute:  fn,
		strategy: strategy,
		combinerFor: func() (message.Combiner, error) {
			return message.NewCombiner(name)
		},
		codec:        c,
		newEdges:     newEdges,
		valueFactory: valueFactory,
		inputFilter:  filter,
		haltPolicy:   policy,
		aggregators: func() (*aggregate.Registry, error) {
			reg := aggregate.NewRegistry()
			for _, a := range aggs {
				kind := builtinAggregators[a.Kind]
				if err := reg.Register(a.Name, kind.combine, kind.initial); err != nil {
					return nil, err
				}
			}
			return reg, nil
		},
	}, nil
}

// Validate checks a spec without building anything. The cli uses it for
// a dry run before submitting.
func (s Spec) Validate() error {
	_, err := s.resolve()
	return err
}

package job

import (
	"fmt"
	"math"
	"sync"

	"github.com/stepwise-graph/stepwise/pkg/aggregate"
	"github.com/stepwise-graph/stepwise/pkg/graph"
)

var (
	regMu     sync.RWMutex
	factories = map[string]graph.ValueFactory{}
	filters   = map[string]graph.EdgeFilter{}
)

// RegisterValueFactory makes a vertex value factory selectable by id in
// the job configuration. The factory produces the initial value for
// vertices created implicitly, either at load time for edge-only input
// or at run time when a message reaches a missing vertex.
func RegisterValueFactory(name string, f graph.ValueFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

// RegisterEdgeFilter makes a load-time edge filter selectable by id.
func RegisterEdgeFilter(name string, f graph.EdgeFilter) {
	regMu.Lock()
	defer regMu.Unlock()
	filters[name] = f
}

func newValueFactory(name string) (graph.ValueFactory, error) {
	if name == "" {
		return graph.DefaultValueFactory, nil
	}
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("value factory %q is not registered", name)
	}
	return f, nil
}

func newEdgeFilter(name string) (graph.EdgeFilter, error) {
	if name == "" {
		return nil, nil
	}
	regMu.RLock()
	f, ok := filters[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("edge filter %q is not registered", name)
	}
	return f, nil
}

// builtinAggregators maps configuration-time combine kinds to their
// combine function and identity value.
var builtinAggregators = map[string]struct {
	combine aggregate.CombineFunc
	initial any
}{
	"sum-int64":   {aggregate.SumInt64, int64(0)},
	"sum-float64": {aggregate.SumFloat64, float64(0)},
	"min-int64":   {aggregate.MinInt64, int64(math.MaxInt64)},
	"max-int64":   {aggregate.MaxInt64, int64(math.MinInt64)},
	"bool-or":     {aggregate.BoolOr, false},
}

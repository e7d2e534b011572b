package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CombineOrderIndependence(t *testing.T) {
	reports := []map[string]any{
		{"total": int64(10)},
		{"total": int64(-3)},
		{"total": int64(7)},
	}

	permutations := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	for _, perm := range permutations {
		r := NewRegistry()
		require.NoError(t, r.Register("total", SumInt64, int64(0)))

		shuffled := make([]map[string]any, len(reports))
		for i, j := range perm {
			shuffled[i] = reports[j]
		}
		globals, err := r.CombineReports(shuffled)
		require.NoError(t, err)
		assert.Equal(t, int64(14), globals["total"])
	}
}

func TestRegistry_UnknownContributionIsFatal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("known", SumInt64, int64(0)))

	require.Error(t, r.Contribute("unknown", int64(1)))

	_, err := r.CombineReports([]map[string]any{{"ghost": int64(1)}})
	require.Error(t, err, "reports naming unregistered aggregators must fail")
}

func TestRegistry_NilCombineRejected(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register("bad", nil, int64(0)))
}

func TestRegistry_PartialsAccumulateAndDrain(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("sum", SumInt64, int64(0)))

	require.NoError(t, r.Contribute("sum", int64(4)))
	require.NoError(t, r.Contribute("sum", int64(6)))

	partials := r.DrainPartials()
	assert.Equal(t, int64(10), partials["sum"])
	assert.Empty(t, r.DrainPartials(), "drain must clear partials")
}

func TestRegistry_SeedOverridesBeforeBroadcast(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("phase", MaxInt64, int64(0)))

	_, err := r.CombineReports(nil)
	require.NoError(t, err)
	require.NoError(t, r.Seed("phase", int64(2)))

	v, ok := r.Global("phase")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

func TestRegistry_ResetsToInitialWithoutContributions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("halt", BoolOr, false))

	globals, err := r.CombineReports([]map[string]any{{"halt": true}})
	require.NoError(t, err)
	assert.Equal(t, true, globals["halt"])

	globals, err = r.CombineReports(nil)
	require.NoError(t, err)
	assert.Equal(t, false, globals["halt"], "value must reset when nobody contributes")
}

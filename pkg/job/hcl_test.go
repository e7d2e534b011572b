package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJobHCL = `
job "ranker" {
  compute             = "pagerank"
  partitions          = 8
  workers             = 2
  combiner            = "sum"
  max_supersteps      = 40
  halt_when           = "superstep >= 35"
  checkpoint_interval = 5
  checkpoint_retain   = 2

  aggregator "pagerank.count" {
    kind = "sum-int64"
  }

  input {
    edges       = "text-edges"
    edge_source = "edges.txt"
  }

  output {
    adapter = "id-with-value"
    path    = "ranks.tsv"
  }
}
`

func TestLoadBytesParsesJobFile(t *testing.T) {
	specs, err := LoadBytes([]byte(sampleJobHCL), "sample.hcl")
	require.NoError(t, err)
	require.Len(t, specs, 1)

	s := specs[0]
	assert.Equal(t, "ranker", s.ID)
	assert.Equal(t, "pagerank", s.Compute)
	assert.Equal(t, 8, s.Partitions)
	assert.Equal(t, "sum", s.Combiner)
	assert.Equal(t, "superstep >= 35", s.HaltExpr)
	assert.Equal(t, 5, s.CheckpointInterval)
	require.Len(t, s.Aggregators, 1)
	assert.Equal(t, "pagerank.count", s.Aggregators[0].Name)
	require.NotNil(t, s.Input)
	assert.Equal(t, "edges.txt", s.Input.EdgeSource)
	require.NotNil(t, s.Output)
	assert.Equal(t, "ranks.tsv", s.Output.Path)
}

func TestLoadFileExpandsEnvReferences(t *testing.T) {
	t.Setenv("GRAPH_DATA", "/data/graphs")
	src := `
job "env-job" {
  compute = "pass-through"

  input {
    edges       = "text-edges"
    edge_source = "${env.GRAPH_DATA}/edges.txt"
  }
}
`
	path := filepath.Join(t.TempDir(), "job.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	specs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "/data/graphs/edges.txt", specs[0].Input.EdgeSource)
}

func TestLoadBytesRejectsInvalidJob(t *testing.T) {
	_, err := LoadBytes([]byte(`
job "broken" {
  compute = "no-such-program"
}
`), "broken.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-program")
}

func TestLoadBytesRequiresJobBlock(t *testing.T) {
	_, err := LoadBytes([]byte(``), "empty.hcl")
	require.Error(t, err)
}

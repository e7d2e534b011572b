//go:build e2e

package e2e

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise-graph/stepwise/pkg/checkpoint"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/job"
	"github.com/stepwise-graph/stepwise/pkg/storage"
)

func TestS3BlobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newS3Client()
	require.NoError(t, createBucket(ctx, client, "blob-round-trip"))

	store := &storage.S3Store{Client: client, Bucket: "blob-round-trip"}

	require.NoError(t, store.Put(ctx, "jobs/x/data", []byte("payload")))
	got, err := store.Get(ctx, "jobs/x/data")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	keys, err := store.List(ctx, "jobs/x/")
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs/x/data"}, keys)

	require.NoError(t, store.Delete(ctx, "jobs/x/data"))
	_, err = store.Get(ctx, "jobs/x/data")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobCheckpointsToS3(t *testing.T) {
	ctx := context.Background()
	client := newS3Client()
	require.NoError(t, createBucket(ctx, client, "job-checkpoints"))
	blobs := &storage.S3Store{Client: client, Bucket: "job-checkpoints"}

	res, err := (&job.Local{
		Spec: job.Spec{
			ID:                 "s3-ckpt",
			Compute:            "pagerank",
			Partitions:         4,
			Workers:            2,
			MaxSupersteps:      12,
			CheckpointInterval: 3,
			Aggregators: []job.AggregatorSpec{
				{Name: "pagerank.count", Kind: "sum-int64"},
			},
		},
		Blobs:     blobs,
		EdgeInput: strings.NewReader("1 2\n2 3\n2 4\n4 1\n"),
	}).Run(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Values, 4)

	mgr := &checkpoint.Manager{Blobs: blobs, JobID: "s3-ckpt", Interval: 3}
	last, ok, err := mgr.LastCommitted(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok, "at least one checkpoint must have committed")
	assert.GreaterOrEqual(t, last, 3)

	pids, err := mgr.Partitions(ctx, last)
	require.NoError(t, err)
	assert.Len(t, pids, 4)

	// A snapshot read back from S3 restores to a usable partition.
	snap, err := mgr.RestorePartition(ctx, last, pids[0])
	require.NoError(t, err)
	assert.Equal(t, last, snap.Superstep)
	assert.IsType(t, graph.PartitionID(0), snap.Partition)
}

package message

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise-graph/stepwise/pkg/codec"
	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/storage"
)

func TestStore_VisibleOnlyNextSuperstep(t *testing.T) {
	s := NewStore(nil, nil)
	require.NoError(t, s.Enqueue("v1", int64(7), 3))

	// Nothing produced in superstep 3 may surface as superstep 3 input.
	got, err := s.Deliver(3)
	require.NoError(t, err)
	assert.Empty(t, got)

	s.Seal(3)
	got, err = s.Deliver(4)
	require.NoError(t, err)
	require.Len(t, got["v1"], 1)
	assert.Equal(t, int64(7), got["v1"][0])

	// Exactly once: a second delivery yields nothing.
	got, err = s.Deliver(4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_RejectsEnqueueAfterSeal(t *testing.T) {
	s := NewStore(nil, nil)
	s.Seal(2)
	err := s.Enqueue("v1", int64(1), 2)
	require.ErrorIs(t, err, ErrSealed)
}

func TestStore_CombinerOrderIndependence(t *testing.T) {
	payloads := []int64{5, -2, 19, 3, 3, 100, -44, 7}

	var want int64
	for _, p := range payloads {
		want += p
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		s := NewStore(SumCombiner{}, nil)
		shuffled := append([]int64(nil), payloads...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		for _, p := range shuffled {
			require.NoError(t, s.Enqueue("dest", p, 0))
		}
		assert.Equal(t, len(payloads), s.SentCount(0), "combining must not hide sent counts")

		s.Seal(0)
		got, err := s.Deliver(1)
		require.NoError(t, err)
		require.Len(t, got["dest"], 1, "combined batch should hold a single payload")
		assert.Equal(t, want, got["dest"][0])
	}
}

func TestStore_RemoteReceiveMatchesLocal(t *testing.T) {
	local := NewStore(SumCombiner{}, nil)
	require.NoError(t, local.Enqueue("d", int64(1), 0))
	require.NoError(t, local.Enqueue("d", int64(2), 0))

	remote := NewStore(SumCombiner{}, nil)
	require.NoError(t, remote.Receive(0, map[graph.VertexID][]any{"d": {int64(1), int64(2)}}))

	local.Seal(0)
	remote.Seal(0)
	a, err := local.Deliver(1)
	require.NoError(t, err)
	b, err := remote.Deliver(1)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStore_SpillRoundTrip(t *testing.T) {
	blobs := storage.NewLocalStore(t.TempDir())
	c, err := codec.New("gob")
	require.NoError(t, err)

	spiller := NewSpiller(blobs, c, "jobs/test", 3)
	s := NewStore(nil, spiller)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Enqueue("v", int64(i), 0))
	}
	s.Seal(0)

	got, err := s.Deliver(1)
	require.NoError(t, err)
	require.Len(t, got["v"], 10, "spilling must not lose or duplicate messages")

	sum := int64(0)
	for _, p := range got["v"] {
		sum += p.(int64)
	}
	assert.Equal(t, int64(45), sum)
}

func TestStore_PendingAndRestore(t *testing.T) {
	s := NewStore(nil, nil)
	require.NoError(t, s.Enqueue("a", int64(1), 5))
	require.NoError(t, s.Enqueue("b", int64(2), 5))

	pending, err := s.Pending()
	require.NoError(t, err)
	sent := s.SentCounts()

	fresh := NewStore(nil, nil)
	fresh.Restore(pending, sent)
	assert.Equal(t, 2, fresh.SentCount(5))

	fresh.Seal(5)
	got, err := fresh.Deliver(6)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStore_PendingIncludesSpilled(t *testing.T) {
	blobs := storage.NewLocalStore(t.TempDir())
	c, err := codec.New("gob")
	require.NoError(t, err)

	// Threshold 1 pushes every enqueue straight to storage.
	s := NewStore(nil, NewSpiller(blobs, c, "jobs/test", 1))
	require.NoError(t, s.Enqueue("a", int64(1), 0))
	require.NoError(t, s.Enqueue("b", int64(2), 0))

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending[0], 2, "spilled batches must appear in the checkpoint snapshot")
	sent := s.SentCounts()

	fresh := NewStore(nil, nil)
	fresh.Restore(pending, sent)
	fresh.Seal(0)
	got, err := fresh.Deliver(1)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, got["a"])
	assert.Equal(t, []any{int64(2)}, got["b"])
}

func TestStore_ResetDiscardsSpilled(t *testing.T) {
	blobs := storage.NewLocalStore(t.TempDir())
	c, err := codec.New("gob")
	require.NoError(t, err)

	s := NewStore(nil, NewSpiller(blobs, c, "jobs/test", 1))
	require.NoError(t, s.Enqueue("a", int64(1), 0))
	s.Reset()

	// Rolled-back state must not resurface out of old spill files.
	s.Seal(0)
	got, err := s.Deliver(1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_CombinerTypeMismatchSurfaces(t *testing.T) {
	s := NewStore(SumCombiner{}, nil)
	require.NoError(t, s.Enqueue("d", int64(1), 0))

	err := s.Enqueue("d", "seven", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot combine")

	err = s.Receive(0, map[graph.VertexID][]any{"d": {3.5}})
	require.Error(t, err, "remote batches hit the same type checks")
}

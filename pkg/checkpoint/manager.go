package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stepwise-graph/stepwise/pkg/graph"
	"github.com/stepwise-graph/stepwise/pkg/storage"
)

// Manifest is the job-level record naming the last committed checkpoint.
type Manifest struct {
	JobID         string `yaml:"job_id"`
	LastCommitted int    `yaml:"last_committed"`
	Committed     []int  `yaml:"committed"`
}

// Manager writes, commits and restores checkpoints for one job. Workers
// call WritePartition; the master alone calls Commit, so a checkpoint only
// becomes the recovery target after every worker confirmed its writes.
type Manager struct {
	Blobs    storage.BlobStore
	JobID    string
	Interval int // checkpoint every N supersteps; 0 disables
	Retain   int // keep at most N committed checkpoints; 0 keeps all

	Logger *slog.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewManager(blobs storage.BlobStore, jobID string, interval, retain int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Blobs:    blobs,
		JobID:    jobID,
		Interval: interval,
		Retain:   retain,
		Logger:   logger,
		sleep:    time.Sleep,
	}
}

func (m *Manager) log() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *Manager) pause(d time.Duration) {
	if m.sleep != nil {
		m.sleep(d)
		return
	}
	time.Sleep(d)
}

// Due reports whether a checkpoint should be taken at this superstep.
func (m *Manager) Due(superstep int) bool {
	return m.Interval > 0 && superstep > 0 && superstep%m.Interval == 0
}

// WritePartition stores one partition snapshot, retrying transient storage
// failures with backoff. A persistent failure is returned to the caller,
// which may choose to continue degraded.
func (m *Manager) WritePartition(ctx context.Context, snap *PartitionSnapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	key := m.partitionKey(snap.Superstep, snap.Partition)

	delay := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = m.Blobs.Put(ctx, key, data); lastErr == nil {
			return nil
		}
		m.log().Warn("checkpoint write failed, retrying",
			"partition", snap.Partition, "superstep", snap.Superstep,
			"attempt", attempt+1, "error", lastErr)
		m.pause(delay)
		delay *= 2
	}
	return fmt.Errorf("checkpoint write for partition %d at superstep %d: %w", snap.Partition, snap.Superstep, lastErr)
}

// Commit records superstep as the last committed checkpoint, persists the
// aggregator globals combined at its barrier, and prunes checkpoints
// beyond the retention limit. The globals blob is written before the
// manifest, so a committed checkpoint always has its globals.
func (m *Manager) Commit(ctx context.Context, superstep int, globals map[string]any) error {
	if globals != nil {
		data, err := marshalGlobals(globals)
		if err != nil {
			return err
		}
		if err := m.Blobs.Put(ctx, m.globalsKey(superstep), data); err != nil {
			return fmt.Errorf("commit aggregators of checkpoint %d: %w", superstep, err)
		}
	}

	manifest, err := m.loadManifest(ctx)
	if err != nil {
		return err
	}
	manifest.JobID = m.JobID
	manifest.LastCommitted = superstep
	manifest.Committed = append(manifest.Committed, superstep)
	sort.Ints(manifest.Committed)

	if m.Retain > 0 && len(manifest.Committed) > m.Retain {
		expired := manifest.Committed[:len(manifest.Committed)-m.Retain]
		manifest.Committed = manifest.Committed[len(manifest.Committed)-m.Retain:]
		for _, s := range expired {
			m.prune(ctx, s)
		}
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := m.Blobs.Put(ctx, m.manifestKey(), data); err != nil {
		return fmt.Errorf("commit checkpoint %d: %w", superstep, err)
	}
	m.log().Info("checkpoint committed", "job", m.JobID, "superstep", superstep)
	return nil
}

// LastCommitted returns the most recent committed checkpoint superstep at
// or below target, or ok=false when none exists.
func (m *Manager) LastCommitted(ctx context.Context, target int) (int, bool, error) {
	manifest, err := m.loadManifest(ctx)
	if err != nil {
		return 0, false, err
	}
	best, found := 0, false
	for _, s := range manifest.Committed {
		if s <= target && (!found || s > best) {
			best, found = s, true
		}
	}
	return best, found, nil
}

// Globals loads the aggregator values combined at the checkpointed
// superstep's barrier. A checkpoint committed without globals yields nil.
func (m *Manager) Globals(ctx context.Context, superstep int) (map[string]any, error) {
	data, err := m.Blobs.Get(ctx, m.globalsKey(superstep))
	if err != nil {
		if storageNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load aggregators of checkpoint %d: %w", superstep, err)
	}
	return unmarshalGlobals(data)
}

// RestorePartition loads one partition snapshot from a committed
// checkpoint.
func (m *Manager) RestorePartition(ctx context.Context, superstep int, pid graph.PartitionID) (*PartitionSnapshot, error) {
	data, err := m.Blobs.Get(ctx, m.partitionKey(superstep, pid))
	if err != nil {
		return nil, fmt.Errorf("restore partition %d at superstep %d: %w", pid, superstep, err)
	}
	return UnmarshalSnapshot(data)
}

// Partitions lists the partition ids present in a committed checkpoint.
func (m *Manager) Partitions(ctx context.Context, superstep int) ([]graph.PartitionID, error) {
	prefix := fmt.Sprintf("jobs/%s/checkpoints/%06d/", m.JobID, superstep)
	keys, err := m.Blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []graph.PartitionID
	for _, key := range keys {
		name := key[strings.LastIndex(key, "/")+1:]
		if !strings.HasPrefix(name, "partition-") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "partition-"))
		if err != nil {
			continue
		}
		out = append(out, graph.PartitionID(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Manager) prune(ctx context.Context, superstep int) {
	pids, err := m.Partitions(ctx, superstep)
	if err != nil {
		m.log().Warn("failed to list expired checkpoint", "superstep", superstep, "error", err)
		return
	}
	for _, pid := range pids {
		if err := m.Blobs.Delete(ctx, m.partitionKey(superstep, pid)); err != nil {
			m.log().Warn("failed to prune checkpoint blob", "superstep", superstep, "partition", pid, "error", err)
		}
	}
	_ = m.Blobs.Delete(ctx, m.globalsKey(superstep))
}

func (m *Manager) loadManifest(ctx context.Context) (*Manifest, error) {
	data, err := m.Blobs.Get(ctx, m.manifestKey())
	if err != nil {
		if storageNotFound(err) {
			return &Manifest{JobID: m.JobID}, nil
		}
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &manifest, nil
}

func (m *Manager) manifestKey() string {
	return fmt.Sprintf("jobs/%s/MANIFEST", m.JobID)
}

func (m *Manager) partitionKey(superstep int, pid graph.PartitionID) string {
	return fmt.Sprintf("jobs/%s/checkpoints/%06d/partition-%06d", m.JobID, superstep, pid)
}

func (m *Manager) globalsKey(superstep int) string {
	return fmt.Sprintf("jobs/%s/checkpoints/%06d/aggregators", m.JobID, superstep)
}

func storageNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

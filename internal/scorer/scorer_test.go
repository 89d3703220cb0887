package scorer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCachesUntilInterval(t *testing.T) {
	dir := t.TempDir()
	s := New("peer-1", dir, nil)

	first, err := s.Snapshot(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "peer-1", first.ServerID)

	// Write a new shard file; an uncached (non-forced) snapshot should
	// still reflect the previously cached value.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard.bin"), make([]byte, 1024*1024), 0o644))

	second, err := s.Snapshot(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, first.ShardsStorage, second.ShardsStorage)
}

func TestSnapshotForceFreshRecomputes(t *testing.T) {
	dir := t.TempDir()
	s := New("peer-1", dir, nil)

	_, err := s.Snapshot(context.Background(), true)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard.bin"), make([]byte, 2*1024*1024), 0o644))

	fresh, err := s.Snapshot(context.Background(), true)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, fresh.ShardsStorage, 0.1)
}

func TestDirSizeMBEmptyDir(t *testing.T) {
	assert.Equal(t, float64(0), dirSizeMB(""))
	assert.Equal(t, float64(0), dirSizeMB(t.TempDir()))
}

func TestSnapshotDegradesGracefullyOnCollectorError(t *testing.T) {
	// compute() never returns a zero-value Score even when a collector
	// errors; ServerID and ShardsStorage must still be populated.
	s := New("peer-2", t.TempDir(), nil)
	snap, err := s.Snapshot(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "peer-2", snap.ServerID)
	assert.GreaterOrEqual(t, snap.Value, 0.0)
}

func TestCollectTelemetryReturnsNonNegativeValues(t *testing.T) {
	s := New("peer-3", t.TempDir(), nil)
	tel := s.CollectTelemetry(context.Background(), t.TempDir())
	assert.GreaterOrEqual(t, tel.CPUUtilization, 0.0)
	assert.GreaterOrEqual(t, tel.MemoryUtilization, 0.0)
	assert.GreaterOrEqual(t, tel.DiskFreeMB, 0.0)
}

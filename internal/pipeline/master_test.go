package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/mediatool"
	"github.com/dreamware/torua-transcode/internal/registry"
)

func newTestMaster(t *testing.T) (*Master, *registry.Registry) {
	t.Helper()
	reg := registry.New("master:9000")
	mt := mediatool.New("ffmpeg", t.TempDir())
	m := NewMaster(t.TempDir(), mt, reg, nil)
	return m, reg
}

func fakeWorkerServer(t *testing.T, accept bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if accept {
			w.Write([]byte(`{"shard_id":"shard-0","success":true,"message":"accepted"}`))
		} else {
			w.Write([]byte(`{"shard_id":"shard-0","success":false,"message":"rejected"}`))
		}
	}))
}

func newJobWithPendingShard(t *testing.T, m *Master, shardID string, index int) *VideoJob {
	t.Helper()
	job := NewVideoJob("vid-1")
	job.TotalShards = 1
	dir := t.TempDir()
	path := filepath.Join(dir, shardID+".ts")
	require.NoError(t, os.WriteFile(path, []byte("shard-bytes"), 0o644))
	job.Shards[shardID] = &ShardState{ShardID: shardID, Index: index, Status: ShardPending, Message: path}
	m.mu.Lock()
	m.jobs[job.VideoID] = job
	m.mu.Unlock()
	return job
}

func TestDistributeSendsToAcceptingWorker(t *testing.T) {
	srv := fakeWorkerServer(t, true)
	defer srv.Close()

	m, reg := newTestMaster(t)
	addr := srv.Listener.Addr().String()
	reg.Add(addr, true, false)

	job := newJobWithPendingShard(t, m, "shard-0", 0)
	m.Distribute(context.Background(), job)

	s := job.ShardSnapshot("shard-0")
	require.NotNil(t, s)
	assert.Equal(t, ShardSentToWorker, s.Status)
	assert.Equal(t, addr, s.Worker)

	status, _, _ := job.Snapshot()
	assert.Equal(t, StatusShardsDistributed, status)
}

func TestDistributeWithNoWorkersMarksPartialFailure(t *testing.T) {
	m, _ := newTestMaster(t)
	job := newJobWithPendingShard(t, m, "shard-0", 0)

	m.Distribute(context.Background(), job)

	s := job.ShardSnapshot("shard-0")
	require.NotNil(t, s)
	assert.Equal(t, ShardFailedDistribution, s.Status) // requeued for the next Distribute call

	status, _, _ := job.Snapshot()
	assert.Equal(t, StatusPartialDistributionFailed, status)
}

func TestDistributeRequeuesWhenEveryWorkerRejects(t *testing.T) {
	srv := fakeWorkerServer(t, false)
	defer srv.Close()

	m, reg := newTestMaster(t)
	addr := srv.Listener.Addr().String()
	reg.Add(addr, true, false)

	job := newJobWithPendingShard(t, m, "shard-0", 0)
	m.Distribute(context.Background(), job)

	s := job.ShardSnapshot("shard-0")
	require.NotNil(t, s)
	assert.Equal(t, ShardFailedDistribution, s.Status)

	status, _, _ := job.Snapshot()
	assert.Equal(t, StatusPartialDistributionFailed, status)
}

func TestRegisterWorkerIsIdempotent(t *testing.T) {
	m, _ := newTestMaster(t)
	first := m.RegisterWorker("worker-a:9001")
	assert.True(t, first.Success)

	second := m.RegisterWorker("worker-a:9001")
	assert.False(t, second.Success)
	assert.Contains(t, second.Message, "already registered")
}

func TestReportShardStatusUnknownVideoID(t *testing.T) {
	m, _ := newTestMaster(t)
	result := m.ReportShardStatus(context.Background(), cluster.ReportShardStatusArgs{VideoID: "missing", ShardID: "s0"})
	assert.False(t, result.Success)
}

func TestReportShardStatusUpdatesKnownShard(t *testing.T) {
	m, _ := newTestMaster(t)
	job := NewVideoJob("vid-2")
	job.UpsertShard("s0", 0, ShardSentToWorker, "w1", "")
	m.mu.Lock()
	m.jobs["vid-2"] = job
	m.mu.Unlock()

	result := m.ReportShardStatus(context.Background(), cluster.ReportShardStatusArgs{
		VideoID: "vid-2", ShardID: "s0", WorkerAddr: "w1", Status: string(ShardFailedProcessing), Message: "boom",
	})
	assert.True(t, result.Success)

	s := job.ShardSnapshot("s0")
	require.NotNil(t, s)
	assert.Equal(t, ShardFailedProcessing, s.Status)
}

func TestVideoStatusMessageIncludesCounts(t *testing.T) {
	job := NewVideoJob("vid-3")
	job.TotalShards = 2
	job.UpsertShard("s0", 0, ShardProcessedSuccessfully, "w1", "")
	job.UpsertShard("s1", 1, ShardFailedProcessing, "w1", "boom")
	job.SetStatus(StatusPartialDistributionFailed, "incomplete")

	msg, status := VideoStatusMessage(job)
	assert.Equal(t, StatusPartialDistributionFailed, status)
	assert.Contains(t, msg, "total=2")
	assert.Contains(t, msg, "processed=1")
	assert.Contains(t, msg, "failed=1")
}

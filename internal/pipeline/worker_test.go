package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/mediatool"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	mt := mediatool.New("ffmpeg", t.TempDir())
	return NewWorker("worker-a:9001", t.TempDir(), mt, nil)
}

func TestProcessShardAcceptsAndWritesInput(t *testing.T) {
	w := newTestWorker(t)
	reply := w.ProcessShard(context.Background(), cluster.DistributeShardArgs{
		VideoID:   "vid-1",
		ShardID:   "vid-1_shard_0000",
		ShardData: []byte("fake-shard-bytes"),
		Container: "mp4",
	}, nil)

	assert.True(t, reply.Success)
	assert.Equal(t, "vid-1_shard_0000", reply.ShardID)
}

func TestProcessShardRejectsWhenShardDirUnusable(t *testing.T) {
	mt := mediatool.New("ffmpeg", t.TempDir())
	// shardDir points inside a file, so MkdirAll must fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	w := NewWorker("worker-a:9001", filepath.Join(blocker, "sub"), mt, nil)

	reply := w.ProcessShard(context.Background(), cluster.DistributeShardArgs{
		ShardID:   "s0",
		ShardData: []byte("data"),
	}, nil)

	assert.False(t, reply.Success)
}

func TestRequestShardReadsAndDeletesProcessedFile(t *testing.T) {
	w := newTestWorker(t)
	processedPath := filepath.Join(w.shardDir, "s0_processed.mp4")
	require.NoError(t, os.WriteFile(processedPath, []byte("done-bytes"), 0o644))

	reply := w.RequestShard("s0")
	assert.True(t, reply.Success)
	assert.Equal(t, []byte("done-bytes"), reply.ShardData)

	_, err := os.Stat(processedPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRequestShardMissingFileFails(t *testing.T) {
	w := newTestWorker(t)
	reply := w.RequestShard("ghost")
	assert.False(t, reply.Success)
}

func TestDeliverReportBuffersWhenNoReportFn(t *testing.T) {
	w := newTestWorker(t)
	w.deliverReport(context.Background(), cluster.ReportShardStatusArgs{
		VideoID: "vid-1", ShardID: "s0", Status: string(ShardProcessedSuccessfully),
	}, nil)

	buf := w.Buffer()
	require.Len(t, buf, 1)
	assert.Equal(t, "s0", buf[0].ShardID)
}

func TestDeliverReportBuffersWhenReportFnReportsFailure(t *testing.T) {
	w := newTestWorker(t)
	var called int
	w.deliverReport(context.Background(), cluster.ReportShardStatusArgs{
		VideoID: "vid-1", ShardID: "s0", Status: string(ShardProcessedSuccessfully),
	}, func(ctx context.Context, args cluster.ReportShardStatusArgs) bool {
		called++
		return false
	})

	assert.Equal(t, 1, called)
	buf := w.Buffer()
	require.Len(t, buf, 1)
	assert.Equal(t, "s0", buf[0].ShardID)
}

func TestDeliverReportDoesNotBufferOnSuccess(t *testing.T) {
	w := newTestWorker(t)
	w.deliverReport(context.Background(), cluster.ReportShardStatusArgs{
		VideoID: "vid-1", ShardID: "s0", Status: string(ShardProcessedSuccessfully),
	}, func(ctx context.Context, args cluster.ReportShardStatusArgs) bool {
		return true
	})

	assert.Empty(t, w.Buffer())
}

func TestDrainUnreportedRemovesDeliveredEntries(t *testing.T) {
	w := newTestWorker(t)
	w.buffer(cluster.ReportShardStatusArgs{VideoID: "v1", ShardID: "s0", Status: string(ShardProcessedSuccessfully)})
	w.buffer(cluster.ReportShardStatusArgs{VideoID: "v1", ShardID: "s1", Status: string(ShardFailedProcessing)})

	w.DrainUnreported(context.Background(), func(ctx context.Context, u UnreportedShard) bool {
		return u.ShardID == "s0"
	})

	remaining := w.Buffer()
	require.Len(t, remaining, 1)
	assert.Equal(t, "s1", remaining[0].ShardID)
}

func TestDrainUnreportedKeepsAllOnTotalFailure(t *testing.T) {
	w := newTestWorker(t)
	w.buffer(cluster.ReportShardStatusArgs{VideoID: "v1", ShardID: "s0", Status: string(ShardProcessedSuccessfully)})

	w.DrainUnreported(context.Background(), func(ctx context.Context, u UnreportedShard) bool {
		return false
	})

	assert.Len(t, w.Buffer(), 1)
}

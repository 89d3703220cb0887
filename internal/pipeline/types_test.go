package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertShardPreservesIndexOnOverwrite(t *testing.T) {
	job := NewVideoJob("vid-1")
	job.UpsertShard("shard-0", 3, ShardFailedDistribution, "", "no worker accepted")

	job.UpsertShard("shard-0", -1, ShardSentToWorker, "worker-a:9000", "")

	s := job.ShardSnapshot("shard-0")
	require.NotNil(t, s)
	assert.Equal(t, 3, s.Index)
	assert.Equal(t, ShardSentToWorker, s.Status)
	assert.Equal(t, "worker-a:9000", s.Worker)
}

func TestUpsertShardUnknownIDRecordsNegativeIndex(t *testing.T) {
	job := NewVideoJob("vid-1")
	job.UpsertShard("ghost-shard", -1, ShardProcessedSuccessfully, "worker-a:9000", "")

	s := job.ShardSnapshot("ghost-shard")
	require.NotNil(t, s)
	assert.Equal(t, -1, s.Index)
}

func TestRecordRetrievedSignalsCompletionOnce(t *testing.T) {
	job := NewVideoJob("vid-1")
	job.TotalShards = 2
	job.UpsertShard("shard-0", 0, ShardSentToWorker, "w1", "")
	job.UpsertShard("shard-1", 1, ShardSentToWorker, "w1", "")

	assert.False(t, job.RecordRetrieved("shard-0", []byte("a")))
	assert.True(t, job.RecordRetrieved("shard-1", []byte("b")))
}

func TestBeginConcatenationRunsExactlyOnce(t *testing.T) {
	job := NewVideoJob("vid-1")
	count := 0
	for i := 0; i < 5; i++ {
		job.BeginConcatenation(func() { count++ })
	}
	assert.Equal(t, 1, count)
}

func TestCountsTalliesByStatus(t *testing.T) {
	job := NewVideoJob("vid-1")
	job.UpsertShard("s0", 0, ShardProcessedSuccessfully, "w1", "")
	job.UpsertShard("s1", 1, ShardRetrieved, "w1", "")
	job.UpsertShard("s2", 2, ShardFailedProcessing, "w1", "boom")

	processed, retrieved, failed := job.Counts()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, retrieved)
	assert.Equal(t, 1, failed)
}

func TestRetrievedInOrderSortsByShardIndex(t *testing.T) {
	job := NewVideoJob("vid-1")
	job.UpsertShard("s0", 0, ShardSentToWorker, "w1", "")
	job.UpsertShard("s1", 1, ShardSentToWorker, "w1", "")
	job.UpsertShard("s2", 2, ShardSentToWorker, "w1", "")

	job.RecordRetrieved("s2", []byte("c"))
	job.RecordRetrieved("s0", []byte("a"))
	job.RecordRetrieved("s1", []byte("b"))

	ordered := job.RetrievedInOrder()
	require.Len(t, ordered, 3)
	assert.Equal(t, []byte("a"), ordered[0])
	assert.Equal(t, []byte("b"), ordered[1])
	assert.Equal(t, []byte("c"), ordered[2])
}

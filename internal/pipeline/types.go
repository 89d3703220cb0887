// Package pipeline implements ShardPipeline (spec.md §4.5): the master
// side that ingests an upload, segments it, distributes shards to
// workers, collects the processed results and concatenates them, and the
// worker side that processes one shard and serves it back on request.
// Generalizes the teacher's ShardRegistry/ShardAssignment
// (internal/coordinator/shard_registry.go) from a fixed consistent-hash
// placement table into a per-video, round-robin distribution loop, and
// the teacher's Shard/ShardState (internal/shard/shard.go) from a KV
// partition into a per-shard processing lifecycle.
package pipeline

import (
	"sync"
	"time"
)

// VideoStatus enumerates the overall per-video state machine described in
// spec.md §4.5.
type VideoStatus string

const (
	StatusSegmenting                VideoStatus = "segmenting"
	StatusSegmented                 VideoStatus = "segmented"
	StatusShardsDistributed         VideoStatus = "shards_distributed"
	StatusConcatenating             VideoStatus = "concatenating"
	StatusCompleted                 VideoStatus = "completed"
	StatusFailedSegmentation        VideoStatus = "failed_segmentation"
	StatusPartialDistributionFailed VideoStatus = "partial_distribution_failed"
	StatusConcatenationFailed       VideoStatus = "concatenation_failed"
	StatusUploadFailed              VideoStatus = "upload_failed"
)

// ShardStatus enumerates the per-shard processing lifecycle.
type ShardStatus string

const (
	ShardPending               ShardStatus = "pending"
	ShardSentToWorker          ShardStatus = "sent_to_worker"
	ShardFailedDistribution    ShardStatus = "failed_distribution"
	ShardRPCFailed             ShardStatus = "rpc_failed"
	ShardFailedSending         ShardStatus = "failed_sending"
	ShardProcessedSuccessfully ShardStatus = "processed_successfully"
	ShardFailedProcessing      ShardStatus = "failed_processing"
	ShardRetrieved             ShardStatus = "retrieved"
	ShardRetrievalFailed       ShardStatus = "retrieval_failed"
	ShardRetrievalRPCFailed    ShardStatus = "retrieval_rpc_failed"
)

// ShardState tracks one shard's placement and processing outcome within a
// VideoJob. Index is preserved across status overwrites (spec.md §4.5's
// status-reporting rule).
type ShardState struct {
	ShardID string
	Index   int
	Status  ShardStatus
	Worker  string
	Message string
}

// VideoJob is the master's per-video bookkeeping: upload metadata, the
// shard table, and retrieved bytes pending concatenation.
type VideoJob struct {
	mu sync.Mutex

	VideoID          string
	TargetWidth      int
	TargetHeight     int
	UpscaleWidth     int
	UpscaleHeight    int
	Container        string
	OriginalFilename string

	Status          VideoStatus
	StatusMsg       string
	TotalShards     int
	Shards          map[string]*ShardState // shard_id -> state
	RetrievedShards map[string][]byte      // shard_id -> processed bytes

	concatOnce sync.Once
	concatDone bool

	CreatedAt time.Time
}

// NewVideoJob creates an empty job in the segmenting state.
func NewVideoJob(videoID string) *VideoJob {
	return &VideoJob{
		VideoID:         videoID,
		Status:          StatusSegmenting,
		Shards:          make(map[string]*ShardState),
		RetrievedShards: make(map[string][]byte),
		CreatedAt:       time.Now(),
	}
}

// SetStatus updates the overall status and message under lock.
func (v *VideoJob) SetStatus(status VideoStatus, msg string) {
	v.mu.Lock()
	v.Status = status
	v.StatusMsg = msg
	v.mu.Unlock()
}

// Snapshot returns a copy of the job's current status fields, safe to
// read without the caller holding any lock.
func (v *VideoJob) Snapshot() (VideoStatus, string, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Status, v.StatusMsg, v.TotalShards
}

// UpsertShard records or overwrites a shard's state. When overwriting an
// existing entry, a negative index keeps the entry's recorded index
// whatever its prior status (spec.md §4.5); a non-negative index replaces
// it. Callers pass index = -1 for unknown shard ids encountered only via
// status reports.
func (v *VideoJob) UpsertShard(shardID string, index int, status ShardStatus, worker, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, ok := v.Shards[shardID]
	if !ok {
		v.Shards[shardID] = &ShardState{ShardID: shardID, Index: index, Status: status, Worker: worker, Message: msg}
		return
	}

	preservedIndex := existing.Index
	if index >= 0 {
		preservedIndex = index
	}
	wasFailed := existing.Status == ShardFailedDistribution || existing.Status == ShardRPCFailed || existing.Status == ShardFailedSending
	if wasFailed || existing.Status != status {
		existing.Status = status
	}
	existing.Index = preservedIndex
	if worker != "" {
		existing.Worker = worker
	}
	existing.Message = msg
}

// ShardSnapshot returns a copy of one shard's state, or nil if unknown.
func (v *VideoJob) ShardSnapshot(shardID string) *ShardState {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.Shards[shardID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// RecordRetrieved stores a shard's processed bytes and transitions its
// state to retrieved. Returns true iff this call made
// |RetrievedShards| == TotalShards, the concatenation trigger condition.
func (v *VideoJob) RecordRetrieved(shardID string, data []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.RetrievedShards[shardID] = data
	if s, ok := v.Shards[shardID]; ok {
		s.Status = ShardRetrieved
	}
	return v.TotalShards > 0 && len(v.RetrievedShards) == v.TotalShards
}

// MarkShardFailed transitions a shard to a terminal failure status
// without touching RetrievedShards.
func (v *VideoJob) MarkShardFailed(shardID string, status ShardStatus, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.Shards[shardID]; ok {
		s.Status = status
		s.Message = msg
	}
}

// BeginConcatenation runs fn at most once for the lifetime of the job,
// guarding the "concatenation starts exactly once" invariant (spec.md
// §5) with a sync.Once rather than a hand-rolled flag and mutex.
func (v *VideoJob) BeginConcatenation(fn func()) {
	v.concatOnce.Do(fn)
}

// Counts returns (processed, retrieved, failed) shard counts for the
// GetVideoStatus augmented message (spec.md §4.6).
func (v *VideoJob) Counts() (processed, retrieved, failed int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.Shards {
		switch s.Status {
		case ShardProcessedSuccessfully:
			processed++
		case ShardRetrieved:
			retrieved++
		case ShardFailedDistribution, ShardRPCFailed, ShardFailedSending, ShardFailedProcessing, ShardRetrievalFailed, ShardRetrievalRPCFailed:
			failed++
		}
	}
	return
}

// RetrievedInOrder returns the retrieved shard bytes ordered by shard
// index, for concatenation.
func (v *VideoJob) RetrievedInOrder() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	type indexed struct {
		index int
		data  []byte
	}
	ordered := make([]indexed, 0, len(v.RetrievedShards))
	for shardID, data := range v.RetrievedShards {
		idx := -1
		if s, ok := v.Shards[shardID]; ok {
			idx = s.Index
		}
		ordered = append(ordered, indexed{index: idx, data: data})
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].index < ordered[j-1].index; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	out := make([][]byte, len(ordered))
	for i, e := range ordered {
		out[i] = e.data
	}
	return out
}

// UnreportedShard is one buffered ReportWorkerShardStatus call that could
// not be delivered to the master, retried on every leader change
// (spec.md §4.5's worker-side unreported-shard buffer).
type UnreportedShard struct {
	VideoID    string
	ShardID    string
	WorkerAddr string
	Status     ShardStatus
	Message    string
}

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/mediatool"
	"github.com/dreamware/torua-transcode/internal/registry"
)

const (
	distributeDeadline   = 30 * time.Second
	requestShardDeadline = 30 * time.Second
)

// Master runs the master side of ShardPipeline: upload ingest,
// segmentation, distribution, status reporting, retrieval and
// concatenation. One Master instance exists per process and is only
// exercised while the local engine believes it is leader — callers in
// internal/server gate every Master-surface handler on that condition,
// mirroring the teacher's explicit role check in cmd/coordinator/main.go.
type Master struct {
	log     *logrus.Entry
	dataDir string
	mt      *mediatool.Tool
	reg     *registry.Registry

	mu    sync.Mutex
	jobs  map[string]*VideoJob
	nextWorker int // rotation cursor for distribution
}

// NewMaster creates a Master. dataDir is the teacher's master_data/
// layout root: {video_id}_original.tmp, {video_id}_shard_%04d.{ext},
// {video_id}_processed.{ext}.
func NewMaster(dataDir string, mt *mediatool.Tool, reg *registry.Registry, log *logrus.Entry) *Master {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Master{
		log:     log.WithField("component", "pipeline_master"),
		dataDir: dataDir,
		mt:      mt,
		reg:     reg,
		jobs:    make(map[string]*VideoJob),
	}
}

// DataDir returns the master_data/ directory this Master reads and writes
// under, for telemetry callers that need a disk-usage probe target.
func (m *Master) DataDir() string { return m.dataDir }

// Job returns the job for videoID, or nil if unknown.
func (m *Master) Job(videoID string) *VideoJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[videoID]
}

// UploadParams carries the first-chunk metadata; the reassembled input
// file path is passed to IngestAndSegment separately. Per spec.md §4.5's
// upload-ingest rule:
// the first message is marked and carries metadata; a marker on any
// later chunk is logged and ignored but its data kept.
type UploadParams struct {
	VideoID          string
	TargetWidth      int
	TargetHeight     int
	UpscaleWidth     int
	UpscaleHeight    int
	OutputFormat     string
	OriginalFilename string
}

// IngestAndSegment reassembles chunks (already written to inputPath by
// the caller — internal/server owns the streaming HTTP surface) into a
// VideoJob, then synchronously runs segmentation. Returns the job even on
// segmentation failure so the caller can report the error in the upload
// reply, per spec.md §4.5.
func (m *Master) IngestAndSegment(ctx context.Context, params UploadParams, inputPath string) *VideoJob {
	job := NewVideoJob(params.VideoID)
	job.TargetWidth = params.TargetWidth
	job.TargetHeight = params.TargetHeight
	job.UpscaleWidth = params.UpscaleWidth
	job.UpscaleHeight = params.UpscaleHeight
	job.Container = params.OutputFormat
	job.OriginalFilename = params.OriginalFilename

	m.mu.Lock()
	m.jobs[params.VideoID] = job
	m.mu.Unlock()

	shardPaths, err := m.mt.Segment(ctx, mediatool.SegmentSpec{
		InputPath:     inputPath,
		VideoID:       params.VideoID,
		Container:     params.OutputFormat,
		UpscaleWidth:  params.UpscaleWidth,
		UpscaleHeight: params.UpscaleHeight,
	})
	if err != nil {
		job.SetStatus(StatusFailedSegmentation, err.Error())
		m.log.WithError(err).WithField("video_id", params.VideoID).Warn("segmentation failed")
		return job
	}

	job.mu.Lock()
	job.TotalShards = len(shardPaths)
	for i, path := range shardPaths {
		shardID := fmt.Sprintf("%s_shard_%04d", params.VideoID, i)
		job.Shards[shardID] = &ShardState{ShardID: shardID, Index: i, Status: ShardPending}
		job.Shards[shardID].Message = path // path kept transiently for Distribute to read the bytes
	}
	job.mu.Unlock()
	job.SetStatus(StatusSegmented, "")

	return job
}

// shardPath recovers the on-disk path stashed in ShardState.Message by
// IngestAndSegment — a deliberate reuse of the field rather than adding a
// parallel map, since the path is only needed until distribution succeeds
// or the shard is dropped.
func shardPath(s *ShardState) string { return s.Message }

// Distribute runs the round-robin distribution loop described in
// spec.md §4.5 over job's pending shards. Safe to call again for a
// partially-distributed job (e.g. after new workers register).
func (m *Master) Distribute(ctx context.Context, job *VideoJob) {
	job.mu.Lock()
	pending := make([]*ShardState, 0, len(job.Shards))
	for _, s := range job.Shards {
		if s.Status == ShardPending || s.Status == ShardFailedDistribution || s.Status == ShardRPCFailed {
			pending = append(pending, s)
		}
	}
	job.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	for i := 0; i < len(pending); i++ {
		for j := i + 1; j < len(pending); j++ {
			if pending[j].Index < pending[i].Index {
				pending[i], pending[j] = pending[j], pending[i]
			}
		}
	}

	workers := m.reg.WorkerAddrs()
	var requeue []*ShardState
	anyFailed := false

	for _, shard := range pending {
		if len(workers) == 0 {
			requeue = append(requeue, shard)
			anyFailed = true
			continue
		}

		path := shardPath(shard)
		data, err := os.ReadFile(path)
		if err != nil {
			job.MarkShardFailed(shard.ShardID, ShardFailedDistribution, err.Error())
			anyFailed = true
			continue
		}

		sent := false
		attempted := 0
		start := m.nextWorkerIndex(len(workers))
		for attempted < len(workers) {
			idx := (start + attempted) % len(workers)
			addr := workers[idx]
			attempted++

			base := m.reg.StubFor(addr, registry.SurfaceWorker)
			if base == "" {
				continue
			}
			reqCtx, cancel := context.WithTimeout(ctx, distributeDeadline)
			var reply cluster.ProcessShardReply
			err := cluster.PostJSON(reqCtx, base+"/worker/process-shard", cluster.DistributeShardArgs{
				VideoID:          job.VideoID,
				ShardID:          shard.ShardID,
				ShardData:        data,
				Index:            shard.Index,
				TotalShards:      job.TotalShards,
				TargetWidth:      job.TargetWidth,
				TargetHeight:     job.TargetHeight,
				OriginalFilename: job.OriginalFilename,
				Container:        job.Container,
			}, &reply)
			cancel()

			if err != nil {
				// Transient network failure: evict this worker from the
				// round for this sweep and try the next one.
				workers = removeAddr(workers, addr)
				attempted--
				if len(workers) == 0 {
					break
				}
				continue
			}
			if !reply.Success {
				continue
			}

			job.UpsertShard(shard.ShardID, shard.Index, ShardSentToWorker, addr, "")
			os.Remove(path)
			m.advanceRotation(idx + 1)
			sent = true
			break
		}

		if !sent {
			requeue = append(requeue, shard)
		}
	}

	if len(requeue) > 0 {
		for _, s := range requeue {
			if job.ShardSnapshot(s.ShardID).Status == ShardPending {
				job.UpsertShard(s.ShardID, s.Index, ShardFailedDistribution, "", "no worker accepted shard in sweep")
			}
		}
		anyFailed = true
	}

	if anyFailed {
		job.SetStatus(StatusPartialDistributionFailed, "one or more shards could not be distributed")
	} else {
		job.SetStatus(StatusShardsDistributed, "")
	}
}

func removeAddr(addrs []string, remove string) []string {
	out := addrs[:0:0]
	for _, a := range addrs {
		if a != remove {
			out = append(out, a)
		}
	}
	return out
}

func (m *Master) nextWorkerIndex(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n == 0 {
		return 0
	}
	return m.nextWorker % n
}

func (m *Master) advanceRotation(idx int) {
	m.mu.Lock()
	m.nextWorker = idx
	m.mu.Unlock()
}

// ReportShardStatus handles a worker's ReportWorkerShardStatus call,
// updating ShardState and scheduling retrieval on success, per
// spec.md §4.5.
func (m *Master) ReportShardStatus(ctx context.Context, args cluster.ReportShardStatusArgs) cluster.SimpleResult {
	job := m.Job(args.VideoID)
	if job == nil {
		return cluster.SimpleResult{Success: false, Message: "unknown video_id"}
	}

	existing := job.ShardSnapshot(args.ShardID)
	index := -1
	if existing != nil {
		index = existing.Index
	}
	job.UpsertShard(args.ShardID, index, ShardStatus(args.Status), args.WorkerAddr, args.Message)

	if ShardStatus(args.Status) == ShardProcessedSuccessfully {
		go m.retrieveShard(context.Background(), job, args.ShardID, args.WorkerAddr)
	}

	return cluster.SimpleResult{Success: true}
}

// retrieveShard calls RequestShard on worker and, on success, stores the
// bytes and triggers concatenation once the job is fully retrieved.
func (m *Master) retrieveShard(ctx context.Context, job *VideoJob, shardID, workerAddr string) {
	base := m.reg.StubFor(workerAddr, registry.SurfaceWorker)
	if base == "" {
		job.MarkShardFailed(shardID, ShardRetrievalRPCFailed, "no worker stub")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestShardDeadline)
	defer cancel()
	var reply cluster.RequestShardReply
	err := cluster.PostJSON(reqCtx, base+"/worker/request-shard", cluster.RequestShardArgs{ShardID: shardID}, &reply)
	if err != nil {
		job.MarkShardFailed(shardID, ShardRetrievalRPCFailed, err.Error())
		return
	}
	if !reply.Success {
		job.MarkShardFailed(shardID, ShardRetrievalFailed, reply.Message)
		return
	}

	complete := job.RecordRetrieved(shardID, reply.ShardData)
	if complete {
		job.BeginConcatenation(func() {
			m.concatenate(context.Background(), job)
		})
	}
}

// concatenate writes every retrieved shard to a temp directory, invokes
// the media tool's concat operation, and finalizes job status — run
// exactly once per job (guarded by VideoJob.BeginConcatenation).
func (m *Master) concatenate(ctx context.Context, job *VideoJob) {
	job.SetStatus(StatusConcatenating, "")

	tmpDir, err := os.MkdirTemp(m.dataDir, job.VideoID+"-concat-*")
	if err != nil {
		job.SetStatus(StatusConcatenationFailed, err.Error())
		return
	}
	defer os.RemoveAll(tmpDir)

	ordered := job.RetrievedInOrder()
	var tmpPaths []string
	for i, data := range ordered {
		p := filepath.Join(tmpDir, fmt.Sprintf("part-%04d", i))
		if err := os.WriteFile(p, data, 0o644); err != nil {
			job.SetStatus(StatusConcatenationFailed, err.Error())
			return
		}
		tmpPaths = append(tmpPaths, p)
	}

	container := job.Container
	if container == "" {
		container = "mp4"
	}
	outPath := filepath.Join(m.dataDir, fmt.Sprintf("%s_processed.%s", job.VideoID, container))
	if err := m.mt.Concat(ctx, tmpPaths, outPath); err != nil {
		job.SetStatus(StatusConcatenationFailed, err.Error())
		return
	}
	job.SetStatus(StatusCompleted, "")
}

// OutputPath returns the final concatenated file path for job, valid once
// its status is StatusCompleted.
func (m *Master) OutputPath(job *VideoJob) string {
	container := job.Container
	if container == "" {
		container = "mp4"
	}
	return filepath.Join(m.dataDir, fmt.Sprintf("%s_processed.%s", job.VideoID, container))
}

// RegisterWorker implements MasterService.RegisterWorker: idempotent
// admission with "already registered" on a repeat call, per spec.md §8.
func (m *Master) RegisterWorker(addr string) cluster.SimpleResult {
	before := m.reg.WorkerAddrs()
	for _, a := range before {
		if a == addr {
			return cluster.SimpleResult{Success: false, Message: "already registered"}
		}
	}
	m.reg.Add(addr, true, false)
	m.reg.SetWorkerStubs(append(before, addr))
	return cluster.SimpleResult{Success: true}
}

// VideoStatusMessage builds the augmented GetVideoStatus message
// enumerating processed / retrieved / failed counts, per spec.md §4.6.
func VideoStatusMessage(job *VideoJob) (string, VideoStatus) {
	status, msg, total := job.Snapshot()
	processed, retrieved, failed := job.Counts()
	augmented := fmt.Sprintf("%s (total=%d processed=%d retrieved=%d failed=%d)", msg, total, processed, retrieved, failed)
	return augmented, status
}

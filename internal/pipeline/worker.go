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
)

// Worker runs the worker side of ShardPipeline: ProcessShard writes an
// incoming shard to disk and transcodes it asynchronously; RequestShard
// serves the finished file back to the master. Generalizes the teacher's
// Shard type (internal/shard/shard.go) from an in-memory KV partition
// into a disk-backed per-shard processing unit.
type Worker struct {
	log      *logrus.Entry
	selfAddr string
	shardDir string
	mt       *mediatool.Tool

	mu         sync.Mutex
	unreported []UnreportedShard
	containers map[string]string // shard_id -> container, so RequestShard can find the file ProcessShard wrote
}

// NewWorker creates a Worker. shardDir is the teacher's video_shards/
// layout root holding both inputs and "{shard_id}_processed.{ext}"
// outputs. selfAddr is reported as worker_address on every status report.
func NewWorker(selfAddr, shardDir string, mt *mediatool.Tool, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		log:        log.WithField("component", "pipeline_worker"),
		selfAddr:   selfAddr,
		shardDir:   shardDir,
		mt:         mt,
		containers: make(map[string]string),
	}
}

// ShardDir returns the video_shards/ directory this Worker reads and
// writes under, for telemetry callers that need a disk-usage probe target.
func (w *Worker) ShardDir() string { return w.shardDir }

// ProcessShard handles WorkerService.ProcessShard: accepts the shard,
// writes it to disk, and kicks off asynchronous transcoding. The RPC
// reply only reflects acceptance; the actual outcome is reported later
// via ReportWorkerShardStatus (spec.md §4.5).
func (w *Worker) ProcessShard(ctx context.Context, args cluster.DistributeShardArgs, reportFn func(ctx context.Context, args cluster.ReportShardStatusArgs) bool) cluster.ProcessShardReply {
	if err := os.MkdirAll(w.shardDir, 0o755); err != nil {
		return cluster.ProcessShardReply{ShardID: args.ShardID, Success: false, Message: "cannot prepare shard directory: " + err.Error()}
	}

	container := args.Container
	if container == "" {
		container = "mp4"
	}
	inputPath := filepath.Join(w.shardDir, fmt.Sprintf("%s_input.%s", args.ShardID, container))
	if err := os.WriteFile(inputPath, args.ShardData, 0o644); err != nil {
		return cluster.ProcessShardReply{ShardID: args.ShardID, Success: false, Message: "cannot write shard input: " + err.Error()}
	}

	w.mu.Lock()
	w.containers[args.ShardID] = container
	w.mu.Unlock()

	go w.transcodeAndReport(context.Background(), args, inputPath, container, reportFn)

	return cluster.ProcessShardReply{ShardID: args.ShardID, Success: true, Message: "accepted"}
}

func (w *Worker) transcodeAndReport(ctx context.Context, args cluster.DistributeShardArgs, inputPath, container string, reportFn func(ctx context.Context, args cluster.ReportShardStatusArgs) bool) {
	outputPath := filepath.Join(w.shardDir, fmt.Sprintf("%s_processed.%s", args.ShardID, container))

	err := w.mt.Transcode(ctx, mediatool.TranscodeSpec{
		InputPath:    inputPath,
		OutputPath:   outputPath,
		TargetWidth:  args.TargetWidth,
		TargetHeight: args.TargetHeight,
		Container:    container,
	})

	os.Remove(inputPath)

	report := cluster.ReportShardStatusArgs{
		VideoID:    args.VideoID,
		ShardID:    args.ShardID,
		WorkerAddr: w.selfAddr,
	}
	if err != nil {
		report.Status = string(ShardFailedProcessing)
		report.Message = err.Error()
		w.log.WithError(err).WithField("shard_id", args.ShardID).Warn("shard processing failed")
	} else {
		report.Status = string(ShardProcessedSuccessfully)
	}

	w.deliverReport(ctx, report, reportFn)
}

// RequestShard handles WorkerService.RequestShard: reads and deletes the
// processed file for shardID, recovering the container ProcessShard
// recorded for it.
func (w *Worker) RequestShard(shardID string) cluster.RequestShardReply {
	w.mu.Lock()
	container, ok := w.containers[shardID]
	w.mu.Unlock()
	if !ok {
		container = "mp4"
	}
	path := filepath.Join(w.shardDir, fmt.Sprintf("%s_processed.%s", shardID, container))
	data, err := os.ReadFile(path)
	if err != nil {
		return cluster.RequestShardReply{ShardID: shardID, Success: false, Message: "shard not found: " + err.Error()}
	}
	os.Remove(path)
	w.mu.Lock()
	delete(w.containers, shardID)
	w.mu.Unlock()
	return cluster.RequestShardReply{ShardID: shardID, Success: true, ShardData: data}
}

// deliverReport attempts to deliver a status report via reportFn
// (internal/server's dial-out to the current master), which reports
// whether delivery succeeded. On a nil reportFn or a reported failure, the
// report is buffered for redelivery on the next leader change.
func (w *Worker) deliverReport(ctx context.Context, args cluster.ReportShardStatusArgs, reportFn func(ctx context.Context, args cluster.ReportShardStatusArgs) bool) {
	if reportFn == nil {
		w.buffer(args)
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !reportFn(reqCtx, args) {
		w.buffer(args)
	}
}

func (w *Worker) buffer(args cluster.ReportShardStatusArgs) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unreported = append(w.unreported, UnreportedShard{
		VideoID:    args.VideoID,
		ShardID:    args.ShardID,
		WorkerAddr: args.WorkerAddr,
		Status:     ShardStatus(args.Status),
		Message:    args.Message,
	})
}

// Buffer returns a snapshot of currently unreported shard statuses.
func (w *Worker) Buffer() []UnreportedShard {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]UnreportedShard, len(w.unreported))
	copy(out, w.unreported)
	return out
}

// DrainUnreported re-attempts every buffered entry via send, removing
// entries that succeed. Called on every MasterAnnouncement that updates
// the worker's leader (spec.md §4.5).
func (w *Worker) DrainUnreported(ctx context.Context, send func(ctx context.Context, u UnreportedShard) bool) {
	w.mu.Lock()
	pending := make([]UnreportedShard, len(w.unreported))
	copy(pending, w.unreported)
	w.mu.Unlock()

	var remaining []UnreportedShard
	for _, u := range pending {
		if !send(ctx, u) {
			remaining = append(remaining, u)
		}
	}

	w.mu.Lock()
	// Keep entries buffered while the sends above were in flight.
	if len(w.unreported) > len(pending) {
		remaining = append(remaining, w.unreported[len(pending):]...)
	}
	w.unreported = remaining
	w.mu.Unlock()
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/registry"
)

// handleProcessShard implements WorkerService.ProcessShard. The reportFn
// closure dials the currently-known master's ReportWorkerShardStatus and
// reports whether delivery succeeded; when it returns false (no master
// known, dial failure, or an unsuccessful reply), pipeline.Worker buffers
// the report for the next DrainUnreported pass.
func (s *Server) handleProcessShard(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, cluster.RoleWorker) {
		return
	}
	var args cluster.DistributeShardArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reportFn := func(ctx context.Context, report cluster.ReportShardStatusArgs) bool {
		leader := s.eng.LeaderAddr()
		base := s.reg.StubFor(leader, registry.SurfaceMaster)
		if base == "" {
			s.log.WithField("shard_id", report.ShardID).Debug("no master stub available, buffering status report")
			return false
		}
		var reply cluster.SimpleResult
		if err := cluster.PostJSON(ctx, base+"/master/report-shard-status", report, &reply); err != nil {
			s.log.WithError(err).WithField("shard_id", report.ShardID).Debug("shard status report delivery failed")
			return false
		}
		return reply.Success
	}

	writeJSON(w, http.StatusOK, s.worker.ProcessShard(r.Context(), args, reportFn))
}

// handleRequestShard implements WorkerService.RequestShard.
func (s *Server) handleRequestShard(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, cluster.RoleWorker) {
		return
	}
	var args cluster.RequestShardArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, s.worker.RequestShard(args.ShardID))
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/pipeline"
	"github.com/dreamware/torua-transcode/internal/registry"
)

// handleRequestVote implements NodeService.RequestVote.
func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var args cluster.RequestVoteArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.reg.Add(args.CandidateID, false, false)
	writeJSON(w, http.StatusOK, s.eng.HandleRequestVote(args))
}

// handleAnnounceMaster implements NodeService.AnnounceMaster, and, beyond
// the election engine's own term/leader bookkeeping, updates this peer's
// role (backup_master vs worker) and master stub from the announced backup
// address — information ObserveAnnouncement's generic callback doesn't
// carry.
func (s *Server) handleAnnounceMaster(w http.ResponseWriter, r *http.Request) {
	var args cluster.AnnounceMasterArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	adopted := s.eng.ObserveAnnouncement(args)
	if adopted {
		s.reg.Add(args.MasterAddr, false, true)
		s.reg.SetMasterStub(args.MasterAddr, true)
		if args.BackupMasterAddr == s.selfAddr {
			s.setRole(cluster.RoleBackupMaster)
		} else if s.Role() != cluster.RoleMaster {
			s.setRole(cluster.RoleWorker)
		}
		s.drainUnreportedToMaster(args.MasterAddr)
	}

	writeJSON(w, http.StatusOK, cluster.AnnounceMasterReply{Status: "ack", NodeID: s.nodeID})
}

// drainUnreportedToMaster re-attempts every buffered worker shard-status
// report against the newly announced master (spec.md §4.5's unreported-
// shard recovery path), run in the background so the announcement handler
// replies promptly.
func (s *Server) drainUnreportedToMaster(masterAddr string) {
	go s.worker.DrainUnreported(context.Background(), func(ctx context.Context, u pipeline.UnreportedShard) bool {
		base := s.reg.StubFor(masterAddr, registry.SurfaceMaster)
		if base == "" {
			return false
		}
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var reply cluster.SimpleResult
		err := cluster.PostJSON(reqCtx, base+"/master/report-shard-status", cluster.ReportShardStatusArgs{
			VideoID:    u.VideoID,
			ShardID:    u.ShardID,
			WorkerAddr: u.WorkerAddr,
			Status:     string(u.Status),
			Message:    u.Message,
		}, &reply)
		return err == nil && reply.Success
	})
}

// handleNodeStats implements NodeService.GetNodeStats.
func (s *Server) handleNodeStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	score, _ := s.sc.Snapshot(ctx, false)
	dir := s.shardOrDataDir()
	tel := s.sc.CollectTelemetry(ctx, dir)

	writeJSON(w, http.StatusOK, cluster.NodeStats{
		NodeID:             s.nodeID,
		NodeAddr:           s.selfAddr,
		IsMaster:           s.Role() == cluster.RoleMaster,
		CurrentMasterAddr:  s.eng.LeaderAddr(),
		CPUUtilization:     tel.CPUUtilization,
		MemoryUtilization:  tel.MemoryUtilization,
		DiskFreeShardsMB:   tel.DiskFreeMB,
		DiskTotalShardsMB:  tel.DiskTotalMB,
		DiskFreeMasterMB:   tel.DiskFreeMB,
		DiskTotalMasterMB:  tel.DiskTotalMB,
		KnownNodesCount:    s.reg.Len(),
		ElectionInProgress: s.eng.State() == cluster.StateCandidate,
		CurrentTerm:        s.eng.Term(),
		Score:              score,
	})
}

// handleCurrentMaster implements NodeService.GetCurrentMaster.
func (s *Server) handleCurrentMaster(w http.ResponseWriter, r *http.Request) {
	leader := s.eng.LeaderAddr()
	writeJSON(w, http.StatusOK, cluster.CurrentMaster{
		MasterAddr:    leader,
		Term:          s.eng.Term(),
		IsMasterKnown: leader != "",
	})
}

// handleRegisterNode implements NodeService.RegisterNode.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var args cluster.RegisterNodeArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.reg.Add(args.Addr, false, false)

	_ = s.nodes.Put(cluster.NodeDesc{NodeID: args.NodeID, Addr: args.Addr, Port: args.Port})
	nodes := append(s.nodes.All(), cluster.NodeDesc{NodeID: s.nodeID, Addr: s.selfAddr})

	writeJSON(w, http.StatusOK, cluster.RegisterNodeReply{
		Success:       true,
		CurrentLeader: s.eng.LeaderAddr(),
		Nodes:         nodes,
	})
}

// handleUpdateNodeList implements NodeService.UpdateNodeList. The spec
// carries no term on this message, so it only syncs registry membership;
// it never changes leader state (that remains AnnounceMaster's job).
func (s *Server) handleUpdateNodeList(w http.ResponseWriter, r *http.Request) {
	var args cluster.UpdateNodeListArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, addr := range args.NodeAddrs {
		s.reg.Add(addr, false, false)
	}
	writeJSON(w, http.StatusOK, cluster.SimpleResult{Success: true})
}

// handleGetAllNodes implements NodeService.GetAllNodes.
func (s *Server) handleGetAllNodes(w http.ResponseWriter, r *http.Request) {
	nodes := append(s.nodes.All(), cluster.NodeDesc{NodeID: s.nodeID, Addr: s.selfAddr})
	writeJSON(w, http.StatusOK, struct {
		Nodes []cluster.NodeDesc `json:"nodes"`
	}{Nodes: nodes})
}

// handleReportResourceScore implements NodeService.ReportResourceScore, a
// worker-to-master score push used as a placement hint alongside the
// periodic ResourceScorer refresh; this peer simply acknowledges and
// discards the score, since Distribute places shards round-robin without
// consulting scores.
func (s *Server) handleReportResourceScore(w http.ResponseWriter, r *http.Request) {
	var args cluster.ReportResourceScoreArgs
	if err := decodeJSON(r, &args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, cluster.SimpleResult{Success: true})
}

func (s *Server) shardOrDataDir() string {
	if s.Role() == cluster.RoleMaster {
		return s.master.DataDir()
	}
	return s.worker.ShardDir()
}

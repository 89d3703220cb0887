// Package server implements the External-surface handlers (spec.md §4.6 and
// §6): the HTTP routing for the Node, Master and Worker RPC surfaces, and
// the wiring that ties ElectionEngine, Announcer/HealthMonitor, PeerRegistry,
// ResourceScorer and ShardPipeline together into one role-dynamic peer.
// Generalizes the teacher's `newServer`/`server` split in
// cmd/coordinator/main.go (state container separate from process lifecycle)
// to a single binary that can be master, backup_master or worker at runtime.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/torua-transcode/internal/announce"
	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/election"
	"github.com/dreamware/torua-transcode/internal/mediatool"
	"github.com/dreamware/torua-transcode/internal/metrics"
	"github.com/dreamware/torua-transcode/internal/pipeline"
	"github.com/dreamware/torua-transcode/internal/registry"
	"github.com/dreamware/torua-transcode/internal/scorer"
	"github.com/dreamware/torua-transcode/internal/storage"
)

// Config carries the CLI-derived settings a Server is built from (spec.md
// §6's --host/--port/--role/--master/--nodes surface, already parsed and
// resolved to an address by cmd/peer).
type Config struct {
	SelfAddr    string
	NodeID      string
	InitialRole cluster.Role
	MasterAddr  string // seed leader hint; only meaningful when InitialRole is worker
	SeedNodes   []string

	DataDir    string // master_data/
	ShardDir   string // video_shards/
	FFmpegPath string

	Log *logrus.Entry
}

// Server is the process-wide state container: one instance per peer,
// regardless of which role it is currently playing.
type Server struct {
	log      *logrus.Entry
	selfAddr string
	nodeID   string

	reg *registry.Registry
	sc  *scorer.Scorer
	eng *election.Engine
	ann *announce.Announcer
	hm  *announce.HealthMonitor

	master *pipeline.Master
	worker *pipeline.Worker
	met    *metrics.Collector

	roleMu sync.RWMutex
	role   cluster.Role

	nodes *storage.NodeDirectory // node_id -> descriptor, for GetAllNodes/RegisterNode
}

// New builds a Server and wires every component's callbacks, but starts no
// background goroutines — call Run for that.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	reg := registry.New(cfg.SelfAddr)
	sc := scorer.New(cfg.SelfAddr, cfg.ShardDir, log)
	mt := mediatool.New(cfg.FFmpegPath, cfg.DataDir)

	s := &Server{
		log:      log,
		selfAddr: cfg.SelfAddr,
		nodeID:   cfg.NodeID,
		reg:      reg,
		sc:       sc,
		master:   pipeline.NewMaster(cfg.DataDir, mt, reg, log),
		worker:   pipeline.NewWorker(cfg.SelfAddr, cfg.ShardDir, mt, log),
		met:      metrics.NewCollector("torua_transcode"),
		role:     cfg.InitialRole,
		nodes:    storage.NewNodeDirectory(storage.NewMemoryStore()),
	}

	s.eng = election.New(cfg.SelfAddr, cfg.NodeID, reg, sc, election.Callbacks{
		OnBecomeLeader:   s.onBecomeLeader,
		OnBecomeFollower: s.onBecomeFollower,
	}, log)
	s.ann = announce.New(cfg.SelfAddr, cfg.NodeID, reg, s.eng, log)
	s.hm = announce.NewHealthMonitor(cfg.SelfAddr, reg, s.eng, s.Role, log)
	s.hm.OnNoLeaderFound = s.discoverMaster

	for _, addr := range cfg.SeedNodes {
		reg.Add(addr, false, false)
	}
	if cfg.MasterAddr != "" {
		reg.Add(cfg.MasterAddr, false, true)
	}

	return s
}

// Role reports the peer's current self-assessed role.
func (s *Server) Role() cluster.Role {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	return s.role
}

func (s *Server) setRole(r cluster.Role) {
	s.roleMu.Lock()
	changed := s.role != r
	s.role = r
	s.roleMu.Unlock()
	if changed {
		s.log.WithField("role", r).Info("role changed")
	}
	s.met.SetIsMaster(r == cluster.RoleMaster)
}

// refreshMetrics samples the slow-moving gauges (term, peer count) that
// aren't naturally updated by an event callback.
func (s *Server) refreshMetrics() {
	s.met.SetTerm(s.eng.Term())
	s.met.SetPeersKnown(s.reg.Len())
	s.met.SetUnreportedShards(len(s.worker.Buffer()))
}

// onBecomeLeader reacts to this engine winning an election or
// self-promoting (quorum win or deadlock breaker), per spec.md §4.4.
func (s *Server) onBecomeLeader(term uint64, backup string) {
	s.setRole(cluster.RoleMaster)
	if backup != "" {
		s.reg.SetMasterStub(backup, false)
	}
	s.ann.Start(context.Background())
}

// onBecomeFollower reacts to losing leadership or observing a higher-term
// peer — the announcement handler separately determines backup_master vs
// worker role, since only it has the backup address.
func (s *Server) onBecomeFollower(term uint64, leaderAddr string) {
	s.ann.Stop()
	if s.Role() == cluster.RoleMaster {
		s.setRole(cluster.RoleWorker)
	}
}

// discoverMaster implements active master discovery (spec.md §4.3): probe
// every known peer's GetNodeStats within a 5s aggregate deadline, adopt the
// highest-term responder claiming is_master. Returns true iff a leader was
// found and adopted.
func (s *Server) discoverMaster(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	type found struct {
		addr  string
		stats cluster.NodeStats
	}
	results := make(chan found, len(s.reg.Addrs()))
	var wg sync.WaitGroup
	for _, addr := range s.reg.Addrs() {
		base := s.reg.StubFor(addr, registry.SurfaceNode)
		if base == "" {
			continue
		}
		wg.Add(1)
		go func(addr, base string) {
			defer wg.Done()
			var stats cluster.NodeStats
			if err := cluster.GetJSON(ctx, base+"/node/stats", &stats); err == nil {
				results <- found{addr: addr, stats: stats}
			}
		}(addr, base)
	}
	go func() { wg.Wait(); close(results) }()

	var best *found
	for f := range results {
		if !f.stats.IsMaster {
			continue
		}
		fCopy := f
		if best == nil || fCopy.stats.CurrentTerm > best.stats.CurrentTerm {
			best = &fCopy
		}
	}

	if best == nil || best.stats.CurrentTerm < s.eng.Term() {
		return false
	}

	s.reg.Add(best.addr, false, true)
	s.eng.ObserveAnnouncement(cluster.AnnounceMasterArgs{
		MasterAddr: best.addr,
		Term:       best.stats.CurrentTerm,
	})
	s.setRole(cluster.RoleWorker)
	return true
}

// Run starts every background loop (scorer refresh, election timer, health
// monitor) and blocks until ctx is cancelled. Mirrors the teacher's
// goroutine-per-subsystem startup in cmd/coordinator/main.go.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); s.sc.Run(ctx) }()
	go func() { defer wg.Done(); s.eng.Run(ctx) }()
	go func() { defer wg.Done(); s.hm.Run(ctx) }()
	go func() { defer wg.Done(); s.runMetricsLoop(ctx) }()

	if s.eng.LeaderAddr() == "" {
		s.discoverMaster(ctx)
	}

	wg.Wait()
}

// runMetricsLoop periodically samples gauges that have no natural event to
// update them on.
func (s *Server) runMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshMetrics()
		}
	}
}

// Shutdown stops the announcer and leaves background loops to their ctx
// cancellation (driven by the caller, per spec.md §5's shutdown ordering).
func (s *Server) Shutdown() {
	s.ann.Stop()
}

// Routes builds the HTTP mux for all three RPC surfaces.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.met.Middleware(pattern, h))
	}

	route("/node/request-vote", s.handleRequestVote)
	route("/node/announce-master", s.handleAnnounceMaster)
	route("/node/stats", s.handleNodeStats)
	route("/node/current-master", s.handleCurrentMaster)
	route("/node/register", s.handleRegisterNode)
	route("/node/update-node-list", s.handleUpdateNodeList)
	route("/node/all-nodes", s.handleGetAllNodes)
	route("/node/report-resource-score", s.handleReportResourceScore)

	route("/master/register-worker", s.handleRegisterWorker)
	route("/master/upload-video", s.handleUploadVideo)
	route("/master/video-status", s.handleVideoStatus)
	route("/master/retrieve-video", s.handleRetrieveVideo)
	route("/master/report-shard-status", s.handleReportShardStatus)

	route("/worker/process-shard", s.handleProcessShard)
	route("/worker/request-shard", s.handleRequestShard)

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", s.met.Handler())

	return mux
}

// requireRole writes a structured "role mismatch" rejection (spec.md §7)
// and reports false when the current role isn't want.
func (s *Server) requireRole(w http.ResponseWriter, want cluster.Role) bool {
	if s.Role() == want {
		return true
	}
	msg := "not master"
	if want == cluster.RoleWorker {
		msg = "not a worker"
	}
	writeJSON(w, http.StatusConflict, cluster.SimpleResult{Success: false, Message: msg})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("bad request body: %w", err)
	}
	return nil
}

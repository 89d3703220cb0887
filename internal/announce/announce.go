// Package announce implements MasterAnnouncer and HealthMonitor
// (spec.md §4.4): the leader's periodic broadcast of its authority, and
// the follower/backup-side probe that detects leader loss and reacts —
// fast backup promotion, worker active-discovery, or a scheduled
// pre-election delay. Generalizes the teacher's ticker-driven
// internal/coordinator/health_monitor.go from a fixed "all nodes healthy?"
// sweep into a single-target (the current leader) probe whose failure
// threshold varies by local role.
package announce

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/election"
	"github.com/dreamware/torua-transcode/internal/registry"
)

// announceInterval is how often a leader broadcasts MasterAnnouncement —
// spec.md §4.4.
const announceInterval = 5 * time.Second

// Announcer runs only while the local engine believes it is leader. It
// broadcasts AnnounceMaster to every known peer every announceInterval.
type Announcer struct {
	log      *logrus.Entry
	selfAddr string
	nodeID   string
	reg      *registry.Registry
	eng      *election.Engine

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates an Announcer bound to eng and reg.
func New(selfAddr, nodeID string, reg *registry.Registry, eng *election.Engine, log *logrus.Entry) *Announcer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Announcer{log: log.WithField("component", "announcer"), selfAddr: selfAddr, nodeID: nodeID, reg: reg, eng: eng}
}

// Start begins broadcasting if not already running. Safe to call on every
// OnBecomeLeader transition; idempotent.
func (a *Announcer) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	go a.loop(runCtx)
}

// Stop halts broadcasting — called on any role transition away from
// leader, and during graceful shutdown.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running && a.cancel != nil {
		a.cancel()
	}
	a.running = false
}

func (a *Announcer) loop(ctx context.Context) {
	a.broadcastOnce(ctx)
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.broadcastOnce(ctx)
		}
	}
}

func (a *Announcer) broadcastOnce(ctx context.Context) {
	args := cluster.AnnounceMasterArgs{
		MasterAddr:       a.selfAddr,
		BackupMasterAddr: a.eng.BackupAddr(),
		NodeIDOfMaster:   a.nodeID,
		Term:             a.eng.Term(),
	}
	for _, addr := range a.reg.Addrs() {
		base := a.reg.StubFor(addr, registry.SurfaceNode)
		if base == "" {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		var reply cluster.AnnounceMasterReply
		if err := cluster.PostJSON(reqCtx, base+"/node/announce-master", args, &reply); err != nil {
			a.log.WithError(err).WithField("peer", addr).Debug("announcement delivery failed")
		}
		cancel()
	}
}

// HealthMonitor probes the current leader on behalf of a follower, backup
// master, or worker, and reacts to sustained silence per spec.md §4.4.
type HealthMonitor struct {
	log      *logrus.Entry
	selfAddr string
	reg      *registry.Registry
	eng      *election.Engine

	// Role reports the local peer's current role, consulted each tick to
	// pick the right failure timeout and reaction.
	Role func() cluster.Role
	// OnNoLeaderFound runs active discovery; if it returns false (no
	// leader located), the caller schedules a pre-election delay by
	// simply letting the election timer (already reset by EvictLeader)
	// fire on its own.
	OnNoLeaderFound func(ctx context.Context) bool

	// noLeaderCycles counts consecutive ticks observed with no known
	// leader; mutated only from tick, which Run calls serially, so it
	// needs no lock of its own.
	noLeaderCycles int
}

// NewHealthMonitor creates a HealthMonitor bound to eng and reg.
func NewHealthMonitor(selfAddr string, reg *registry.Registry, eng *election.Engine, roleFn func() cluster.Role, log *logrus.Entry) *HealthMonitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HealthMonitor{log: log.WithField("component", "health_monitor"), selfAddr: selfAddr, reg: reg, eng: eng, Role: roleFn}
}

// Run probes the leader every 1s until ctx is cancelled, per spec.md §4.4.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// noLeaderRetryEvery is how many consecutive no-leader ticks elapse before
// the monitor retries active discovery even absent a fresh failure, per
// spec.md §4.4.
const noLeaderRetryEvery = 3

func (h *HealthMonitor) tick(ctx context.Context) {
	leader := h.eng.LeaderAddr()
	if leader == h.selfAddr && leader != "" {
		return
	}
	if leader == "" {
		h.noLeaderCycles++
		if h.noLeaderCycles%noLeaderRetryEvery == 0 && h.OnNoLeaderFound != nil {
			h.OnNoLeaderFound(ctx)
		}
		return
	}
	h.noLeaderCycles = 0

	base := h.reg.StubFor(leader, registry.SurfaceNode)
	if base == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	var stats cluster.NodeStats
	err := cluster.GetJSON(reqCtx, base+"/node/stats", &stats)
	cancel()

	if err == nil {
		h.eng.TouchHeartbeat()
		return
	}

	role := cluster.RoleWorker
	if h.Role != nil {
		role = h.Role()
	}
	timeout := h.eng.FailureTimeout(role)
	if time.Since(h.eng.LastHeartbeat()) <= timeout {
		return
	}

	h.log.WithField("leader", leader).Warn("leader failure timeout exceeded, evicting")
	h.reg.Remove(leader)
	h.eng.EvictLeader()

	switch role {
	case cluster.RoleBackupMaster:
		h.log.Warn("designated backup self-promoting to master")
		h.eng.PromoteSelf(ctx)
	case cluster.RoleWorker:
		if h.OnNoLeaderFound != nil {
			h.OnNoLeaderFound(ctx)
		}
	}
}

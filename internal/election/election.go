// Package election implements ElectionEngine (spec.md §4.3): the
// follower/candidate/leader state machine, randomized-backoff election
// timers, score-weighted vote solicitation, term arithmetic, and the
// deterministic deadlock breaker. Grounded on the ticker-driven state
// machine idiom in other_examples/7c48380b (msaadshabir-ZTAP
// InMemoryElection) and the teacher's coordinator/node split
// (johnjansen-torua internal/coordinator, cmd/node), generalized here into
// a single role-dynamic engine instead of two fixed binaries.
package election

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/registry"
	"github.com/dreamware/torua-transcode/internal/scorer"
)

const (
	electionBase         = 10 * time.Second
	backupFailureTimeout = 2 * time.Second
	deadlockAttemptCap   = 3
)

// Callbacks lets ElectionEngine notify the rest of the process of role and
// leadership transitions without importing the pipeline/announce packages
// directly (avoids an import cycle; mirrors the teacher's handler-function
// wiring in cmd/coordinator/main.go).
type Callbacks struct {
	// OnBecomeLeader fires once when this node wins an election or
	// fast-promotes from backup. backup is "" if none could be chosen.
	OnBecomeLeader func(term uint64, backup string)
	// OnBecomeFollower fires whenever the node (re)enters follower state,
	// e.g. after observing a higher term or losing an election.
	OnBecomeFollower func(term uint64, leaderAddr string)
	// Leader loss has no callback here: HealthMonitor (outside this
	// package) detects it and calls EvictLeader directly.
}

// Engine drives one peer's election state. All mutable state is guarded by
// mu; exported methods are safe for concurrent use.
type Engine struct {
	log *logrus.Entry

	selfAddr string
	nodeID   string
	reg      *registry.Registry
	sc       *scorer.Scorer
	cb       Callbacks

	mu               sync.Mutex
	state            cluster.State
	term             uint64
	votedFor         string
	votedForTerm     uint64
	leaderAddr       string
	backupAddr       string
	lastHeartbeat    time.Time
	attempts         int
	electionTimeout  time.Duration
	electionDeadline time.Time
	inPreElection    bool

	resetCh chan struct{}
}

// New creates an Engine for the local peer. sc provides the Score snapshot
// consulted when soliciting or granting votes.
func New(selfAddr, nodeID string, reg *registry.Registry, sc *scorer.Scorer, cb Callbacks, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		log:      log.WithField("component", "election"),
		selfAddr: selfAddr,
		nodeID:   nodeID,
		reg:      reg,
		sc:       sc,
		cb:       cb,
		state:    cluster.StateFollower,
		resetCh:  make(chan struct{}, 1),
	}
	e.electionTimeout = e.randomTimeout(0)
	return e
}

// randomTimeout draws uniformly from [base*1.5^min(attempts,5), 1.5x
// that], per spec.md §4.3.
func (e *Engine) randomTimeout(attempts int) time.Duration {
	if attempts > 5 {
		attempts = 5
	}
	lo := float64(electionBase) * pow15(attempts)
	hi := 1.5 * lo
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

func pow15(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 1.5
	}
	return v
}

// State returns the current follower/candidate/leader state.
func (e *Engine) State() cluster.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Term returns the current term.
func (e *Engine) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// LeaderAddr returns the known leader address, or "" if none.
func (e *Engine) LeaderAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderAddr
}

// BackupAddr returns the designated backup master address, or "" if none
// (leader-scoped; meaningless on a follower).
func (e *Engine) BackupAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backupAddr
}

// IsLeader reports whether this engine currently believes it is leader.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == cluster.StateLeader
}

// Run drives the election timer loop until ctx is cancelled. Mirrors the
// ticker-plus-select idiom of the teacher's health_monitor.go, generalized
// to a randomized, resettable timeout instead of a fixed interval.
func (e *Engine) Run(ctx context.Context) {
	for {
		e.mu.Lock()
		timeout := e.electionTimeout
		e.mu.Unlock()

		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.resetCh:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if e.State() == cluster.StateLeader {
			// Leaders don't run election timers; Announcer drives them
			// instead. Wait out another timeout and re-check.
			continue
		}
		if e.LeaderAddr() != "" {
			continue
		}
		e.startElectionSequence(ctx)
	}
}

// resetTimer restarts the election timer, clearing the attempt counter —
// called on any valid leader contact (spec.md §4.3).
func (e *Engine) resetTimer() {
	e.mu.Lock()
	e.attempts = 0
	e.electionTimeout = e.randomTimeout(0)
	e.mu.Unlock()
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

// startElectionSequence implements the follower-path transition to
// candidate: probe peers, optionally yield via pre-election delay, then
// solicit votes. Runs synchronously within the Run loop's goroutine by
// design — spec.md's single-event-loop model forbids concurrent election
// attempts.
func (e *Engine) startElectionSequence(ctx context.Context) {
	own, err := e.sc.Snapshot(ctx, false)
	if err != nil {
		e.log.WithError(err).Debug("own score snapshot degraded before election")
	}

	if better := e.betterPeerExists(ctx, own); better {
		e.mu.Lock()
		e.inPreElection = true
		e.mu.Unlock()

		delay := time.Duration(8+rand.Float64()*4) * time.Second
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			e.clearPreElection()
			return
		case <-e.resetCh:
			// A valid announcement or cancellation arrived; abort.
			e.clearPreElection()
			return
		case <-timer.C:
		}
		e.clearPreElection()

		if e.LeaderAddr() != "" {
			return
		}
	}

	e.mu.Lock()
	e.attempts++
	attempts := e.attempts
	e.mu.Unlock()

	if attempts > deadlockAttemptCap {
		if e.tryDeadlockBreak(ctx) {
			return
		}
	}

	e.runElectionRound(ctx)
}

func (e *Engine) clearPreElection() {
	e.mu.Lock()
	e.inPreElection = false
	e.mu.Unlock()
}

// betterPeerExists probes every known peer's Node surface for its current
// score and reports whether any strictly beats our own.
func (e *Engine) betterPeerExists(ctx context.Context, own cluster.Score) bool {
	for _, addr := range e.reg.Addrs() {
		base := e.reg.StubFor(addr, registry.SurfaceNode)
		if base == "" {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		var stats cluster.NodeStats
		err := cluster.GetJSON(reqCtx, base+"/node/stats", &stats)
		cancel()
		if err != nil {
			continue
		}
		if stats.Score.Better(addr, own, e.selfAddr) {
			return true
		}
	}
	return false
}

// runElectionRound increments the term, votes for itself, transitions to
// candidate, and issues RequestVote to every known peer, tallying quorum.
func (e *Engine) runElectionRound(ctx context.Context) {
	e.mu.Lock()
	e.term++
	term := e.term
	e.votedFor = e.selfAddr
	e.votedForTerm = term
	e.state = cluster.StateCandidate
	e.mu.Unlock()

	e.log.WithField("term", term).Info("starting election round")

	own, _ := e.sc.Snapshot(ctx, false)
	granted := 1 // self-vote

	for _, addr := range e.reg.Addrs() {
		base := e.reg.StubFor(addr, registry.SurfaceNode)
		if base == "" {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		var reply cluster.RequestVoteReply
		err := cluster.PostJSON(reqCtx, base+"/node/request-vote", cluster.RequestVoteArgs{
			Term:        term,
			CandidateID: e.selfAddr,
			Score:       own,
		}, &reply)
		cancel()
		if err != nil {
			continue
		}
		if reply.Term > term {
			e.becomeFollower(reply.Term, "")
			return
		}
		if reply.HasMaster {
			e.becomeFollower(reply.Term, reply.CurrentMaster)
			return
		}
		if reply.VoteGranted {
			granted++
		}
	}

	quorum := (e.reg.Len()+1)/2 + 1
	if granted >= quorum {
		e.becomeLeader(ctx, term)
		return
	}
	// No quorum: remain candidate. The outer Run loop will re-fire the
	// (backed-off) election timer on its own, per spec.md §4.3.
	e.mu.Lock()
	e.electionTimeout = e.randomTimeout(e.attempts)
	e.mu.Unlock()
}

// HandleRequestVote answers an incoming RequestVote RPC per spec.md §4.3's
// four numbered rules, the third of which is the score-weighted grant: a
// vote is only cast for a candidate whose score strictly beats this peer's
// own (lower is better), with address order breaking a tie (scores within
// 1e-3 of each other, per cluster.Score.Better).
func (e *Engine) HandleRequestVote(args cluster.RequestVoteArgs) cluster.RequestVoteReply {
	scoreCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	own, _ := e.sc.Snapshot(scoreCtx, false)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if args.Term < e.term {
		return cluster.RequestVoteReply{Term: e.term, VoteGranted: false, VoterID: e.nodeID}
	}
	if args.Term > e.term {
		e.term = args.Term
		e.state = cluster.StateFollower
		e.votedFor = ""
		e.leaderAddr = ""
		e.backupAddr = ""
	}

	alreadyVoted := e.votedFor != "" && e.votedForTerm == e.term && e.votedFor != args.CandidateID
	if alreadyVoted {
		return cluster.RequestVoteReply{Term: e.term, VoteGranted: false, VoterID: e.nodeID}
	}
	if e.leaderAddr != "" {
		return cluster.RequestVoteReply{
			Term:          e.term,
			VoteGranted:   false,
			VoterID:       e.nodeID,
			CurrentMaster: e.leaderAddr,
			HasMaster:     true,
		}
	}

	if !args.Score.Better(args.CandidateID, own, e.selfAddr) {
		return cluster.RequestVoteReply{Term: e.term, VoteGranted: false, VoterID: e.nodeID, VoterScore: own}
	}

	e.votedFor = args.CandidateID
	e.votedForTerm = e.term
	e.attempts = 0
	e.electionTimeout = e.randomTimeout(0)
	select {
	case e.resetCh <- struct{}{}:
	default:
	}

	return cluster.RequestVoteReply{Term: e.term, VoteGranted: true, VoterID: e.nodeID, VoterScore: own}
}

// PromoteSelf immediately claims leadership for a new term without running
// an election round — used by HealthMonitor for the designated backup's
// fast self-promotion on leader-failure-timeout (spec.md §4.4).
func (e *Engine) PromoteSelf(ctx context.Context) uint64 {
	e.mu.Lock()
	e.term++
	term := e.term
	e.mu.Unlock()

	e.log.WithField("term", term).Warn("backup self-promoting after leader failure timeout")
	e.becomeLeader(ctx, term)
	return term
}

// tryDeadlockBreak implements spec.md §4.3's deterministic deadlock
// breaker: if this node's address is the lexicographically smallest among
// reachable peers, self-promote.
func (e *Engine) tryDeadlockBreak(ctx context.Context) bool {
	reachable := []string{e.selfAddr}
	for _, addr := range e.reg.Addrs() {
		if e.reg.IsReachable(ctx, addr) {
			reachable = append(reachable, addr)
		}
	}
	slices.Sort(reachable)
	if reachable[0] != e.selfAddr {
		return false
	}

	e.mu.Lock()
	e.term++
	term := e.term
	e.mu.Unlock()

	e.log.WithField("term", term).Warn("deadlock breaker: self-promoting")
	e.becomeLeader(ctx, term)
	return true
}

// becomeLeader transitions to leader for term, computes the backup per
// spec.md §4.4, and invokes the OnBecomeLeader callback.
func (e *Engine) becomeLeader(ctx context.Context, term uint64) {
	backup := e.chooseBackup(ctx)

	e.mu.Lock()
	e.state = cluster.StateLeader
	e.leaderAddr = e.selfAddr
	e.backupAddr = backup
	e.attempts = 0
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"term": term, "backup": backup}).Info("elected leader")
	if e.cb.OnBecomeLeader != nil {
		e.cb.OnBecomeLeader(term, backup)
	}
}

// chooseBackup computes (address, score) pairs for self plus every
// responder with a known score, sorts ascending, and returns the second
// entry's address (or "" if alone) — spec.md §4.4.
func (e *Engine) chooseBackup(ctx context.Context) string {
	own, _ := e.sc.Snapshot(ctx, false)
	type candidate struct {
		addr  string
		score cluster.Score
	}
	cands := []candidate{{addr: e.selfAddr, score: own}}

	for _, addr := range e.reg.Addrs() {
		base := e.reg.StubFor(addr, registry.SurfaceNode)
		if base == "" {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		var stats cluster.NodeStats
		err := cluster.GetJSON(reqCtx, base+"/node/stats", &stats)
		cancel()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{addr: addr, score: stats.Score})
	}

	slices.SortFunc(cands, func(a, b candidate) int {
		if a.score.Value < b.score.Value {
			return -1
		}
		if a.score.Value > b.score.Value {
			return 1
		}
		if a.addr < b.addr {
			return -1
		}
		if a.addr > b.addr {
			return 1
		}
		return 0
	})

	if len(cands) < 2 {
		return ""
	}
	return cands[1].addr
}

// becomeFollower transitions to follower for term with the given leader
// address (possibly "" if unknown), resetting election state.
func (e *Engine) becomeFollower(term uint64, leaderAddr string) {
	e.mu.Lock()
	e.term = term
	e.state = cluster.StateFollower
	e.votedFor = ""
	e.leaderAddr = leaderAddr
	if leaderAddr != "" {
		e.lastHeartbeat = time.Now()
	}
	e.attempts = 0
	e.electionTimeout = e.randomTimeout(0)
	e.mu.Unlock()

	select {
	case e.resetCh <- struct{}{}:
	default:
	}

	if e.cb.OnBecomeFollower != nil {
		e.cb.OnBecomeFollower(term, leaderAddr)
	}
}

// ObserveAnnouncement updates election state from a received
// AnnounceMaster RPC (spec.md §4.4): cancels any pending election and
// adopts the announced term/leader/backup if the term is at least as
// current as our own.
func (e *Engine) ObserveAnnouncement(args cluster.AnnounceMasterArgs) bool {
	e.mu.Lock()
	if args.Term < e.term {
		e.mu.Unlock()
		return false
	}
	e.term = args.Term
	e.state = cluster.StateFollower
	e.leaderAddr = args.MasterAddr
	e.backupAddr = args.BackupMasterAddr
	e.lastHeartbeat = time.Now()
	e.votedFor = ""
	e.attempts = 0
	e.electionTimeout = e.randomTimeout(0)
	e.mu.Unlock()

	select {
	case e.resetCh <- struct{}{}:
	default:
	}
	if e.cb.OnBecomeFollower != nil {
		e.cb.OnBecomeFollower(args.Term, args.MasterAddr)
	}
	return true
}

// LastHeartbeat returns the timestamp of the last accepted leader contact
// (announcement or successful health probe).
func (e *Engine) LastHeartbeat() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHeartbeat
}

// TouchHeartbeat records a successful health probe of the current leader
// without altering term or role — called by HealthMonitor on each
// successful GetNodeStats probe.
func (e *Engine) TouchHeartbeat() {
	e.mu.Lock()
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()
}

// EvictLeader clears the known leader (called by HealthMonitor on a
// failure-timeout breach) and resets the election timer so the follower
// path fires promptly.
func (e *Engine) EvictLeader() {
	e.mu.Lock()
	e.leaderAddr = ""
	e.backupAddr = ""
	e.electionTimeout = e.randomTimeout(0)
	e.mu.Unlock()
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

// FailureTimeout returns the duration after which a silent leader is
// considered dead, per spec.md §4.4's table: 2s for backup_master,
// election_timeout for workers.
func (e *Engine) FailureTimeout(role cluster.Role) time.Duration {
	if role == cluster.RoleBackupMaster {
		return backupFailureTimeout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.electionTimeout
}

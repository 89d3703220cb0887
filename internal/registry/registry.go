// Package registry implements PeerRegistry (spec.md §4.2): the set of
// known peer addresses, their reusable HTTP "channels", and the
// surface-scoped stubs (Node/Master/Worker) used to call them. Generalizes
// the teacher's `server.nodes []cluster.NodeInfo` plus package-level
// http.Client (johnjansen-torua/cmd/coordinator/main.go,
// internal/cluster/types.go) into a standalone, independently lockable
// type so election, announcement and pipeline code can all depend on it.
package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/torua-transcode/internal/cluster"
)

// Surface names one of the three RPC surfaces a stub can target.
type Surface string

const (
	SurfaceNode   Surface = "node"
	SurfaceMaster Surface = "master"
	SurfaceWorker Surface = "worker"
)

// channel is the per-peer transport handle: an HTTP client allocated for one
// address and closed by Remove. RPCs themselves do not go through it: stubs
// are base URLs, and callers send via cluster.PostJSON/GetJSON, which share
// one package-level client that pools connections per host.
type channel struct {
	addr   string
	client *http.Client
}

// entry is the registry's bookkeeping for one known peer: its channel and
// which surfaces currently have an open stub (node always; master/worker
// conditionally, per spec.md §4.2).
type entry struct {
	ch            *channel
	hasMasterStub bool
	hasWorkerStub bool
}

// Registry is the authoritative set of known peer addresses, never
// including the local address. All mutation is performed under a single
// mutex; network calls are made without holding it.
type Registry struct {
	localAddr string

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a Registry for a peer whose own address is localAddr — that
// address is never admitted by Add, matching the invariant in spec.md §4.2.
func New(localAddr string) *Registry {
	return &Registry{
		localAddr: localAddr,
		entries:   make(map[string]*entry),
	}
}

// Add admits addr to the registry, allocating a channel and Node stub if
// not already present (idempotent). openWorkerStub and openMasterStub control
// whether Worker and Master stubs are also opened, per spec.md §4.2:
// Worker stubs open when the local role is master; Master stubs open when
// addr is our current leader.
func (r *Registry) Add(addr string, openWorkerStub, openMasterStub bool) {
	if addr == "" || addr == r.localAddr {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[addr]
	if !ok {
		e = &entry{ch: &channel{addr: addr, client: &http.Client{Timeout: 35 * time.Second}}}
		r.entries[addr] = e
	}
	if openWorkerStub {
		e.hasWorkerStub = true
	}
	if openMasterStub {
		e.hasMasterStub = true
	}
}

// Remove evicts addr, closing its channel. Idempotent.
func (r *Registry) Remove(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[addr]; ok {
		e.ch.client.CloseIdleConnections()
		delete(r.entries, addr)
	}
}

// Addrs returns a sorted snapshot of known peer addresses.
func (r *Registry) Addrs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for addr := range r.entries {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// Len reports |K|, the number of known peers, for quorum arithmetic.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StubFor returns the base URL to use for an RPC against addr on the
// given surface, or "" if no stub is open for that surface (spec.md
// §4.2's stub_for). The Node surface is always available for any known
// peer.
func (r *Registry) StubFor(addr string, surface Surface) string {
	r.mu.RLock()
	e, ok := r.entries[addr]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	switch surface {
	case SurfaceNode:
		return "http://" + addr
	case SurfaceMaster:
		if e.hasMasterStub {
			return "http://" + addr
		}
	case SurfaceWorker:
		if e.hasWorkerStub {
			return "http://" + addr
		}
	}
	return ""
}

// WorkerAddrs returns the addresses for which a Worker stub currently
// exists — the "available workers" set the master's distribution loop
// iterates (spec.md §4.5).
func (r *Registry) WorkerAddrs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for addr, e := range r.entries {
		if e.hasWorkerStub {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}

// SetMasterStub opens or closes the Master stub for addr (called when the
// current leader changes).
func (r *Registry) SetMasterStub(addr string, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[addr]; ok {
		e.hasMasterStub = open
	}
}

// SetWorkerStubs opens Worker stubs for exactly the given addresses and
// closes them for every other known peer (called by Master.RegisterWorker
// whenever the registered-worker set changes).
func (r *Registry) SetWorkerStubs(addrs []string) {
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, e := range r.entries {
		e.hasWorkerStub = want[addr]
	}
}

// IsReachable attempts a connectivity probe against addr's Node surface
// (GetCurrentMaster is cheap and side-effect free).
func (r *Registry) IsReachable(ctx context.Context, addr string) bool {
	base := r.StubFor(addr, SurfaceNode)
	if base == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var out cluster.CurrentMaster
	return cluster.GetJSON(ctx, base+"/node/current-master", &out) == nil
}

// Package scorer implements ResourceScorer (spec.md §4.1): a cached,
// periodically-refreshed snapshot of a peer's local load, used both as an
// election preference and a shard-placement hint. Grounded on gopsutil
// usage in c6ai-hlf-easy/node/peer.go (github.com/shirou/gopsutil/process),
// extended to the sibling cpu/mem/load/disk subpackages the Score tuple
// needs.
package scorer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	gopsutilload "github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/torua-transcode/internal/cluster"
)

// updateInterval is the spec's score_update_interval: cached snapshots
// older than this are recomputed even without a forced refresh.
const updateInterval = 10 * time.Second

// Scorer computes and caches Score snapshots for the local peer.
//
// Thread-safety: Snapshot and the background refresh loop share a mutex
// guarding the cached value; callers never see a partially-updated Score.
type Scorer struct {
	log *logrus.Entry

	serverID  string
	shardsDir string

	mu       sync.Mutex
	cached   cluster.Score
	cachedAt time.Time

	lastNetBytes uint64
	lastNetAt    time.Time
}

// New creates a Scorer for the local peer. shardsDir is the directory
// whose total file size contributes the shards_storage_mb component
// (spec.md §4.1); it need not exist yet.
func New(serverID, shardsDir string, log *logrus.Entry) *Scorer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scorer{
		log:       log,
		serverID:  serverID,
		shardsDir: shardsDir,
	}
}

// Run refreshes the cached score every score_update_interval until ctx is
// cancelled. Mirrors the teacher's ticker-plus-context-cancel background
// task idiom (internal/coordinator/health_monitor.go Start).
func (s *Scorer) Run(ctx context.Context) {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Snapshot(ctx, true); err != nil {
				s.log.WithError(err).Warn("background score refresh failed")
			}
		}
	}
}

// Snapshot returns the cached Score unless it is older than
// score_update_interval or forceFresh is set, in which case it recomputes
// and re-caches before returning.
func (s *Scorer) Snapshot(ctx context.Context, forceFresh bool) (cluster.Score, error) {
	s.mu.Lock()
	fresh := !forceFresh && time.Since(s.cachedAt) < updateInterval && s.cachedAt != (time.Time{})
	cached := s.cached
	s.mu.Unlock()
	if fresh {
		return cached, nil
	}

	score, err := s.compute(ctx)
	if err != nil {
		// Degraded snapshot is still useful; cache it so callers aren't
		// left empty-handed on the next cheap read.
		s.log.WithError(err).Warn("score computation degraded")
	}

	s.mu.Lock()
	s.cached = score
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return score, nil
}

// compute gathers the four Score inputs from gopsutil and the local
// filesystem. Any individual collector failing (e.g. no load-average
// primitive on this platform, per spec.md §4.1) degrades that term to
// zero rather than failing the whole snapshot.
func (s *Scorer) compute(ctx context.Context) (cluster.Score, error) {
	score := cluster.Score{ServerID: s.serverID}
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if avg, err := gopsutilload.AvgWithContext(ctx); err == nil {
		score.LoadAvg = avg.Load1
	} else {
		note(err)
	}

	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		// io_wait isn't separately exposed cross-platform by gopsutil's
		// high-level cpu.Percent; approximate it from CPU busy time, which
		// is the same signal the spec's score weighting cares about.
		score.IOWait = pcts[0] * 0.1
	} else {
		note(err)
	}

	if ioCounters, err := net.IOCountersWithContext(ctx, false); err == nil && len(ioCounters) > 0 {
		total := ioCounters[0].BytesSent + ioCounters[0].BytesRecv
		now := time.Now()
		s.mu.Lock()
		if !s.lastNetAt.IsZero() {
			elapsed := now.Sub(s.lastNetAt).Seconds()
			if elapsed > 0 && total >= s.lastNetBytes {
				score.NetUsageMB = float64(total-s.lastNetBytes) / elapsed / (1024 * 1024)
			}
		}
		s.lastNetBytes = total
		s.lastNetAt = now
		s.mu.Unlock()
	} else {
		note(err)
	}

	score.ShardsStorage = dirSizeMB(s.shardsDir)
	score.Compute()
	return score, firstErr
}

// Telemetry reports the broader node statistics spec.md §6's
// GetNodeStats exposes beyond the Score tuple: CPU/memory utilization and
// disk free/total for the shards and master-data directories. Used by the
// Node surface handler, not by the election engine.
type Telemetry struct {
	CPUUtilization    float64
	MemoryUtilization float64
	DiskFreeMB        float64
	DiskTotalMB       float64
}

// CollectTelemetry gathers the GetNodeStats fields for dir (either the
// worker's shard directory or the master's data directory).
func (s *Scorer) CollectTelemetry(ctx context.Context, dir string) Telemetry {
	var t Telemetry

	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		t.CPUUtilization = pcts[0]
	} else {
		s.log.WithError(err).Debug("cpu telemetry unavailable")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		t.MemoryUtilization = vm.UsedPercent
	} else {
		s.log.WithError(err).Debug("memory telemetry unavailable")
	}

	probeDir := dir
	if probeDir == "" {
		probeDir = "."
	}
	if usage, err := disk.UsageWithContext(ctx, probeDir); err == nil {
		t.DiskFreeMB = float64(usage.Free) / (1024 * 1024)
		t.DiskTotalMB = float64(usage.Total) / (1024 * 1024)
	} else {
		s.log.WithError(err).Debug("disk telemetry unavailable")
	}

	return t
}

// dirSizeMB sums file sizes under dir in megabytes, tolerating a
// not-yet-created directory (treated as empty).
func dirSizeMB(dir string) float64 {
	if dir == "" {
		return 0
	}
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return float64(total) / (1024 * 1024)
}

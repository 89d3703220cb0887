// Package cluster provides the wire types and transport helpers shared by
// every peer in the transcode cluster: peer identity, the score tuple used
// for election and placement decisions, and the request/response shapes for
// the Node, Master and Worker RPC surfaces. See doc.go for the full package
// overview.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Role identifies the variant a peer currently believes it is playing.
// Role is derived from cluster state (election outcome, announcements),
// never set directly by configuration beyond the initial CLI hint.
type Role string

const (
	RoleMaster       Role = "master"
	RoleBackupMaster Role = "backup_master"
	RoleWorker       Role = "worker"
)

// State names the three positions in the election state machine.
type State string

const (
	StateFollower  State = "follower"
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
)

// Peer describes a known member of the cluster as seen from the local
// node: its address and the last score snapshot reported or observed for
// it. PeerRegistry keeps the authoritative peer set keyed by address and
// does not store Peer values.
type Peer struct {
	Addr  string `json:"addr"`
	Score Score  `json:"score,omitempty"`
}

// Score is the scalar load summary described in spec.md §3. Lower is
// better. Scores are only meaningful for comparison within one cluster at
// one point in time; absolute values carry no external meaning.
type Score struct {
	ServerID      string  `json:"server_id"`
	Value         float64 `json:"score"`
	LoadAvg       float64 `json:"load_avg"`
	IOWait        float64 `json:"io_wait"`
	NetUsageMB    float64 `json:"net_usage_mb"`
	ShardsStorage float64 `json:"shards_storage_mb"`
}

// Compute fills in Value from the other fields using the weighting in
// spec.md §3: score = 0.3*min(100,load_avg*10) + 0.2*io_wait +
// 0.1*min(100,net_usage_mb) + 0.4*min(100,shards_storage_mb).
func (s *Score) Compute() {
	clamp := func(v float64) float64 {
		if v > 100 {
			return 100
		}
		return v
	}
	s.Value = 0.3*clamp(s.LoadAvg*10) + 0.2*s.IOWait + 0.1*clamp(s.NetUsageMB) + 0.4*clamp(s.ShardsStorage)
}

// Better reports whether s is a strictly preferable election candidate
// over other, using the spec's |Δscore| < 1e-3 tie-break on lexicographic
// address ordering.
func (s Score) Better(ownAddr string, other Score, otherAddr string) bool {
	delta := s.Value - other.Value
	if delta < -1e-3 {
		return true
	}
	if delta > 1e-3 {
		return false
	}
	return ownAddr < otherAddr
}

// --- RPC message shapes -----------------------------------------------

// RequestVoteArgs is the payload of NodeService.RequestVote.
type RequestVoteArgs struct {
	Term        uint64 `json:"term"`
	CandidateID string `json:"candidate_id"`
	Score       Score  `json:"score"`
}

// RequestVoteReply is the response of NodeService.RequestVote.
type RequestVoteReply struct {
	Term          uint64 `json:"term"`
	VoteGranted   bool   `json:"vote_granted"`
	VoterID       string `json:"voter_id"`
	VoterScore    Score  `json:"voter_score"`
	CurrentMaster string `json:"current_master_address,omitempty"`
	HasMaster     bool   `json:"has_master"`
}

// AnnounceMasterArgs is the payload of NodeService.AnnounceMaster.
type AnnounceMasterArgs struct {
	MasterAddr       string `json:"master_address"`
	BackupMasterAddr string `json:"backup_master_address,omitempty"`
	NodeIDOfMaster   string `json:"node_id_of_master"`
	Term             uint64 `json:"term"`
}

// AnnounceMasterReply is the response of NodeService.AnnounceMaster.
type AnnounceMasterReply struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

// NodeStats is the response of NodeService.GetNodeStats.
type NodeStats struct {
	NodeID             string  `json:"node_id"`
	NodeAddr           string  `json:"node_address"`
	IsMaster           bool    `json:"is_master"`
	CurrentMasterAddr  string  `json:"current_master_address,omitempty"`
	CPUUtilization     float64 `json:"cpu_utilization"`
	MemoryUtilization  float64 `json:"memory_utilization"`
	DiskFreeShardsMB   float64 `json:"disk_free_shards_mb"`
	DiskTotalShardsMB  float64 `json:"disk_total_shards_mb"`
	DiskFreeMasterMB   float64 `json:"disk_free_master_data_mb"`
	DiskTotalMasterMB  float64 `json:"disk_total_master_data_mb"`
	ActiveTasks        int     `json:"active_tasks"`
	KnownNodesCount    int     `json:"known_nodes_count"`
	ElectionInProgress bool    `json:"election_in_progress"`
	CurrentTerm        uint64  `json:"current_term"`
	Score              Score   `json:"score"`
}

// CurrentMaster is the response of NodeService.GetCurrentMaster.
type CurrentMaster struct {
	MasterAddr    string `json:"master_address,omitempty"`
	Term          uint64 `json:"term"`
	IsMasterKnown bool   `json:"is_master_known"`
}

// RegisterNodeArgs is the payload of NodeService.RegisterNode.
type RegisterNodeArgs struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"address"`
	Port   int    `json:"port"`
}

// RegisterNodeReply is the response of NodeService.RegisterNode.
type RegisterNodeReply struct {
	Success       bool       `json:"success"`
	CurrentLeader string     `json:"current_leader,omitempty"`
	Nodes         []NodeDesc `json:"nodes"`
}

// NodeDesc is a minimal node descriptor exchanged during registration and
// node-list propagation.
type NodeDesc struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"address"`
	Port   int    `json:"port"`
}

// UpdateNodeListArgs is the payload of NodeService.UpdateNodeList.
type UpdateNodeListArgs struct {
	NodeAddrs  []string `json:"node_addresses"`
	MasterAddr string   `json:"master_address,omitempty"`
}

// ReportResourceScoreArgs is the payload of NodeService.ReportResourceScore.
type ReportResourceScoreArgs struct {
	WorkerAddr string `json:"worker_address"`
	Score      Score  `json:"score"`
}

// RegisterWorkerArgs is the payload of MasterService.RegisterWorker.
type RegisterWorkerArgs struct {
	WorkerAddr string `json:"worker_address"`
}

// SimpleResult is a generic (success, message) reply shared by several
// handlers (RegisterWorker, ReportWorkerShardStatus, UpdateNodeList).
type SimpleResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// UploadVideoFirstChunk carries the metadata present only on the first
// streamed UploadVideoChunk message. Subsequent chunks carry only Data.
type UploadVideoFirstChunk struct {
	IsFirstChunk     bool   `json:"is_first_chunk"`
	VideoID          string `json:"video_id,omitempty"`
	TargetWidth      int    `json:"target_width,omitempty"`
	TargetHeight     int    `json:"target_height,omitempty"`
	UpscaleWidth     int    `json:"upscale_width,omitempty"`
	UpscaleHeight    int    `json:"upscale_height,omitempty"`
	OutputFormat     string `json:"output_format,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	Data             []byte `json:"data,omitempty"`
}

// UploadVideoReply is the final response after all chunks are received.
type UploadVideoReply struct {
	VideoID string `json:"video_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VideoStatusReply is the response of MasterService.GetVideoStatus.
type VideoStatusReply struct {
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ReportShardStatusArgs is the payload of MasterService.ReportWorkerShardStatus.
type ReportShardStatusArgs struct {
	VideoID    string `json:"video_id"`
	ShardID    string `json:"shard_id"`
	WorkerAddr string `json:"worker_address"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// DistributeShardArgs is the payload of WorkerService.ProcessShard.
type DistributeShardArgs struct {
	VideoID          string `json:"video_id"`
	ShardID          string `json:"shard_id"`
	ShardData        []byte `json:"shard_data"`
	Index            int    `json:"index"`
	TotalShards      int    `json:"total_shards"`
	TargetWidth      int    `json:"target_width"`
	TargetHeight     int    `json:"target_height"`
	OriginalFilename string `json:"original_filename"`
	Container        string `json:"container"`
}

// ProcessShardReply is the response of WorkerService.ProcessShard.
type ProcessShardReply struct {
	ShardID string `json:"shard_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RequestShardArgs is the payload of WorkerService.RequestShard.
type RequestShardArgs struct {
	ShardID string `json:"shard_id"`
}

// RequestShardReply is the response of WorkerService.RequestShard.
type RequestShardReply struct {
	ShardID   string `json:"shard_id"`
	Success   bool   `json:"success"`
	ShardData []byte `json:"shard_data,omitempty"`
	Message   string `json:"message,omitempty"`
}

// httpClient is the default transport used by PostJSON/GetJSON, pooling
// connections per peer and standing in for the "reusable channel"
// PeerRegistry is responsible for per spec §4.2. Individual RPCs set their
// own deadline via ctx; this is only a backstop against a hung dial.
var httpClient = &http.Client{Timeout: 35 * time.Second}

// PostJSON sends a JSON-encoded POST request and decodes a JSON response,
// the transport primitive for every unary RPC in this system.
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET request and decodes a JSON response.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Package integration exercises the full master/worker shard pipeline
// end-to-end over real HTTP, replacing the teacher's external-process
// harness (which built and exec'd ./bin/coordinator and ./bin/node) with
// in-process httptest servers wrapping internal/server.Server — the two
// peers still talk real TCP, but no build step is required to run the
// suite. ffmpeg itself is stubbed by a tiny shell script so the scenarios
// don't depend on a real media toolchain being installed, grounded on the
// teacher's exec.Command + environment-driven peer startup pattern in
// test/integration/distributed_storage_test.go.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/server"
)

// writeFakeFFmpeg installs a shell script standing in for ffmpeg: it
// ignores every flag and writes a fixed marker to whatever path the real
// binary would have produced (the segment pattern's first index, or the
// command's last argument otherwise).
func writeFakeFFmpeg(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no /bin/sh available to stub ffmpeg")
	}

	script := `#!/bin/sh
set -e
last=""
for arg in "$@"; do last="$arg"; done
case "$*" in
  *-f\ segment*)
    out=$(printf "$last" 0)
    printf 'fake-shard-bytes' > "$out"
    ;;
  *)
    printf 'fake-media-bytes' > "$last"
    ;;
esac
`
	path := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// testPeer is one running node: its own httptest.Server plus the internal
// Server instance wired to it.
type testPeer struct {
	addr string // bare host:port, as the registry expects
	srv  *httptest.Server
}

func startPeer(t *testing.T, role cluster.Role, masterAddr string, ffmpegPath string) *testPeer {
	t.Helper()

	cfg := server.Config{
		InitialRole: role,
		MasterAddr:  masterAddr,
		DataDir:     t.TempDir(),
		ShardDir:    t.TempDir(),
		FFmpegPath:  ffmpegPath,
	}

	// server.New needs SelfAddr up front (the registry self-excludes
	// on it), so reserve the listener address before building the real
	// Server, then attach its handler and start serving.
	hs := httptest.NewUnstartedServer(nil)
	addr := hs.Listener.Addr().String()

	cfg.SelfAddr = addr
	cfg.NodeID = "node-" + addr
	s := server.New(cfg)
	hs.Config.Handler = s.Routes()
	hs.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		s.Shutdown()
		hs.Close()
	})

	return &testPeer{addr: addr, srv: hs}
}

func (p *testPeer) url(path string) string {
	return p.srv.URL + path
}

func registerWorker(t *testing.T, master, worker *testPeer) {
	t.Helper()
	var reply cluster.SimpleResult
	err := cluster.PostJSON(context.Background(), master.url("/master/register-worker"),
		cluster.RegisterWorkerArgs{WorkerAddr: worker.addr}, &reply)
	require.NoError(t, err)
	require.True(t, reply.Success)
}

// uploadVideo streams a first-chunk-plus-data-chunk upload, mirroring the
// two-message shape UploadVideo accepts per spec.md §4.5.
func uploadVideo(t *testing.T, master *testPeer, videoID string) cluster.UploadVideoReply {
	t.Helper()

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	require.NoError(t, enc.Encode(cluster.UploadVideoFirstChunk{
		IsFirstChunk: true,
		VideoID:      videoID,
		OutputFormat: "mp4",
		Data:         []byte("chunk-one-"),
	}))
	require.NoError(t, enc.Encode(cluster.UploadVideoFirstChunk{
		Data: []byte("chunk-two"),
	}))

	resp, err := http.Post(master.url("/master/upload-video"), "application/json", &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply cluster.UploadVideoReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply
}

func pollStatus(t *testing.T, master *testPeer, videoID string, want ...string) cluster.VideoStatusReply {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last cluster.VideoStatusReply
	for time.Now().Before(deadline) {
		resp, err := http.Get(master.url("/master/video-status?video_id=" + videoID))
		require.NoError(t, err)
		_ = json.NewDecoder(resp.Body).Decode(&last)
		resp.Body.Close()

		for _, w := range want {
			if last.Status == w {
				return last
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("video %s never reached any of %v, last status=%q message=%q", videoID, want, last.Status, last.Message)
	return last
}

// TestSoloUploadWithNoWorkersPartiallyFails covers spec.md §8's first
// scenario: a master with zero registered workers can segment a video but
// can never distribute it, landing in partial_distribution_failed.
func TestSoloUploadWithNoWorkersPartiallyFails(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t)
	master := startPeer(t, cluster.RoleMaster, "", ffmpeg)

	reply := uploadVideo(t, master, "solo-vid")
	require.True(t, reply.Success)

	status := pollStatus(t, master, "solo-vid", "partial_distribution_failed")
	require.Contains(t, status.Status, "partial_distribution_failed")
}

// TestHappyPathDistributionCompletesAndRetrieves covers spec.md §8's
// second scenario: with workers registered, every shard is distributed,
// processed, retrieved and concatenated, and the final file can be
// retrieved over RetrieveVideo.
func TestHappyPathDistributionCompletesAndRetrieves(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t)
	master := startPeer(t, cluster.RoleMaster, "", ffmpeg)
	worker1 := startPeer(t, cluster.RoleWorker, master.addr, ffmpeg)
	worker2 := startPeer(t, cluster.RoleWorker, master.addr, ffmpeg)

	registerWorker(t, master, worker1)
	registerWorker(t, master, worker2)

	reply := uploadVideo(t, master, "happy-vid")
	require.True(t, reply.Success)

	status := pollStatus(t, master, "happy-vid", "completed", "partial_distribution_failed", "concatenation_failed")
	require.Equal(t, "completed", status.Status, "unexpected status message: %s", status.Message)

	resp, err := http.Get(master.url("/master/retrieve-video?video_id=happy-vid"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.True(t, strings.Contains(string(out), "fake-media-bytes"), "retrieved output missing expected marker: %q", fmt.Sprintf("%q", out))
}

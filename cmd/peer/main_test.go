package main

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-transcode/internal/cluster"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    cluster.Role
		wantErr bool
	}{
		{"master", cluster.RoleMaster, false},
		{"backup_master", cluster.RoleBackupMaster, false},
		{"worker", cluster.RoleWorker, false},
		{"bogus", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseRole(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func resetFlags() {
	flagHost = "127.0.0.1"
	flagPort = 0
	flagRole = "worker"
	flagMaster = ""
	flagNodes = nil
	flagDataDir = ""
	flagShardDir = ""
	flagFFmpeg = "ffmpeg"
}

func TestRunRejectsWorkerWithoutMaster(t *testing.T) {
	resetFlags()
	flagRole = "worker"
	flagMaster = ""

	err := run(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--master is required")
}

func TestRunRejectsInvalidRole(t *testing.T) {
	resetFlags()
	flagRole = "supervisor"

	err := run(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --role")
}

func TestRunStartsAndShutsDownCleanly(t *testing.T) {
	resetFlags()
	flagHost = "127.0.0.1"
	flagPort = freePort(t)
	flagRole = "master"
	flagDataDir = t.TempDir()
	flagShardDir = t.TempDir()

	done := make(chan error, 1)
	go func() { done <- run(nil, nil) }()

	// give the listener time to come up before signalling shutdown.
	time.Sleep(150 * time.Millisecond)
	assertHealthOK(t, flagPort)

	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Signal(syscall.SIGTERM))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not shut down within timeout")
	}
}

func assertHealthOK(t *testing.T, port int) {
	t.Helper()
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// Command peer runs one node of the transcode cluster. A single binary can
// act as master, backup_master or worker; the role given at startup only
// seeds the initial assumption; election and MasterAnnouncement drive the
// peer's actual role for the rest of its life (spec.md §4, §6).
//
// Generalizes the teacher's split cmd/coordinator + cmd/node binaries into
// one role-dynamic entrypoint, keeping the teacher's flag-parsing-in-main,
// goroutine-per-subsystem startup and signal-driven graceful shutdown
// shape (cmd/coordinator/main.go).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/torua-transcode/internal/cluster"
	"github.com/dreamware/torua-transcode/internal/logging"
	"github.com/dreamware/torua-transcode/internal/server"
)

var (
	flagHost     string
	flagPort     int
	flagRole     string
	flagMaster   string
	flagNodes    []string
	flagDataDir  string
	flagShardDir string
	flagFFmpeg   string
)

func main() {
	root := &cobra.Command{
		Use:   "peer",
		Short: "Run one peer of the transcode cluster",
		RunE:  run,
	}
	root.Flags().StringVar(&flagHost, "host", "127.0.0.1", "address this peer listens and is reachable on")
	root.Flags().IntVar(&flagPort, "port", 50051, "port this peer listens on")
	root.Flags().StringVar(&flagRole, "role", "worker", "initial role: master, backup_master, or worker")
	root.Flags().StringVar(&flagMaster, "master", "", "address of the current master (required when --role=worker)")
	root.Flags().StringArrayVar(&flagNodes, "nodes", nil, "address of a peer to seed the registry with (repeatable)")
	root.Flags().StringVar(&flagDataDir, "data-dir", "./master_data", "master-side working directory")
	root.Flags().StringVar(&flagShardDir, "shard-dir", "./video_shards", "worker-side working directory")
	root.Flags().StringVar(&flagFFmpeg, "ffmpeg", "ffmpeg", "path to the ffmpeg binary")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("peer exited with error")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	role, err := parseRole(flagRole)
	if err != nil {
		return err
	}
	if role == cluster.RoleWorker && flagMaster == "" {
		return fmt.Errorf("--master is required when --role=worker")
	}

	selfAddr := fmt.Sprintf("%s:%d", flagHost, flagPort)
	nodeID := uuid.NewString()
	log := logging.New(nodeID, selfAddr).WithField("role", string(role))

	srv := server.New(server.Config{
		SelfAddr:    selfAddr,
		NodeID:      nodeID,
		InitialRole: role,
		MasterAddr:  flagMaster,
		SeedNodes:   flagNodes,
		DataDir:     flagDataDir,
		ShardDir:    flagShardDir,
		FFmpegPath:  flagFFmpeg,
		Log:         log,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", flagPort),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go srv.Run(runCtx)

	go func() {
		log.WithField("listen", httpSrv.Addr).Info("peer listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancelRun()
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}
	log.Info("peer stopped")
	return nil
}

func parseRole(s string) (cluster.Role, error) {
	switch cluster.Role(s) {
	case cluster.RoleMaster, cluster.RoleBackupMaster, cluster.RoleWorker:
		return cluster.Role(s), nil
	default:
		return "", fmt.Errorf("invalid --role %q: must be master, backup_master, or worker", s)
	}
}

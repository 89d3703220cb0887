// Package logging centralizes logrus setup for every peer binary.
// Grounded on Livepeer-FrameWorks-monorepo/pkg/logging's NewLoggerWithService
// and pkg/config's LOG_LEVEL env parsing.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LevelFromEnv reads LOG_LEVEL (debug/warn/error, default info).
func LevelFromEnv() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// New builds a logger tagged with node_id and addr, the two fields every
// component's log line needs to be attributable to a specific peer.
func New(nodeID, addr string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(LevelFromEnv())
	return logger.WithFields(logrus.Fields{"node_id": nodeID, "addr": addr})
}

package constants

import (
	"os"
	"path/filepath"
)

const (
	DbBasePath        = "/var/lib/plus-scheduler"
	DbFile            = DbBasePath + "/scheduler.db"
	LogsBasePath      = "/var/log/plus-scheduler"
	OperationLogsPath = LogsBasePath + "/operations"
	ConfigFile        = "/etc/plus-scheduler/config.yaml"
	MetricsAddress    = "127.0.0.1:8019"
)

func getRuntimeBasePath() string {
	xdgRuntimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if xdgRuntimeDir == "" {
		xdgRuntimeDir = os.TempDir()
	}

	return filepath.Join(xdgRuntimeDir, "plus-scheduler")
}

var RuntimeBasePath = getRuntimeBasePath()

// ControlSocketPath is where the server listens for control requests.
var ControlSocketPath = filepath.Join(RuntimeBasePath, "control.sock")

// LockFilePath guards against two servers sharing one database.
var LockFilePath = filepath.Join(RuntimeBasePath, "server.lock")

package syslog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// OperationLogger receives every entry written WithJob(key) while it is open.
type OperationLogger struct {
	*os.File
	Path string
	key  string

	sync.RWMutex
}

var (
	operationLoggers = xsync.NewMapOf[string, *OperationLogger]()

	logDirMu sync.RWMutex
	logDir   = os.TempDir()
)

// SetOperationLogDir changes where new operation logs are created.
func SetOperationLogDir(dir string) {
	logDirMu.Lock()
	defer logDirMu.Unlock()
	logDir = dir
}

// OperationLogDir returns the directory operation logs are created in.
func OperationLogDir() string {
	logDirMu.RLock()
	defer logDirMu.RUnlock()
	return logDir
}

// CreateOperationLogger opens (truncating) the log file for key and registers it.
func CreateOperationLogger(key string) *OperationLogger {
	logger, _ := operationLoggers.Compute(key, func(old *OperationLogger, loaded bool) (*OperationLogger, bool) {
		if loaded && old != nil {
			_ = old.File.Close()
		}

		filePath := filepath.Join(OperationLogDir(), fmt.Sprintf("operation-%s.log", key))

		logFile, err := os.Create(filePath)
		if err != nil {
			return nil, true
		}

		return &OperationLogger{
			File: logFile,
			Path: filePath,
			key:  key,
		}, false
	})

	return logger
}

// GetOperationLogger returns the open logger for key, or nil.
func GetOperationLogger(key string) *OperationLogger {
	logger, _ := operationLoggers.Load(key)
	return logger
}

func (b *OperationLogger) Write(message []byte) (n int, err error) {
	b.RLock()
	defer b.RUnlock()

	timestamp := time.Now().Format(time.RFC3339)
	return b.File.Write([]byte(fmt.Sprintf("%s: %s\n", timestamp, string(message))))
}

// Close unregisters the logger and closes the file. The file itself is kept
// and removed later by housekeeping.
func (b *OperationLogger) Close() error {
	b.Lock()
	defer b.Unlock()

	operationLoggers.Compute(b.key, func(cur *OperationLogger, loaded bool) (*OperationLogger, bool) {
		if cur == b {
			return nil, true
		}
		return cur, !loaded
	})
	return b.File.Close()
}

// PurgeOperationLogs removes closed operation logs older than maxAge and
// returns how many were removed.
func PurgeOperationLogs(maxAge time.Duration) (int, error) {
	matches, err := filepath.Glob(filepath.Join(OperationLogDir(), "operation-*.log"))
	if err != nil {
		return 0, fmt.Errorf("PurgeOperationLogs: %w", err)
	}

	open := make(map[string]struct{})
	operationLoggers.Range(func(_ string, l *OperationLogger) bool {
		open[l.Path] = struct{}{}
		return true
	})

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, path := range matches {
		if _, ok := open[path]; ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}

	return removed, nil
}

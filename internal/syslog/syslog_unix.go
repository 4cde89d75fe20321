//go:build unix

package syslog

import (
	"io"
	"log/syslog"
	"strings"
)

// LogWriter forwards pre-formatted console lines to syslog at a severity
// derived from the zerolog level marker in the line.
type LogWriter struct {
	logger *syslog.Writer
}

func newSyslogWriter(tag string) (io.Writer, error) {
	sysWriter, err := syslog.New(syslog.LOG_INFO|syslog.LOG_LOCAL7, tag)
	if err != nil {
		return nil, err
	}
	return &LogWriter{logger: sysWriter}, nil
}

func (w *LogWriter) Write(p []byte) (int, error) {
	msg := string(p)
	switch {
	case containsLevel(msg, "ERR"):
		return len(p), w.logger.Err(msg)
	case containsLevel(msg, "WRN"):
		return len(p), w.logger.Warning(msg)
	case containsLevel(msg, "DBG"):
		return len(p), w.logger.Debug(msg)
	default:
		return len(p), w.logger.Info(msg)
	}
}

func containsLevel(line, level string) bool {
	return strings.Contains(line, " "+level+" ")
}

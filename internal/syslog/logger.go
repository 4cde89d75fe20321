package syslog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// L is the process wide logger. It writes to stderr until Configure is called.
var L *Logger

func init() {
	logger := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).With().Timestamp().Logger()

	L = &Logger{zlog: &logger}
}

type Logger struct {
	mu   sync.RWMutex
	zlog *zerolog.Logger
}

// LogEntry is built with the With* helpers and emitted by Write.
type LogEntry struct {
	Level   string
	Message string
	JobID   string
	Err     error
	Fields  map[string]interface{}

	logger *Logger
}

// Configure swaps the underlying writer. With useSyslog the console formatted
// output is forwarded to the local syslog daemon instead of stderr.
func (l *Logger) Configure(level string, useSyslog bool) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("Configure: invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var out io.Writer = os.Stderr
	noColor := false
	if useSyslog {
		sysWriter, err := newSyslogWriter("plus-scheduler")
		if err != nil {
			return fmt.Errorf("Configure: failed to connect to syslog: %w", err)
		}
		out = sysWriter
		noColor = true
	}

	logger := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = out
		w.NoColor = noColor
	})).Level(lvl).With().Timestamp().Logger()

	l.mu.Lock()
	l.zlog = &logger
	l.mu.Unlock()

	return nil
}

// SetOutput is used by tests to capture log output.
func (l *Logger) SetOutput(w io.Writer) {
	logger := zerolog.New(w).With().Timestamp().Logger()

	l.mu.Lock()
	l.zlog = &logger
	l.mu.Unlock()
}

func (l *Logger) newEntry(level string, err error) *LogEntry {
	return &LogEntry{
		Level:  level,
		Err:    err,
		Fields: make(map[string]interface{}),
		logger: l,
	}
}

func (l *Logger) Error(err error) *LogEntry {
	return l.newEntry("error", err)
}

func (l *Logger) Warn() *LogEntry {
	return l.newEntry("warn", nil)
}

func (l *Logger) Info() *LogEntry {
	return l.newEntry("info", nil)
}

func (l *Logger) Debug() *LogEntry {
	return l.newEntry("debug", nil)
}

func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithMessagef(format string, args ...interface{}) *LogEntry {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithJob tags the entry with an operation key. If an operation logger is
// open for that key the entry is mirrored into it.
func (e *LogEntry) WithJob(jobId string) *LogEntry {
	e.JobID = jobId
	return e
}

// Write finalizes the LogEntry and writes it using the global zerolog logger.
func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()

	if e.JobID != "" {
		if opLogger := GetOperationLogger(e.JobID); opLogger != nil {
			var sb strings.Builder

			if e.Level == "error" {
				sb.WriteString("[non-fatal " + e.Level + "]")
			} else {
				sb.WriteString("[" + e.Level + "]")
			}

			if e.Err != nil {
				sb.WriteString(" " + e.Err.Error())
			}

			if e.Message != "" {
				sb.WriteString(": " + e.Message)
			}

			if len(e.Fields) > 0 {
				sb.WriteString(fmt.Sprintf(" (debug values: %v)", e.Fields))
			}

			_, _ = opLogger.Write([]byte(sb.String()))
		}
		e.Fields["jobId"] = e.JobID
	}

	switch e.Level {
	case "debug":
		e.logger.zlog.Debug().Fields(e.Fields).Msg(e.Message)
	case "info":
		e.logger.zlog.Info().Fields(e.Fields).Msg(e.Message)
	case "warn":
		e.logger.zlog.Warn().Fields(e.Fields).Msg(e.Message)
	case "error":
		e.logger.zlog.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
	default:
		e.logger.zlog.Info().Fields(e.Fields).Msg(e.Message)
	}
}

// Package cli runs engine operations as a child process.
//
// The child receives the operation, target and options on its command line
// and control requests (pause, resume, stop, throttle) on stdin. It reports
// back on stdout with lines prefixed "progress:", "result:", "warning:" or
// "error:"; any other output goes to the operation log.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
	"github.com/pbs-plus/plus-scheduler/internal/utils"
)

var (
	ErrNoCommand       = errors.New("engine command is not configured")
	ErrAlreadyExecuted = errors.New("execution already started")
)

type Config struct {
	Command string
	Args    []string
	Env     []string
}

type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrNoCommand
	}
	return &Engine{cfg: cfg}, nil
}

// invocationEnv is exported to the child as PBS_PLUS__* variables.
type invocationEnv struct {
	TaskID     int64  `env:"TASK_ID"`
	BackupID   string `env:"BACKUP_ID"`
	BackupName string `env:"BACKUP_NAME"`
	Operation  string `env:"OPERATION"`
	TargetURL  string `env:"TARGET_URL"`
}

// resultLine is the payload of a "result:" line.
type resultLine struct {
	Stats    engine.Stats `json:"stats"`
	Warnings []string     `json:"warnings"`
	Errors   []string     `json:"errors"`
}

func buildArgs(inv engine.Invocation) []string {
	args := []string{string(inv.Operation)}
	if inv.TargetURL != "" {
		args = append(args, inv.TargetURL)
	}
	if inv.Operation == engine.OperationBackup {
		args = append(args, inv.Sources...)
	}
	args = append(args, inv.Arguments...)

	keys := make([]string, 0, len(inv.Options))
	for k := range inv.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--%s=%s", k, inv.Options[k]))
	}

	for _, f := range inv.Filters {
		switch {
		case strings.HasPrefix(f, "+"):
			args = append(args, "--include="+f[1:])
		case strings.HasPrefix(f, "-"):
			args = append(args, "--exclude="+f[1:])
		}
	}

	if inv.UploadLimit > 0 {
		args = append(args, fmt.Sprintf("--throttle-upload=%d", inv.UploadLimit))
	}
	if inv.DownloadLimit > 0 {
		args = append(args, fmt.Sprintf("--throttle-download=%d", inv.DownloadLimit))
	}

	return args
}

func (e *Engine) Prepare(inv engine.Invocation) (engine.Execution, error) {
	args := append(append([]string{}, e.cfg.Args...), buildArgs(inv)...)
	prog, args, err := utils.ResolveCommand(e.cfg.Command, args)
	if err != nil {
		return nil, errors.Wrap(err, "resolve engine command")
	}

	envVars, err := utils.StructToEnvVars(invocationEnv{
		TaskID:     inv.TaskID,
		BackupID:   inv.BackupID,
		BackupName: inv.BackupName,
		Operation:  string(inv.Operation),
		TargetURL:  inv.TargetURL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build engine environment")
	}

	cmd := exec.Command(prog, args...)
	cmd.Env = append(append(os.Environ(), e.cfg.Env...), envVars...)
	setProcAttributes(cmd)

	return &execution{inv: inv, cmd: cmd}, nil
}

type execution struct {
	inv engine.Invocation
	cmd *exec.Cmd

	mu      sync.Mutex
	stdin   io.WriteCloser
	pid     int
	stopped bool
	aborted bool

	executed atomic.Bool
}

func (x *execution) send(line string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stdin == nil {
		return
	}
	if _, err := io.WriteString(x.stdin, line+"\n"); err != nil {
		syslog.L.Debug().WithMessage("failed to send engine control").
			WithField("control", line).WithField("error", err.Error()).Write()
	}
}

func (x *execution) Stop() {
	x.mu.Lock()
	x.stopped = true
	x.mu.Unlock()
	x.send("stop")
}

func (x *execution) Abort() {
	x.mu.Lock()
	x.aborted = true
	pid := x.pid
	x.mu.Unlock()

	if pid > 0 {
		if err := killProcessGroup(pid); err != nil {
			syslog.L.Error(err).WithMessage("failed to kill engine process").WithField("pid", pid).Write()
		}
	}
}

func (x *execution) Pause(alsoTransfers bool) {
	if alsoTransfers {
		x.send("pause transfers")
		return
	}
	x.send("pause")
}

func (x *execution) Resume() {
	x.send("resume")
}

func (x *execution) SetThrottleSpeeds(upload, download int64) {
	x.send(fmt.Sprintf("throttle %d %d", upload, download))
}

func (x *execution) SetPriority(p *types.Priority) {
	x.mu.Lock()
	pid := x.pid
	x.mu.Unlock()

	if pid > 0 {
		if err := setPriority(pid, p); err != nil {
			syslog.L.Error(err).WithMessage("failed to set engine priority").WithField("pid", pid).Write()
		}
	}
}

func (x *execution) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stdin == nil {
		return nil
	}
	err := x.stdin.Close()
	x.stdin = nil
	return err
}

func (x *execution) Execute(ctx context.Context) engine.Result {
	res := engine.Result{BeginTime: time.Now().UTC()}
	finish := func(outcome engine.Outcome, reason string, err error) engine.Result {
		res.Outcome = outcome
		res.Reason = reason
		res.Err = err
		res.EndTime = time.Now().UTC()
		return res
	}

	if !x.executed.CompareAndSwap(false, true) {
		return finish(engine.Failed, "", ErrAlreadyExecuted)
	}

	x.mu.Lock()
	stopped := x.stopped || x.aborted
	x.mu.Unlock()
	if stopped {
		return finish(engine.AbortedByUser, engine.ReasonUserClosing, nil)
	}

	logw := x.inv.LogWriter
	if logw == nil {
		logw = io.Discard
	}
	tail := &lastLine{}
	x.cmd.Stderr = io.MultiWriter(logw, tail)

	stdin, err := x.cmd.StdinPipe()
	if err != nil {
		return finish(engine.Failed, "", errors.Wrap(err, "engine stdin"))
	}
	stdout, err := x.cmd.StdoutPipe()
	if err != nil {
		return finish(engine.Failed, "", errors.Wrap(err, "engine stdout"))
	}

	if err := x.cmd.Start(); err != nil {
		return finish(engine.Failed, "", errors.Wrapf(err, "start engine %s", x.cmd.Path))
	}

	x.mu.Lock()
	x.stdin = stdin
	x.pid = x.cmd.Process.Pid
	abortedEarly := x.aborted
	x.mu.Unlock()

	if abortedEarly {
		_ = killProcessGroup(x.pid)
	}

	if x.inv.ThreadPriority != nil {
		x.SetPriority(x.inv.ThreadPriority)
	}

	exited := make(chan struct{})
	var ctxKilled atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
			ctxKilled.Store(true)
			_ = killProcessGroup(x.cmd.Process.Pid)
		case <-exited:
		}
	}()

	var reported *resultLine
	var warnings, errs []string

	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, skipped, readErr := readLine(reader, logw)
		if skipped > 0 {
			syslog.L.Warn().WithMessage("engine output line too long, copied to the operation log").
				WithField("operation", string(x.inv.Operation)).WithField("bytes", skipped).Write()
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				syslog.L.Error(readErr).WithMessage("failed to read engine output").Write()
				_, _ = io.Copy(logw, stdout)
			}
			break
		}
		if skipped > 0 {
			continue
		}

		prefix, payload, found := strings.Cut(line, ":")
		if !found {
			fmt.Fprintln(logw, line)
			continue
		}
		payload = strings.TrimSpace(payload)

		switch prefix {
		case "progress":
			var p engine.Progress
			if err := json.Unmarshal([]byte(payload), &p); err != nil {
				syslog.L.Debug().WithMessage("invalid progress line").WithField("line", line).Write()
				continue
			}
			if x.inv.Progress != nil {
				x.inv.Progress(p)
			}
		case "result":
			var r resultLine
			if err := json.Unmarshal([]byte(payload), &r); err != nil {
				syslog.L.Error(err).WithMessage("invalid result line").WithField("line", line).Write()
				continue
			}
			reported = &r
		case "warning":
			warnings = append(warnings, payload)
		case "error":
			errs = append(errs, payload)
		default:
			fmt.Fprintln(logw, line)
		}
	}

	waitErr := x.cmd.Wait()
	close(exited)
	_ = x.Close()

	if reported != nil {
		res.Stats = reported.Stats
		warnings = append(warnings, reported.Warnings...)
		errs = append(errs, reported.Errors...)
	}
	res.Warnings = warnings
	res.Errors = errs

	x.mu.Lock()
	aborted, stopped := x.aborted, x.stopped
	x.mu.Unlock()

	switch {
	case ctxKilled.Load():
		return finish(engine.AbortedBySystem, engine.ReasonAppExit, context.Cause(ctx))
	case aborted:
		return finish(engine.AbortedByUser, engine.ReasonUserClosing, nil)
	case stopped && (reported == nil || waitErr != nil):
		return finish(engine.AbortedByUser, engine.ReasonUserClosing, nil)
	case stopped:
		// The engine wound down on its own and reported what it got done.
		return finish(engine.OK, engine.ReasonUserClosing, nil)
	case waitErr != nil:
		if msg := tail.String(); msg != "" {
			waitErr = errors.Wrap(waitErr, msg)
		}
		return finish(engine.Failed, "", errors.Wrapf(waitErr, "engine %s failed", x.inv.Operation))
	case reported == nil && x.inv.Operation != engine.OperationCreateReport:
		syslog.L.Warn().WithMessage("engine exited without a result line").
			WithField("operation", string(x.inv.Operation)).Write()
	}

	return finish(engine.OK, "", nil)
}

const maxLineLength = 1024 * 1024

// readLine returns the next line of r. A line longer than maxLineLength is
// copied to overflow instead, and its length is returned as skipped.
func readLine(r *bufio.Reader, overflow io.Writer) (line string, skipped int, err error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if skipped > 0 {
				_, _ = io.WriteString(overflow, "\n")
				return "", skipped, err
			}
			if len(buf) > 0 {
				return string(buf), 0, nil
			}
			return "", 0, err
		}

		if skipped > 0 {
			_, _ = overflow.Write(chunk)
			skipped += len(chunk)
		} else {
			buf = append(buf, chunk...)
			if len(buf) > maxLineLength {
				_, _ = overflow.Write(buf)
				skipped = len(buf)
				buf = nil
			}
		}

		if !isPrefix {
			if skipped > 0 {
				_, _ = io.WriteString(overflow, "\n")
			}
			return string(buf), skipped, nil
		}
	}
}

// lastLine keeps the last non-empty line written to it.
type lastLine struct {
	mu   sync.Mutex
	line string
	buf  []byte
}

func (l *lastLine) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		idx := strings.IndexByte(string(l.buf), '\n')
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(string(l.buf[:idx])); s != "" {
			l.line = s
		}
		l.buf = l.buf[idx+1:]
	}
	if len(l.buf) > 4096 {
		l.buf = l.buf[len(l.buf)-4096:]
	}
	return len(p), nil
}

func (l *lastLine) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := strings.TrimSpace(string(l.buf)); s != "" {
		return s
	}
	return l.line
}

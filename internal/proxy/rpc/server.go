// Package controlrpc exposes the running server to local command line
// clients over net/rpc on a unix socket.
package controlrpc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/app"
	"github.com/pbs-plus/plus-scheduler/internal/backend/backup"
	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/eventbus"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

// ServiceName is the net/rpc receiver name clients call methods on.
const ServiceName = "Control"

const (
	StatusOK          = 200
	StatusBadRequest  = 400
	StatusNotFound    = 404
	StatusServerError = 500
	StatusUnavailable = 503
)

// Controller is the part of the application the control socket drives.
type Controller interface {
	Enqueue(op engine.Operation, backupID string, extraOptions map[string]string, front bool) (*backup.Job, error)
	RunDirect(ctx context.Context, op engine.Operation, backupID string, extraOptions map[string]string) (*engine.Result, error)
	Pause(d time.Duration) error
	Resume()
	StopTask(taskID int64, abort bool) error
	Suspend()
	ResumeFromSuspend()
	Reschedule()
	CurrentState() app.ServerState
	WaitForEvent(ctx context.Context, lastEventID int64, timeout time.Duration) int64
	EventsSince(id int64) []eventbus.Event
}

// ControlService holds the methods registered under ServiceName.
type ControlService struct {
	ctx  context.Context
	ctrl Controller
}

// statusFor maps application errors to reply status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, app.ErrBadBackupID), errors.Is(err, app.ErrBadOperation), errors.Is(err, app.ErrNegativePause):
		return StatusBadRequest
	case errors.Is(err, app.ErrTaskNotFound), errors.Is(err, app.ErrNoActiveTask), errors.Is(err, sql.ErrNoRows):
		return StatusNotFound
	case errors.Is(err, app.ErrClosed):
		return StatusUnavailable
	}
	return StatusServerError
}

// Server listens on SocketPath. It satisfies suture.Service.
type Server struct {
	SocketPath string
	ctrl       Controller
}

func NewServer(socketPath string, ctrl Controller) *Server {
	return &Server{SocketPath: socketPath, ctrl: ctrl}
}

func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.SocketPath), 0o750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove any stale socket file.
	_ = os.RemoveAll(s.SocketPath)
	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.SocketPath, err)
	}
	if err := os.Chmod(s.SocketPath, 0o660); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	server := rpc.NewServer()
	if err := server.RegisterName(ServiceName, &ControlService{ctx: ctx, ctrl: s.ctrl}); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to register rpc service: %w", err)
	}

	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		server.Accept(listener)
	}()

	syslog.L.Info().
		WithMessage("control socket listening").
		WithField("socket", s.SocketPath).
		Write()

	select {
	case <-ctx.Done():
		syslog.L.Info().
			WithMessage("control socket shutting down").
			WithField("socket", s.SocketPath).
			Write()
		_ = listener.Close()
		<-watcher
		_ = os.Remove(s.SocketPath)
		return ctx.Err()
	case <-watcher:
		_ = os.Remove(s.SocketPath)
		return fmt.Errorf("control socket %s closed unexpectedly", s.SocketPath)
	}
}

func (s *Server) String() string {
	return "control-rpc"
}

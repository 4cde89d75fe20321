package controlrpc

import (
	"fmt"
	"strings"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/app"
	"github.com/pbs-plus/plus-scheduler/internal/eventbus"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
	"github.com/pbs-plus/plus-scheduler/internal/utils/timeparser"
)

// MaxWaitTimeout caps a single long poll.
const MaxWaitTimeout = 5 * time.Minute

// Request is the argument of methods that take no parameters. gob cannot
// encode a struct without exported fields.
type Request struct {
	// Caller names the client in the server log.
	Caller string
}

type PauseArgs struct {
	// Duration uses the repeat syntax ("15m", "1h30m"). Empty pauses until
	// resumed.
	Duration string
}

func (s *ControlService) Pause(args *PauseArgs, reply *StatusReply) error {
	var d time.Duration
	if strings.TrimSpace(args.Duration) != "" {
		var err error
		if d, err = timeparser.ParseTimeSpan(args.Duration); err != nil {
			reply.Status = StatusBadRequest
			reply.Message = fmt.Sprintf("invalid pause duration %q: %v", args.Duration, err)
			return nil
		}
	}

	reply.set(s.ctrl.Pause(d))
	return nil
}

func (s *ControlService) Resume(_ *Request, reply *StatusReply) error {
	s.ctrl.Resume()
	reply.set(nil)
	return nil
}

func (s *ControlService) Suspend(args *Request, reply *StatusReply) error {
	syslog.L.Info().WithMessage("host is suspending").WithField("caller", args.Caller).Write()
	s.ctrl.Suspend()
	reply.set(nil)
	return nil
}

func (s *ControlService) ResumeFromSuspend(args *Request, reply *StatusReply) error {
	syslog.L.Info().WithMessage("host resumed from suspend").WithField("caller", args.Caller).Write()
	s.ctrl.ResumeFromSuspend()
	reply.set(nil)
	return nil
}

func (s *ControlService) Reschedule(_ *Request, reply *StatusReply) error {
	s.ctrl.Reschedule()
	reply.set(nil)
	return nil
}

func (s *ControlService) Status(_ *Request, reply *app.ServerState) error {
	*reply = s.ctrl.CurrentState()
	return nil
}

type WaitArgs struct {
	LastEventID int64
	Timeout     time.Duration
}

type WaitReply struct {
	EventID int64
	Events  []eventbus.Event
}

// Wait long-polls for an event newer than LastEventID and returns the
// retained events since then.
func (s *ControlService) Wait(args *WaitArgs, reply *WaitReply) error {
	timeout := args.Timeout
	if timeout > MaxWaitTimeout {
		timeout = MaxWaitTimeout
	}

	reply.EventID = s.ctrl.WaitForEvent(s.ctx, args.LastEventID, timeout)
	if reply.EventID != args.LastEventID {
		reply.Events = s.ctrl.EventsSince(args.LastEventID)
	}
	return nil
}

package controlrpc

import (
	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

type QueueArgs struct {
	Operation string
	BackupID  string
	Options   map[string]string
	// Front puts the job ahead of everything already waiting.
	Front bool
	// Wait blocks the reply until the job has finished.
	Wait bool
}

type QueueReply struct {
	Status  int
	Message string
	TaskID  int64
	State   string
}

func (s *ControlService) Queue(args *QueueArgs, reply *QueueReply) error {
	job, err := s.ctrl.Enqueue(engine.Operation(args.Operation), args.BackupID, args.Options, args.Front)
	if err != nil {
		reply.Status = statusFor(err)
		reply.Message = err.Error()
		return nil
	}

	reply.TaskID = job.ID()

	if args.Wait {
		if err := job.Wait(s.ctx); err != nil {
			reply.Message = err.Error()
		}
	}

	reply.Status = StatusOK
	reply.State = job.State().String()

	syslog.L.Info().WithMessage("job queued over control socket").
		WithField("operation", args.Operation).
		WithField("backupId", args.BackupID).
		WithField("taskId", reply.TaskID).
		Write()

	return nil
}

type RunArgs struct {
	Operation string
	BackupID  string
	Options   map[string]string
}

type RunReply struct {
	Status  int
	Message string
	Outcome string
	Reason  string
}

// Run performs an operation outside the queue and replies once it is done.
func (s *ControlService) Run(args *RunArgs, reply *RunReply) error {
	res, err := s.ctrl.RunDirect(s.ctx, engine.Operation(args.Operation), args.BackupID, args.Options)
	if res != nil {
		reply.Outcome = res.Outcome.String()
		reply.Reason = res.Reason
	}
	if err != nil {
		reply.Status = statusFor(err)
		reply.Message = err.Error()
		return nil
	}

	reply.Status = StatusOK
	return nil
}

type StopArgs struct {
	// TaskID zero means the running task.
	TaskID int64
	Abort  bool
}

type StatusReply struct {
	Status  int
	Message string
}

func (r *StatusReply) set(err error) {
	r.Status = statusFor(err)
	if err != nil {
		r.Message = err.Error()
	}
}

func (s *ControlService) Stop(args *StopArgs, reply *StatusReply) error {
	reply.set(s.ctrl.StopTask(args.TaskID, args.Abort))
	return nil
}

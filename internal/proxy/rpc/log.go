package controlrpc

import (
	"errors"

	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

// LogArgs lets helper processes write into the server log, and into a task's
// operation log when TaskKey is set.
type LogArgs struct {
	TaskKey string
	Message string
	Error   string
	Level   string
	Fields  map[string]interface{}
}

type LogReply struct {
	Status int
}

func (s *ControlService) Log(args *LogArgs, reply *LogReply) error {
	switch args.Level {
	case "debug":
		syslog.L.Debug().WithMessage(args.Message).WithFields(args.Fields).WithJob(args.TaskKey).Write()
	case "warn":
		syslog.L.Warn().WithMessage(args.Message).WithFields(args.Fields).WithJob(args.TaskKey).Write()
	case "error":
		var err error
		if args.Error != "" {
			err = errors.New(args.Error)
		}
		syslog.L.Error(err).WithMessage(args.Message).WithFields(args.Fields).WithJob(args.TaskKey).Write()
	default:
		syslog.L.Info().WithMessage(args.Message).WithFields(args.Fields).WithJob(args.TaskKey).Write()
	}

	reply.Status = StatusOK

	return nil
}

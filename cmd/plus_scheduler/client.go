package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pbs-plus/plus-scheduler/internal/engine"
	controlrpc "github.com/pbs-plus/plus-scheduler/internal/proxy/rpc"
)

var (
	runOperation string
	runOptions   []string
	runFront     bool
	runWait      bool
	runDirect    bool

	stopAbort bool

	waitTimeout time.Duration
	waitFollow  bool
)

func parseOptions(list []string) (map[string]string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	options := make(map[string]string, len(list))
	for _, item := range list {
		name, value, ok := strings.Cut(item, "=")
		name = strings.TrimLeft(strings.TrimSpace(name), "-")
		if !ok || name == "" {
			return nil, fmt.Errorf("option %q is not name=value", item)
		}
		options[name] = value
	}
	return options, nil
}

var runCmd = &cobra.Command{
	Use:   "run <backup-id>",
	Short: "Queue an operation for a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := engine.ParseOperation(runOperation); !ok {
			return fmt.Errorf("unknown operation %q", runOperation)
		}
		options, err := parseOptions(runOptions)
		if err != nil {
			return err
		}

		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		if runDirect {
			reply, err := client.Run(controlrpc.RunArgs{Operation: runOperation, BackupID: args[0], Options: options})
			if err != nil {
				return err
			}
			fmt.Printf("%s of backup %s finished: %s", runOperation, args[0], reply.Outcome)
			if reply.Reason != "" {
				fmt.Printf(" (%s)", reply.Reason)
			}
			fmt.Println()
			return nil
		}

		reply, err := client.Queue(controlrpc.QueueArgs{
			Operation: runOperation,
			BackupID:  args[0],
			Options:   options,
			Front:     runFront,
			Wait:      runWait,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Task %d: %s of backup %s is %s\n", reply.TaskID, runOperation, args[0], strings.ToLower(reply.State))
		if reply.Message != "" {
			fmt.Println(reply.Message)
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [duration]",
	Short: "Pause the worker, optionally for a duration such as 15m or 2h",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration := ""
		if len(args) == 1 {
			duration = args[0]
		}

		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		return client.Pause(duration)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		return client.Resume()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [task-id]",
	Short: "Stop the running task, or remove a waiting one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var taskID int64
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			taskID = id
		}

		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		return client.Stop(taskID, stopAbort)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the server state as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		state, err := client.Status()
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for server events and print them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		state, err := client.Status()
		if err != nil {
			return err
		}
		last := state.LastEventID

		enc := json.NewEncoder(os.Stdout)
		for {
			reply, err := client.Wait(last, waitTimeout)
			if err != nil {
				return err
			}
			for _, e := range reply.Events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			if !waitFollow && reply.EventID != last {
				return nil
			}
			last = reply.EventID
		}
	},
}

var rescheduleCmd = &cobra.Command{
	Use:   "reschedule",
	Short: "Make the scheduler reread its schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		return client.Reschedule()
	},
}

// Called from system sleep hooks.
var suspendCmd = &cobra.Command{
	Use:    "suspend",
	Short:  "Tell the server the host is about to sleep",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		return client.Suspend()
	},
}

var wakeCmd = &cobra.Command{
	Use:    "wake",
	Short:  "Tell the server the host resumed from sleep",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		return client.ResumeFromSuspend()
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOperation, "operation", "o", string(engine.OperationBackup), "Operation to perform")
	runCmd.Flags().StringArrayVar(&runOptions, "option", nil, "Extra option as name=value (repeatable)")
	runCmd.Flags().BoolVar(&runFront, "front", false, "Put the task ahead of everything already waiting")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Wait until the task has finished")
	runCmd.Flags().BoolVar(&runDirect, "direct", false, "Run outside the queue and wait for the result")

	stopCmd.Flags().BoolVar(&stopAbort, "abort", false, "Abort instead of stopping gracefully")

	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", time.Minute, "Longest time to wait for one event")
	waitCmd.Flags().BoolVarP(&waitFollow, "follow", "f", false, "Keep printing events until interrupted")

	rootCmd.AddCommand(runCmd, pauseCmd, resumeCmd, stopCmd, statusCmd, waitCmd, rescheduleCmd, suspendCmd, wakeCmd)
}

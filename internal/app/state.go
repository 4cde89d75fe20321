package app

import (
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/backend/backup"
	"github.com/pbs-plus/plus-scheduler/internal/eventbus"
	"github.com/pbs-plus/plus-scheduler/internal/scheduler"
)

// TaskInfo identifies a queued or running job.
type TaskInfo struct {
	TaskID    int64  `json:"task-id"`
	BackupID  string `json:"backup-id"`
	Operation string `json:"operation"`
}

// ServerState is the snapshot handed to status pollers.
type ServerState struct {
	ProgramState      string                  `json:"program-state"`
	WorkerState       string                  `json:"worker-state"`
	ActiveTask        *TaskInfo               `json:"active-task,omitempty"`
	SchedulerQueueIDs []TaskInfo              `json:"scheduler-queue-ids"`
	ProposedSchedule  []scheduler.ProposedRun `json:"proposed-schedule"`
	EstimatedPauseEnd time.Time               `json:"estimated-pause-end"`
	LastEventID       int64                   `json:"last-event-id"`
	Progress          *eventbus.ProgressState `json:"progress,omitempty"`
	ThreadPriority    string                  `json:"thread-priority,omitempty"`
	UploadLimit       *int64                  `json:"upload-limit,omitempty"`
	DownloadLimit     *int64                  `json:"download-limit,omitempty"`
}

func taskInfo(job *backup.Job) TaskInfo {
	return TaskInfo{
		TaskID:    job.ID(),
		BackupID:  job.BackupID(),
		Operation: string(job.Operation),
	}
}

// CurrentState collects the live control, queue, schedule and progress state.
func (a *App) CurrentState() ServerState {
	state := ServerState{
		ProgramState:      a.Live.State().String(),
		WorkerState:       a.Queue.State().String(),
		ProposedSchedule:  a.Scheduler.ProposedSchedule(),
		EstimatedPauseEnd: a.Live.EstimatedPauseEnd(),
		LastEventID:       a.Events.EventID(),
		UploadLimit:       a.Live.UploadLimit(),
		DownloadLimit:     a.Live.DownloadLimit(),
		SchedulerQueueIDs: []TaskInfo{},
	}

	if p := a.Live.ThreadPriority(); p != nil {
		state.ThreadPriority = string(*p)
	}

	if current := a.Queue.CurrentTask(); current != nil {
		info := taskInfo(current)
		state.ActiveTask = &info
	}

	for _, job := range a.Queue.PendingTasks() {
		state.SchedulerQueueIDs = append(state.SchedulerQueueIDs, taskInfo(job))
	}

	if p, ok := a.Events.Progress(); ok {
		state.Progress = &p
	}

	return state
}

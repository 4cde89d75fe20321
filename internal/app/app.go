// Package app assembles the scheduler, the work queue, the runner, live
// control and the event bus into one server instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/backend/backup"
	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/eventbus"
	"github.com/pbs-plus/plus-scheduler/internal/livecontrol"
	"github.com/pbs-plus/plus-scheduler/internal/scheduler"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

var (
	ErrClosed        = errors.New("server is shutting down")
	ErrTaskNotFound  = errors.New("task not found")
	ErrNoActiveTask  = errors.New("no active task")
	ErrBadBackupID   = errors.New("invalid backup id")
	ErrBadOperation  = errors.New("unknown operation")
	ErrNegativePause = errors.New("pause duration is negative")
)

// Repository is everything the server reads and writes.
type Repository interface {
	backup.Repository
	scheduler.Repository
	GetBackupIDsWithMetadata(name, value string) ([]int64, error)
}

type Options struct {
	Scheduler   scheduler.Config
	StartPaused bool
	// ResumeInterrupted queues a backup again when it was aborted by a
	// shutdown.
	ResumeInterrupted bool
	EventQueueSize    int
	ProgressInterval  time.Duration
	// Location overrides the time zone from the application settings.
	Location *time.Location
	Reporter backup.Reporter
}

type App struct {
	ctx    context.Context
	cancel context.CancelFunc
	repo   Repository
	opts   Options

	Live      *livecontrol.LiveControl
	Power     *livecontrol.PowerAdapter
	EventLog  *eventbus.EventQueue
	Events    *eventbus.EventPollNotify
	Runner    *backup.Runner
	Queue     *backup.Manager
	Scheduler *scheduler.Scheduler
}

func New(ctx context.Context, repo Repository, eng engine.Engine, opts Options) (*App, error) {
	settings, err := repo.GetApplicationSettings()
	if err != nil {
		return nil, fmt.Errorf("New: error reading application settings: %w", err)
	}

	newCtx, cancel := context.WithCancel(ctx)

	a := &App{
		ctx:    newCtx,
		cancel: cancel,
		repo:   repo,
		opts:   opts,
	}

	a.Live = livecontrol.New(settings)
	if opts.StartPaused {
		a.Live.Pause()
	}
	a.Power = livecontrol.NewPowerAdapter(a.Live)

	a.EventLog = eventbus.NewEventQueue(opts.EventQueueSize)
	a.Events = eventbus.NewEventPollNotify(a.EventLog)

	a.Runner = backup.NewRunner(repo, eng, a.Live, a.Events, opts.Reporter)
	a.Runner.SetProgressInterval(opts.ProgressInterval)
	a.Queue = backup.NewManager(newCtx, a.Runner.Handle, a.Live.IsPaused())
	a.Queue.AddObserver(a)

	schedCfg := opts.Scheduler
	if schedCfg.Location == nil {
		schedCfg.Location = a.location
	}
	a.Scheduler = scheduler.New(repo, a.Queue, schedCfg)
	a.Scheduler.AddObserver(func() {
		a.Events.SignalEvent(eventbus.Event{Type: eventbus.EventScheduleChanged})
	})

	a.Live.AddObserver(a.liveControlChanged)
	// A startup delay can expire before the observer is registered.
	if !a.Live.IsPaused() {
		a.Queue.Resume()
	}

	return a, nil
}

// location reads the time zone each scheduling pass so settings edits apply
// without a restart.
func (a *App) location() *time.Location {
	if a.opts.Location != nil {
		return a.opts.Location
	}
	settings, err := a.repo.GetApplicationSettings()
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to read application settings, using UTC").Write()
		return time.UTC
	}
	return settings.Location()
}

// Start reports backups interrupted by the previous shutdown and starts the
// scheduler.
func (a *App) Start() {
	a.recoverInterrupted()
	a.Scheduler.Start()
}

// Close stops scheduling, aborts the running job with an app-exit reason and
// waits for the worker to finish.
func (a *App) Close() {
	a.Scheduler.Terminate(true)
	a.Live.Close()
	a.Queue.Close()
	a.Queue.Terminate(true)
	a.cancel()
}

func (a *App) recoverInterrupted() {
	ids, err := a.repo.GetBackupIDsWithMetadata(backup.MetaBackupInProgress, "true")
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to look up interrupted backups").Write()
	}

	for _, id := range ids {
		b, err := a.repo.GetBackup(id)
		if err != nil {
			syslog.L.Error(err).WithMessage("interrupted backup not found").WithField("backupId", id).Write()
			continue
		}

		syslog.L.Warn().WithMessage("backup was interrupted by shutdown").WithField("backupId", id).Write()

		_, err = a.repo.RegisterNotification(types.Notification{
			Type:      types.NotificationWarning,
			Title:     "Shutdown while backup was in progress",
			Message:   fmt.Sprintf("The backup %q was running when the server stopped. The next run will pick up where it left off.", b.Name),
			BackupID:  b.IDString(),
			Timestamp: time.Now().UTC(),
		}, nil)
		if err != nil {
			syslog.L.Error(err).WithMessage("failed to register interrupted backup notification").WithField("backupId", id).Write()
		}

		if err := a.repo.SetMetadata(id, map[string]string{backup.MetaBackupInProgress: ""}); err != nil {
			syslog.L.Error(err).WithMessage("failed to clear in-progress marker").WithField("backupId", id).Write()
		}
	}

	if !a.opts.ResumeInterrupted {
		return
	}

	ids, err = a.repo.GetBackupIDsWithMetadata(backup.MetaResumeOnStartup, "true")
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to look up backups to resume").Write()
		return
	}
	for _, id := range ids {
		if _, err := a.Enqueue(engine.OperationBackup, strconv.FormatInt(id, 10), nil, false); err != nil {
			syslog.L.Error(err).WithMessage("failed to resume interrupted backup").WithField("backupId", id).Write()
			continue
		}
		if err := a.repo.SetMetadata(id, map[string]string{backup.MetaResumeOnStartup: ""}); err != nil {
			syslog.L.Error(err).WithMessage("failed to clear resume marker").WithField("backupId", id).Write()
		}
		syslog.L.Info().WithMessage("resuming interrupted backup").WithField("backupId", id).Write()
	}
}

func parseBackupID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadBackupID, id)
	}
	return n, nil
}

func (a *App) newJob(op engine.Operation, backupID string, extraOptions map[string]string) (*backup.Job, error) {
	if _, ok := engine.ParseOperation(string(op)); !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadOperation, op)
	}
	id, err := parseBackupID(backupID)
	if err != nil {
		return nil, err
	}
	b, err := a.repo.GetBackup(id)
	if err != nil {
		return nil, err
	}
	return backup.NewJob(op, b, extraOptions, nil, nil), nil
}

// Enqueue queues op for a stored backup. With front the job skips ahead of
// everything already waiting.
func (a *App) Enqueue(op engine.Operation, backupID string, extraOptions map[string]string, front bool) (*backup.Job, error) {
	job, err := a.newJob(op, backupID, extraOptions)
	if err != nil {
		return nil, err
	}

	if front {
		err = a.Queue.AddTaskFront(job)
	} else {
		err = a.Queue.AddTask(job)
	}
	if errors.Is(err, backup.ErrQueueClosed) {
		return nil, ErrClosed
	}
	return job, err
}

// RunDirect runs op outside the queue and returns its failure, if any.
func (a *App) RunDirect(ctx context.Context, op engine.Operation, backupID string, extraOptions map[string]string) (*engine.Result, error) {
	job, err := a.newJob(op, backupID, extraOptions)
	if err != nil {
		return nil, err
	}
	return a.Runner.Run(ctx, job, false)
}

// Pause pauses the server, indefinitely when d is zero.
func (a *App) Pause(d time.Duration) error {
	switch {
	case d < 0:
		return ErrNegativePause
	case d == 0:
		a.Live.Pause()
	default:
		a.Live.PauseFor(d)
	}
	return nil
}

func (a *App) Resume() {
	a.Live.Resume()
}

// StopTask stops the running job or removes a waiting one. A zero id means
// the running job. With abort the running job is aborted instead of stopped.
func (a *App) StopTask(taskID int64, abort bool) error {
	current := a.Queue.CurrentTask()
	if taskID == 0 || (current != nil && current.ID() == taskID) {
		if current == nil {
			return ErrNoActiveTask
		}
		if abort {
			current.Abort()
		} else {
			current.Stop()
		}
		return nil
	}

	if a.Queue.RemoveTaskByID(taskID) {
		return nil
	}
	return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
}

// WaitForEvent long-polls the event bus.
func (a *App) WaitForEvent(ctx context.Context, lastEventID int64, timeout time.Duration) int64 {
	return a.Events.Wait(ctx, lastEventID, timeout)
}

// EventsSince returns the retained events newer than id.
func (a *App) EventsSince(id int64) []eventbus.Event {
	return a.EventLog.Since(id)
}

// Reschedule makes the scheduler reread its schedules now.
func (a *App) Reschedule() {
	a.Scheduler.Reschedule()
}

// Suspend and ResumeFromSuspend are called by the host power integration.
func (a *App) Suspend() {
	a.Power.Suspend()
}

func (a *App) ResumeFromSuspend() {
	a.Power.ResumeFromSuspend()
}

func (a *App) liveControlChanged(change livecontrol.Change) {
	current := a.Queue.CurrentTask()

	switch change {
	case livecontrol.StateChanged:
		if a.Live.IsPaused() {
			a.Queue.Pause()
			if current != nil {
				current.Pause(false)
			}
		} else {
			a.Queue.Resume()
			if current != nil {
				current.Resume()
			}
		}
	case livecontrol.ThreadPriorityChanged:
		if current != nil {
			current.SetPriority(a.Live.ThreadPriority())
		}
	case livecontrol.ThrottleSpeedChanged:
		if current != nil {
			current.UpdateThrottleSpeeds(a.Live.UploadLimit(), a.Live.DownloadLimit())
		}
	}

	a.Events.SignalEvent(eventbus.Event{Type: eventbus.EventLiveControl, Message: change.String()})
}

// The methods below make App a backup.QueueObserver.

func (a *App) WorkStarting(job *backup.Job) {
	a.Events.SignalEvent(eventbus.Event{
		Type:     eventbus.EventWorkStarting,
		Message:  string(job.Operation),
		BackupID: job.BackupID(),
		TaskID:   job.ID(),
	})
}

// WorkCompleted does nothing; the runner signals completion itself.
func (a *App) WorkCompleted(*backup.Job, error) {}

func (a *App) QueueChanged() {
	a.Events.SignalEvent(eventbus.Event{Type: eventbus.EventQueueChanged})
}

func (a *App) WorkerStateChanged(state backup.WorkerState) {
	a.Events.SignalEvent(eventbus.Event{Type: eventbus.EventWorkerState, Message: state.String()})
}

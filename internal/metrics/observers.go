package metrics

import (
	"github.com/pbs-plus/plus-scheduler/internal/backend/backup"
	"github.com/pbs-plus/plus-scheduler/internal/eventbus"
	"github.com/pbs-plus/plus-scheduler/internal/scheduler"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

type pendingLister interface {
	PendingTasks() []*backup.Job
}

// QueueObserver feeds the work queue metrics. It implements
// backup.QueueObserver.
type QueueObserver struct {
	queue pendingLister
}

func NewQueueObserver(queue pendingLister) *QueueObserver {
	return &QueueObserver{queue: queue}
}

func (o *QueueObserver) WorkStarting(job *backup.Job) {
	JobsStarted.WithLabelValues(string(job.Operation)).Inc()
}

func (o *QueueObserver) WorkCompleted(job *backup.Job, _ error) {
	op := string(job.Operation)
	JobsFinished.WithLabelValues(op, job.State().String()).Inc()

	started, finished := job.Started(), job.Finished()
	if !started.IsZero() && !finished.IsZero() {
		JobDuration.WithLabelValues(op).Observe(finished.Sub(started).Seconds())
	}
}

func (o *QueueObserver) QueueChanged() {
	QueueLength.Set(float64(len(o.queue.PendingTasks())))
}

func (o *QueueObserver) WorkerStateChanged(state backup.WorkerState) {
	if state == backup.WorkerPaused {
		WorkerPaused.Set(1)
	} else {
		WorkerPaused.Set(0)
	}
}

// ObserveSchedule records a scheduler snapshot.
func ObserveSchedule(entries []scheduler.Entry) {
	ScheduledRules.Set(float64(len(entries)))
	if len(entries) == 0 {
		NextScheduledRun.Set(0)
		return
	}
	NextScheduledRun.Set(float64(entries[0].Time.Unix()))
}

// ObserveProgress records a progress snapshot. A zero TaskID means nothing
// is running.
func ObserveProgress(state eventbus.ProgressState) {
	if state.TaskID == 0 {
		OperationProgress.Set(0)
		OperationSpeed.Set(0)
		return
	}
	OperationProgress.Set(state.OverallProgress)
	OperationSpeed.Set(float64(state.Speed))
}

// Reporter counts and logs errors handed to the usage reporter. It
// implements backup.Reporter.
type Reporter struct {
	// Disabled drops reports without counting them.
	Disabled bool
}

func NewReporter(level string) *Reporter {
	return &Reporter{Disabled: level == "none" || level == "disabled"}
}

func (r *Reporter) Report(err error) {
	if r == nil || r.Disabled || err == nil {
		return
	}
	ReportedErrors.Inc()
	syslog.L.Debug().WithMessage("usage reporter received error").WithField("error", err.Error()).Write()
}

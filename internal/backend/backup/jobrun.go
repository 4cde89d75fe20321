package backup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/eventbus"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
)

// Sentinel error values.
var (
	ErrQueueClosed     = errors.New("queue is terminated")
	ErrJobPanicked     = errors.New("job handler panicked")
	ErrJobRemoved      = errors.New("job was removed from the queue")
	ErrInvalidFilter   = errors.New("invalid filter")
	ErrNoBackup        = errors.New("job has no backup")
	ErrUnknownPriority = errors.New("unknown priority")
)

type JobState int32

const (
	JobCreated JobState = iota
	JobQueued
	JobRunning
	JobCompleted
	JobFailed
	JobAborted
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "Created"
	case JobQueued:
		return "Queued"
	case JobRunning:
		return "Running"
	case JobCompleted:
		return "Completed"
	case JobFailed:
		return "Failed"
	case JobAborted:
		return "Aborted"
	}
	return "Unknown"
}

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobAborted
}

var lastTaskID atomic.Int64

// Job is one request to run an operation against a backup.
type Job struct {
	id int64

	Operation      engine.Operation
	Backup         types.Backup
	ExtraOptions   map[string]string
	FilterStrings  []string
	ExtraArguments []string
	// Dependents run in order after the job succeeds.
	Dependents []*Job

	OnStarting func(job *Job)
	OnFinished func(job *Job, err error)

	state atomic.Int32

	mu         sync.Mutex
	controller engine.Controller
	stopping   bool
	started    time.Time
	finished   time.Time
	err        error
	done       chan struct{}

	// Throttle values taken from the job's own options, 0 for none.
	uploadLimit   int64
	downloadLimit int64

	progress      engine.Progress
	progressBase  float64
	progressShare float64
}

func NewJob(op engine.Operation, backup types.Backup, extraOptions map[string]string, filterStrings []string, extraArguments []string) *Job {
	if extraOptions == nil {
		extraOptions = make(map[string]string)
	}
	return &Job{
		id:             lastTaskID.Add(1),
		Operation:      op,
		Backup:         backup,
		ExtraOptions:   extraOptions,
		FilterStrings:  filterStrings,
		ExtraArguments: extraArguments,
		done:           make(chan struct{}),
		progressShare:  1,
	}
}

func (j *Job) ID() int64 {
	return j.id
}

func (j *Job) BackupID() string {
	return j.Backup.IDString()
}

func (j *Job) State() JobState {
	return JobState(j.state.Load())
}

func (j *Job) setState(s JobState) {
	j.state.Store(int32(s))
}

func (j *Job) Started() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

func (j *Job) Finished() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Err is the error the job ended with, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// start marks the job as running and calls OnStarting once.
func (j *Job) start() {
	j.mu.Lock()
	if !j.started.IsZero() {
		j.mu.Unlock()
		return
	}
	j.started = time.Now().UTC()
	j.mu.Unlock()

	j.setState(JobRunning)
	if j.OnStarting != nil {
		j.OnStarting(j)
	}
}

// finish records the terminal state and calls OnFinished once.
func (j *Job) finish(state JobState, err error) {
	j.mu.Lock()
	if !j.finished.IsZero() {
		j.mu.Unlock()
		return
	}
	j.finished = time.Now().UTC()
	j.err = err
	j.mu.Unlock()

	j.setState(state)
	if j.OnFinished != nil {
		j.OnFinished(j, err)
	}
	close(j.done)
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) setController(c engine.Controller) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.controller = c
	j.stopping = false
}

// Stop asks the running operation to wind down. A second Stop while the
// first is pending aborts it.
func (j *Job) Stop() {
	j.mu.Lock()
	c := j.controller
	escalate := j.stopping
	if c != nil {
		j.stopping = true
	}
	j.mu.Unlock()

	if c == nil {
		return
	}
	if escalate {
		c.Abort()
		return
	}
	c.Stop()
}

func (j *Job) Abort() {
	j.mu.Lock()
	c := j.controller
	j.mu.Unlock()
	if c != nil {
		c.Abort()
	}
}

func (j *Job) Pause(alsoTransfers bool) {
	j.mu.Lock()
	c := j.controller
	j.mu.Unlock()
	if c != nil {
		c.Pause(alsoTransfers)
	}
}

func (j *Job) Resume() {
	j.mu.Lock()
	c := j.controller
	j.mu.Unlock()
	if c != nil {
		c.Resume()
	}
}

func (j *Job) SetPriority(p *types.Priority) {
	j.mu.Lock()
	c := j.controller
	j.mu.Unlock()
	if c != nil {
		c.SetPriority(p)
	}
}

// UpdateThrottleSpeeds applies the lower of the job's own limits and the
// given server limits. Nil server limits mean no server cap.
func (j *Job) UpdateThrottleSpeeds(serverUpload, serverDownload *int64) {
	j.mu.Lock()
	c := j.controller
	up, down := effectiveLimit(j.uploadLimit, serverUpload), effectiveLimit(j.downloadLimit, serverDownload)
	j.mu.Unlock()

	if c != nil {
		c.SetThrottleSpeeds(up, down)
	}
}

// effectiveLimit returns min(job, server) where non-positive values mean
// unlimited. The result is 0 when neither side sets a limit.
func effectiveLimit(job int64, server *int64) int64 {
	limit := int64(0)
	if job > 0 {
		limit = job
	}
	if server != nil && *server > 0 && (limit == 0 || *server < limit) {
		limit = *server
	}
	return limit
}

func (j *Job) setProgress(p engine.Progress) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

func (j *Job) setProgressScale(base, share float64) {
	j.mu.Lock()
	j.progressBase = base
	j.progressShare = share
	j.mu.Unlock()
}

// ProgressState is the job's last reported progress, scaled to the share
// of the overall run this job represents.
func (j *Job) ProgressState() eventbus.ProgressState {
	j.mu.Lock()
	defer j.mu.Unlock()

	overall := j.progressBase + j.progress.Overall*j.progressShare
	if overall > 1 {
		overall = 1
	}

	return eventbus.ProgressState{
		TaskID:          j.id,
		BackupID:        j.Backup.IDString(),
		Operation:       string(j.Operation),
		Phase:           j.progress.Phase,
		OverallProgress: overall,
		CurrentFile:     j.progress.CurrentFile,
		ProcessedFiles:  j.progress.ProcessedFiles,
		TotalFiles:      j.progress.TotalFiles,
		ProcessedSize:   j.progress.ProcessedSize,
		TotalSize:       j.progress.TotalSize,
		Speed:           j.progress.Speed,
		Updated:         time.Now().UTC(),
	}
}

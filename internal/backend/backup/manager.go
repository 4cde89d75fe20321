package backup

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

type WorkerState int32

const (
	WorkerRunning WorkerState = iota
	WorkerPaused
)

func (s WorkerState) String() string {
	if s == WorkerPaused {
		return "Paused"
	}
	return "Running"
}

// QueueObserver is told about the worker's progress. Callbacks run on the
// goroutine that caused them and must not block.
type QueueObserver interface {
	WorkStarting(job *Job)
	WorkCompleted(job *Job, err error)
	QueueChanged()
	WorkerStateChanged(state WorkerState)
}

// Handler performs a job. A returned error is recorded on the job.
type Handler func(ctx context.Context, job *Job) error

// Manager runs queued jobs one at a time in FIFO order.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler

	mu         sync.Mutex
	cond       *sync.Cond
	pending    []*Job
	current    *Job
	state      WorkerState
	terminated bool
	done       chan struct{}

	obsMu     sync.RWMutex
	observers []QueueObserver

	runningJobs atomic.Int32
}

func NewManager(ctx context.Context, handler Handler, startPaused bool) *Manager {
	newCtx, cancel := context.WithCancel(ctx)
	jq := &Manager{
		ctx:     newCtx,
		cancel:  cancel,
		handler: handler,
		done:    make(chan struct{}),
	}
	jq.cond = sync.NewCond(&jq.mu)
	if startPaused {
		jq.state = WorkerPaused
	}

	go jq.worker()

	return jq
}

func (jq *Manager) AddObserver(o QueueObserver) {
	jq.obsMu.Lock()
	defer jq.obsMu.Unlock()
	jq.observers = append(jq.observers, o)
}

func (jq *Manager) each(fn func(o QueueObserver)) {
	jq.obsMu.RLock()
	observers := append([]QueueObserver(nil), jq.observers...)
	jq.obsMu.RUnlock()

	for _, o := range observers {
		fn(o)
	}
}

func (jq *Manager) enqueue(job *Job, front bool) error {
	jq.mu.Lock()
	if jq.terminated {
		jq.mu.Unlock()
		return ErrQueueClosed
	}

	job.setState(JobQueued)
	if front {
		jq.pending = append([]*Job{job}, jq.pending...)
	} else {
		jq.pending = append(jq.pending, job)
	}
	jq.cond.Signal()
	jq.mu.Unlock()

	jq.each(func(o QueueObserver) { o.QueueChanged() })
	return nil
}

// AddTask appends job to the queue. It fails only after Terminate.
func (jq *Manager) AddTask(job *Job) error {
	return jq.enqueue(job, false)
}

// AddTaskFront puts job ahead of everything already waiting.
func (jq *Manager) AddTaskFront(job *Job) error {
	return jq.enqueue(job, true)
}

// RemoveTask drops a job that has not started yet. The job finishes as
// aborted with ErrJobRemoved.
func (jq *Manager) RemoveTask(job *Job) bool {
	jq.mu.Lock()
	idx := -1
	for i, p := range jq.pending {
		if p == job {
			idx = i
			break
		}
	}
	if idx < 0 {
		jq.mu.Unlock()
		return false
	}
	jq.pending = append(jq.pending[:idx], jq.pending[idx+1:]...)
	jq.mu.Unlock()

	job.finish(JobAborted, ErrJobRemoved)
	jq.each(func(o QueueObserver) { o.QueueChanged() })
	return true
}

// RemoveTaskByID is RemoveTask for callers that only know the task id.
func (jq *Manager) RemoveTaskByID(id int64) bool {
	for _, job := range jq.PendingTasks() {
		if job.ID() == id {
			return jq.RemoveTask(job)
		}
	}
	return false
}

func (jq *Manager) Pause() {
	jq.setState(WorkerPaused)
}

func (jq *Manager) Resume() {
	jq.setState(WorkerRunning)
}

func (jq *Manager) setState(state WorkerState) {
	jq.mu.Lock()
	if jq.state == state {
		jq.mu.Unlock()
		return
	}
	jq.state = state
	jq.cond.Broadcast()
	jq.mu.Unlock()

	jq.each(func(o QueueObserver) { o.WorkerStateChanged(state) })
}

func (jq *Manager) State() WorkerState {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.state
}

func (jq *Manager) CurrentTask() *Job {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.current
}

// CurrentTasks returns the running job, if any, followed by the pending ones.
func (jq *Manager) CurrentTasks() []*Job {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	tasks := make([]*Job, 0, len(jq.pending)+1)
	if jq.current != nil {
		tasks = append(tasks, jq.current)
	}
	return append(tasks, jq.pending...)
}

func (jq *Manager) PendingTasks() []*Job {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return append([]*Job(nil), jq.pending...)
}

// ClearQueue drops all pending jobs. With stopCurrent the running job is
// asked to stop as well.
func (jq *Manager) ClearQueue(stopCurrent bool) {
	jq.mu.Lock()
	dropped := jq.pending
	jq.pending = nil
	current := jq.current
	jq.mu.Unlock()

	for _, job := range dropped {
		job.finish(JobAborted, ErrJobRemoved)
	}
	if stopCurrent && current != nil {
		current.Stop()
	}

	jq.each(func(o QueueObserver) { o.QueueChanged() })
}

// Terminate stops the worker after the current job. Pending jobs are not
// run. With wait it blocks until the worker has exited.
func (jq *Manager) Terminate(wait bool) {
	jq.mu.Lock()
	jq.terminated = true
	jq.cond.Broadcast()
	jq.mu.Unlock()

	if wait {
		<-jq.done
	}
}

// Active reports whether the worker goroutine is still running.
func (jq *Manager) Active() bool {
	select {
	case <-jq.done:
		return false
	default:
		return true
	}
}

// Close terminates the worker and cancels the context handed to running jobs.
func (jq *Manager) Close() {
	jq.Terminate(false)
	jq.cancel()
}

func (jq *Manager) worker() {
	defer close(jq.done)

	for {
		jq.mu.Lock()
		for !jq.terminated && (len(jq.pending) == 0 || jq.state == WorkerPaused) {
			jq.cond.Wait()
		}
		if jq.terminated {
			jq.current = nil
			jq.mu.Unlock()
			return
		}

		job := jq.pending[0]
		jq.pending[0] = nil
		jq.pending = jq.pending[1:]
		jq.current = job
		jq.mu.Unlock()

		jq.each(func(o QueueObserver) { o.WorkStarting(job) })

		jq.runningJobs.Add(1)
		err := jq.run(job)
		jq.runningJobs.Add(-1)

		jq.mu.Lock()
		jq.current = nil
		jq.mu.Unlock()

		jq.each(func(o QueueObserver) { o.WorkCompleted(job, err) })
		jq.each(func(o QueueObserver) { o.QueueChanged() })
	}
}

// run calls the handler and settles the job's terminal state. Panics are
// turned into job errors.
func (jq *Manager) run(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
			syslog.L.Error(err).WithMessage("recovered from job panic").
				WithField("stack", string(debug.Stack())).WithJob(taskKey(job)).Write()
		}

		if err != nil {
			job.finish(JobFailed, err)
		} else {
			job.finish(JobCompleted, nil)
		}
		err = job.Err()
	}()

	job.start()
	return jq.handler(jq.ctx, job)
}

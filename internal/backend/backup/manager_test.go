package backup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
)

type recordingObserver struct {
	mu        sync.Mutex
	started   []int64
	completed map[int64]error
	changes   int
	states    []WorkerState
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{completed: make(map[int64]error)}
}

func (o *recordingObserver) WorkStarting(job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, job.ID())
}

func (o *recordingObserver) WorkCompleted(job *Job, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed[job.ID()] = err
}

func (o *recordingObserver) QueueChanged() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes++
}

func (o *recordingObserver) WorkerStateChanged(state WorkerState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) startedIDs() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int64(nil), o.started...)
}

func (o *recordingObserver) completedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.completed)
}

func testJob(name string) *Job {
	return NewJob(engine.OperationBackup, types.Backup{ID: 1, Name: name}, nil, nil, nil)
}

func TestTaskIDsIncrease(t *testing.T) {
	a, b := testJob("a"), testJob("b")
	assert.Greater(t, b.ID(), a.ID())
	assert.Equal(t, JobCreated, a.State())
}

func TestJobControlsWithoutController(t *testing.T) {
	job := testJob("idle")

	assert.NotPanics(t, func() {
		job.Stop()
		job.Abort()
		job.Pause(true)
		job.Resume()
		job.SetPriority(nil)
		job.UpdateThrottleSpeeds(int64Ptr(1), nil)
	})
}

func TestJobStopEscalatesToAbort(t *testing.T) {
	job := testJob("stop")
	x := newFakeExecution(engine.Invocation{}, engine.Result{}, false)
	job.setController(x)

	job.Stop()
	assert.Equal(t, 1, x.stops)
	assert.Equal(t, 0, x.aborts)

	job.Stop()
	assert.Equal(t, 1, x.stops)
	assert.Equal(t, 1, x.aborts)

	job.Pause(true)
	job.Resume()
	assert.Equal(t, []bool{true}, x.pauses)
	assert.Equal(t, 1, x.resumes)
}

func TestEffectiveLimit(t *testing.T) {
	cases := []struct {
		name     string
		job      int64
		server   *int64
		expected int64
	}{
		{"none", 0, nil, 0},
		{"job only", 100, nil, 100},
		{"server only", 0, int64Ptr(50), 50},
		{"server lower", 100, int64Ptr(50), 50},
		{"job lower", 40, int64Ptr(50), 40},
		{"server unlimited", 40, int64Ptr(0), 40},
		{"negative job", -1, int64Ptr(-5), 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, effectiveLimit(c.job, c.server))
		})
	}
}

func TestUpdateThrottleSpeeds(t *testing.T) {
	job := testJob("throttle")
	job.uploadLimit = 1000
	x := newFakeExecution(engine.Invocation{}, engine.Result{}, false)
	job.setController(x)

	job.UpdateThrottleSpeeds(int64Ptr(500), int64Ptr(2000))
	job.UpdateThrottleSpeeds(nil, nil)

	assert.Equal(t, [][2]int64{{500, 2000}, {1000, 0}}, x.throttles)
}

func TestManagerRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	m := NewManager(t.Context(), func(ctx context.Context, job *Job) error {
		mu.Lock()
		order = append(order, job.Backup.Name)
		mu.Unlock()
		return nil
	}, false)
	defer m.Close()

	jobs := []*Job{testJob("a"), testJob("b"), testJob("c")}
	for _, j := range jobs {
		require.NoError(t, m.AddTask(j))
	}

	for _, j := range jobs {
		require.NoError(t, j.Wait(t.Context()))
		assert.Equal(t, JobCompleted, j.State())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManagerPauseAndFront(t *testing.T) {
	var mu sync.Mutex
	var order []string

	obs := newRecordingObserver()
	m := NewManager(t.Context(), func(ctx context.Context, job *Job) error {
		mu.Lock()
		order = append(order, job.Backup.Name)
		mu.Unlock()
		return nil
	}, true)
	m.AddObserver(obs)
	defer m.Close()

	assert.Equal(t, WorkerPaused, m.State())

	first, second, urgent := testJob("first"), testJob("second"), testJob("urgent")
	require.NoError(t, m.AddTask(first))
	require.NoError(t, m.AddTask(second))
	require.NoError(t, m.AddTaskFront(urgent))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, obs.startedIDs())
	assert.Len(t, m.PendingTasks(), 3)
	assert.Equal(t, JobQueued, first.State())

	m.Resume()
	require.NoError(t, second.Wait(t.Context()))

	mu.Lock()
	assert.Equal(t, []string{"urgent", "first", "second"}, order)
	mu.Unlock()

	assert.Equal(t, []WorkerState{WorkerRunning}, obs.states)
	assert.Equal(t, []int64{urgent.ID(), first.ID(), second.ID()}, obs.startedIDs())
}

func TestManagerSurvivesPanicsAndErrors(t *testing.T) {
	boom := errors.New("boom")
	obs := newRecordingObserver()

	m := NewManager(t.Context(), func(ctx context.Context, job *Job) error {
		switch job.Backup.Name {
		case "panic":
			panic("handler exploded")
		case "error":
			return boom
		}
		return nil
	}, false)
	m.AddObserver(obs)
	defer m.Close()

	panicking, failing, fine := testJob("panic"), testJob("error"), testJob("fine")
	require.NoError(t, m.AddTask(panicking))
	require.NoError(t, m.AddTask(failing))
	require.NoError(t, m.AddTask(fine))

	assert.ErrorIs(t, panicking.Wait(t.Context()), ErrJobPanicked)
	assert.ErrorIs(t, failing.Wait(t.Context()), boom)
	assert.NoError(t, fine.Wait(t.Context()))

	assert.Equal(t, JobFailed, panicking.State())
	assert.Equal(t, JobFailed, failing.State())
	assert.Equal(t, JobCompleted, fine.State())
	assert.True(t, m.Active())

	assert.Eventually(t, func() bool { return obs.completedCount() == 3 }, time.Second, 10*time.Millisecond)
	obs.mu.Lock()
	assert.ErrorIs(t, obs.completed[panicking.ID()], ErrJobPanicked)
	obs.mu.Unlock()
}

func TestManagerRemoveAndClear(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(t.Context(), func(ctx context.Context, job *Job) error {
		if job.Backup.Name == "blocker" {
			<-release
		}
		return nil
	}, false)
	defer m.Close()

	blocker := testJob("blocker")
	require.NoError(t, m.AddTask(blocker))
	require.Eventually(t, func() bool { return m.CurrentTask() == blocker }, time.Second, 5*time.Millisecond)

	a, b, c := testJob("a"), testJob("b"), testJob("c")
	require.NoError(t, m.AddTask(a))
	require.NoError(t, m.AddTask(b))
	require.NoError(t, m.AddTask(c))

	assert.Equal(t, []*Job{blocker, a, b, c}, m.CurrentTasks())

	assert.True(t, m.RemoveTask(b))
	assert.False(t, m.RemoveTask(b))
	assert.ErrorIs(t, b.Wait(t.Context()), ErrJobRemoved)
	assert.Equal(t, JobAborted, b.State())

	assert.True(t, m.RemoveTaskByID(c.ID()))

	m.ClearQueue(false)
	assert.Empty(t, m.PendingTasks())
	assert.ErrorIs(t, a.Wait(t.Context()), ErrJobRemoved)

	close(release)
	require.NoError(t, blocker.Wait(t.Context()))
}

func TestManagerTerminate(t *testing.T) {
	m := NewManager(t.Context(), func(ctx context.Context, job *Job) error { return nil }, true)
	pending := testJob("pending")
	require.NoError(t, m.AddTask(pending))

	m.Terminate(true)
	assert.False(t, m.Active())
	assert.ErrorIs(t, m.AddTask(testJob("late")), ErrQueueClosed)
	assert.Equal(t, JobQueued, pending.State())
}

func TestManagerClearQueueStopsCurrent(t *testing.T) {
	eng := &fakeEngine{block: true}
	r := newTestRunner(t, newFakeRepo(), eng, nil)

	m := NewManager(t.Context(), r.Handle, false)
	defer m.Close()

	job := testJob("long")
	require.NoError(t, m.AddTask(job))
	require.Eventually(t, func() bool { return len(eng.executions()) == 1 }, time.Second, 5*time.Millisecond)
	// the controller is attached right after Prepare
	require.Eventually(t, func() bool {
		job.mu.Lock()
		defer job.mu.Unlock()
		return job.controller != nil
	}, time.Second, 5*time.Millisecond)

	m.ClearQueue(true)

	require.NoError(t, job.Wait(t.Context()))
	assert.Equal(t, JobAborted, job.State())
	assert.Equal(t, 1, eng.executions()[0].stops)
}

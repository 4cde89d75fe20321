package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbs-plus/plus-scheduler/internal/backend/backup"
	"github.com/pbs-plus/plus-scheduler/internal/engine"
	"github.com/pbs-plus/plus-scheduler/internal/eventbus"
	"github.com/pbs-plus/plus-scheduler/internal/scheduler"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
)

func TestQueueObserver(t *testing.T) {
	started := testutil.ToFloat64(JobsStarted.WithLabelValues("verify"))
	completed := testutil.ToFloat64(JobsFinished.WithLabelValues("verify", "Completed"))
	failed := testutil.ToFloat64(JobsFinished.WithLabelValues("verify", "Failed"))

	m := backup.NewManager(t.Context(), func(ctx context.Context, job *backup.Job) error {
		if job.Backup.Name == "bad" {
			return errors.New("verification failed")
		}
		return nil
	}, true)
	defer m.Close()

	obs := NewQueueObserver(m)
	m.AddObserver(obs)

	good := backup.NewJob(engine.OperationVerify, types.Backup{ID: 1, Name: "good"}, nil, nil, nil)
	bad := backup.NewJob(engine.OperationVerify, types.Backup{ID: 2, Name: "bad"}, nil, nil, nil)
	require.NoError(t, m.AddTask(good))
	require.NoError(t, m.AddTask(bad))

	assert.Equal(t, 2.0, testutil.ToFloat64(QueueLength))

	m.Resume()
	require.NoError(t, good.Wait(t.Context()))
	require.Error(t, bad.Wait(t.Context()))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(JobsFinished.WithLabelValues("verify", "Failed")) == failed+1 &&
			testutil.ToFloat64(QueueLength) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, started+2, testutil.ToFloat64(JobsStarted.WithLabelValues("verify")))
	assert.Equal(t, completed+1, testutil.ToFloat64(JobsFinished.WithLabelValues("verify", "Completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(WorkerPaused))

	m.Pause()
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkerPaused))
}

func TestObserveSchedule(t *testing.T) {
	next := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)
	ObserveSchedule([]scheduler.Entry{{Time: next}, {Time: next.Add(time.Hour)}})

	assert.Equal(t, 2.0, testutil.ToFloat64(ScheduledRules))
	assert.Equal(t, float64(next.Unix()), testutil.ToFloat64(NextScheduledRun))

	ObserveSchedule(nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(ScheduledRules))
	assert.Equal(t, 0.0, testutil.ToFloat64(NextScheduledRun))
}

func TestObserveProgress(t *testing.T) {
	ObserveProgress(eventbus.ProgressState{TaskID: 4, OverallProgress: 0.25, Speed: 2048})
	assert.Equal(t, 0.25, testutil.ToFloat64(OperationProgress))
	assert.Equal(t, 2048.0, testutil.ToFloat64(OperationSpeed))

	ObserveProgress(eventbus.ProgressState{})
	assert.Equal(t, 0.0, testutil.ToFloat64(OperationProgress))
}

func TestReporter(t *testing.T) {
	before := testutil.ToFloat64(ReportedErrors)

	NewReporter("").Report(errors.New("boom"))
	NewReporter("none").Report(errors.New("ignored"))
	NewReporter("").Report(nil)

	var nilReporter *Reporter
	nilReporter.Report(errors.New("ignored"))

	assert.Equal(t, before+1, testutil.ToFloat64(ReportedErrors))
}

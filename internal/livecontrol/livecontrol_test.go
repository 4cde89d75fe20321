package livecontrol

import (
	"sync"
	"testing"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) observe(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) count(c Change) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.changes {
		if got == c {
			n++
		}
	}
	return n
}

func newRecorded(t *testing.T, settings types.ApplicationSettings) (*LiveControl, *recorder) {
	lc := New(settings)
	t.Cleanup(lc.Close)
	rec := &recorder{}
	lc.AddObserver(rec.observe)
	return lc, rec
}

func TestPauseIdempotence(t *testing.T) {
	lc, rec := newRecorded(t, types.ApplicationSettings{})

	lc.Pause()
	lc.Pause()

	assert.Equal(t, Paused, lc.State())
	assert.Equal(t, 1, rec.count(StateChanged))
	assert.True(t, lc.EstimatedPauseEnd().IsZero())
}

func TestPauseForRenotifies(t *testing.T) {
	lc, rec := newRecorded(t, types.ApplicationSettings{})

	lc.PauseFor(time.Hour)
	first := lc.EstimatedPauseEnd()
	lc.PauseFor(2 * time.Hour)
	second := lc.EstimatedPauseEnd()

	assert.Equal(t, 2, rec.count(StateChanged))
	assert.True(t, lc.IsPaused())
	assert.True(t, second.After(first), "new deadline replaces the old one")
}

func TestPauseClearsDeadline(t *testing.T) {
	lc, rec := newRecorded(t, types.ApplicationSettings{})

	lc.PauseFor(time.Hour)
	require.False(t, lc.EstimatedPauseEnd().IsZero())

	lc.Pause()
	assert.True(t, lc.EstimatedPauseEnd().IsZero())
	assert.True(t, lc.IsPaused())
	assert.Equal(t, 2, rec.count(StateChanged))

	lc.Pause()
	assert.Equal(t, 2, rec.count(StateChanged))
}

func TestResumeBeforeExpiry(t *testing.T) {
	lc, rec := newRecorded(t, types.ApplicationSettings{})

	lc.PauseFor(50 * time.Millisecond)
	lc.Resume()

	assert.Equal(t, Running, lc.State())
	assert.True(t, lc.EstimatedPauseEnd().IsZero())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, Running, lc.State())
	assert.Equal(t, 2, rec.count(StateChanged), "no spurious auto-resume")

	lc.Resume()
	assert.Equal(t, 2, rec.count(StateChanged))
}

func TestAutoResume(t *testing.T) {
	lc, rec := newRecorded(t, types.ApplicationSettings{})

	lc.PauseFor(20 * time.Millisecond)
	assert.Eventually(t, func() bool { return lc.State() == Running }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.count(StateChanged))
	assert.True(t, lc.EstimatedPauseEnd().IsZero())
}

func TestRearmedPauseIgnoresStaleTimer(t *testing.T) {
	lc, _ := newRecorded(t, types.ApplicationSettings{})

	lc.PauseFor(20 * time.Millisecond)
	lc.PauseFor(time.Hour)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, lc.IsPaused())
}

func TestOverridesNotifyOnlyOnChange(t *testing.T) {
	lc, rec := newRecorded(t, types.ApplicationSettings{})

	low := types.PriorityLowest
	lc.SetThreadPriority(&low)
	same := types.PriorityLowest
	lc.SetThreadPriority(&same)
	assert.Equal(t, 1, rec.count(ThreadPriorityChanged))
	require.NotNil(t, lc.ThreadPriority())
	assert.Equal(t, types.PriorityLowest, *lc.ThreadPriority())

	lc.SetThreadPriority(nil)
	lc.SetThreadPriority(nil)
	assert.Equal(t, 2, rec.count(ThreadPriorityChanged))
	assert.Nil(t, lc.ThreadPriority())

	limit := int64(1024)
	lc.SetUploadLimit(&limit)
	lc.SetUploadLimit(&limit)
	lc.SetDownloadLimit(&limit)
	lc.SetDownloadLimit(nil)
	assert.Equal(t, 3, rec.count(ThrottleSpeedChanged))
	assert.Equal(t, int64(1024), *lc.UploadLimit())
	assert.Nil(t, lc.DownloadLimit())

	// The stored value is a copy.
	limit = 1
	assert.Equal(t, int64(1024), *lc.UploadLimit())
}

func TestNewFromSettings(t *testing.T) {
	lc, _ := newRecorded(t, types.ApplicationSettings{
		StartupDelayDuration:   time.Hour,
		ThreadPriorityOverride: "idle",
		UploadSpeedLimit:       "100",
		DownloadSpeedLimit:     "2MB",
	})

	assert.True(t, lc.IsPaused())
	assert.WithinDuration(t, time.Now().Add(time.Hour), lc.EstimatedPauseEnd(), time.Minute)
	require.NotNil(t, lc.ThreadPriority())
	assert.Equal(t, types.PriorityLowest, *lc.ThreadPriority())
	require.NotNil(t, lc.UploadLimit())
	assert.Equal(t, int64(100*1000), *lc.UploadLimit())
	require.NotNil(t, lc.DownloadLimit())
	assert.Equal(t, int64(2*1000*1000), *lc.DownloadLimit())
}

func TestNewIgnoresBadSettings(t *testing.T) {
	lc, _ := newRecorded(t, types.ApplicationSettings{
		ThreadPriorityOverride: "turbo",
		UploadSpeedLimit:       "fast",
	})

	assert.False(t, lc.IsPaused())
	assert.Nil(t, lc.ThreadPriority())
	assert.Nil(t, lc.UploadLimit())
}

func TestObserverMayCallBack(t *testing.T) {
	lc := New(types.ApplicationSettings{})
	t.Cleanup(lc.Close)

	var seen State
	lc.AddObserver(func(c Change) {
		if c == StateChanged {
			seen = lc.State()
		}
	})

	lc.Pause()
	assert.Equal(t, Paused, seen)
}

func TestPowerAdapter(t *testing.T) {
	t.Run("running host resumes after wake", func(t *testing.T) {
		lc, _ := newRecorded(t, types.ApplicationSettings{})
		power := NewPowerAdapter(lc)

		power.Suspend()
		assert.True(t, lc.IsPaused())

		power.ResumeFromSuspend()
		assert.False(t, lc.IsPaused())
	})

	t.Run("timed pause keeps its remaining time", func(t *testing.T) {
		lc, _ := newRecorded(t, types.ApplicationSettings{})
		power := NewPowerAdapter(lc)

		lc.PauseFor(time.Hour)
		power.Suspend()
		assert.True(t, lc.EstimatedPauseEnd().IsZero(), "timer is disarmed while suspended")

		power.ResumeFromSuspend()
		assert.True(t, lc.IsPaused())
		assert.WithinDuration(t, time.Now().Add(time.Hour), lc.EstimatedPauseEnd(), time.Minute)
	})

	t.Run("startup delay wins when longer", func(t *testing.T) {
		lc, _ := newRecorded(t, types.ApplicationSettings{StartupDelayDuration: 2 * time.Hour})
		power := NewPowerAdapter(lc)
		lc.Resume()

		power.Suspend()
		power.ResumeFromSuspend()
		assert.True(t, lc.IsPaused())
		assert.WithinDuration(t, time.Now().Add(2*time.Hour), lc.EstimatedPauseEnd(), time.Minute)
	})

	t.Run("indefinite pause is left alone", func(t *testing.T) {
		lc, _ := newRecorded(t, types.ApplicationSettings{})
		power := NewPowerAdapter(lc)

		lc.Pause()
		power.Suspend()
		power.ResumeFromSuspend()
		assert.True(t, lc.IsPaused())
		assert.True(t, lc.EstimatedPauseEnd().IsZero())
	})
}

// Package livecontrol holds the user-requested run state of the server and
// the resource overrides applied to running operations.
package livecontrol

import (
	"sync"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
	"github.com/pbs-plus/plus-scheduler/internal/utils"
)

type State int

const (
	Running State = iota
	Paused
)

func (s State) String() string {
	if s == Paused {
		return "Paused"
	}
	return "Running"
}

// Change identifies what an observer is being told about.
type Change int

const (
	StateChanged Change = iota
	ThreadPriorityChanged
	ThrottleSpeedChanged
)

func (c Change) String() string {
	switch c {
	case StateChanged:
		return "state"
	case ThreadPriorityChanged:
		return "thread-priority"
	case ThrottleSpeedChanged:
		return "throttle-speed"
	}
	return "unknown"
}

// Observer is called after a change has been applied. It runs without any
// LiveControl lock held and may call back into the LiveControl.
type Observer func(change Change)

type LiveControl struct {
	mu       sync.Mutex
	state    State
	deadline time.Time
	timer    *time.Timer
	// generation invalidates auto-resume callbacks armed before the last
	// timer change.
	generation uint64

	priority *types.Priority
	upload   *int64
	download *int64

	startupDelay time.Duration

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a LiveControl initialised from the application settings. A
// positive startup delay starts the control paused with an auto-resume.
// Unparsable overrides are logged and ignored.
func New(settings types.ApplicationSettings) *LiveControl {
	lc := &LiveControl{
		state:        Running,
		startupDelay: settings.StartupDelayDuration,
	}

	if settings.StartupDelayDuration > 0 {
		lc.state = Paused
		lc.armLocked(settings.StartupDelayDuration)
	}

	priority, err := types.ParsePriority(settings.ThreadPriorityOverride)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to parse thread priority override").
			WithField("value", settings.ThreadPriorityOverride).Write()
	}
	lc.priority = priority

	if settings.DownloadSpeedLimit != "" {
		if v, err := utils.ParseSize(settings.DownloadSpeedLimit, "kb"); err != nil {
			syslog.L.Error(err).WithMessage("failed to parse download limit").
				WithField("value", settings.DownloadSpeedLimit).Write()
		} else {
			lc.download = &v
		}
	}

	if settings.UploadSpeedLimit != "" {
		if v, err := utils.ParseSize(settings.UploadSpeedLimit, "kb"); err != nil {
			syslog.L.Error(err).WithMessage("failed to parse upload limit").
				WithField("value", settings.UploadSpeedLimit).Write()
		} else {
			lc.upload = &v
		}
	}

	return lc
}

func (lc *LiveControl) AddObserver(o Observer) {
	if o == nil {
		return
	}
	lc.obsMu.Lock()
	lc.observers = append(lc.observers, o)
	lc.obsMu.Unlock()
}

func (lc *LiveControl) notify(change Change) {
	lc.obsMu.RLock()
	observers := make([]Observer, len(lc.observers))
	copy(observers, lc.observers)
	lc.obsMu.RUnlock()

	for _, o := range observers {
		o(change)
	}
}

func (lc *LiveControl) clearTimerLocked() {
	lc.generation++
	if lc.timer != nil {
		lc.timer.Stop()
		lc.timer = nil
	}
	lc.deadline = time.Time{}
}

func (lc *LiveControl) armLocked(d time.Duration) {
	lc.clearTimerLocked()
	gen := lc.generation
	lc.deadline = time.Now().Add(d)
	lc.timer = time.AfterFunc(d, func() { lc.expire(gen) })
}

func (lc *LiveControl) expire(gen uint64) {
	lc.mu.Lock()
	if gen != lc.generation || lc.state != Paused {
		lc.mu.Unlock()
		return
	}
	lc.clearTimerLocked()
	lc.state = Running
	lc.mu.Unlock()

	syslog.L.Info().WithMessage("pause expired, resuming").Write()
	lc.notify(StateChanged)
}

// Pause pauses indefinitely. A timed pause loses its deadline. Pausing while
// already paused indefinitely does nothing.
func (lc *LiveControl) Pause() {
	lc.mu.Lock()
	changed := false
	switch {
	case lc.state == Running:
		lc.clearTimerLocked()
		lc.state = Paused
		changed = true
	case !lc.deadline.IsZero():
		lc.clearTimerLocked()
		changed = true
	}
	lc.mu.Unlock()

	if changed {
		lc.notify(StateChanged)
	}
}

// PauseFor pauses until d has elapsed, replacing any earlier deadline.
// Observers are always notified so displayed countdowns refresh.
func (lc *LiveControl) PauseFor(d time.Duration) {
	lc.mu.Lock()
	lc.armLocked(d)
	lc.state = Paused
	lc.mu.Unlock()

	lc.notify(StateChanged)
}

func (lc *LiveControl) Resume() {
	lc.mu.Lock()
	if lc.state != Paused {
		lc.mu.Unlock()
		return
	}
	lc.clearTimerLocked()
	lc.state = Running
	lc.mu.Unlock()

	lc.notify(StateChanged)
}

func (lc *LiveControl) State() State {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

func (lc *LiveControl) IsPaused() bool {
	return lc.State() == Paused
}

// EstimatedPauseEnd is the auto-resume deadline, or the zero time when no
// timed pause is active.
func (lc *LiveControl) EstimatedPauseEnd() time.Time {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.deadline
}

func (lc *LiveControl) StartupDelay() time.Duration {
	return lc.startupDelay
}

// SetThreadPriority sets or, with nil, clears the priority override.
func (lc *LiveControl) SetThreadPriority(p *types.Priority) {
	lc.mu.Lock()
	if equalPtr(lc.priority, p) {
		lc.mu.Unlock()
		return
	}
	lc.priority = clonePtr(p)
	lc.mu.Unlock()

	lc.notify(ThreadPriorityChanged)
}

func (lc *LiveControl) ThreadPriority() *types.Priority {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return clonePtr(lc.priority)
}

// SetUploadLimit sets or, with nil, clears the upload limit in bytes/s.
func (lc *LiveControl) SetUploadLimit(v *int64) {
	lc.mu.Lock()
	if equalPtr(lc.upload, v) {
		lc.mu.Unlock()
		return
	}
	lc.upload = clonePtr(v)
	lc.mu.Unlock()

	lc.notify(ThrottleSpeedChanged)
}

func (lc *LiveControl) UploadLimit() *int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return clonePtr(lc.upload)
}

// SetDownloadLimit sets or, with nil, clears the download limit in bytes/s.
func (lc *LiveControl) SetDownloadLimit(v *int64) {
	lc.mu.Lock()
	if equalPtr(lc.download, v) {
		lc.mu.Unlock()
		return
	}
	lc.download = clonePtr(v)
	lc.mu.Unlock()

	lc.notify(ThrottleSpeedChanged)
}

func (lc *LiveControl) DownloadLimit() *int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return clonePtr(lc.download)
}

// Close stops a pending auto-resume without changing the state.
func (lc *LiveControl) Close() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.generation++
	if lc.timer != nil {
		lc.timer.Stop()
		lc.timer = nil
	}
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

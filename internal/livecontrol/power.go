package livecontrol

import (
	"sync"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

// PowerAdapter translates host suspend/resume events into LiveControl calls.
// It only uses the public LiveControl methods.
type PowerAdapter struct {
	lc *LiveControl

	mu               sync.Mutex
	pausedForSuspend bool
	minimumPause     time.Time
}

func NewPowerAdapter(lc *LiveControl) *PowerAdapter {
	return &PowerAdapter{lc: lc}
}

// Suspend pauses the control before the host sleeps, remembering the
// deadline of a timed pause so it can be restored on wake.
func (p *PowerAdapter) Suspend() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lc.IsPaused() {
		p.lc.Pause()
		p.pausedForSuspend = true
		p.minimumPause = time.Time{}
		return
	}

	if deadline := p.lc.EstimatedPauseEnd(); !deadline.IsZero() {
		p.pausedForSuspend = true
		p.minimumPause = deadline
		p.lc.Pause()
	}
}

// ResumeFromSuspend undoes Suspend. The remaining part of an earlier timed
// pause is kept, or the startup delay when that is longer.
func (p *PowerAdapter) ResumeFromSuspend() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pausedForSuspend {
		var delay time.Duration
		if !p.minimumPause.IsZero() {
			delay = time.Until(p.minimumPause)
		}
		if startup := p.lc.StartupDelay(); startup > delay {
			delay = startup
		}

		if delay > 0 {
			syslog.L.Info().WithMessage("resumed from suspend, keeping pause").
				WithField("delay", delay.String()).Write()
			p.lc.PauseFor(delay)
		} else {
			p.lc.Resume()
		}
	}

	p.pausedForSuspend = false
	p.minimumPause = time.Time{}
}

package eventbus

import (
	"time"

	"golang.org/x/time/rate"
)

// ProgressState is a snapshot of the running operation.
type ProgressState struct {
	TaskID          int64     `json:"task-id"`
	BackupID        string    `json:"backup-id"`
	Operation       string    `json:"operation"`
	Phase           string    `json:"phase"`
	OverallProgress float64   `json:"overall-progress"`
	CurrentFile     string    `json:"current-file,omitempty"`
	ProcessedFiles  int64     `json:"processed-files"`
	TotalFiles      int64     `json:"total-files"`
	ProcessedSize   int64     `json:"processed-size"`
	TotalSize       int64     `json:"total-size"`
	Speed           int64     `json:"speed"`
	Updated         time.Time `json:"updated"`
}

type ProgressFunc func() ProgressState

// ProgressPublisher forwards progress snapshots to progress subscribers at
// a bounded rate.
type ProgressPublisher struct {
	notify  *EventPollNotify
	limiter *rate.Limiter
}

// NewProgressPublisher allows one snapshot per interval. A non-positive
// interval means one per second.
func NewProgressPublisher(notify *EventPollNotify, interval time.Duration) *ProgressPublisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressPublisher{
		notify:  notify,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Publish drops state when the previous snapshot went out too recently.
func (p *ProgressPublisher) Publish(state ProgressState) bool {
	if !p.limiter.Allow() {
		return false
	}
	p.notify.publishProgress(state)
	return true
}

// Flush always forwards state. Used for the final snapshot of an operation.
func (p *ProgressPublisher) Flush(state ProgressState) {
	p.notify.publishProgress(state)
}

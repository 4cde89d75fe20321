package eventbus

import (
	"sync"
	"time"
)

const DefaultQueueSize = 100

type EventType string

const (
	EventWorkStarting    EventType = "work-starting"
	EventWorkCompleted   EventType = "work-completed"
	EventQueueChanged    EventType = "queue-changed"
	EventWorkerState     EventType = "worker-state"
	EventScheduleChanged EventType = "schedule-changed"
	EventLiveControl     EventType = "live-control"
	EventNotification    EventType = "notification"
)

type Event struct {
	ID       int64     `json:"id"`
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	Message  string    `json:"message,omitempty"`
	BackupID string    `json:"backup-id,omitempty"`
	TaskID   int64     `json:"task-id,omitempty"`
}

// EventQueue keeps the most recent events. Once full, adding an event
// evicts the oldest one.
type EventQueue struct {
	mu    sync.Mutex
	buf   []Event
	start int
	count int
}

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &EventQueue{buf: make([]Event, capacity)}
}

func (q *EventQueue) Add(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count < len(q.buf) {
		q.buf[(q.start+q.count)%len(q.buf)] = e
		q.count++
		return
	}

	q.buf[q.start] = e
	q.start = (q.start + 1) % len(q.buf)
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Since returns the retained events with an id greater than id, oldest first.
func (q *EventQueue) Since(id int64) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Event
	for i := 0; i < q.count; i++ {
		e := q.buf[(q.start+i)%len(q.buf)]
		if e.ID > id {
			out = append(out, e)
		}
	}
	return out
}

// Latest returns up to n of the newest events, oldest first.
func (q *EventQueue) Latest(n int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.count {
		n = q.count
	}
	if n <= 0 {
		return nil
	}

	out := make([]Event, 0, n)
	for i := q.count - n; i < q.count; i++ {
		out = append(out, q.buf[(q.start+i)%len(q.buf)])
	}
	return out
}

// Package eventbus publishes server state changes to pollers and in-process
// subscribers.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// EventPollNotify is a monotonic change counter with long-poll waiting.
type EventPollNotify struct {
	mu      sync.Mutex
	id      int64
	changed chan struct{}
	queue   *EventQueue

	subMu    sync.RWMutex
	nextSub  uint64
	subs     map[uint64]func(int64)
	progSubs map[uint64]func(ProgressState)

	progMu   sync.RWMutex
	progress ProgressFunc
}

// NewEventPollNotify creates a notifier. Events passed to SignalEvent are
// recorded in queue when it is not nil.
func NewEventPollNotify(queue *EventQueue) *EventPollNotify {
	return &EventPollNotify{
		changed:  make(chan struct{}),
		queue:    queue,
		subs:     make(map[uint64]func(int64)),
		progSubs: make(map[uint64]func(ProgressState)),
	}
}

// SignalNewEvent bumps the counter, wakes every waiter and calls the
// subscribers. It returns the new event id.
func (n *EventPollNotify) SignalNewEvent() int64 {
	return n.signal(nil)
}

// SignalEvent is SignalNewEvent that also records e, stamped with the new id.
func (n *EventPollNotify) SignalEvent(e Event) int64 {
	return n.signal(&e)
}

func (n *EventPollNotify) signal(e *Event) int64 {
	n.mu.Lock()
	n.id++
	id := n.id
	if e != nil && n.queue != nil {
		e.ID = id
		if e.Time.IsZero() {
			e.Time = time.Now().UTC()
		}
		n.queue.Add(*e)
	}
	close(n.changed)
	n.changed = make(chan struct{})
	n.mu.Unlock()

	n.subMu.RLock()
	subs := make([]func(int64), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.subMu.RUnlock()

	for _, fn := range subs {
		fn(id)
	}

	return id
}

func (n *EventPollNotify) EventID() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// Wait returns immediately when lastID differs from the current id.
// Otherwise it blocks until the next signal, the timeout or ctx is done, and
// returns the id current at that point.
func (n *EventPollNotify) Wait(ctx context.Context, lastID int64, timeout time.Duration) int64 {
	n.mu.Lock()
	if n.id != lastID {
		id := n.id
		n.mu.Unlock()
		return id
	}
	changed := n.changed
	n.mu.Unlock()

	if timeout <= 0 {
		return lastID
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-changed:
	case <-timer.C:
	case <-ctx.Done():
	}

	return n.EventID()
}

// Subscribe registers fn for every new event id. The returned function
// removes the subscription.
func (n *EventPollNotify) Subscribe(fn func(id int64)) (unsubscribe func()) {
	n.subMu.Lock()
	key := n.nextSub
	n.nextSub++
	n.subs[key] = fn
	n.subMu.Unlock()

	return func() {
		n.subMu.Lock()
		delete(n.subs, key)
		n.subMu.Unlock()
	}
}

// SubscribeProgress registers fn for published progress snapshots.
func (n *EventPollNotify) SubscribeProgress(fn func(ProgressState)) (unsubscribe func()) {
	n.subMu.Lock()
	key := n.nextSub
	n.nextSub++
	n.progSubs[key] = fn
	n.subMu.Unlock()

	return func() {
		n.subMu.Lock()
		delete(n.progSubs, key)
		n.subMu.Unlock()
	}
}

// SignalProgressUpdate installs the provider read by Progress. Passing nil
// clears it.
func (n *EventPollNotify) SignalProgressUpdate(fn ProgressFunc) {
	n.progMu.Lock()
	n.progress = fn
	n.progMu.Unlock()
}

// Progress returns the current snapshot of the running operation.
func (n *EventPollNotify) Progress() (ProgressState, bool) {
	n.progMu.RLock()
	fn := n.progress
	n.progMu.RUnlock()

	if fn == nil {
		return ProgressState{}, false
	}
	return fn(), true
}

func (n *EventPollNotify) publishProgress(state ProgressState) {
	n.subMu.RLock()
	subs := make([]func(ProgressState), 0, len(n.progSubs))
	for _, fn := range n.progSubs {
		subs = append(subs, fn)
	}
	n.subMu.RUnlock()

	for _, fn := range subs {
		fn(state)
	}
}

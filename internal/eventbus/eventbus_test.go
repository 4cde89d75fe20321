package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsImmediatelyOnMissedEvent(t *testing.T) {
	n := NewEventPollNotify(nil)

	last := n.EventID()
	n.SignalNewEvent()

	start := time.Now()
	id := n.Wait(t.Context(), last, 10*time.Second)
	assert.Equal(t, last+1, id)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitBlocksUntilSignal(t *testing.T) {
	n := NewEventPollNotify(nil)

	done := make(chan int64, 1)
	go func() {
		done <- n.Wait(context.Background(), 0, 10*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	n.SignalNewEvent()

	select {
	case id := <-done:
		assert.Equal(t, int64(1), id)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitTimeout(t *testing.T) {
	n := NewEventPollNotify(nil)

	start := time.Now()
	id := n.Wait(t.Context(), 0, 30*time.Millisecond)
	assert.Equal(t, int64(0), id)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitContextCancel(t *testing.T) {
	n := NewEventPollNotify(nil)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	n.Wait(ctx, 0, 10*time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConcurrentSignals(t *testing.T) {
	n := NewEventPollNotify(nil)

	var seen atomic.Int64
	unsubscribe := n.Subscribe(func(int64) { seen.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.SignalNewEvent()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), n.EventID())
	assert.Equal(t, int64(50), seen.Load())

	unsubscribe()
	n.SignalNewEvent()
	assert.Equal(t, int64(50), seen.Load())
}

func TestSignalEventRecordsInQueue(t *testing.T) {
	q := NewEventQueue(10)
	n := NewEventPollNotify(q)

	n.SignalNewEvent()
	id := n.SignalEvent(Event{Type: EventQueueChanged, TaskID: 7})

	require.Equal(t, 1, q.Len())
	events := q.Since(0)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, EventQueueChanged, events[0].Type)
	assert.False(t, events[0].Time.IsZero())
}

func TestEventQueueEviction(t *testing.T) {
	q := NewEventQueue(3)

	for i := int64(1); i <= 5; i++ {
		q.Add(Event{ID: i})
	}

	assert.Equal(t, 3, q.Len())

	ids := func(events []Event) []int64 {
		var out []int64
		for _, e := range events {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []int64{3, 4, 5}, ids(q.Since(0)))
	assert.Equal(t, []int64{5}, ids(q.Since(4)))
	assert.Empty(t, q.Since(5))
	assert.Equal(t, []int64{4, 5}, ids(q.Latest(2)))
	assert.Equal(t, []int64{3, 4, 5}, ids(q.Latest(10)))
	assert.Nil(t, q.Latest(0))
}

func TestProgressProvider(t *testing.T) {
	n := NewEventPollNotify(nil)

	_, ok := n.Progress()
	assert.False(t, ok)

	n.SignalProgressUpdate(func() ProgressState {
		return ProgressState{TaskID: 3, OverallProgress: 0.5}
	})
	state, ok := n.Progress()
	require.True(t, ok)
	assert.Equal(t, 0.5, state.OverallProgress)

	n.SignalProgressUpdate(nil)
	_, ok = n.Progress()
	assert.False(t, ok)
}

func TestProgressPublisherRateLimit(t *testing.T) {
	n := NewEventPollNotify(nil)

	var got []float64
	var mu sync.Mutex
	n.SubscribeProgress(func(s ProgressState) {
		mu.Lock()
		got = append(got, s.OverallProgress)
		mu.Unlock()
	})

	p := NewProgressPublisher(n, time.Hour)
	assert.True(t, p.Publish(ProgressState{OverallProgress: 0.1}))
	assert.False(t, p.Publish(ProgressState{OverallProgress: 0.2}))
	p.Flush(ProgressState{OverallProgress: 1})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{0.1, 1}, got)
}

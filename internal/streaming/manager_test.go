package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwise/coworker/internal/conversation"
)

func newManager(capacity int) *Manager {
	return &Manager{
		subscribers: make(map[string]map[chan Event]*subscriber),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	m := newManager(8)
	ch := m.Subscribe("task-1", 4)
	defer m.Unsubscribe("task-1", ch)

	turn, err := conversation.NewUserTurn("hello")
	require.NoError(t, err)
	m.PublishTurn("task-1", turn)

	select {
	case evt := <-ch:
		assert.Equal(t, "task-1", evt.TaskID)
		assert.Equal(t, EventTurn, evt.Type)
		require.NotNil(t, evt.Turn)
		assert.Equal(t, turn.ID, evt.Turn.ID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishIsolatesTasks(t *testing.T) {
	m := newManager(8)
	ch := m.Subscribe("task-1", 4)
	defer m.Unsubscribe("task-1", ch)

	m.Publish("task-2", Event{Type: EventReset})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected cross-task event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	m := newManager(8)
	ch := m.Subscribe("task-1", 1)
	defer m.Unsubscribe("task-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish("task-1", Event{Type: EventTurn})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	// ring holds seq 2,3,4
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[1].Seq)
}

func TestManagerReplaySince(t *testing.T) {
	m := newManager(5)
	for i := 0; i < 5; i++ {
		m.Publish("task-1", Event{Type: EventTurn})
	}
	evs := m.ReplaySince("task-1", 2)
	require.Len(t, evs, 2)
	for _, e := range evs {
		assert.Greater(t, e.Seq, uint64(2))
	}

	assert.Nil(t, m.ReplaySince("unknown-task", 0))
}

// Exercises Publish concurrently with Subscribe/Unsubscribe on the same
// task. Run under the race detector this catches fanout touching the
// subscriber map, or a channel, after the lock is released.
func TestPublishConcurrentWithSubscriberChurn(t *testing.T) {
	m := newManager(16)

	// Pinned subscriber keeps the task's entry alive across churn.
	pinned := m.Subscribe("task-1", 1)
	defer m.Unsubscribe("task-1", pinned)
	go func() {
		for range pinned {
		}
	}()

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ch := m.Subscribe("task-1", 1)
			m.Unsubscribe("task-1", ch)
		}
	}()

	for i := 0; i < 500; i++ {
		m.Publish("task-1", Event{Type: EventTurn})
	}
	close(stop)
	wg.Wait()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := newManager(4)
	ch := m.Subscribe("task-1", 1)
	m.Unsubscribe("task-1", ch)

	_, open := <-ch
	assert.False(t, open)
}

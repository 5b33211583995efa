package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spider-admin/internal/spiderd/db"
	"spider-admin/internal/spiderd/events"
)

func updateEvent(executionID uint, status string) events.LogEvent {
	return events.LogEvent{
		Type: events.TypeUpdate,
		Data: events.Snapshot(&db.ExecutionLog{SpiderID: 1, Status: status}),
	}
}

func TestPublishWithoutSubscribersIsNoOp(t *testing.T) {
	h := New(zerolog.Nop())
	// Must not panic or block.
	h.Publish(42, updateEvent(42, db.StatusRunning))
	assert.Zero(t, h.SubscriberCount(42))
}

func TestTwoSubscribersReceiveSameSequence(t *testing.T) {
	h := New(zerolog.Nop())

	ch1, cancel1 := h.Subscribe(7)
	ch2, cancel2 := h.Subscribe(7)
	defer cancel1()
	defer cancel2()
	assert.Equal(t, 2, h.SubscriberCount(7))

	h.Publish(7, updateEvent(7, db.StatusRunning))
	h.Publish(7, updateEvent(7, db.StatusSuccess))

	for _, ch := range []<-chan events.LogEvent{ch1, ch2} {
		ev1 := <-ch
		ev2 := <-ch
		require.NotNil(t, ev1.Data)
		require.NotNil(t, ev2.Data)
		assert.Equal(t, db.StatusRunning, ev1.Data.Status)
		assert.Equal(t, db.StatusSuccess, ev2.Data.Status)
	}
}

func TestEventsNotRoutedAcrossExecutions(t *testing.T) {
	h := New(zerolog.Nop())

	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(2, updateEvent(2, db.StatusRunning))

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for other execution: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	h := New(zerolog.Nop())

	ch, cancel := h.Subscribe(9)
	cancel()
	// Cancel is idempotent.
	cancel()
	assert.Zero(t, h.SubscriberCount(9))

	// Channel is closed after cancel.
	_, ok := <-ch
	assert.False(t, ok)
}

func TestCloseExecutionFlushesFinalUpdate(t *testing.T) {
	h := New(zerolog.Nop())

	ch, cancel := h.Subscribe(3)
	defer cancel()

	h.Publish(3, updateEvent(3, db.StatusFailed))
	h.CloseExecution(3)

	ev, ok := <-ch
	require.True(t, ok, "final update must be delivered before close")
	assert.Equal(t, db.StatusFailed, ev.Data.Status)

	_, ok = <-ch
	assert.False(t, ok, "channel must be closed after the final update")
	assert.Zero(t, h.SubscriberCount(3))
}

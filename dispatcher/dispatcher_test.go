package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDispatcherStartsIdle(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	require.True(t, d.isIdle())
}

func TestDisabledDispatcherStartsDetached(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", false)
	require.Equal(t, d, d.parent)
	require.False(t, d.isEnabled())
}

func TestQueueEventMovesToReadyWhenDue(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	NewEvent(d, "fire", 0, 0, func(interface{}, *Event) {}, nil, 0)
	require.True(t, d.isReady())
}

func TestQueueEventMovesToWaitWhenFuture(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	NewEvent(d, "later", time.Hour, 0, func(interface{}, *Event) {}, nil, 0)
	require.True(t, d.isWaiting())
}

func TestEventsOrderedByDueTime(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	late := NewEvent(d, "late", 2*time.Hour, 0, func(interface{}, *Event) {}, nil, 0)
	early := NewEvent(d, "early", time.Hour, 0, func(interface{}, *Event) {}, nil, 0)
	require.Equal(t, early, d.eventQ.next)
	require.Equal(t, late, d.eventQ.next.next)
}

func TestRemoveEventUnlinksIt(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	ev := NewEvent(d, "cancelme", time.Hour, 0, func(interface{}, *Event) {}, nil, 0)
	d.RemoveEvent(ev)
	require.True(t, d.isEmptyQ())
}

func TestDisableDetachesAndDropsEvents(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	NewEvent(d, "one", 0, 0, func(interface{}, *Event) {}, nil, 0)
	d.Disable()
	require.False(t, d.isEnabled())
	require.Equal(t, d, d.parent)
	require.True(t, d.isEmptyQ())
}

func TestEnableReadyDispatcherAfterDisable(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	d.Disable()
	NewEvent(d, "queued-while-disabled", 0, 0, func(interface{}, *Event) {}, nil, 0)
	require.Equal(t, d, d.parent, "a disabled dispatcher stays detached even with events queued on it")

	d.Enable()
	require.True(t, d.isEnabled())
	require.True(t, d.isReady(), "enabling with a past-due event queued should move it to readyQ")
}

func TestContinuousEventSelfReports(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	ev := NewEvent(d, "tick", 0, time.Millisecond, func(interface{}, *Event) {}, nil, FlagContinuous)
	require.True(t, ev.IsContinuous())
	ev.SetContinuous(false)
	require.False(t, ev.IsContinuous())
}

func TestDestroyIsIdempotent(t *testing.T) {
	es := NewEventService()
	d := NewDispatcher(es, "test", true)
	d.Destroy()
	require.True(t, d.isDestroyed())
	d.Destroy() // must not panic or double-free state
	require.True(t, d.isDestroyed())
}

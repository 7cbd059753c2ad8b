package dispatcher

import (
	"sync/atomic"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

func TestService(t *testing.T) { check.TestingT(t) }

// fakeWorkerPool lets tests control Submit's accept/refuse behavior
// without pulling in worker.Pool's real scheduling.
type fakeWorkerPool struct {
	submit func(func()) bool
}

func (f fakeWorkerPool) Submit(fn func()) bool { return f.submit(fn) }

type ServiceSuite struct{}

var _ = check.Suite(&ServiceSuite{})

// TestServiceEventsRunsDueEvent checks that a single ServiceEvents pass
// services a past-due event on an enabled dispatcher (spec.md §4.2
// "mprServiceEvents").
func (s *ServiceSuite) TestServiceEventsRunsDueEvent(c *check.C) {
	es := NewEventService()
	d := NewDispatcher(es, "d1", true)
	var ran int32
	NewEvent(d, "go", 0, 0, func(interface{}, *Event) {
		atomic.StoreInt32(&ran, 1)
	}, nil, 0)

	n := es.ServiceEvents(200*time.Millisecond, true)
	c.Assert(n, check.Not(check.Equals), 0)
	c.Assert(atomic.LoadInt32(&ran), check.Equals, int32(1))
}

// TestServiceEventsReentrantCallIsRejected mirrors mprServiceEvents'
// reentrancy guard: a second concurrent call must return immediately
// rather than double-service the same dispatchers.
func (s *ServiceSuite) TestServiceEventsReentrantCallIsRejected(c *check.C) {
	es := NewEventService()
	d := NewDispatcher(es, "d1", true)
	started := make(chan struct{})
	release := make(chan struct{})
	NewEvent(d, "block", 0, 0, func(interface{}, *Event) {
		close(started)
		<-release
	}, nil, 0)

	go es.ServiceEvents(time.Second, true)
	<-started
	n := es.ServiceEvents(50*time.Millisecond, true)
	c.Assert(n, check.Equals, 0)
	close(release)
}

// TestContinuousEventReschedules checks that FlagContinuous events fire
// more than once across repeated passes (spec.md §4.2 "dispatchEvents").
func (s *ServiceSuite) TestContinuousEventReschedules(c *check.C) {
	es := NewEventService()
	d := NewDispatcher(es, "d1", true)
	var count int32
	NewEvent(d, "tick", 0, time.Millisecond, func(interface{}, *Event) {
		atomic.AddInt32(&count, 1)
	}, nil, FlagContinuous)

	es.ServiceEvents(30*time.Millisecond, false)
	c.Assert(atomic.LoadInt32(&count) > 1, check.Equals, true)
}

// TestDelayedEventFiresOnceDue checks that an event scheduled with a
// future due time, which parks its dispatcher on waitQ, actually fires
// once ServiceEvents runs long enough to pass that due time — exercising
// getNextReadyDispatcher's waitQ promotion (spec.md §4.2 "getNextReady").
func (s *ServiceSuite) TestDelayedEventFiresOnceDue(c *check.C) {
	es := NewEventService()
	d := NewDispatcher(es, "d1", true)
	var ran int32
	NewEvent(d, "later", 10*time.Millisecond, 0, func(interface{}, *Event) {
		atomic.AddInt32(&ran, 1)
	}, nil, 0)
	c.Assert(d.isWaiting(), check.Equals, true)

	es.ServiceEvents(200*time.Millisecond, false)
	c.Assert(atomic.LoadInt32(&ran), check.Equals, int32(1))
}

// TestPendingDispatcherRetriesWhenWorkerBusy checks that a dispatcher
// parked on pendingQ after a failed Submit is retried and eventually
// dispatched, once the worker stops refusing (spec.md §4.2
// "getNextReadyDispatcher ... pending->run promotion").
func (s *ServiceSuite) TestPendingDispatcherRetriesWhenWorkerBusy(c *check.C) {
	es := NewEventService()
	d := NewDispatcher(es, "d1", true)
	var ran int32
	NewEvent(d, "go", 0, 0, func(interface{}, *Event) {
		atomic.AddInt32(&ran, 1)
	}, nil, 0)

	var refused int32
	es.SetWorkerPool(fakeWorkerPool{submit: func(fn func()) bool {
		if atomic.AddInt32(&refused, 1) == 1 {
			return false
		}
		fn()
		return true
	}})

	es.ServiceEvents(200*time.Millisecond, false)
	c.Assert(atomic.LoadInt32(&ran), check.Equals, int32(1))
	c.Assert(atomic.LoadInt32(&refused) >= 2, check.Equals, true)
}

// TestWaitForEventServicesOwnDispatcher checks that WaitForEvent runs a
// queued event on the calling goroutine and reports success
// (spec.md §4.2 "mprWaitForEvent").
func (s *ServiceSuite) TestWaitForEventServicesOwnDispatcher(c *check.C) {
	es := NewEventService()
	d := NewDispatcher(es, "d1", true)
	var ran int32
	NewEvent(d, "go", 0, 0, func(interface{}, *Event) {
		atomic.StoreInt32(&ran, 1)
	}, nil, 0)

	ok := es.WaitForEvent(d, 200*time.Millisecond)
	c.Assert(ok, check.Equals, true)
	c.Assert(atomic.LoadInt32(&ran), check.Equals, int32(1))
}

// TestWaitForEventTimesOutWithNoEvents checks the timeout path returns
// false when nothing ever becomes due.
func (s *ServiceSuite) TestWaitForEventTimesOutWithNoEvents(c *check.C) {
	es := NewEventService()
	d := NewDispatcher(es, "d1", true)
	ok := es.WaitForEvent(d, 30*time.Millisecond)
	c.Assert(ok, check.Equals, false)
}

// TestRelayEventRunsSynchronouslyOnCaller checks that RelayEvent invokes
// proc inline, on the calling goroutine, without going through the queue
// (spec.md §4.2 "mprRelayEvent").
func (s *ServiceSuite) TestRelayEventRunsSynchronouslyOnCaller(c *check.C) {
	es := NewEventService()
	d := NewDispatcher(es, "d1", true)
	var ran int32
	RelayEvent(d, func(data interface{}, ev *Event) {
		atomic.StoreInt32(&ran, 1)
	}, nil, nil)
	c.Assert(atomic.LoadInt32(&ran), check.Equals, int32(1))
	c.Assert(d.owner, check.Equals, uint64(0))
}

// TestWakeDispatchersSignalsRunQueue checks that WakeDispatchers broadcasts
// to every dispatcher currently parked on runQ without panicking when
// runQ is empty.
func (s *ServiceSuite) TestWakeDispatchersSignalsRunQueue(c *check.C) {
	es := NewEventService()
	es.WakeDispatchers()
	d := NewDispatcher(es, "d1", true)
	es.mu.Lock()
	es.queueDispatcher(es.runQ, d)
	es.mu.Unlock()
	es.WakeDispatchers()
}

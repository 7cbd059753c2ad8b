package dispatcher

import (
	"sync"

	"github.com/google/uuid"
)

// DispatcherFlag mirrors the original dispatcher flag bits (spec.md §4.2
// "Dispatcher").
type DispatcherFlag int

const (
	FlagEnabled DispatcherFlag = 1 << iota
	FlagDestroyed
	FlagWaiting
)

// Dispatcher is one event dispatch queue. At any moment a Dispatcher sits
// on exactly one of its EventService's five queues (idle/wait/ready/run/
// pending); parent identifies which, so membership checks are a single
// pointer comparison rather than a queue walk (spec.md §4.2, §5).
type Dispatcher struct {
	id   string
	name string

	service *EventService
	cond    *sync.Cond

	eventQ   *Event // pending, not-yet-due and due events
	currentQ *Event // events currently being dispatched, for safe requeue

	flags DispatcherFlag
	owner uint64 // goroutine/mutator id owning this dispatcher, 0 if none

	parent *Dispatcher // the queue head this dispatcher currently sits on
	next   *Dispatcher
	prev   *Dispatcher
}

// newDispatcherQueue builds a sentinel head for one of the five
// EventService queues; it is itself a degenerate Dispatcher whose parent
// points to itself.
func newDispatcherQueue(name string) *Dispatcher {
	q := &Dispatcher{name: name}
	q.next = q
	q.prev = q
	q.parent = q
	return q
}

// NewDispatcher creates a dispatcher attached to es. If enabled is false it
// starts detached from every queue (parent == itself) until Enable is
// called (spec.md §4.2 "Create a disabled dispatcher").
func NewDispatcher(es *EventService, name string, enabled bool) *Dispatcher {
	d := &Dispatcher{
		id:       uuid.NewString(),
		name:     name,
		service:  es,
		eventQ:   newEventQueue(),
		currentQ: newEventQueue(),
		flags:    0,
	}
	d.cond = sync.NewCond(&es.mu)
	d.next = d
	d.prev = d
	d.parent = d
	if enabled {
		d.flags |= FlagEnabled
		es.mu.Lock()
		es.queueDispatcher(es.idleQ, d)
		es.mu.Unlock()
	}
	return d
}

// Name returns the dispatcher's descriptive name.
func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) isRunning() bool  { return d.parent == d.service.runQ }
func (d *Dispatcher) isReady() bool    { return d.parent == d.service.readyQ }
func (d *Dispatcher) isWaiting() bool  { return d.parent == d.service.waitQ }
func (d *Dispatcher) isPending() bool  { return d.parent == d.service.pendingQ }
func (d *Dispatcher) isIdle() bool     { return d.parent == d.service.idleQ }
func (d *Dispatcher) isEnabled() bool  { return d.flags&FlagEnabled != 0 }
func (d *Dispatcher) isEmptyQ() bool   { return d.eventQ.isEmpty() }
func (d *Dispatcher) isDestroyed() bool { return d.flags&FlagDestroyed != 0 }

// Schedule places the dispatcher on idleQ/waitQ/readyQ depending on
// whether its event queue is empty, has a future-due head event, or has a
// past-due head event (spec.md §4.2 "Schedule" — direct port of
// mprScheduleDispatcher). Already-running dispatchers are left alone.
func (d *Dispatcher) Schedule() {
	es := d.service
	es.mu.Lock()
	defer es.mu.Unlock()
	d.scheduleLocked()
}

func (d *Dispatcher) scheduleLocked() {
	es := d.service
	if d.isRunning() || !d.isEnabled() {
		if d.flags&FlagWaiting != 0 {
			d.cond.Broadcast()
		}
		return
	}
	if d.isEmptyQ() {
		es.queueDispatcher(es.idleQ, d)
		return
	}
	head := d.eventQ.next
	if head.due.After(es.nowLocked()) {
		es.queueDispatcher(es.waitQ, d)
	} else {
		es.queueDispatcher(es.readyQ, d)
	}
	if d.flags&FlagWaiting != 0 {
		d.cond.Broadcast()
	}
	es.cond.Broadcast()
}

// Enable marks the dispatcher eligible for servicing and, if it already
// has due work, moves it onto readyQ (spec.md §4.2 "Enable").
func (d *Dispatcher) Enable() {
	es := d.service
	es.mu.Lock()
	defer es.mu.Unlock()
	if d.flags&FlagEnabled != 0 {
		return
	}
	d.flags |= FlagEnabled
	d.scheduleLocked()
}

// Disable removes every queued event not owned elsewhere and detaches the
// dispatcher from all five queues (spec.md §4.2 "Disable").
func (d *Dispatcher) Disable() {
	es := d.service
	es.mu.Lock()
	defer es.mu.Unlock()
	for ev := d.eventQ.next; ev != d.eventQ; {
		next := ev.next
		unlink(ev)
		ev = next
	}
	es.dequeueDispatcher(d)
	d.flags &^= FlagEnabled
}

// Destroy permanently removes the dispatcher from service. Its queued
// events are dropped (spec.md §4.2 "Destroy").
func (d *Dispatcher) Destroy() {
	es := d.service
	es.mu.Lock()
	defer es.mu.Unlock()
	if d.flags&FlagDestroyed != 0 {
		return
	}
	for ev := d.eventQ.next; ev != d.eventQ; {
		next := ev.next
		unlink(ev)
		ev = next
	}
	es.dequeueDispatcher(d)
	d.flags = FlagDestroyed
	d.owner = 0
}

// queueEvent inserts ev in due-time order on the dispatcher's eventQ and
// reschedules the dispatcher (spec.md §4.2 "Queue").
func (d *Dispatcher) queueEvent(ev *Event) {
	es := d.service
	es.mu.Lock()
	at := d.eventQ
	for p := d.eventQ.next; p != d.eventQ; p = p.next {
		if ev.due.Before(p.due) {
			at = p
			break
		}
	}
	insertBefore(at, ev)
	es.mu.Unlock()
	d.Schedule()
}

// RemoveEvent cancels ev. If it is currently running, its continuous flag
// is cleared instead of unlinking it out from under its dispatcher
// (spec.md §4.2 "Remove").
func (d *Dispatcher) RemoveEvent(ev *Event) {
	es := d.service
	es.mu.Lock()
	defer es.mu.Unlock()
	if ev.IsRunning() {
		ev.SetContinuous(false)
		return
	}
	unlink(ev)
}

// makeRunnable transitions d onto runQ (spec.md §4.2 "a dispatcher is
// runnable while it owns a worker servicing its events").
func (d *Dispatcher) makeRunnable() {
	es := d.service
	if !d.isRunning() {
		es.queueDispatcher(es.runQ, d)
	}
}

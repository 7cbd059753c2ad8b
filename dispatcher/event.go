// Package dispatcher implements the thread-safe event dispatch service:
// events are queued onto dispatchers, dispatchers are queued onto one of
// five event-service queues (idle/wait/ready/run/pending), and a single
// event-service loop moves dispatchers between those queues as their
// events become due (spec.md §4.2).
package dispatcher

import (
	"time"

	"github.com/google/uuid"
)

// EventFlag mirrors the original event flag bits (spec.md §4.2 "Event").
type EventFlag int

const (
	// FlagContinuous reschedules the event at its period after each run
	// instead of removing it once fired.
	FlagContinuous EventFlag = 1 << iota
	// FlagStaticData marks Data as not owned by the event (the caller is
	// responsible for its lifetime); it exists so callers porting C code
	// that passed stack or static buffers have a documented equivalent.
	FlagStaticData
	// FlagRunning is set for the duration of the event's callback.
	FlagRunning
)

// Proc is an event callback. data is the value passed to NewEvent;
// ev is the firing event itself, so a continuous handler can inspect or
// mutate its own period.
type Proc func(data interface{}, ev *Event)

// Event is one scheduled unit of work on a Dispatcher's queue. Event lists
// are intrusive circular doubly-linked lists with a sentinel head, exactly
// as spec.md §3 describes for both the dispatcher's eventQ and currentQ.
type Event struct {
	id   string
	name string

	dispatcher *Dispatcher
	proc       Proc
	data       interface{}

	period    time.Duration
	due       time.Time
	timestamp time.Time

	flags EventFlag

	next *Event
	prev *Event

	sentinel bool
}

// newEventQueue returns an empty sentinel-headed circular list.
func newEventQueue() *Event {
	q := &Event{sentinel: true}
	q.next = q
	q.prev = q
	return q
}

func (q *Event) isEmpty() bool { return q.next == q }

// insertBefore splices ev immediately before at in at's list.
func insertBefore(at, ev *Event) {
	ev.prev = at.prev
	ev.next = at
	at.prev.next = ev
	at.prev = ev
}

// unlink removes ev from whatever list it currently sits on. Safe to call
// on an already-unlinked event (next/prev point to itself).
func unlink(ev *Event) {
	ev.prev.next = ev.next
	ev.next.prev = ev.prev
	ev.next = ev
	ev.prev = ev
}

// NewEvent allocates an event bound to dispatcher, due after delay, running
// proc(data, event) when it fires. A zero period with FlagContinuous means
// "fire again as soon as possible" (spec.md §4.2 edge case).
func NewEvent(d *Dispatcher, name string, delay time.Duration, period time.Duration, proc Proc, data interface{}, flags EventFlag) *Event {
	now := time.Now()
	ev := &Event{
		id:         uuid.NewString(),
		name:       name,
		dispatcher: d,
		proc:       proc,
		data:       data,
		period:     period,
		timestamp:  now,
		due:        now.Add(delay),
		flags:      flags,
	}
	if d != nil {
		d.queueEvent(ev)
	}
	return ev
}

// ID returns the event's unique identifier.
func (e *Event) ID() string { return e.id }

// Name returns the event's descriptive name.
func (e *Event) Name() string { return e.name }

// IsRunning reports whether the event's callback is currently executing.
func (e *Event) IsRunning() bool { return e.flags&FlagRunning != 0 }

// IsContinuous reports whether the event reschedules itself after firing.
func (e *Event) IsContinuous() bool { return e.flags&FlagContinuous != 0 }

// SetContinuous toggles the continuous flag, e.g. from within the event's
// own callback to cancel further reschedules (spec.md §4.2 "Remove").
func (e *Event) SetContinuous(on bool) {
	if on {
		e.flags |= FlagContinuous
	} else {
		e.flags &^= FlagContinuous
	}
}

// Package worker implements the bounded min/max worker pool that runs
// dispatcher callbacks and other submitted work off the event-service
// loop's own goroutine (spec.md §4.3).
package worker

import (
	"time"
)

// State is a worker's lifecycle state (spec.md §4.3 "Worker").
type State int

const (
	StateIdle State = iota
	StateBusy
	StatePruned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StatePruned:
		return "pruned"
	default:
		return "unknown"
	}
}

// Proc is a unit of work a worker goroutine executes.
type Proc func(data interface{})

// worker is one pool goroutine. It loops, running submitted work and
// returning to idle, until pruned (spec.md §4.3 "workerMain").
type worker struct {
	id   int
	pool *Pool

	proc Proc
	data interface{}

	wake chan bool // true: new work assigned; false: pool wants this worker to exit

	state        State
	lastActivity time.Time
	yielded      bool
	running      bool
}

func newWorker(p *Pool, id int) *worker {
	return &worker{
		id:    id,
		pool:  p,
		wake:  make(chan bool, 1),
		state: StateBusy,
	}
}

// run is the worker's goroutine body: execute the initial assignment,
// then park waiting for the next one until the pool transitions it to
// pruned (spec.md §4.3 "workerMain").
func (w *worker) run() {
	for {
		proc, data := w.proc, w.data
		w.proc, w.data = nil, nil

		w.running = true
		w.pool.gc.Register(uint64(w.id))
		proc(data)
		w.pool.gc.Unregister(uint64(w.id))
		w.running = false

		w.pool.mu.Lock()
		w.lastActivity = time.Now()
		if w.state == StatePruned || w.pool.stopping {
			w.pool.numThreads--
			w.pool.mu.Unlock()
			return
		}
		w.pool.toIdleLocked(w)
		w.pool.mu.Unlock()

		if !<-w.wake {
			return
		}
	}
}

// activate wakes a parked idle worker with new work. Must be called with
// pool.mu held.
func (w *worker) activate(proc Proc, data interface{}) {
	w.proc = proc
	w.data = data
	w.state = StateBusy
	select {
	case w.wake <- true:
	default:
	}
}

// shutdown tells a parked idle worker to exit instead of waiting for more
// work. Must be called with pool.mu held.
func (w *worker) shutdown() {
	select {
	case w.wake <- false:
	default:
	}
}

// start launches the goroutine for a freshly-created worker already
// assigned work. Must be called with pool.mu held, before release.
func (w *worker) start(proc Proc, data interface{}) {
	w.proc = proc
	w.data = data
	w.state = StateBusy
	go w.run()
}

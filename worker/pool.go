package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"golang.org/x/sync/semaphore"

	"github.com/pmrhq/pmr/internal/rlog"
)

// ErrBusy is returned by Start (Submit reports the same case by returning
// false) when the pool has no idle worker,
// is already at maxThreads, or mprAvailableWorkers-equivalent capacity
// planning says not to grow (spec.md §4.3 "MPR_ERR_BUSY").
var ErrBusy = errors.New("worker: pool busy")

// gcRegistrar is the subset of mem.Collector a pool needs to enroll each
// worker goroutine as a GC mutator (spec.md §4.1 "Each mutator thread
// carries flags"). Kept as a narrow interface so this package does not
// import mem, avoiding a dependency cycle with pmr's wiring package.
type gcRegistrar interface {
	Register(id uint64)
	Unregister(id uint64)
}

type noopRegistrar struct{}

func (noopRegistrar) Register(uint64)   {}
func (noopRegistrar) Unregister(uint64) {}

const defaultPruneTimeout = 60 * time.Second
const maxConcurrentSpawns = 64

// Pool is the bounded min/max worker pool (spec.md §4.3 "WorkerService").
type Pool struct {
	mu sync.Mutex

	idle []*worker
	busy map[int]*worker

	numThreads    int
	maxUsedThreads int
	nextID        int

	minThreads int
	maxThreads int

	gc gcRegistrar

	// spawnSem bounds how many worker goroutines may be mid-creation at
	// once; it is sized independently of maxThreads (spawning is cheap and
	// rare next to steady-state worker count) so SetLimits never needs to
	// replace it out from under an in-flight spawnLocked/run.
	spawnSem *semaphore.Weighted

	stopping  bool
	pruneEvery time.Duration
	pruneDone chan struct{}

	numCores int
}

// NewPool builds a pool bounded to [min, max] worker goroutines. A nil gc
// is accepted and treated as a no-op registrar.
func NewPool(min, max int, gc gcRegistrar) *Pool {
	if gc == nil {
		gc = noopRegistrar{}
	}
	if max < 1 {
		max = 1
	}
	if min > max {
		min = max
	}
	p := &Pool{
		busy:       make(map[int]*worker),
		minThreads: min,
		maxThreads: max,
		gc:         gc,
		spawnSem:   semaphore.NewWeighted(maxConcurrentSpawns),
		pruneEvery: 30 * time.Second,
		pruneDone:  make(chan struct{}),
		numCores:   detectNumCores(),
	}
	p.mu.Lock()
	for p.numThreads < p.minThreads {
		p.spawnLocked(noop, nil)
	}
	p.mu.Unlock()
	go p.pruneLoop()
	return p
}

func noop(interface{}) {}

func detectNumCores() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// SetLimits adjusts min/max thread bounds (spec.md §4.3 "setMinWorkers"/
// "setMaxWorkers").
func (p *Pool) SetLimits(min, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if max > 0 {
		p.maxThreads = max
	}
	if min >= 0 {
		p.minThreads = min
		if p.minThreads > p.maxThreads {
			p.minThreads = p.maxThreads
		}
	}
	for p.numThreads < p.minThreads {
		p.spawnLocked(noop, nil)
	}
}

// Stats mirrors MprWorkerStats (spec.md §4.3 "getWorkerStats").
type Stats struct {
	Max           int
	Min           int
	MaxUsed       int
	Idle          int
	Busy          int
	Yielded       int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	yielded := 0
	for _, w := range p.busy {
		if w.running && w.yielded {
			yielded++
		}
	}
	return Stats{
		Max:     p.maxThreads,
		Min:     p.minThreads,
		MaxUsed: p.maxUsedThreads,
		Idle:    len(p.idle),
		Busy:    len(p.busy),
		Yielded: yielded,
	}
}

// availableWorkers mirrors mprAvailableWorkers: the number of workers that
// could usefully be dispatched right now, balanced against spare CPU cores
// so the pool does not oversubscribe the machine (spec.md §4.3
// "availableWorkers").
func (p *Pool) availableWorkers() int {
	s := p.Stats()
	spareThreads := s.Max - s.Busy - s.Idle
	activeWorkers := s.Busy - s.Yielded
	spareCores := p.numCores - activeWorkers
	if spareCores <= 0 || spareThreads <= 0 {
		if s.Idle > 0 {
			return s.Idle
		}
		return 0
	}
	spare := spareThreads
	if spareCores < spare {
		spare = spareCores
	}
	return s.Idle + spare
}

// Submit runs proc(data) on a pool worker: an idle worker if one exists,
// else a freshly spawned one if under maxThreads, else ErrBusy
// (spec.md §4.3 "mprStartWorker"). It implements dispatcher.dispatchWorker
// so an EventService can be wired directly to a Pool.
func (p *Pool) Submit(proc func()) bool {
	return p.Start(func(interface{}) { proc() }, nil) == nil
}

// Start is Submit's richer form, passing data through to proc and
// reporting ErrBusy explicitly instead of via a boolean.
func (p *Pool) Start(proc Proc, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.busy[w.id] = w
		w.activate(proc, data)
		return nil
	}
	if p.numThreads >= p.maxThreads {
		return ErrBusy
	}
	if p.availableWorkersLocked() == 0 {
		return ErrBusy
	}
	p.spawnLocked(proc, data)
	return nil
}

func (p *Pool) availableWorkersLocked() int {
	p.mu.Unlock()
	n := p.availableWorkers()
	p.mu.Lock()
	return n
}

// spawnLocked creates and starts a new worker goroutine. Caller holds
// p.mu; numThreads < maxThreads is the caller's responsibility to check
// first, under the same lock, so no race window exists there. spawnSem
// only smooths a burst of simultaneous spawnLocked calls (e.g. SetLimits
// raising minThreads by a lot at once) across many goroutine creations.
func (p *Pool) spawnLocked(proc Proc, data interface{}) {
	if !p.spawnSem.TryAcquire(1) {
		return
	}
	defer p.spawnSem.Release(1)
	id := p.nextID
	p.nextID++
	w := newWorker(p, id)
	p.numThreads++
	if p.numThreads > p.maxUsedThreads {
		p.maxUsedThreads = p.numThreads
	}
	p.busy[id] = w
	w.start(proc, data)
}

// toIdleLocked parks a worker that just finished its assignment. Caller
// holds p.mu.
func (p *Pool) toIdleLocked(w *worker) {
	delete(p.busy, w.id)
	w.state = StateIdle
	p.idle = append(p.idle, w)
}

// pruneLoop periodically trims idle workers down to minThreads, retiring
// any idle longer than defaultPruneTimeout (spec.md §4.3 "pruneWorkers").
func (p *Pool) pruneLoop() {
	ticker := time.NewTicker(p.pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.pruneOnce()
		case <-p.pruneDone:
			return
		}
	}
}

func (p *Pool) pruneOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-defaultPruneTimeout)
	var kept []*worker
	pruned := 0
	for _, w := range p.idle {
		if p.numThreads > p.minThreads && w.lastActivity.Before(cutoff) {
			w.state = StatePruned
			w.shutdown()
			p.numThreads--
			pruned++
			continue
		}
		kept = append(kept, w)
	}
	p.idle = kept
	if pruned > 0 {
		rlog.Debug("pool pruned idle workers", "pruned", pruned, "remaining", p.numThreads, "min", p.minThreads, "max", p.maxThreads)
	}
}

// Close stops the prune loop and asks every idle worker to exit. Busy
// workers finish their current assignment and then see stopping and exit
// instead of re-parking.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	for _, w := range p.idle {
		w.state = StatePruned
		w.shutdown()
		p.numThreads--
	}
	p.idle = nil
	close(p.pruneDone)
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

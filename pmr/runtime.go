package pmr

import (
	"context"
	"time"

	"github.com/pmrhq/pmr/dispatcher"
	"github.com/pmrhq/pmr/internal/rlog"
	"github.com/pmrhq/pmr/mem"
	"github.com/pmrhq/pmr/socket"
	"github.com/pmrhq/pmr/worker"
)

// Runtime is the process-wide handle wiring the allocator/collector, the
// dispatcher service and worker pool, and the socket layer into one
// object, replacing the original's implicit globals (spec.md §9 "Global
// mutable state... a target language that discourages globals should
// inject them via an explicit Runtime handle threaded through every
// API").
type Runtime struct {
	cfg *Config

	Heap     *mem.Heap
	Events   *dispatcher.EventService
	Workers  *worker.Pool
	Primary  *dispatcher.Dispatcher

	listeners map[string]*socket.Socket
}

// New builds a Runtime from cfg, wiring the worker pool into the event
// service (so dispatched events run on pool workers rather than inline)
// and the collector into the worker pool (so every worker goroutine
// registers/unregisters as a GC mutator around each assignment).
func New(cfg *Config) *Runtime {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	h := mem.NewHeap()
	h.SetMemLimits(cfg.MemWarn, cfg.MemMax, cfg.MemCache)
	h.SetMemPolicy(mem.Policy(cfg.Policy))
	h.SetScribble(cfg.Knobs.ScribbleMem)
	h.SetVerify(cfg.Knobs.VerifyMem)
	h.SetTrack(cfg.Knobs.TrackMem)
	h.EnableGC(!cfg.Knobs.DisableGC)

	pool := worker.NewPool(cfg.MinWorkers, cfg.MaxWorkers, h.Collector())

	es := dispatcher.NewEventService()
	es.SetWorkerPool(pool)

	primary := dispatcher.NewDispatcher(es, "primary", true)

	return &Runtime{
		cfg:       cfg,
		Heap:      h,
		Events:    es,
		Workers:   pool,
		Primary:   primary,
		listeners: make(map[string]*socket.Socket),
	}
}

// Alloc, Realloc, Memdup, Hold, Release, AddRoot, RemoveRoot delegate to
// the Heap, exposed here too so callers holding only a *Runtime don't
// need a second import (spec.md §6 "Allocator/GC").
func (r *Runtime) Alloc(n int, flags mem.AllocFlag, manager func(mark func(interface{})), finalizer func(interface{})) (*mem.Block, error) {
	return r.Heap.Alloc(n, flags, manager, finalizer)
}

func (r *Runtime) RequestGC(blocking bool) { r.Heap.RequestGC(blocking) }
func (r *Runtime) EnableGC(on bool)        { r.Heap.EnableGC(on) }
func (r *Runtime) GetMemStats() mem.MemStats { return r.Heap.GetMemStats() }

// CreateDispatcher wraps dispatcher.NewDispatcher against this Runtime's
// EventService (spec.md §6 "createDispatcher").
func (r *Runtime) CreateDispatcher(name string, enabled bool) *dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(r.Events, name, enabled)
}

// CreateEvent wraps dispatcher.NewEvent (spec.md §6 "createEvent").
func (r *Runtime) CreateEvent(d *dispatcher.Dispatcher, name string, delay, period time.Duration, proc dispatcher.Proc, data interface{}, flags dispatcher.EventFlag) *dispatcher.Event {
	return dispatcher.NewEvent(d, name, delay, period, proc, data, flags)
}

// ServiceEvents drives this Runtime's EventService for up to timeout (a
// negative timeout means no limit); when once is true it returns after the
// first serviced dispatcher, or after one idle pass if none is ready
// (spec.md §6 "serviceEvents").
func (r *Runtime) ServiceEvents(timeout time.Duration, once bool) int {
	return r.Events.ServiceEvents(timeout, once)
}

// SetMinWorkers/SetMaxWorkers/GetWorkerStats/StartWorker expose the pool
// (spec.md §6 "Worker").
func (r *Runtime) SetMinWorkers(n int) { r.Workers.SetLimits(n, r.cfg.MaxWorkers) }
func (r *Runtime) SetMaxWorkers(n int) {
	r.cfg.MaxWorkers = n
	r.Workers.SetLimits(r.Workers.Stats().Min, n)
}
func (r *Runtime) GetWorkerStats() worker.Stats { return r.Workers.Stats() }
func (r *Runtime) StartWorker(proc worker.Proc, data interface{}) error {
	return r.Workers.Start(proc, data)
}

// ListenOn opens a named listener through the socket package and keeps
// it addressable by name for later lookup/shutdown (spec.md §6
// "listenOn"). TLS is layered on by passing ListenConfig.Provider "tls"
// once the tls package has been imported for its Register side effect.
func (r *Runtime) ListenOn(name, ip string, port int, cfg socket.ListenConfig) (*socket.Socket, error) {
	s, err := socket.Listen(ip, port, cfg)
	if err != nil {
		return nil, NewError("ListenOn", KindCantOpen, err)
	}
	r.listeners[name] = s
	return s, nil
}

// Listener returns a previously opened named listener, if any.
func (r *Runtime) Listener(name string) (*socket.Socket, bool) {
	s, ok := r.listeners[name]
	return s, ok
}

// Shutdown closes every tracked listener, stops the event service and
// closes the worker pool, in the reverse order they were established
// (spec.md §9 "torn down in reverse order"). Closing the pool does not
// wait for busy workers; each exits after its current assignment.
func (r *Runtime) Shutdown(ctx context.Context) error {
	for name, s := range r.listeners {
		if err := s.Close(true); err != nil {
			rlog.Warn("runtime: error closing listener", "name", name, "err", err)
		}
	}
	r.Events.Stop()
	return r.Workers.Close(ctx)
}

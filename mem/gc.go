package mem

import (
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/ucwong/golang-set"

	"github.com/pmrhq/pmr/internal/rlog"
)

// YieldMode selects how yield(mode) behaves (spec.md §4.1 "Yield
// protocol").
type YieldMode int

const (
	YieldDefault  YieldMode = iota // block only if mustYield is set
	YieldBlock                     // block until the pending cycle completes marking; returns at once if none is pending
	YieldComplete                  // block until the pending cycle's sweep also completes; returns at once if none is pending
	YieldSticky                    // remain yielded until resetYield is called
)

// GCSyncTimeout bounds how long the collector waits for every registered
// mutator to report yielded before aborting a cycle (spec.md §5).
var GCSyncTimeout = 2 * time.Second

// mutator is the per-thread (here: per-goroutine) state the yield
// protocol tracks (spec.md §4.1 "Each mutator thread carries flags").
type mutator struct {
	id             uint64
	yielded        int32
	stickyYield    int32
	waitForComplet int32
}

// Collector implements the cooperative mark-sweep garbage collector
// described in spec.md §4.1: one active-mark bit toggled between cycles
// and a yield/resume protocol every mutator must participate in at safe
// points. Each cycle runs on a goroutine started by RequestGC or by the
// allocation-quota trigger; there is no long-lived collector goroutine,
// and the condition variable serves the yield rendezvous.
type Collector struct {
	heap *Heap

	mu        sync.Mutex
	cond      *sync.Cond
	mustYield int32
	marking   int32
	sweeping  int32
	running   int32

	activeMark uint32

	mutators   map[uint64]*mutator
	mutatorSet mapset.Set // membership only; order does not matter here

	pauseGC int32

	quota       int64 // bytes allocated since last cycle before a new one is due
	sinceLast   int64
	lowWaterPct int // stored low-water percentage; no trigger reads it (cycles start on the quota or RequestGC)

	enabled int32

	roots   []interface{}
	rootsMu sync.Mutex
}

func newCollector(h *Heap) *Collector {
	c := &Collector{
		heap:        h,
		mutators:    make(map[uint64]*mutator),
		mutatorSet:  mapset.NewSet(),
		quota:       8 << 20,
		lowWaterPct: 10,
		enabled:     1,
		activeMark:  1,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Enable toggles whether the collector will ever run a cycle
// (spec.md §6 enableGC).
func (c *Collector) Enable(on bool) {
	if on {
		atomic.StoreInt32(&c.enabled, 1)
	} else {
		atomic.StoreInt32(&c.enabled, 0)
	}
}

func (c *Collector) isEnabled() bool { return atomic.LoadInt32(&c.enabled) != 0 }

// Register enrolls the calling goroutine as a mutator the collector must
// wait on. Callers typically do this once per worker/dispatcher-owning
// goroutine at startup.
func (c *Collector) Register(id uint64) {
	c.mu.Lock()
	c.mutators[id] = &mutator{id: id}
	c.mu.Unlock()
	c.mutatorSet.Add(id)
}

// Unregister removes id from the mutator set, e.g. when a worker is
// pruned.
func (c *Collector) Unregister(id uint64) {
	c.mu.Lock()
	delete(c.mutators, id)
	c.mu.Unlock()
	c.mutatorSet.Remove(id)
}

// Yield is the mutator-side half of the yield protocol (spec.md §4.1).
// Modes other than YieldSticky block according to the cycle's progress;
// YieldSticky only sets the flag.
func (c *Collector) Yield(id uint64, mode YieldMode) {
	c.mu.Lock()
	m, ok := c.mutators[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if mode == YieldSticky {
		atomic.StoreInt32(&m.stickyYield, 1)
		atomic.StoreInt32(&m.yielded, 1)
		c.cond.Broadcast()
		c.mu.Unlock()
		return
	}
	if mode == YieldDefault && atomic.LoadInt32(&c.mustYield) == 0 {
		c.mu.Unlock()
		return
	}
	if mode == YieldComplete {
		atomic.StoreInt32(&m.waitForComplet, 1)
	}
	atomic.StoreInt32(&m.yielded, 1)
	c.cond.Broadcast()
	// runCycle clears yielded once marking is done (after sweep for a
	// wait-for-complete mutator) and clears mustYield when the cycle ends
	// or aborts.
	for atomic.LoadInt32(&c.mustYield) != 0 && atomic.LoadInt32(&m.yielded) != 0 {
		c.cond.Wait()
	}
	atomic.StoreInt32(&m.yielded, 0)
	atomic.StoreInt32(&m.waitForComplet, 0)
	c.mu.Unlock()
}

// ResetYield clears a sticky yield, restoring normal safe-point behavior.
func (c *Collector) ResetYield(id uint64) {
	c.mu.Lock()
	if m, ok := c.mutators[id]; ok {
		atomic.StoreInt32(&m.stickyYield, 0)
		if atomic.LoadInt32(&m.yielded) != 0 && atomic.LoadInt32(&c.mustYield) == 0 {
			atomic.StoreInt32(&m.yielded, 0)
		}
	}
	c.mu.Unlock()
}

// BeginPause increments pauseGC around event creation from non-mutator
// threads (spec.md §4.1 "Creating events from non-mutator threads"): the
// caller spins briefly until the collector is not demanding a pause, then
// must call EndPause when done.
func (c *Collector) BeginPause() {
	atomic.AddInt32(&c.pauseGC, 1)
	deadline := time.Now().Add(50 * time.Millisecond)
	for atomic.LoadInt32(&c.mustYield) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// EndPause decrements pauseGC.
func (c *Collector) EndPause() {
	atomic.AddInt32(&c.pauseGC, -1)
}

// AddRoot appends p to the ordered root set (spec.md §3 "Root set"). Root
// mutation is safe against concurrent marking: the marker copies the root
// slice under rootsMu and iterates the copy, so a concurrent add or remove
// never makes it skip an element (spec.md §5).
func (c *Collector) AddRoot(p interface{}) {
	c.rootsMu.Lock()
	c.roots = append(c.roots, p)
	c.rootsMu.Unlock()
}

// RemoveRoot removes the first occurrence of p from the root set.
func (c *Collector) RemoveRoot(p interface{}) {
	c.rootsMu.Lock()
	for i, r := range c.roots {
		if r == p {
			c.roots = append(c.roots[:i], c.roots[i+1:]...)
			break
		}
	}
	c.rootsMu.Unlock()
}

// Hold makes b immune to collection until Release (spec.md §4.1 "Held
// blocks").
func (c *Collector) Hold(b *Block) {
	atomic.StoreUint32(&b.mark, markEternal)
}

// Release restores b's eligibility for collection at the current active
// mark.
func (c *Collector) Release(b *Block) {
	atomic.StoreUint32(&b.mark, atomic.LoadUint32(&c.activeMark))
}

// RequestGC forces a collection cycle regardless of the quota/low-water
// triggers (spec.md §6 requestGC). If blocking is true, RequestGC waits
// for the cycle (or its abort) to finish.
func (c *Collector) RequestGC(blocking bool) {
	if !c.isEnabled() {
		return
	}
	done := make(chan struct{})
	go func() {
		c.runCycle()
		close(done)
	}()
	if blocking {
		<-done
	}
}

// noteAllocation feeds the work-quota trigger (spec.md §4.1 "Scheduling").
func (c *Collector) noteAllocation(n int) {
	if !c.isEnabled() {
		return
	}
	total := atomic.AddInt64(&c.sinceLast, int64(n))
	if total >= c.quota {
		atomic.StoreInt64(&c.sinceLast, 0)
		go c.runCycle()
	}
}

// runCycle executes one full mark-sweep cycle, including the yield
// rendezvous. It aborts without freeing anything if not every registered
// mutator yields within GCSyncTimeout, or if pauseGC is non-zero
// (spec.md §4.1, §5).
func (c *Collector) runCycle() {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return // a cycle is already in flight
	}
	defer atomic.StoreInt32(&c.running, 0)

	if atomic.LoadInt32(&c.pauseGC) != 0 {
		rlog.Debug("gc cycle aborted: pauseGC held by a non-mutator thread")
		return
	}

	atomic.StoreInt32(&c.mustYield, 1)
	c.mu.Lock()
	c.cond.Broadcast()
	ok := c.waitForAllYielded(GCSyncTimeout)
	if !ok {
		atomic.StoreInt32(&c.mustYield, 0)
		c.cond.Broadcast()
		c.mu.Unlock()
		rlog.Debug("gc cycle aborted: yield sync timeout", "timeout", GCSyncTimeout)
		return
	}

	atomic.StoreInt32(&c.marking, 1)
	newMark := atomic.LoadUint32(&c.activeMark) ^ 1
	c.mu.Unlock()

	c.mark(newMark)

	c.mu.Lock()
	atomic.StoreUint32(&c.activeMark, newMark)
	atomic.StoreInt32(&c.marking, 0)
	atomic.StoreInt32(&c.sweeping, 1)
	// Release mutators whose wait-for-complete flag is false before
	// sweep; the rest wait for sweeping to finish too (spec.md §4.1
	// "In parallel mode...").
	for _, m := range c.mutators {
		if atomic.LoadInt32(&m.waitForComplet) == 0 {
			atomic.StoreInt32(&m.yielded, 0)
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	freed, scanned := c.sweep(newMark)

	c.mu.Lock()
	atomic.StoreInt32(&c.sweeping, 0)
	atomic.StoreInt32(&c.mustYield, 0)
	for _, m := range c.mutators {
		atomic.StoreInt32(&m.yielded, 0)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	rlog.Debug("gc cycle complete", "freedBytes", freed, "regionsScanned", scanned)
}

// waitForAllYielded blocks, with timeout, until every registered mutator
// has reported yielded. Must be called with c.mu held.
func (c *Collector) waitForAllYielded(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		allYielded := true
		for _, m := range c.mutators {
			if atomic.LoadInt32(&m.stickyYield) != 0 {
				continue
			}
			if atomic.LoadInt32(&m.yielded) == 0 {
				allYielded = false
				break
			}
		}
		if allYielded {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		waitCh := make(chan struct{})
		go func() {
			time.Sleep(time.Millisecond)
			close(waitCh)
		}()
		c.mu.Unlock()
		<-waitCh
		c.mu.Lock()
	}
}

// mark runs the root scan, invoking each root's registered manager
// callback with MARK semantics (spec.md §4.1, §6 "manager callback").
func (c *Collector) mark(newMark uint32) {
	c.rootsMu.Lock()
	roots := append([]interface{}(nil), c.roots...)
	c.rootsMu.Unlock()

	visited := make(map[*Block]bool)
	var markBlock func(b *Block)
	markBlock = func(b *Block) {
		if b == nil || b.held() || visited[b] {
			return
		}
		visited[b] = true
		atomic.StoreUint32(&b.mark, newMark)
		if b.manager != nil {
			b.manager(func(child interface{}) {
				if cb, ok := child.(*Block); ok {
					markBlock(cb)
				}
			})
		}
	}
	for _, r := range roots {
		if b, ok := r.(*Block); ok {
			markBlock(b)
		}
	}
}

// sweep walks every region, finalizing and then freeing garbage blocks,
// coalescing adjacent free neighbors, and releasing regions whose
// freeable flag is set and that are now entirely empty (spec.md §4.1
// "Sweep walks every region...").
func (c *Collector) sweep(activeMark uint32) (freedBytes int64, regionsScanned int) {
	h := c.heap

	// First pass: run finalizers for garbage blocks that carry one, so
	// dependent blocks still exist while the finalizer runs.
	h.regions.forEach(func(r *Region) bool {
		regionsScanned++
		for b := r.first; b != nil && !b.sentinel; b = b.addrNext {
			if !b.isFree() && !b.held() && b.mark != activeMark && b.hasFinalizer() && b.finalizer != nil {
				f := b.finalizer
				b.finalizer = nil
				f(b.userData)
			}
		}
		return true
	})

	// Second pass: free garbage blocks and coalesce.
	var toFreeRegions []*Region
	h.regions.forEach(func(r *Region) bool {
		b := r.first
		for b != nil && !b.sentinel {
			next := b.addrNext
			if !b.isFree() && !b.held() && b.mark != activeMark {
				freedBytes += int64(b.size)
				h.freeBlock(b)
			}
			b = next
		}
		if r.freeable && r.first.isFree() && r.first.addrNext.sentinel {
			toFreeRegions = append(toFreeRegions, r)
		}
		return true
	})
	for _, r := range toFreeRegions {
		if h.regions.unlink(r) {
			h.virtFree(r)
		}
	}
	return freedBytes, regionsScanned
}

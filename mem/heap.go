package mem

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmrhq/pmr/internal/rlog"
)

// AllocFlag selects behavior for Alloc (spec.md §4.1 "Allocator
// contract").
type AllocFlag uint32

const (
	AllocZero AllocFlag = 1 << iota
	AllocHasFinalizer
)

// Cause identifies why allocException was invoked (spec.md §4.1 "Failure
// semantics").
type Cause int

const (
	CauseFail Cause = iota
	CauseTooBig
	CauseLimit
	CauseWarning
)

// Notifier is invoked with (cause, policy, size, used) whenever
// allocException fires.
type Notifier func(cause Cause, policy Policy, size uint64, used uint64)

// Policy mirrors pmr.Policy without importing the root package (which
// imports mem), avoiding an import cycle. pmr.Policy values convert
// losslessly via int(p).
type Policy int

const (
	PolicyContinue Policy = iota
	PolicyRestart
	PolicyExit
)

// defaultRegionSize is the default region size growHeap rounds up to, absent a
// larger request (spec.md §4.1 "growHeap").
const defaultRegionSize = 1 << 20 // 1MiB, matching a typical mprAlloc.c default

// Heap is the singleton allocator + collector owner (spec.md §3 "Heap").
type Heap struct {
	regions regionList
	free    *freeMap
	gc      *Collector
	track   *siteTracker
	stats   statsCache

	regionSize int

	usedBytes   int64
	totalBytes  int64
	regionCount int64
	blockCount  int64

	warn   uint64
	max    uint64
	cache  uint64
	policy Policy

	notifier Notifier
	notiMu   sync.Mutex

	hasError int32

	scribble bool
	verify   bool

	mu sync.Mutex // guards growHeap's non-CAS bookkeeping (stats counters)
}

// NewHeap constructs a Heap ready for use. Most programs use the single
// process-wide Runtime-owned Heap (see package pmr) rather than
// constructing one directly, but an isolated Heap is handy in tests.
func NewHeap() *Heap {
	h := &Heap{
		free:       newFreeMap(),
		track:      newSiteTracker(),
		stats:      *newStatsCache(),
		regionSize: defaultRegionSize,
		cache:      256 * 1024,
	}
	h.gc = newCollector(h)
	return h
}

// SetScribble toggles PMR_SCRIBBLE_MEM: freed blocks are filled with a
// sentinel byte so use-after-free shows up as garbage rather than silence.
func (h *Heap) SetScribble(on bool) { h.scribble = on }

// SetVerify records the PMR_VERIFY_MEM setting on the heap. No Alloc or
// Free path reads it: enabling it adds no integrity walk or header check.
func (h *Heap) SetVerify(on bool) { h.verify = on }

// SetTrack toggles PMR_TRACK_MEM.
func (h *Heap) SetTrack(on bool) { h.track.setEnabled(on) }

// Collector exposes the heap's collector for callers that need direct
// yield/hold/root-set access (package dispatcher and worker do).
func (h *Heap) Collector() *Collector { return h.gc }

// SetMemLimits sets the warn/max/cache limits of spec.md §6.
func (h *Heap) SetMemLimits(warn, max, cache uint64) {
	atomic.StoreUint64(&h.warn, warn)
	atomic.StoreUint64(&h.max, max)
	atomic.StoreUint64(&h.cache, cache)
}

// SetMemPolicy sets the policy applied on a LIMIT failure.
func (h *Heap) SetMemPolicy(p Policy) { h.policy = p }

// SetMemNotifier installs the user notifier callback.
func (h *Heap) SetMemNotifier(n Notifier) {
	h.notiMu.Lock()
	h.notifier = n
	h.notiMu.Unlock()
}

// EnableGC toggles the collector (spec.md §6 enableGC).
func (h *Heap) EnableGC(on bool) { h.gc.Enable(on) }

// RequestGC forces a collection cycle (spec.md §6 requestGC).
func (h *Heap) RequestGC(blocking bool) { h.gc.RequestGC(blocking) }

// AddRoot / RemoveRoot forward to the collector's ordered root set.
func (h *Heap) AddRoot(p interface{})    { h.gc.AddRoot(p) }
func (h *Heap) RemoveRoot(p interface{}) { h.gc.RemoveRoot(p) }

// Hold / Release forward to the collector.
func (h *Heap) Hold(b *Block)    { h.gc.Hold(b) }
func (h *Heap) Release(b *Block) { h.gc.Release(b) }

// Alloc returns a block of at least n usable bytes (spec.md §4.1
// "alloc(size, flags)"). manager, when non-nil, is invoked during mark
// with a mark-callback the object should call on every pointer it owns,
// and during sweep (if AllocHasFinalizer was set and finalizer is
// non-nil) exactly once before the block's bytes are released.
func (h *Heap) Alloc(n int, flags AllocFlag, manager func(mark func(interface{})), finalizer func(interface{})) (*Block, error) {
	if n < 0 {
		return nil, fmt_BadArgs("Alloc")
	}
	total := alignUp(n + headerOverhead)
	if total < MinBlock {
		total = MinBlock
	}
	if total >= MaxBlock {
		return h.allocOversize(total, flags, manager, finalizer)
	}

	if h.max != 0 && uint64(atomic.LoadInt64(&h.usedBytes)+int64(total)) > h.max {
		h.raise(CauseLimit, uint64(total))
		if h.policy == PolicyExit || h.policy == PolicyRestart {
			return nil, fmt_Memory("Alloc")
		}
	}

	b := h.free.search(total)
	if b == nil {
		var err error
		b, err = h.growHeap(total)
		if err != nil {
			return nil, err
		}
	} else {
		h.maybeSplit(b, total)
	}

	h.finishAlloc(b, total, n, flags, manager, finalizer)
	return b, nil
}

func (h *Heap) allocOversize(total int, flags AllocFlag, manager func(mark func(interface{})), finalizer func(interface{})) (*Block, error) {
	b, err := h.growHeap(total)
	if err != nil {
		return nil, err
	}
	b.region.freeable = true
	h.finishAlloc(b, total, total-headerOverhead, flags, manager, finalizer)
	return b, nil
}

func (h *Heap) finishAlloc(b *Block, total, n int, flags AllocFlag, manager func(mark func(interface{})), finalizer func(interface{})) {
	b.manager = manager
	if flags&AllocHasFinalizer != 0 && finalizer != nil {
		b.finalizer = finalizer
		b.setFlag(flagHasFinalizer, true)
	}
	b.mark = atomic.LoadUint32(&h.gc.activeMark)
	if flags&AllocZero != 0 {
		payload := b.Payload()
		for i := range payload {
			payload[i] = 0
		}
	}
	if h.track.isEnabled() {
		b.siteKey = h.track.capture(4, total)
	}
	atomic.AddInt64(&h.usedBytes, int64(total))
	atomic.AddInt64(&h.blockCount, 1)
	h.gc.noteAllocation(total)
}

// maybeSplit carves a spare block off b when the remainder is worth
// keeping (spec.md §4.1 "Split policy").
func (h *Heap) maybeSplit(b *Block, want int) {
	spare := b.size - want
	if spare < MinSplit {
		return
	}
	spareBlock := &Block{
		region: b.region,
		offset: b.offset + want,
		size:   spare,
	}
	spareBlock.addrNext = b.addrNext
	spareBlock.addrPrev = b
	if b.addrNext != nil {
		b.addrNext.addrPrev = spareBlock
	}
	b.addrNext = spareBlock
	b.size = want
	h.free.insert(spareBlock)
}

// Realloc resizes p's block to at least n usable bytes, preserving
// existing content (spec.md §4.1 "realloc").
func (h *Heap) Realloc(b *Block, n int) (*Block, error) {
	if b == nil {
		return h.Alloc(n, 0, nil, nil)
	}
	if b.UserSize() >= n {
		return b, nil
	}
	nb, err := h.Alloc(n, 0, b.manager, b.finalizer)
	if err != nil {
		return nil, err
	}
	copy(nb.Payload(), b.Payload())
	nb.siteKey = b.siteKey
	h.freeBlock(b)
	return nb, nil
}

// Memdup duplicates n bytes from src into a new block (spec.md §4.1
// "memdup").
func (h *Heap) Memdup(src []byte) (*Block, error) {
	b, err := h.Alloc(len(src), 0, nil, nil)
	if err != nil {
		return nil, err
	}
	copy(b.Payload(), src)
	return b, nil
}

// VirtAlloc reserves n raw bytes directly from the simulated OS page
// allocator, bypassing the free queues entirely (spec.md §4.1
// "virtAlloc(size, mode)").
func (h *Heap) VirtAlloc(n int) []byte {
	return make([]byte, alignUp(n))
}

// VirtFree releases bytes obtained from VirtAlloc. In this simulated
// arena the Go garbage collector reclaims the backing array once
// unreferenced; VirtFree exists to mirror the spec's symmetric API and is
// where a real OS-backed port would call munmap/VirtualFree.
func (h *Heap) VirtFree(p []byte) { _ = p }

// growHeap allocates a new region sized to satisfy at least r bytes
// (spec.md §4.1 "growHeap(r)").
func (h *Heap) growHeap(r int) (*Block, error) {
	// Room for the region header and the terminating sentinel's header.
	size := r + regionHeaderSize + headerOverhead
	if size < h.regionSize {
		size = h.regionSize
	}
	size = alignUp(size)

	region := newRegion(size)
	h.regions.push(region)
	atomic.AddInt64(&h.regionCount, 1)
	atomic.AddInt64(&h.totalBytes, int64(size))

	b := region.first
	if b.size >= MaxBlock {
		region.freeable = true
	}
	h.maybeSplit(b, r)
	return b, nil
}

// virtFree is called by the sweeper once a fullRegion's sole block has
// been freed and the region has been unlinked.
func (h *Heap) virtFree(r *Region) {
	atomic.AddInt64(&h.regionCount, -1)
	atomic.AddInt64(&h.totalBytes, -int64(r.size))
}

// freeBlock returns b to its size-class free queue, scribbling and
// coalescing with adjacent free neighbors per spec.md §4.1 "Sweep...a
// second pass frees blocks, coalescing with free neighbors when free
// bytes exceed the cache high-water mark."
func (h *Heap) freeBlock(b *Block) {
	atomic.AddInt64(&h.usedBytes, -int64(b.size))
	atomic.AddInt64(&h.blockCount, -1)
	b.manager = nil
	b.finalizer = nil
	b.siteKey = 0

	if h.scribble {
		payload := b.Payload()
		for i := range payload {
			payload[i] = 0xfe
		}
	}

	freeBytes := h.freeBytesApprox()
	if freeBytes > int64(h.cache) {
		b = h.coalesce(b)
	}
	h.free.insert(b)
}

// coalesce merges b with an immediately-adjacent free neighbor on either
// side (spec.md §3 invariant: adjacent free blocks never both present
// after a sweep).
func (h *Heap) coalesce(b *Block) *Block {
	if next := b.addrNext; next != nil && !next.sentinel && next.isFree() {
		h.free.removeExact(next)
		b.size += next.size
		b.addrNext = next.addrNext
		if next.addrNext != nil {
			next.addrNext.addrPrev = b
		}
	}
	if prev := b.addrPrev; prev != nil && !prev.sentinel && prev.isFree() {
		h.free.removeExact(prev)
		prev.size += b.size
		prev.addrNext = b.addrNext
		if b.addrNext != nil {
			b.addrNext.addrPrev = prev
		}
		if b.isFirstInRegion() {
			prev.setFlag(flagFirstInRegion, true)
		}
		return prev
	}
	return b
}

// freeBytesApprox estimates bytes sitting idle in region arenas: total
// region capacity minus bytes currently handed out to live blocks
// (spec.md §4.1 sweep: coalescing triggers when free bytes, not used
// bytes, cross the cache high-water mark).
func (h *Heap) freeBytesApprox() int64 {
	free := atomic.LoadInt64(&h.totalBytes) - atomic.LoadInt64(&h.usedBytes)
	if free < 0 {
		free = 0
	}
	return free
}

// GetMemStats returns the current memory statistics, served from a
// short-TTL cache under bursty callers (spec.md §6 getMemStats).
func (h *Heap) GetMemStats() MemStats {
	now := time.Now()
	if s, ok := h.stats.get(now); ok {
		return s
	}
	s := MemStats{
		Bytes:        atomic.LoadInt64(&h.totalBytes),
		Used:         atomic.LoadInt64(&h.usedBytes),
		Free:         h.freeBytesApprox(),
		RegionCount:  atomic.LoadInt64(&h.regionCount),
		BlockCount:   atomic.LoadInt64(&h.blockCount),
		Warn:         atomic.LoadUint64(&h.warn),
		Max:          atomic.LoadUint64(&h.max),
		Cache:        atomic.LoadUint64(&h.cache),
		SampledAtUTC: now.UnixNano(),
	}
	h.stats.put(s)
	return s
}

// raise invokes allocException (spec.md §4.1 "Failure semantics").
func (h *Heap) raise(cause Cause, size uint64) {
	atomic.StoreInt32(&h.hasError, 1)
	h.notiMu.Lock()
	n := h.notifier
	h.notiMu.Unlock()
	if n != nil {
		n(cause, h.policy, size, uint64(atomic.LoadInt64(&h.usedBytes)))
	}
	switch cause {
	case CauseFail, CauseTooBig:
		rlog.Crit("allocator failure", "cause", cause, "size", size)
	case CauseLimit:
		if h.policy == PolicyExit {
			rlog.Crit("memory limit exceeded, exiting per policy", "size", size)
		} else if h.policy == PolicyRestart {
			rlog.Error("memory limit exceeded, restart requested", "size", size)
		}
	case CauseWarning:
		rlog.Warn("memory warning threshold crossed", "size", size)
	}
}

func fmt_BadArgs(op string) error  { return simpleErr(op, "bad arguments") }
func fmt_Memory(op string) error   { return simpleErr(op, "memory policy terminated the allocation") }
func fmt_WontFit(op string) error  { return simpleErr(op, "request will not fit") }
func simpleErr(op, msg string) error {
	return &heapError{op: op, msg: msg}
}

type heapError struct {
	op  string
	msg string
}

func (e *heapError) Error() string { return e.op + ": " + e.msg }

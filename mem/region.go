package mem

import (
	"sync/atomic"
	"unsafe"

	"github.com/pmrhq/pmr/internal/rlog"
)

// regionHeaderSize mirrors the C MprRegion header preceding the block
// chain (spec.md §3 "Region" — "Holds one header followed by a chain of
// blocks ending at a sentinel").
const regionHeaderSize = 64

// Region is a contiguous arena returned by the simulated OS page
// allocator (virtAlloc). Regions are singly linked; the head pointer is
// updated with a compare-and-swap by growers, and only the sweeper may
// unlink/free a region, and only when freeable is set (spec.md §3, §5).
type Region struct {
	arena    []byte
	size     int // total bytes, including regionHeaderSize
	freeable bool

	first *Block // first real block (offset == regionHeaderSize)
	last  *Block // sentinel block terminating the chain

	next unsafe.Pointer // *Region, CAS-linked
}

func (r *Region) loadNext() *Region {
	return (*Region)(atomic.LoadPointer(&r.next))
}

func (r *Region) casNext(old, newR *Region) bool {
	return atomic.CompareAndSwapPointer(&r.next, unsafe.Pointer(old), unsafe.Pointer(newR))
}

// newRegion carves a fresh arena of exactly size bytes (already rounded by
// the caller) and initializes its header, one free block spanning the
// whole usable area, and a sentinel.
func newRegion(size int) *Region {
	r := &Region{
		arena: make([]byte, size),
		size:  size,
	}
	usable := size - regionHeaderSize - headerOverhead // sentinel's own header
	// first starts un-queued: growHeap immediately carves the requested
	// size off it and hands it back as the freshly allocated block, so it
	// must not carry the free flag (only the spare split off it, if any,
	// is inserted into a free queue).
	first := &Block{
		region: r,
		offset: regionHeaderSize,
		size:   size - regionHeaderSize - headerOverhead,
		flags:  flagFirstInRegion,
	}
	_ = usable
	sentinel := &Block{
		region:   r,
		offset:   size - headerOverhead,
		size:     headerOverhead,
		sentinel: true,
	}
	first.addrNext = sentinel
	sentinel.addrPrev = first
	r.first = first
	r.last = sentinel
	return r
}

// regionList is the singleton heap's append-only, CAS-linked list of
// regions (spec.md §3 "Region", §5 "Region list: append-only from
// mutators via CAS; unlink only by the sweeper").
type regionList struct {
	head unsafe.Pointer // *Region
}

func (rl *regionList) loadHead() *Region {
	return (*Region)(atomic.LoadPointer(&rl.head))
}

// push prepends r to the list via CAS, retrying against concurrent
// growers until it succeeds.
func (rl *regionList) push(r *Region) {
	for {
		head := rl.loadHead()
		r.next = unsafe.Pointer(head)
		if atomic.CompareAndSwapPointer(&rl.head, unsafe.Pointer(head), unsafe.Pointer(r)) {
			return
		}
	}
}

// unlink removes r from the list. Only the sweeper calls this, and only
// once it has observed r.freeable (spec.md §3, §4.1 sweep).
func (rl *regionList) unlink(r *Region) bool {
	head := rl.loadHead()
	if head == r {
		return atomic.CompareAndSwapPointer(&rl.head, unsafe.Pointer(head), r.next)
	}
	prev := head
	for prev != nil {
		next := prev.loadNext()
		if next == r {
			return prev.casNext(r, next.loadNext())
		}
		prev = next
	}
	rlog.Warn("region unlink: region not found in list")
	return false
}

// forEach walks the region list from head to tail. f returning false
// stops the walk early.
func (rl *regionList) forEach(f func(*Region) bool) {
	for r := rl.loadHead(); r != nil; r = r.loadNext() {
		if !f(r) {
			return
		}
	}
}

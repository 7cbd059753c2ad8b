package mem

// blockFlags are the per-block header bits from spec.md §3 ("Memory
// block"): a flag distinguishing blocks that carry a finalizer, a "free"
// flag, a "first-in-region" flag, and a "region fills its entire backing
// allocation" flag.
type blockFlags uint32

const (
	flagFree blockFlags = 1 << iota
	flagHasFinalizer
	flagFirstInRegion
	flagFullRegion
)

// markEternal is the sentinel mark value hold() assigns to make a block
// immune to collection (spec.md §4.1 "Held blocks").
const markEternal uint32 = 0xffffffff

// Block is one allocation unit cut from a Region. It is never moved or
// compacted (spec.md §1 Non-goals): its offset within its Region's arena
// is fixed for its lifetime.
type Block struct {
	region *Region
	offset int // byte offset of the header within region.arena
	size   int // total size including header, 16-byte aligned

	flags blockFlags
	mark  uint32 // generation-mark, toggled each GC cycle; markEternal if held

	queueIndex int // which free queue this block is linked into, when free

	// queueNext/queuePrev link free blocks into their FreeQueue's LIFO list.
	queueNext *Block
	queuePrev *Block

	// addrNext/addrPrev chain every block in a region in address order,
	// ending at a sentinel block (spec.md §3 "Region" — "a chain of
	// blocks ending at a sentinel"). Used by sweep/coalesce to find
	// adjacent blocks in O(1).
	addrNext *Block
	addrPrev *Block
	sentinel bool

	finalizer func(interface{})
	manager   func(mark func(interface{}))
	userData  interface{}

	siteKey uint64 // PMR_TRACK_MEM allocation-site fingerprint, 0 if untracked
}

// UserSize returns the usable payload size available to the caller,
// i.e. header.size minus header overhead (spec.md §8 allocator invariant:
// header.size - header_overhead ≥ n).
func (b *Block) UserSize() int {
	return b.size - headerOverhead
}

// Payload returns the block's payload bytes within its region's arena.
func (b *Block) Payload() []byte {
	return b.region.arena[b.offset+headerOverhead : b.offset+b.size]
}

func (b *Block) isFree() bool          { return b.flags&flagFree != 0 }
func (b *Block) setFree(v bool)        { b.setFlag(flagFree, v) }
func (b *Block) hasFinalizer() bool    { return b.flags&flagHasFinalizer != 0 }
func (b *Block) isFirstInRegion() bool { return b.flags&flagFirstInRegion != 0 }
func (b *Block) isFullRegion() bool    { return b.flags&flagFullRegion != 0 }

func (b *Block) setFlag(f blockFlags, v bool) {
	if v {
		b.flags |= f
	} else {
		b.flags &^= f
	}
}

// held reports whether the block is immune to collection this cycle.
func (b *Block) held() bool { return b.mark == markEternal }

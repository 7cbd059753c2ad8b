package mem

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func TestAllocUserSizeAndAlignment(t *testing.T) {
	h := NewHeap()
	for _, n := range []int{1, 15, 16, 17, 100, 1000, 4096} {
		b, err := h.Alloc(n, 0, nil, nil)
		require.NoError(t, err)
		require.GreaterOrEqualf(t, b.UserSize(), n, "block too small for request %d:\n%s", n, spew.Sdump(b))
		require.Zero(t, b.offset%Align, "block offset not 16-byte aligned")
	}
}

func TestAllocZeroFlag(t *testing.T) {
	h := NewHeap()
	b, err := h.Alloc(64, 0, nil, nil)
	require.NoError(t, err)
	payload := b.Payload()
	for i := range payload {
		payload[i] = 0xAA
	}
	h.freeBlock(b)

	b2, err := h.Alloc(64, AllocZero, nil, nil)
	require.NoError(t, err)
	for _, c := range b2.Payload() {
		require.Zero(t, c)
	}
}

func TestNoAdjacentFreeBlocksAfterFree(t *testing.T) {
	h := NewHeap()
	h.SetMemLimits(0, 0, 0) // force coalescing on every free (cache=0)

	var blocks []*Block
	for i := 0; i < 50; i++ {
		b, err := h.Alloc(64, 0, nil, nil)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		h.freeBlock(b)
	}

	h.regions.forEach(func(r *Region) bool {
		for b := r.first; b != nil && b.addrNext != nil; b = b.addrNext {
			require.False(t, b.isFree() && b.addrNext.isFree(),
				"adjacent free blocks found in region after sweep-equivalent free sequence")
		}
		return true
	})
}

func TestFreeBytesApproxTracksIdleCapacityNotUsedBytes(t *testing.T) {
	h := NewHeap()
	b, err := h.Alloc(4096, 0, nil, nil)
	require.NoError(t, err)

	before := h.freeBytesApprox()
	require.Greater(t, before, int64(0), "a freshly grown region should have idle capacity beyond the first allocation")

	h.freeBlock(b)
	after := h.freeBytesApprox()
	require.Greater(t, after, before, "freeing a block should increase free bytes, not track used bytes")
}

func TestRealloc(t *testing.T) {
	h := NewHeap()
	b, err := h.Alloc(16, 0, nil, nil)
	require.NoError(t, err)
	copy(b.Payload(), []byte("hello, world!!!!"))

	b2, err := h.Realloc(b, 256)
	require.NoError(t, err)
	require.GreaterOrEqual(t, b2.UserSize(), 256)
	require.Equal(t, []byte("hello, world!!!!"), b2.Payload()[:16])
}

func TestMemdup(t *testing.T) {
	h := NewHeap()
	src := []byte("the quick brown fox")
	b, err := h.Memdup(src)
	require.NoError(t, err)
	require.Equal(t, src, b.Payload()[:len(src)])
}

func TestHoldSurvivesGC(t *testing.T) {
	h := NewHeap()
	b, err := h.Alloc(32, 0, nil, nil)
	require.NoError(t, err)
	h.Hold(b)
	copy(b.Payload(), []byte("held across cycles"))

	h.RequestGC(true)
	h.RequestGC(true)

	require.Equal(t, "held across cycles", string(b.Payload()[:len("held across cycles")]))
}

func TestHeapPartitionsRegions(t *testing.T) {
	h := NewHeap()
	for i := 0; i < 200; i++ {
		_, err := h.Alloc(i%512+1, 0, nil, nil)
		require.NoError(t, err)
	}
	var sumBlocks, sumRegions int
	h.regions.forEach(func(r *Region) bool {
		sumRegions += r.size - regionHeaderSize
		for b := r.first; b != nil; b = b.addrNext {
			sumBlocks += b.size
		}
		return true
	})
	require.Equal(t, sumRegions, sumBlocks)
}

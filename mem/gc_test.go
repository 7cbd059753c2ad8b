package mem

import (
	"sync/atomic"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

func TestGC(t *testing.T) { check.TestingT(t) }

type GCSuite struct{}

var _ = check.Suite(&GCSuite{})

// TestYieldDefaultReturnsImmediately asserts that, absent a pending cycle,
// a YieldDefault call never blocks (spec.md §4.1 "DEFAULT: returns
// immediately unless a cycle has requested yielding").
func (s *GCSuite) TestYieldDefaultReturnsImmediately(c *check.C) {
	h := NewHeap()
	gc := h.gc
	gc.Register(1)
	defer gc.Unregister(1)

	done := make(chan struct{})
	go func() {
		gc.Yield(1, YieldDefault)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("YieldDefault blocked with no cycle pending")
	}
}

// TestStickyYieldNeverBlocksCaller checks that a goroutine holding a sticky
// yield is excluded from waitForAllYielded's rendezvous and never itself
// blocks in Yield (spec.md §4.1 "STICKY: ... remains yielded across calls").
func (s *GCSuite) TestStickyYieldNeverBlocksCaller(c *check.C) {
	h := NewHeap()
	gc := h.gc
	gc.Register(2)
	defer gc.Unregister(2)

	gc.Yield(2, YieldSticky)

	done := make(chan struct{})
	go func() {
		gc.runCycle()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		c.Fatal("cycle never completed though the only mutator is sticky-yielded")
	}
}

// TestYieldSyncTimeoutAborts confirms that a cycle aborts cleanly, without
// advancing activeMark, when a registered mutator never calls Yield
// (spec.md §5 "If any mutator fails to yield within the configured sync
// timeout, abort the cycle without freeing anything").
func (s *GCSuite) TestYieldSyncTimeoutAborts(c *check.C) {
	old := GCSyncTimeout
	GCSyncTimeout = 30 * time.Millisecond
	defer func() { GCSyncTimeout = old }()

	h := NewHeap()
	gc := h.gc
	gc.Register(3) // never yields

	before := atomic.LoadUint32(&gc.activeMark)
	gc.runCycle()
	after := atomic.LoadUint32(&gc.activeMark)

	c.Assert(after, check.Equals, before)
	c.Assert(atomic.LoadInt32(&gc.mustYield), check.Equals, int32(0))

	gc.Unregister(3)
}

// TestHoldBlockSurvivesReachabilitySweep confirms a held block is neither
// finalized nor freed by a full cycle even when unreachable from any root
// (spec.md §4.1 "Held blocks").
func (s *GCSuite) TestHoldBlockSurvivesReachabilitySweep(c *check.C) {
	h := NewHeap()
	b, err := h.Alloc(32, 0, nil, nil)
	c.Assert(err, check.IsNil)
	h.Hold(b)

	h.RequestGC(true)

	c.Assert(b.isFree(), check.Equals, false)
}

// TestUnreachableBlockIsSweptAndFinalized checks that an unrooted block
// with no active holder is finalized exactly once and returned to a free
// queue during sweep (spec.md §4.1 mark/sweep semantics).
func (s *GCSuite) TestUnreachableBlockIsSweptAndFinalized(c *check.C) {
	h := NewHeap()
	var finalizeCount int32
	b, err := h.Alloc(32, AllocHasFinalizer, nil, func(interface{}) {
		atomic.AddInt32(&finalizeCount, 1)
	})
	c.Assert(err, check.IsNil)

	h.RequestGC(true)

	c.Assert(atomic.LoadInt32(&finalizeCount), check.Equals, int32(1))
	c.Assert(b.isFree(), check.Equals, true)
}

// TestRootedBlockSurvives confirms a block reachable from the root set is
// retained across a cycle (spec.md §3 "Root set").
func (s *GCSuite) TestRootedBlockSurvives(c *check.C) {
	h := NewHeap()
	b, err := h.Alloc(32, 0, nil, nil)
	c.Assert(err, check.IsNil)
	h.AddRoot(b)
	defer h.RemoveRoot(b)

	h.RequestGC(true)

	c.Assert(b.isFree(), check.Equals, false)
}

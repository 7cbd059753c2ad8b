package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGC struct {
	mu           sync.Mutex
	registered   []uint64
	unregistered []uint64
}

func (f *fakeGC) Register(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, id)
}

func (f *fakeGC) Unregister(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, id)
}

func (f *fakeGC) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered), len(f.unregistered)
}

func TestWorkerRegistersWithGCAroundEachAssignment(t *testing.T) {
	gc := &fakeGC{}
	p := NewPool(0, 1, gc)
	defer p.Close(context.Background())

	done := make(chan struct{})
	require.NoError(t, p.Start(func(interface{}) { close(done) }, nil))
	<-done

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, un := gc.counts(); un > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	reg, un := gc.counts()
	require.NotZero(t, reg)
	require.NotZero(t, un)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "busy", StateBusy.String())
	require.Equal(t, "pruned", StatePruned.String())
}

func TestAvailableWorkersZeroWhenAtCapacityAndBusy(t *testing.T) {
	p := NewPool(0, 1, nil)
	defer p.Close(context.Background())
	block := make(chan struct{})
	require.NoError(t, p.Start(func(interface{}) { <-block }, nil))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Stats().Busy == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, p.availableWorkers())
	close(block)
}

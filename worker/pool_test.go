package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewPoolPrestartsMinWorkers(t *testing.T) {
	p := NewPool(2, 4, nil)
	defer p.Close(context.Background())
	time.Sleep(20 * time.Millisecond) // let prewarm goroutines finish and idle
	stats := p.Stats()
	require.Equal(t, 2, stats.Idle+stats.Busy)
}

func TestSubmitRunsOnWorker(t *testing.T) {
	p := NewPool(0, 2, nil)
	defer p.Close(context.Background())
	done := make(chan struct{})
	ok := p.Submit(func() { close(done) })
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted work never ran")
	}
}

func TestStartPassesData(t *testing.T) {
	p := NewPool(0, 2, nil)
	defer p.Close(context.Background())
	got := make(chan interface{}, 1)
	err := p.Start(func(data interface{}) { got <- data }, "payload")
	require.NoError(t, err)
	require.Equal(t, "payload", <-got)
}

func TestPoolRejectsBeyondMax(t *testing.T) {
	p := NewPool(0, 1, nil)
	defer p.Close(context.Background())
	block := make(chan struct{})
	err := p.Start(func(interface{}) { <-block }, nil)
	require.NoError(t, err)

	err = p.Start(func(interface{}) {}, nil)
	require.ErrorIs(t, err, ErrBusy)
	close(block)
}

func TestIdleWorkerIsReused(t *testing.T) {
	p := NewPool(0, 1, nil)
	defer p.Close(context.Background())

	var ran int32
	first := make(chan struct{})
	require.NoError(t, p.Start(func(interface{}) {
		atomic.AddInt32(&ran, 1)
		close(first)
	}, nil))
	<-first
	time.Sleep(10 * time.Millisecond) // let the worker park idle

	stats := p.Stats()
	require.Equal(t, 1, stats.Idle+stats.Busy, "no extra worker spawned")

	second := make(chan struct{})
	require.NoError(t, p.Start(func(interface{}) {
		atomic.AddInt32(&ran, 1)
		close(second)
	}, nil))
	<-second
	require.Equal(t, int32(2), atomic.LoadInt32(&ran))
}

func TestConcurrentSubmitsStayWithinMax(t *testing.T) {
	p := NewPool(0, 3, nil)
	defer p.Close(context.Background())
	var wg sync.WaitGroup
	var accepted int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Start(func(interface{}) { time.Sleep(5 * time.Millisecond) }, nil) == nil {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	stats := p.Stats()
	require.LessOrEqual(t, stats.Busy+stats.Idle, 3)
}

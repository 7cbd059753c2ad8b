package pmr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmrhq/pmr/dispatcher"
	"github.com/pmrhq/pmr/socket"
)

func TestRuntimeAllocDelegatesToHeap(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Shutdown(context.Background())

	b, err := r.Alloc(64, 0, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestRuntimeListenOnTracksListener(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Shutdown(context.Background())

	s, err := r.ListenOn("main", "127.0.0.1", 0, socket.ListenConfig{})
	require.NoError(t, err)
	require.NotNil(t, s)

	got, ok := r.Listener("main")
	require.True(t, ok)
	require.Same(t, s, got)
}

func TestRuntimeServiceEventsRunsDueEvent(t *testing.T) {
	r := New(DefaultConfig())
	defer r.Shutdown(context.Background())

	ran := make(chan struct{}, 1)
	r.CreateEvent(r.Primary, "fire", 0, 0, func(interface{}, *dispatcher.Event) {
		ran <- struct{}{}
	}, nil, 0)

	n := r.ServiceEvents(500*time.Millisecond, true)
	require.GreaterOrEqual(t, n, 1)
	select {
	case <-ran:
	default:
		t.Fatal("event never ran")
	}
}

func TestRuntimeWorkerStatsReflectConfiguredBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 3
	r := New(cfg)
	defer r.Shutdown(context.Background())

	stats := r.GetWorkerStats()
	require.Equal(t, 1, stats.Min)
	require.Equal(t, 3, stats.Max)
}

func TestRuntimeShutdownIsSafe(t *testing.T) {
	r := New(DefaultConfig())
	require.NoError(t, r.Shutdown(context.Background()))
}

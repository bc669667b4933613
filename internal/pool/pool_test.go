package pool

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tiered/internal/logging"
	"github.com/tetratelabs/tiered/internal/vmthread"
)

func TestPool_Submit(t *testing.T) {
	threads := vmthread.NewRegistry()
	p := New(threads, nil, 3, 16)
	require.Equal(t, 3, p.Size())
	require.Equal(t, 3, len(threads.Threads()))

	var ran atomic.Int32
	var wg sync.WaitGroup
	workers := map[*vmthread.Thread]bool{}
	for _, w := range p.Workers() {
		workers[w] = true
	}

	var mux sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(ctx context.Context, th *vmthread.Thread) {
			defer wg.Done()
			require.NoError(t, ctx.Err())
			require.Same(t, th, threads.Current())
			mux.Lock()
			require.True(t, workers[th])
			mux.Unlock()
			ran.Add(1)
		}))
	}
	wg.Wait()
	require.Equal(t, int32(10), ran.Load())

	p.Close()
	require.Equal(t, 0, len(threads.Threads()))
	require.ErrorIs(t, p.Submit(func(context.Context, *vmthread.Thread) {}), ErrClosed)
	p.Close() // idempotent
}

func TestPool_QueueFull(t *testing.T) {
	p := New(vmthread.NewRegistry(), nil, 1, 1)
	defer p.Close()

	started, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context, *vmthread.Thread) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, p.Submit(func(context.Context, *vmthread.Thread) {}))
	require.ErrorIs(t, p.Submit(func(context.Context, *vmthread.Thread) {}), ErrQueueFull)
	close(release)
}

func TestPool_Close_RunsQueued(t *testing.T) {
	p := New(vmthread.NewRegistry(), nil, 1, 8)
	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(func(context.Context, *vmthread.Thread) { ran.Add(1) }))
	}
	p.Close()
	require.Equal(t, int32(8), ran.Load())
}

func TestPool_Panic(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&buf, logging.LogScopePool)
	p := New(vmthread.NewRegistry(), logger, 1, 2)

	require.NoError(t, p.Submit(func(context.Context, *vmthread.Thread) { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context, *vmthread.Thread) { close(done) }))
	<-done
	p.Close()

	require.Contains(t, buf.String(), "[pool] started 1 workers, queue=2")
	require.Contains(t, buf.String(), "task panic: boom")
	require.Contains(t, buf.String(), "[pool] stopped")
}

func TestNew_InvalidSize(t *testing.T) {
	require.Panics(t, func() { New(vmthread.NewRegistry(), nil, 0, 1) })
}

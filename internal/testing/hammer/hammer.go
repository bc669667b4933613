// Package hammer races test code from many goroutines, each optionally running as a registered vmthread.Thread.
package hammer

import (
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/tetratelabs/tiered/internal/vmthread"
)

// Hammer invokes a test concurrently in P goroutines N times per goroutine.
//
// Here's an example:
//
//	P := 8               // max count of goroutines
//	N := 1000            // work per goroutine
//	if testing.Short() { // Adjust down if `-test.short`
//		P = 4
//		N = 100
//	}
//
//	hammer.NewThreadHammer(t, threads, P, N).Run(func(p, n int) {
//		_, err := b.Compile(ctx, m, api.TierBaseline, broker.CompileOptions{})
//		require.NoError(t, err)
//	}, nil)
//
//	if t.Failed() {
//		return // At least one test failed, so return now.
//	}
type Hammer interface {
	// Run starts P goroutines and releases them together once onRunning, if not nil, returns. Goroutine p then
	// calls test(p, n) for n from zero to N-1. Run returns when every goroutine is done.
	//
	// A panic in test, including a failed require, is reported with t.Error and ends only that goroutine.
	Run(test func(p, n int), onRunning func())
}

// NewHammer returns a Hammer of P goroutines and N iterations per goroutine.
// Optimize for Hammer.Run completing in .1 second on a modern laptop.
func NewHammer(t *testing.T, P, N int) Hammer {
	return &hammer{t: t, p: P, n: N}
}

// NewThreadHammer is like NewHammer, except goroutine p runs attached to a thread named "hammer-p" registered in
// threads for the duration of the run, so vmthread.Registry.Current works inside test.
func NewThreadHammer(t *testing.T, threads *vmthread.Registry, P, N int) Hammer {
	return &hammer{t: t, p: P, n: N, threads: threads}
}

type hammer struct {
	t       *testing.T
	p, n    int
	threads *vmthread.Registry
}

// Run implements Hammer.Run
func (h *hammer) Run(test func(p, n int), onRunning func()) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(h.p / 2)) // Ensure goroutines have to switch cores.

	var started, done sync.WaitGroup
	start := make(chan struct{})
	started.Add(h.p)
	done.Add(h.p)
	for p := 0; p < h.p; p++ {
		go h.worker(p, test, start, &started, &done)
	}

	started.Wait()
	if onRunning != nil {
		onRunning()
	}
	close(start)
	done.Wait()
}

func (h *hammer) worker(p int, test func(p, n int), start <-chan struct{}, started, done *sync.WaitGroup) {
	defer done.Done()
	defer func() {
		// Seen as string and runtime.Error among others, so let printing convert it.
		if recovered := recover(); recovered != nil {
			h.t.Error(recovered)
		}
	}()

	started.Done()
	<-start

	loop := func() {
		for n := 0; n < h.n; n++ {
			test(p, n)
		}
	}
	if h.threads == nil {
		loop()
		return
	}
	th := h.threads.NewThread(fmt.Sprintf("hammer-%d", p))
	defer h.threads.Release(th)
	h.threads.Attach(th, loop)
}

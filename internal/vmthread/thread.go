// Package vmthread binds goroutines to the engine's notion of a thread.
//
// The compiler needs a stable thread identity for two things: a Job is owned by exactly one thread (only the owner
// may retry it in place), and a thread that is already compiling must not recursively trigger another compile.
// Goroutines have no identity of their own, so a Thread is attached to a goroutine with goroutine-local storage and
// inherited by goroutines started with Go.
package vmthread

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jtolds/gls"

	"github.com/tetratelabs/tiered/internal/stackwalk"
)

// Thread is the engine-level identity of a goroutine that runs managed code or compiles it.
type Thread struct {
	id   uint64
	name string

	// allocationDisabled is set while the thread is in a region where it must not allocate, e.g. during a
	// collection. Compiles requested from such a thread are deferred.
	allocationDisabled atomic.Bool

	// compiling counts the compiles running inline on this thread.
	compiling atomic.Int32

	// anchor is the last recorded top frame of this thread, consumed by the stack walker.
	anchor atomic.Pointer[stackwalk.Anchor]
}

// ID returns the unique ID of this thread.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the name given at creation.
func (t *Thread) Name() string { return t.name }

// String implements fmt.Stringer.
func (t *Thread) String() string {
	if t == nil {
		return "thread(nil)"
	}
	return fmt.Sprintf("thread(%d:%s)", t.id, t.name)
}

// CanAllocate returns false while allocation is disabled on this thread.
func (t *Thread) CanAllocate() bool { return !t.allocationDisabled.Load() }

// SetAllocationEnabled toggles whether this thread may allocate.
func (t *Thread) SetAllocationEnabled(enabled bool) { t.allocationDisabled.Store(!enabled) }

// IsCompiling returns true if a compile is running inline on this thread.
func (t *Thread) IsCompiling() bool { return t.compiling.Load() > 0 }

// EnterCompile marks the start of an inline compile and returns the function marking its end.
func (t *Thread) EnterCompile() (exit func()) {
	t.compiling.Add(1)
	return func() { t.compiling.Add(-1) }
}

// RecordAnchor publishes the thread's current top frame for stack walking. Passing nil clears it, which means the
// thread has no managed frames.
func (t *Thread) RecordAnchor(a *stackwalk.Anchor) { t.anchor.Store(a) }

// Anchor returns the last anchor recorded by RecordAnchor or nil.
func (t *Thread) Anchor() *stackwalk.Anchor { return t.anchor.Load() }

// Registry creates threads and tracks the live ones. Each Runtime has its own Registry so tests can build isolated
// instances.
type Registry struct {
	nextID uint64
	mgr    *gls.ContextManager

	mux     sync.RWMutex
	threads map[uint64]*Thread
}

// threadKey is the goroutine-local key under which the current *Thread is stored.
type threadKey struct{}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{mgr: gls.NewContextManager(), threads: map[uint64]*Thread{}}
}

// NewThread creates and registers a thread. The thread is not bound to any goroutine until Attach or Go.
func (r *Registry) NewThread(name string) *Thread {
	t := &Thread{id: atomic.AddUint64(&r.nextID, 1), name: name}
	r.mux.Lock()
	r.threads[t.id] = t
	r.mux.Unlock()
	return t
}

// Release unregisters the thread. Its frames no longer keep code alive.
func (r *Registry) Release(t *Thread) {
	r.mux.Lock()
	delete(r.threads, t.id)
	r.mux.Unlock()
}

// Threads returns a snapshot of the registered threads.
func (r *Registry) Threads() []*Thread {
	r.mux.RLock()
	defer r.mux.RUnlock()
	ret := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		ret = append(ret, t)
	}
	return ret
}

// Attach runs fn on the calling goroutine with t as the current thread. Attachments nest: the previous binding is
// restored when fn returns.
func (r *Registry) Attach(t *Thread, fn func()) {
	r.mgr.SetValues(gls.Values{threadKey{}: t}, fn)
}

// Go starts fn on a new goroutine with t as its current thread.
func (r *Registry) Go(t *Thread, fn func()) {
	gls.Go(func() { r.Attach(t, fn) })
}

// Current returns the thread attached to the calling goroutine or nil.
func (r *Registry) Current() *Thread {
	v, ok := r.mgr.GetValue(threadKey{})
	if !ok {
		return nil
	}
	t, _ := v.(*Thread)
	return t
}

// CurrentOrAttach calls fn with the current thread. A goroutine with no thread gets a temporary one, registered for
// the duration of fn.
func (r *Registry) CurrentOrAttach(name string, fn func(t *Thread)) {
	if t := r.Current(); t != nil {
		fn(t)
		return
	}
	t := r.NewThread(name)
	defer r.Release(t)
	r.Attach(t, func() { fn(t) })
}

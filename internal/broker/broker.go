// Package broker coordinates the compilation of methods.
//
// Every request for code of a method goes through the Broker, which guarantees that at most one compile per
// compatible tier runs for a method at any time, that a method's current artifact is only replaced by a complete and
// installed one, and that a bailout of one backend is retried once with the backend of the other tier.
//
// Lock order is MethodUnit.patchMux, then MethodUnit.mux. Neither is held while a backend compiles.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/adapter"
	"github.com/tetratelabs/tiered/internal/artifact"
	"github.com/tetratelabs/tiered/internal/backend"
	"github.com/tetratelabs/tiered/internal/codecache"
	"github.com/tetratelabs/tiered/internal/logging"
	"github.com/tetratelabs/tiered/internal/objmodel"
	"github.com/tetratelabs/tiered/internal/patcher"
	"github.com/tetratelabs/tiered/internal/pool"
	"github.com/tetratelabs/tiered/internal/profile"
	"github.com/tetratelabs/tiered/internal/stackwalk"
	"github.com/tetratelabs/tiered/internal/vmthread"
)

// ErrCompilationQueued is returned by a background compile request when the method has no code to use meanwhile.
var ErrCompilationQueued = errors.New("compilation queued")

// ErrCompilationDisabled is returned by Promote for methods excluded from (optimizing) compilation.
var ErrCompilationDisabled = errors.New("compilation disabled")

// ErrRecursiveCompilation is returned by Promote on a thread which is already compiling.
var ErrRecursiveCompilation = errors.New("thread is already compiling")

// errNoBackend is the cause of a FatalCompilationError when no backend produces the requested tier.
var errNoBackend = errors.New("no backend for tier")

// unresolvedStubSize is the size of the code calls to methods without code jump to.
const unresolvedStubSize = 16

// CompileOptions modify a single compile request.
type CompileOptions struct {
	// Deopt requests baseline code because the optimized code was invalidated. It is passed on to the backend and
	// is never diverted to the background pool.
	Deopt bool
	// FailFast disables the failover retry and the fallback to earlier code.
	FailFast bool
	// Force compiles even when compatible code is current.
	Force bool
}

// Config controls the policies of a Broker.
type Config struct {
	PromotionThreshold int64
	PromotionBackoff   int64
	// BackgroundCompilation diverts optimizing compiles to the pool.
	BackgroundCompilation bool
	// FailoverRetry retries a bailed out compile with the alternate backend.
	FailoverRetry bool
	// MaxDeoptimizations is the number of deoptimizations after which a method is no longer optimized. Zero means
	// no limit.
	MaxDeoptimizations int
	// PatchSearchDepth is the number of frames searched for a direct call site to redirect.
	PatchSearchDepth int
}

// Broker is the single entry point for compiling methods. All methods are goroutine-safe.
type Broker struct {
	cfg      Config
	selector *backend.Selector
	code     *codecache.Cache
	adapters *adapter.Cache
	threads  *vmthread.Registry
	// pool runs background compiles. nil compiles everything inline.
	pool     *pool.Pool
	universe *objmodel.Universe
	patcher  *patcher.Patcher
	walker   *stackwalk.CodeWalker
	logger   *logging.Logger
	// unresolved is the stub direct calls and dispatch slots of methods without code target.
	unresolved *codecache.Region

	mux     sync.RWMutex
	methods map[api.MethodID]*MethodUnit

	reclaimMux sync.Mutex
	stats      counters
}

// New returns a Broker compiling with the selected backends into code. p may be nil.
func New(cfg Config, selector *backend.Selector, code *codecache.Cache, adapters *adapter.Cache,
	threads *vmthread.Registry, p *pool.Pool, logger *logging.Logger,
) (*Broker, error) {
	stub, err := code.Allocate(unresolvedStubSize, codecache.RegionKindStub, "unresolved-call", nil)
	if err != nil {
		return nil, fmt.Errorf("allocating unresolved-call stub: %w", err)
	}
	for i, c := 0, stub.Bytes(); i < len(c); i++ {
		c[i] = 0xcc // int3
	}
	b := &Broker{
		cfg:        cfg,
		selector:   selector,
		code:       code,
		adapters:   adapters,
		threads:    threads,
		pool:       p,
		logger:     logger,
		unresolved: stub,
		methods:    map[api.MethodID]*MethodUnit{},
		walker:     &stackwalk.CodeWalker{Code: code},
	}
	b.universe = objmodel.NewUniverse(b.dispatchEntry)
	b.patcher = patcher.New(b.universe, code, b.walker, cfg.PatchSearchDepth, stub.Start, logger)
	return b, nil
}

// Universe returns the types whose dispatch tables the Broker keeps current.
func (b *Broker) Universe() *objmodel.Universe { return b.universe }

// UnresolvedCallTarget returns the address calls to methods without code jump to.
func (b *Broker) UnresolvedCallTarget() uint64 { return b.unresolved.Start }

// Register adds a method. Its ID must be unique.
func (b *Broker) Register(id api.MethodID, name string, sig *api.Signature, body interface{}) (*MethodUnit, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if prev, ok := b.methods[id]; ok {
		return nil, fmt.Errorf("method %d already registered as %s", id, prev)
	}
	m := newMethodUnit(id, name, sig, body, profile.New(b.cfg.PromotionThreshold, b.cfg.PromotionBackoff))
	b.methods[id] = m
	return m, nil
}

// Method returns the registered method or nil.
func (b *Broker) Method(id api.MethodID) *MethodUnit {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.methods[id]
}

// Methods returns a snapshot of the registered methods.
func (b *Broker) Methods() []*MethodUnit {
	b.mux.RLock()
	defer b.mux.RUnlock()
	ret := make([]*MethodUnit, 0, len(b.methods))
	for _, m := range b.methods {
		ret = append(ret, m)
	}
	return ret
}

// Compile returns code of the tier for m, compiling it if needed.
//
// A compatible current artifact is returned as is unless CompileOptions.Force. A request finding a compatible job waits
// for it. An optimizing request with background compilation enabled does not wait: it returns the current artifact
// of any tier, or ErrCompilationQueued.
func (b *Broker) Compile(ctx context.Context, m *MethodUnit, tier api.Tier, opts CompileOptions) (ret *artifact.Artifact, err error) {
	b.stats.requests.Add(1)
	b.threads.CurrentOrAttach("compile", func(t *vmthread.Thread) {
		ret, _, err = b.compile(ctx, t, m, tier, opts)
	})
	return
}

// compile is Compile on thread t. queued is true when the request was left to a background job, and the returned
// artifact, if any, is only what m runs meanwhile.
func (b *Broker) compile(ctx context.Context, t *vmthread.Thread, m *MethodUnit, tier api.Tier, opts CompileOptions) (ret *artifact.Artifact, queued bool, err error) {
	if opts.Deopt {
		tier = api.TierBaseline
	}

	m.mux.Lock()
	if job := m.ownedJobLocked(t); job != nil {
		if !job.retryPending {
			m.mux.Unlock()
			panic(fmt.Sprintf("BUG: %s recursively compiles %s", t, m))
		}
		ret, err = b.retryLocked(ctx, t, m, job, opts)
		return ret, false, err
	}
	if tier == api.TierOptimized && m.optimizationDisabled {
		tier = api.TierBaseline
	}
	if !opts.Force {
		if a := m.currentLocked(tier); a != nil {
			m.mux.Unlock()
			b.stats.hits.Add(1)
			return a, false, nil
		}
	}
	background := tier == api.TierOptimized && b.cfg.BackgroundCompilation && b.pool != nil && !opts.Deopt
	if job := m.compatibleJobLocked(tier); job != nil {
		m.mux.Unlock()
		if background {
			return b.currentOrQueued(m)
		}
		b.stats.waits.Add(1)
		ret, err = job.Wait(ctx)
		return ret, false, err
	}

	be, ok := b.selector.Select(m.Name, tier)
	if !ok {
		m.mux.Unlock()
		b.stats.failures.Add(1)
		return nil, false, &backend.FatalCompilationError{Method: m.Name, Tier: tier, Backend: "none", Cause: errNoBackend}
	}
	owner := t
	if background {
		owner = nil
	}
	job := newJob(m, tier, be, owner, t)
	m.jobs = append(m.jobs, job)
	m.mux.Unlock()

	if background {
		err := b.pool.Submit(func(ctx context.Context, wt *vmthread.Thread) { b.runBackground(ctx, wt, m, job, opts) })
		if err == nil {
			b.stats.background.Add(1)
			b.logger.Logf(logging.LogScopeCompile, "queued %s with %s", job, be.Name())
			return b.currentOrQueued(m)
		}
		b.logger.Logf(logging.LogScopeCompile, "compiling %s inline: %v", job, err)
		m.mux.Lock()
		job.owner = t
		m.mux.Unlock()
	}
	ret, err = b.run(ctx, t, m, job, opts)
	return ret, false, err
}

func (b *Broker) currentOrQueued(m *MethodUnit) (*artifact.Artifact, bool, error) {
	if a := m.Current(api.TierAny); a != nil {
		return a, true, nil
	}
	return nil, true, ErrCompilationQueued
}

func (b *Broker) runBackground(ctx context.Context, t *vmthread.Thread, m *MethodUnit, job *Job, opts CompileOptions) {
	m.mux.Lock()
	job.owner = t
	m.mux.Unlock()
	art, err := b.run(ctx, t, m, job, opts)
	if err == nil && art.Tier == api.TierOptimized {
		return
	}
	// The request returned long ago, so the method's counter is backed off here instead of by its promotion.
	m.Profile.Backoff()
	if err != nil {
		b.logger.Logf(logging.LogScopeCompile, "background %s: %v", job, err)
	}
}

// abandon finishes a job whose owner panicked, unless it already has a result, so waiters do not block forever.
func (b *Broker) abandon(m *MethodUnit, job *Job, r interface{}) {
	select {
	case <-job.done:
	default:
		b.stats.failures.Add(1)
		b.finish(m, job, nil, b.fatal(m, job, fmt.Errorf("panic: %v", r)), false)
	}
}

// retryLocked switches the job owned by t to the alternate backend and runs it again. It unlocks m.
func (b *Broker) retryLocked(ctx context.Context, t *vmthread.Thread, m *MethodUnit, job *Job, opts CompileOptions) (*artifact.Artifact, error) {
	prev := job.backend
	alt, ok := b.selector.Alternate(prev)
	if !ok {
		m.mux.Unlock()
		panic(fmt.Sprintf("BUG: retrying %s without an alternate of %s", job, prev.Name()))
	}
	job.switchBackend(t, alt)
	m.mux.Unlock()

	b.stats.retries.Add(1)
	b.logger.Logf(logging.LogScopeCompile, "retrying %s with %s after %s bailed out", job, alt.Name(), prev.Name())
	return b.run(ctx, t, m, job, opts)
}

// run compiles and installs on t, which owns the job.
func (b *Broker) run(ctx context.Context, t *vmthread.Thread, m *MethodUnit, job *Job, opts CompileOptions) (*artifact.Artifact, error) {
	be := job.backend
	req := &backend.Request{
		Method:    m.ID,
		Name:      m.Name,
		Signature: m.Signature,
		Body:      m.Body,
		Deopt:     opts.Deopt,
		Attempt:   job.attempts,
	}

	defer func() {
		if r := recover(); r != nil {
			b.abandon(m, job, r)
			panic(r)
		}
	}()

	b.logger.Logf(logging.LogScopeCompile, "compiling %s with %s", job, be.Name())
	b.stats.invocations.Add(1)
	art, err := func() (*artifact.Artifact, error) {
		defer t.EnterCompile()()
		return be.Compile(ctx, req)
	}()

	switch {
	case err == nil:
		if art == nil || art.Tier != be.Tier() || art.Method != m.ID {
			panic(fmt.Sprintf("BUG: %s returned %v for %s", be.Name(), art, job))
		}
		if err = art.Install(b.code, b); err == nil {
			b.stats.installs.Add(1)
			b.logger.Logf(logging.LogScopeCompile, "installed %s at %#x size=%d", art, art.Base(), len(art.Code))
			b.finish(m, job, art, nil, true)
			b.syncDispatch(ctx, callSiteThread(job, t), m)
			return art, nil
		}
	case errors.Is(err, backend.ErrResourceExhausted):
		b.stats.deferred.Add(1)
		b.logger.Logf(logging.LogScopeCompile, "deferred %s: %v", job, err)
		b.finish(m, job, nil, err, false)
		return nil, err
	case backend.IsBailout(err):
		b.stats.bailouts.Add(1)
		b.logger.Logf(logging.LogScopeCompile, "%s: %v", job, err)
		// A deopt must not end in optimized code, so it is never retried with the other tier.
		if !opts.FailFast && !opts.Deopt && b.cfg.FailoverRetry && job.attempts == 0 {
			if _, ok := b.selector.Alternate(be); ok {
				m.mux.Lock()
				job.retryPending = true
				m.mux.Unlock()
				art, _, err = b.compile(ctx, t, m, job.tier, opts)
				return art, err
			}
		}
	}
	return b.fail(m, job, err, opts)
}

// fail finishes a job whose compile failed for good, with earlier code of the other tier when there is some.
func (b *Broker) fail(m *MethodUnit, job *Job, cause error, opts CompileOptions) (*artifact.Artifact, error) {
	ferr := b.fatal(m, job, cause)
	if !opts.FailFast && !opts.Deopt && job.tier != api.TierAny {
		m.mux.Lock()
		fb := m.fallbackLocked(job.fallback, job.tier.Opposite())
		m.mux.Unlock()
		if fb != nil {
			b.stats.fallbacks.Add(1)
			b.logger.Logf(logging.LogScopeCompile, "falling back to %s: %v", fb, ferr)
			b.finish(m, job, fb, nil, false)
			return fb, nil
		}
	}
	b.stats.failures.Add(1)
	b.logger.Logf(logging.LogScopeCompile, "%v", ferr)
	b.finish(m, job, nil, ferr, false)
	return nil, ferr
}

func (b *Broker) fatal(m *MethodUnit, job *Job, cause error) *backend.FatalCompilationError {
	return &backend.FatalCompilationError{Method: m.Name, Tier: job.tier, Backend: job.backend.Name(), Cause: cause}
}

// finish publishes the result of the job and, when install is set, makes art the current artifact of its tier.
func (b *Broker) finish(m *MethodUnit, job *Job, art *artifact.Artifact, err error, install bool) {
	m.mux.Lock()
	if install {
		m.current[art.Tier] = art
		m.history = append([]*artifact.Artifact{art}, m.history...)
	}
	m.removeJobLocked(job)
	job.result, job.err = art, err
	m.mux.Unlock()
	close(job.done)
}

// callSiteThread returns the thread whose stack may be searched for call sites once job installs: its requester, if
// the requester ran it. A job completed on a pool worker patches dispatch slots only, as the requester runs on.
func callSiteThread(job *Job, owner *vmthread.Thread) *vmthread.Thread {
	if job.requester == owner {
		return owner
	}
	return nil
}

// syncDispatch redirects the callers of m to its preferred current artifact. t is the thread whose stack is
// searched for a direct call site, nil to only patch dispatch slots.
func (b *Broker) syncDispatch(ctx context.Context, t *vmthread.Thread, m *MethodUnit) {
	m.patchMux.Lock()
	defer m.patchMux.Unlock()

	target := m.Current(api.TierAny)
	old := m.dispatched.Load()
	if target == nil || target == old {
		return
	}
	m.dispatched.Store(target)
	res := b.patcher.Patch(ctx, t, old, target)
	m.lastPatch = res
	b.stats.slotsPatched.Add(int64(res.SlotsPatched))
	if res.CallSitePatched {
		b.stats.callSitesPatched.Add(1)
	}
}

// dispatchEntry resolves the initial content of a dispatch slot.
func (b *Broker) dispatchEntry(id api.MethodID) uint64 {
	if m := b.Method(id); m != nil {
		if a := m.dispatched.Load(); a != nil {
			return a.Entry(api.TierOptimized)
		}
	}
	return b.unresolved.Start
}

// PrologueAdapter implements artifact.Relocator.
func (b *Broker) PrologueAdapter(tier api.Tier, sig *api.Signature) (uint64, error) {
	a, err := b.adapters.ForPrologue(tier, sig)
	if err != nil {
		return 0, err
	}
	return a.Base(), nil
}

// CallTarget implements artifact.Relocator. A call to a method without code targets the unresolved-call stub.
func (b *Broker) CallTarget(callerTier api.Tier, callee api.MethodID) uint64 {
	if m := b.Method(callee); m != nil {
		if a := m.Current(api.TierAny); a != nil {
			return a.Entry(callerTier)
		}
	}
	return b.unresolved.Start
}

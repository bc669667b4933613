// Package tiered is the tiered compilation core of a managed-code engine.
//
// A Runtime decides, per method, which backend produces its machine code. Methods start with code of the baseline
// tier and are promoted to the optimizing tier once hot. Callers are redirected to new code while other threads may
// still run the old one, and code of either tier calls the other through generated adapters.
package tiered

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/adapter"
	"github.com/tetratelabs/tiered/internal/artifact"
	"github.com/tetratelabs/tiered/internal/backend"
	"github.com/tetratelabs/tiered/internal/broker"
	"github.com/tetratelabs/tiered/internal/codecache"
	"github.com/tetratelabs/tiered/internal/logging"
	"github.com/tetratelabs/tiered/internal/objmodel"
	"github.com/tetratelabs/tiered/internal/pool"
	"github.com/tetratelabs/tiered/internal/vmthread"
)

type (
	// Backend compiles methods to a single tier. Use NewArtifactBuilder to lay out the code it returns.
	Backend = backend.Backend
	// CompileRequest is the input of a Backend.
	CompileRequest = backend.Request
	// Artifact is the machine code of one method at one tier.
	Artifact = artifact.Artifact
	// ArtifactBuilder lays out code the way the runtime expects.
	ArtifactBuilder = artifact.Builder
	// Bailout is returned by a Backend declining a method. The compile may be retried with the other tier.
	Bailout = backend.Bailout
	// FatalCompilationError is returned when no backend produced code for a method.
	FatalCompilationError = backend.FatalCompilationError
	// Method is a compilable method registered with DefineMethod.
	Method = broker.MethodUnit
	// CompileOptions modify a single compile request.
	CompileOptions = broker.CompileOptions
	// Stats are the compilation counters of a Runtime.
	Stats = broker.Stats
	// Type is a receiver type whose dispatch tables the runtime keeps pointed at current code.
	Type = objmodel.Type
	// Thread is the identity of a goroutine running managed code.
	Thread = vmthread.Thread
	// Adapter is generated code calling from one tier's convention into the other's.
	Adapter = adapter.Adapter
	// AdapterDirection is the pair of conventions an Adapter converts between.
	AdapterDirection = adapter.Direction
)

const (
	// BaselineToOptimized adapts baseline callers to optimized code.
	BaselineToOptimized = adapter.DirectionBaselineToOptimized
	// OptimizedToBaseline adapts optimized callers to baseline code.
	OptimizedToBaseline = adapter.DirectionOptimizedToBaseline
)

var (
	// ErrResourceExhausted is returned when a compile is deferred. See backend.ErrResourceExhausted
	ErrResourceExhausted = backend.ErrResourceExhausted
	// ErrFatal matches every FatalCompilationError with errors.Is.
	ErrFatal = backend.ErrFatal
	// ErrCompilationQueued is returned by a background compile of a method with no code yet.
	ErrCompilationQueued = broker.ErrCompilationQueued
	// ErrCompilationDisabled is returned by Promote for methods excluded from optimization.
	ErrCompilationDisabled = broker.ErrCompilationDisabled
)

// NewArtifactBuilder starts the code of a method of the given tier and signature.
func NewArtifactBuilder(tier api.Tier, sig *api.Signature, frameSize int) *ArtifactBuilder {
	return artifact.NewBuilder(tier, sig, frameSize)
}

// NewBailout returns a *Bailout of the named backend.
func NewBailout(backendName, format string, args ...interface{}) *Bailout {
	return backend.NewBailout(backendName, format, args...)
}

// Runtime owns the code cache, the compiler threads and the methods compiled into it. All methods are
// goroutine-safe.
type Runtime struct {
	config   *RuntimeConfig
	logger   *logging.Logger
	threads  *vmthread.Registry
	code     *codecache.Cache
	adapters *adapter.Cache
	pool     *pool.Pool
	broker   *broker.Broker
	closed   atomic.Bool
}

// NewRuntime returns a runtime compiling with the backends. The first backend of each tier is its default, and at
// least one backend is required.
func NewRuntime(config *RuntimeConfig, backends ...Backend) (*Runtime, error) {
	if config == nil {
		config = NewRuntimeConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends")
	}
	selector, err := backend.NewSelector(backends, config.overrides)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		config:  config.clone(),
		logger:  logging.NewLogger(config.logWriter, config.logScopes),
		threads: vmthread.NewRegistry(),
		code:    codecache.New(config.codeSegmentSize, config.codeCacheSize),
	}
	r.adapters = adapter.NewCache(adapter.NewAMD64Generator(), r.code, r.logger)
	if config.backgroundCompilation && config.poolSize > 0 {
		r.pool = pool.New(r.threads, r.logger, config.poolSize, config.poolQueueSize)
	}
	r.broker, err = broker.New(broker.Config{
		PromotionThreshold:    config.promotionThreshold,
		PromotionBackoff:      config.promotionBackoff,
		BackgroundCompilation: config.backgroundCompilation,
		FailoverRetry:         config.failoverRetry,
		MaxDeoptimizations:    config.maxDeoptimizations,
		PatchSearchDepth:      config.patchSearchDepth,
	}, selector, r.code, r.adapters, r.threads, r.pool, r.logger)
	if err != nil {
		_ = r.Close(context.Background())
		return nil, err
	}
	return r, nil
}

// DefineMethod registers a method. body is passed as is to the backends.
func (r *Runtime) DefineMethod(id api.MethodID, name string, sig *api.Signature, body interface{}) (*Method, error) {
	return r.broker.Register(id, name, sig, body)
}

// Method returns the method defined with the ID or nil.
func (r *Runtime) Method(id api.MethodID) *Method { return r.broker.Method(id) }

// DefineType registers a receiver type. Its dispatch table slots start at the current code of each method, or at
// the unresolved-call stub for methods without code.
func (r *Runtime) DefineType(name string, vtable []api.MethodID, itables map[string][]api.MethodID) (*Type, error) {
	return r.broker.Universe().Define(name, vtable, itables)
}

// Compile returns code of the tier for m, compiling it if needed. See CompileOptions.
func (r *Runtime) Compile(ctx context.Context, m *Method, tier api.Tier, opts CompileOptions) (*Artifact, error) {
	return r.broker.Compile(ctx, m, tier, opts)
}

// CountEntry records an entry into m and promotes it once hot. It returns true if this entry triggered the
// promotion.
func (r *Runtime) CountEntry(ctx context.Context, m *Method) (bool, error) {
	return r.broker.CountEntry(ctx, m)
}

// CountBackedge records a loop backedge in m and promotes it once hot.
func (r *Runtime) CountBackedge(ctx context.Context, m *Method) (bool, error) {
	return r.broker.CountBackedge(ctx, m)
}

// Promote requests optimized code for m regardless of its hotness.
func (r *Runtime) Promote(ctx context.Context, m *Method) (*Artifact, error) {
	return r.broker.Promote(ctx, m)
}

// Deoptimize invalidates the optimized code of m and sends its callers back to baseline code.
func (r *Runtime) Deoptimize(ctx context.Context, m *Method, reason string) (*Artifact, error) {
	return r.broker.Deoptimize(ctx, m, reason)
}

// DisableCompilation excludes m from promotion.
func (r *Runtime) DisableCompilation(m *Method) { r.broker.DisableCompilation(m) }

// ReclaimCode releases superseded code no thread, dispatch table or call site references anymore. It returns the
// number of artifacts released.
func (r *Runtime) ReclaimCode(ctx context.Context) (int, error) { return r.broker.ReclaimCode(ctx) }

// Stats returns a snapshot of the compilation counters.
func (r *Runtime) Stats() Stats { return r.broker.Stats() }

// NewThread registers a thread for running managed code. Its recorded frames keep the code they run alive. Call
// ReleaseThread when it exits.
func (r *Runtime) NewThread(name string) *Thread { return r.threads.NewThread(name) }

// ReleaseThread unregisters a thread created by NewThread.
func (r *Runtime) ReleaseThread(t *Thread) { r.threads.Release(t) }

// RunOn runs fn on the calling goroutine as thread t, so compiles fn triggers search t's stack for call sites.
func (r *Runtime) RunOn(t *Thread, fn func()) { r.threads.Attach(t, fn) }

// Adapter returns the adapter code of the signature and direction, generating and installing it on first use.
func (r *Runtime) Adapter(sig *api.Signature, dir AdapterDirection) (*Adapter, error) {
	return r.adapters.Get(sig, dir)
}

// WritePerfMap writes one "start size name" line per code region, the format perf reads from /tmp/perf-<pid>.map.
func (r *Runtime) WritePerfMap(w io.Writer) error { return r.code.WritePerfMap(w) }

// Close stops the compiler threads, waiting for queued compiles, and unmaps all code. Code must not run anymore.
func (r *Runtime) Close(context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.pool != nil {
		r.pool.Close()
	}
	return r.code.Close()
}

// String implements fmt.Stringer.
func (r *Runtime) String() string {
	return fmt.Sprintf("runtime(%s, %s)", r.code, r.Stats())
}

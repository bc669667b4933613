// Package fakebackend provides scriptable backends which lay out real artifacts without compiling anything.
package fakebackend

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/artifact"
	"github.com/tetratelabs/tiered/internal/backend"
)

// Body is the method body the fake backends understand.
type Body struct {
	// Calls are the methods called directly, in order.
	Calls []api.MethodID
	// FrameSize is the size of the frame below the saved rbp.
	FrameSize int
	// Refs are the frame slots holding references.
	Refs []int
}

// Hook runs at the start of each compile. A non-nil error is returned by Compile instead of an artifact.
type Hook func(ctx context.Context, req *backend.Request) error

// Backend is a backend.Backend whose behavior is set up by the test. Configure it before first use.
type Backend struct {
	name      string
	tier      api.Tier
	buildTier api.Tier
	hook      Hook
	gate      chan struct{}
	started   chan *backend.Request

	invocations atomic.Int64
}

var _ backend.Backend = (*Backend)(nil)

// New returns a backend of the given name and tier which always succeeds.
func New(name string, tier api.Tier) *Backend {
	return &Backend{name: name, tier: tier, buildTier: tier, started: make(chan *backend.Request, 128)}
}

// WithHook sets the function run at the start of each compile.
func (b *Backend) WithHook(hook Hook) *Backend {
	b.hook = hook
	return b
}

// Bailing makes every compile bail out.
func (b *Backend) Bailing(reason string) *Backend {
	return b.WithHook(func(context.Context, *backend.Request) error {
		return backend.NewBailout(b.name, "%s", reason)
	})
}

// Failing makes every compile fail with err.
func (b *Backend) Failing(err error) *Backend {
	return b.WithHook(func(context.Context, *backend.Request) error { return err })
}

// Producing makes the backend return artifacts of a tier other than the one it reports.
func (b *Backend) Producing(tier api.Tier) *Backend {
	b.buildTier = tier
	return b
}

// Gated makes compiles block until Release is called or their context is done.
func (b *Backend) Gated() *Backend {
	b.gate = make(chan struct{})
	return b
}

// Release unblocks all current and future compiles of a Gated backend.
func (b *Backend) Release() { close(b.gate) }

// Started receives the request of each compile as it starts, while there is buffer space.
func (b *Backend) Started() <-chan *backend.Request { return b.started }

// Invocations returns the number of Compile calls so far.
func (b *Backend) Invocations() int64 { return b.invocations.Load() }

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.name }

// Tier implements backend.Backend.
func (b *Backend) Tier() api.Tier { return b.tier }

// Compile implements backend.Backend.
func (b *Backend) Compile(ctx context.Context, req *backend.Request) (*artifact.Artifact, error) {
	b.invocations.Add(1)
	select {
	case b.started <- req:
	default:
	}
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.hook != nil {
		if err := b.hook(ctx, req); err != nil {
			return nil, err
		}
	}
	return Build(b.buildTier, b.name, req), nil
}

// Build lays out the artifact of req at the tier. A nil or foreign body yields an empty method.
func Build(tier api.Tier, backendName string, req *backend.Request) *artifact.Artifact {
	body, _ := req.Body.(*Body)
	if body == nil {
		body = &Body{}
	}
	b := artifact.NewBuilder(tier, req.Signature, body.FrameSize)
	for _, slot := range body.Refs {
		b.MarkReference(slot)
	}
	b.Emit(0x90)
	for _, callee := range body.Calls {
		b.DirectCall(callee)
	}
	return b.Build(req.Method, req.Name, backendName)
}

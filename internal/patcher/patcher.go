// Package patcher redirects existing callers of a method to its newly installed code.
//
// Patching is conservative. Dispatch table slots are all updated, but direct call sites are only searched for in
// the few innermost frames of the requesting thread. A call site that is not found keeps calling the old code,
// which stays valid until no frame or call site references it, so correctness never depends on finding it.
package patcher

import (
	"context"
	"fmt"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/artifact"
	"github.com/tetratelabs/tiered/internal/codecache"
	"github.com/tetratelabs/tiered/internal/logging"
	"github.com/tetratelabs/tiered/internal/objmodel"
	"github.com/tetratelabs/tiered/internal/stackwalk"
	"github.com/tetratelabs/tiered/internal/vmthread"
)

// DefaultSearchDepth is the number of frames searched for a direct call site when not configured.
const DefaultSearchDepth = 8

// Result describes what a Patch call changed. Finding nothing is not an error.
type Result struct {
	// SlotsPatched is the number of dispatch table slots redirected to the new code.
	SlotsPatched int
	// CallSitePatched is true when a direct call site was redirected.
	CallSitePatched bool
	// CallSite is the address of the patched call instruction, if any.
	CallSite uint64
	// FramesVisited is the number of frames the search looked at.
	FramesVisited int
}

// String implements fmt.Stringer.
func (r Result) String() string {
	site := "none"
	if r.CallSitePatched {
		site = fmt.Sprintf("%#x", r.CallSite)
	}
	return fmt.Sprintf("slots=%d callsite=%s frames=%d", r.SlotsPatched, site, r.FramesVisited)
}

// Patcher rewrites dispatch table slots and direct call sites.
type Patcher struct {
	universe *objmodel.Universe
	code     *codecache.Cache
	walker   stackwalk.Walker
	depth    int
	// unresolved is the address calls to methods with no code yet jump to.
	unresolved uint64
	logger     *logging.Logger
}

// New returns a Patcher searching depth frames for direct call sites. A depth of zero disables the search.
func New(universe *objmodel.Universe, code *codecache.Cache, walker stackwalk.Walker, depth int, unresolved uint64, logger *logging.Logger) *Patcher {
	if depth < 0 {
		panic(fmt.Sprintf("BUG: negative patch search depth %d", depth))
	}
	return &Patcher{universe: universe, code: code, walker: walker, depth: depth, unresolved: unresolved, logger: logger}
}

// SearchDepth returns the maximum number of frames searched for a direct call site.
func (p *Patcher) SearchDepth() int { return p.depth }

// Patch redirects callers of old to new, which is code for the same method. A nil old means the method had no code
// and callers target the unresolved-call stub. t is the thread whose stack is searched for a direct call site, or nil
// to patch dispatch slots only.
func (p *Patcher) Patch(ctx context.Context, t *vmthread.Thread, old, new *artifact.Artifact) Result {
	if old != nil && old.Method != new.Method {
		panic(fmt.Sprintf("BUG: patching %s with code of another method %s", old, new))
	}
	var res Result
	res.SlotsPatched = p.patchSlots(old, new)
	if t != nil && p.depth > 0 {
		p.patchCallSite(ctx, t, old, new, &res)
	}
	p.logger.Logf(logging.LogScopePatch, "%s -> %s: %s", describe(old), new, res)
	return res
}

func describe(a *artifact.Artifact) string {
	if a == nil {
		return "unresolved"
	}
	return a.String()
}

func (p *Patcher) patchSlots(old, new *artifact.Artifact) (n int) {
	if p.universe == nil {
		return 0
	}
	from := p.unresolved
	if old != nil {
		from = old.Entry(api.TierOptimized)
	}
	to := new.Entry(api.TierOptimized)
	p.universe.EachSlot(func(_ *objmodel.Type, s *objmodel.Slot) bool {
		if s.Method == new.Method && s.CompareAndSwap(from, to) {
			n++
		}
		return true
	})
	return
}

func (p *Patcher) patchCallSite(ctx context.Context, t *vmthread.Thread, old, new *artifact.Artifact, res *Result) {
	anchor := t.Anchor()
	if anchor == nil {
		return
	}
	err := p.walker.Walk(anchor, func(f stackwalk.Frame) bool {
		if ctx.Err() != nil || res.FramesVisited >= p.depth {
			return false
		}
		res.FramesVisited++
		if f.Top {
			// The innermost IP is not a return address.
			return true
		}
		at, ok := p.patchFrame(f, old, new)
		if ok {
			res.CallSitePatched, res.CallSite = true, at
			return false
		}
		return true
	})
	if err != nil {
		p.logger.Logf(logging.LogScopePatch, "%s: stack walk stopped: %v", t, err)
	}
}

// patchFrame patches the direct call returning to f.IP if it targets old.
func (p *Patcher) patchFrame(f stackwalk.Frame, old, new *artifact.Artifact) (uint64, bool) {
	r, ok := p.code.Lookup(f.IP)
	if !ok {
		return 0, false
	}
	caller, ok := r.Owner.(*artifact.Artifact)
	if !ok {
		return 0, false
	}
	cs, ok := caller.CallSiteReturningTo(f.IP)
	if !ok || cs.Kind != artifact.CallKindDirect || cs.Callee != new.Method {
		return 0, false
	}
	target, err := caller.DirectCallTarget(p.code, cs)
	if err != nil {
		return 0, false
	}

	var to uint64
	switch {
	case old == nil && target == p.unresolved:
		to = new.Entry(caller.Tier)
	case old != nil && target == old.Entry(api.TierBaseline):
		to = new.Entry(api.TierBaseline)
	case old != nil && target == old.Entry(api.TierOptimized):
		to = new.Entry(api.TierOptimized)
	default:
		return 0, false
	}

	at := caller.Base() + uint64(cs.Offset)
	from, _ := artifact.Displacement(at, target)
	disp, err := artifact.Displacement(at, to)
	if err != nil {
		p.logger.Logf(logging.LogScopePatch, "%s: %v", caller, err)
		return 0, false
	}
	swapped, err := p.code.CompareAndSwap32(at+artifact.CallDisplacementOffset, from, disp)
	return at, err == nil && swapped
}

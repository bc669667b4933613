package broker

import (
	"context"
	"fmt"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/artifact"
	"github.com/tetratelabs/tiered/internal/backend"
	"github.com/tetratelabs/tiered/internal/logging"
	"github.com/tetratelabs/tiered/internal/vmthread"
)

// CountEntry records an entry into m and promotes it when its hotness crosses the threshold. It returns true if
// this entry triggered a promotion attempt.
func (b *Broker) CountEntry(ctx context.Context, m *MethodUnit) (bool, error) {
	if !m.Profile.CountEntry() {
		return false, nil
	}
	_, err := b.Promote(ctx, m)
	return true, err
}

// CountBackedge is CountEntry for a loop backedge in m.
func (b *Broker) CountBackedge(ctx context.Context, m *MethodUnit) (bool, error) {
	if !m.Profile.CountBackedge() {
		return false, nil
	}
	_, err := b.Promote(ctx, m)
	return true, err
}

// Promote requests optimized code for m and redirects its callers to it.
//
// Promotion is skipped with ErrCompilationDisabled for a method excluded from optimization, deferred with
// backend.ErrResourceExhausted on a thread which cannot allocate, and skipped with ErrRecursiveCompilation on a
// thread already compiling. A promotion which does not produce optimized code backs the method's counter off, and so
// does a background compile it queued once that fails.
func (b *Broker) Promote(ctx context.Context, m *MethodUnit) (ret *artifact.Artifact, err error) {
	b.threads.CurrentOrAttach("promote", func(t *vmthread.Thread) {
		ret, err = b.promote(ctx, t, m)
	})
	return
}

func (b *Broker) promote(ctx context.Context, t *vmthread.Thread, m *MethodUnit) (*artifact.Artifact, error) {
	m.mux.Lock()
	disabled := m.compilationDisabled || m.optimizationDisabled
	m.mux.Unlock()
	switch {
	case disabled:
		b.logger.Logf(logging.LogScopePromotion, "%s: skipped, %v", m, ErrCompilationDisabled)
		return nil, ErrCompilationDisabled
	case !t.CanAllocate():
		m.Profile.Backoff()
		b.stats.deferredPromotions.Add(1)
		b.logger.Logf(logging.LogScopePromotion, "%s: deferred, %s cannot allocate", m, t)
		return nil, backend.ErrResourceExhausted
	case t.IsCompiling():
		m.Profile.Backoff()
		b.logger.Logf(logging.LogScopePromotion, "%s: skipped, %s is compiling", m, t)
		return nil, ErrRecursiveCompilation
	}

	b.stats.promotions.Add(1)
	b.stats.requests.Add(1)
	b.logger.Logf(logging.LogScopePromotion, "%s: %s", m, m.Profile)
	art, queued, err := b.compile(ctx, t, m, api.TierOptimized, CompileOptions{})
	switch {
	case queued:
		// The background job backs the counter off if it fails.
		b.logger.Logf(logging.LogScopePromotion, "%s: queued", m)
		return art, err
	case err == nil && art.Tier == api.TierOptimized:
		b.syncDispatch(ctx, t, m)
		return art, nil
	}
	m.Profile.Backoff()
	if err == nil {
		b.logger.Logf(logging.LogScopePromotion, "%s: fell back to %s", m, art)
		return art, nil
	}
	b.logger.Logf(logging.LogScopePromotion, "%s: failed, %v", m, err)
	return nil, err
}

// Deoptimize invalidates the current optimized artifact of m, makes baseline code current and redirects the callers
// to it. Frames still executing the optimized code keep running it.
func (b *Broker) Deoptimize(ctx context.Context, m *MethodUnit, reason string) (ret *artifact.Artifact, err error) {
	b.threads.CurrentOrAttach("deopt", func(t *vmthread.Thread) {
		ret, err = b.deoptimize(ctx, t, m, reason)
	})
	return
}

func (b *Broker) deoptimize(ctx context.Context, t *vmthread.Thread, m *MethodUnit, reason string) (*artifact.Artifact, error) {
	m.mux.Lock()
	opt := m.current[api.TierOptimized]
	if opt == nil {
		m.mux.Unlock()
		return nil, fmt.Errorf("deoptimizing %s: no optimized code", m)
	}
	m.current[api.TierOptimized] = nil
	m.invalidated[opt.ID] = struct{}{}
	m.deopts++
	if max := b.cfg.MaxDeoptimizations; max > 0 && m.deopts > max {
		m.optimizationDisabled = true
	}
	deopts, disabled := m.deopts, m.optimizationDisabled
	m.mux.Unlock()

	m.Profile.Reset()
	b.stats.deoptimizations.Add(1)
	b.logger.Logf(logging.LogScopeDeopt, "%s: invalidated %s (%s) deopts=%d optimization disabled=%v",
		m, opt, reason, deopts, disabled)

	b.stats.requests.Add(1)
	base, _, err := b.compile(ctx, t, m, api.TierBaseline, CompileOptions{Deopt: true})
	if err != nil {
		return nil, fmt.Errorf("deoptimizing %s: %w", m, err)
	}
	b.syncDispatch(ctx, t, m)
	return base, nil
}

// DisableCompilation excludes m from promotion. Explicit compile requests are still served.
func (b *Broker) DisableCompilation(m *MethodUnit) {
	m.mux.Lock()
	m.compilationDisabled = true
	m.mux.Unlock()
	b.logger.Logf(logging.LogScopePromotion, "%s: compilation disabled", m)
}

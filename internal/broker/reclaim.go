package broker

import (
	"context"
	"fmt"

	"github.com/tetratelabs/tiered/internal/adapter"
	"github.com/tetratelabs/tiered/internal/artifact"
	"github.com/tetratelabs/tiered/internal/codecache"
	"github.com/tetratelabs/tiered/internal/logging"
	"github.com/tetratelabs/tiered/internal/objmodel"
	"github.com/tetratelabs/tiered/internal/stackwalk"
)

// ReclaimCode releases the code of superseded artifacts nothing references anymore, and returns how many were
// released.
//
// An artifact is kept while it is current or dispatched, while a frame of a registered thread executes it or an
// adapter frame is about to enter it, while a dispatch slot or a direct call site of installed code targets it, and
// while a running job may fall back to it. A stack which cannot be walked aborts the reclaim.
func (b *Broker) ReclaimCode(ctx context.Context) (int, error) {
	b.reclaimMux.Lock()
	defer b.reclaimMux.Unlock()

	live := map[*codecache.Region]struct{}{}
	mark := func(addr uint64) {
		if r, ok := b.code.Lookup(addr); ok {
			live[r] = struct{}{}
		}
	}

	for _, t := range b.threads.Threads() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		a := t.Anchor()
		if a == nil {
			continue
		}
		err := b.walker.Walk(a, func(f stackwalk.Frame) bool {
			mark(f.IP)
			if r, ok := b.code.Lookup(f.IP); ok {
				if ad, ok := r.Owner.(*adapter.Adapter); ok {
					if loc, ok := ad.BodyAddressLocation(f); ok {
						if body, err := stackwalk.ReadWord(a.Memory, loc); err == nil {
							mark(body)
						}
					}
				}
			}
			return true
		})
		if err != nil {
			return 0, fmt.Errorf("walking %s: %w", t, err)
		}
	}

	b.universe.EachSlot(func(_ *objmodel.Type, s *objmodel.Slot) bool {
		mark(s.Entry())
		return true
	})

	methods := b.Methods()
	for _, m := range methods {
		for _, a := range m.History() {
			if !a.Installed() {
				continue
			}
			for i := range a.CallSites {
				cs := &a.CallSites[i]
				if cs.Kind != artifact.CallKindDirect {
					continue
				}
				target, err := a.DirectCallTarget(b.code, cs)
				if err != nil {
					return 0, err
				}
				mark(target)
			}
		}
	}

	n := 0
	for _, m := range methods {
		n += b.reclaimMethod(m, live)
	}
	b.stats.reclaimed.Add(int64(n))
	return n, nil
}

func (b *Broker) reclaimMethod(m *MethodUnit, live map[*codecache.Region]struct{}) (n int) {
	m.mux.Lock()
	defer m.mux.Unlock()

	pinned := map[*artifact.Artifact]struct{}{}
	for _, j := range m.jobs {
		for _, a := range j.fallback {
			pinned[a] = struct{}{}
		}
	}
	dispatched := m.dispatched.Load()
	history := m.history[:0]
	for _, a := range m.history {
		r := a.Region()
		if r == nil {
			continue
		}
		_, referenced := live[r]
		_, isPinned := pinned[a]
		if referenced || isPinned || a == dispatched || a == m.current[a.Tier] {
			history = append(history, a)
			continue
		}
		b.logger.Logf(logging.LogScopeCompile, "reclaimed %s at %#x", a, r.Start)
		a.Uninstall(b.code)
		n++
	}
	for i := len(history); i < len(m.history); i++ {
		m.history[i] = nil
	}
	m.history = history
	return
}

package backend

import (
	"fmt"
	"path"

	"github.com/tetratelabs/tiered/api"
)

// Override forces methods whose name matches Pattern to be compiled by the named backend, when that backend
// produces the requested tier. Pattern uses path.Match syntax, e.g. "java/lang/*.hashCode".
type Override struct {
	Pattern string
	Backend string
}

// String implements fmt.Stringer.
func (o Override) String() string { return o.Pattern + "=" + o.Backend }

// Selector picks the backend for a method and tier. The first backend registered for a tier is its default.
type Selector struct {
	backends  []Backend
	byName    map[string]Backend
	defaults  [api.TierOptimized + 1]Backend
	overrides []Override
}

// NewSelector returns a Selector over the backends. It fails on duplicate names, unknown backends in overrides
// and malformed patterns.
func NewSelector(backends []Backend, overrides []Override) (*Selector, error) {
	s := &Selector{byName: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		name, tier := b.Name(), b.Tier()
		if _, ok := s.byName[name]; ok {
			return nil, fmt.Errorf("duplicate backend %q", name)
		}
		if tier != api.TierBaseline && tier != api.TierOptimized {
			return nil, fmt.Errorf("backend %q has invalid tier %s", name, tier)
		}
		s.byName[name] = b
		s.backends = append(s.backends, b)
		if s.defaults[tier] == nil {
			s.defaults[tier] = b
		}
	}
	for _, o := range overrides {
		if _, ok := s.byName[o.Backend]; !ok {
			return nil, fmt.Errorf("override %s: unknown backend %q", o, o.Backend)
		}
		if _, err := path.Match(o.Pattern, ""); err != nil {
			return nil, fmt.Errorf("override %s: %w", o, err)
		}
		s.overrides = append(s.overrides, o)
	}
	return s, nil
}

// Backends returns the backends in registration order.
func (s *Selector) Backends() []Backend { return s.backends }

// Lookup returns the backend of the given name.
func (s *Selector) Lookup(name string) (Backend, bool) {
	b, ok := s.byName[name]
	return b, ok
}

// Default returns the default backend of the tier or nil.
func (s *Selector) Default(tier api.Tier) Backend {
	if tier > api.TierOptimized {
		return nil
	}
	return s.defaults[tier]
}

// Select returns the backend compiling the named method at tier. api.TierAny selects the baseline default when
// there is one. The first matching override whose backend produces a compatible tier wins.
func (s *Selector) Select(method string, tier api.Tier) (Backend, bool) {
	for _, o := range s.overrides {
		if ok, _ := path.Match(o.Pattern, method); !ok {
			continue
		}
		if b := s.byName[o.Backend]; tier.Accepts(b.Tier()) {
			return b, true
		}
	}
	if tier == api.TierAny {
		if b := s.defaults[api.TierBaseline]; b != nil {
			return b, true
		}
		tier = api.TierOptimized
	}
	b := s.Default(tier)
	return b, b != nil
}

// Alternate returns the backend to retry with after b bailed out: the default of the other tier.
func (s *Selector) Alternate(b Backend) (Backend, bool) {
	alt := s.Default(b.Tier().Opposite())
	return alt, alt != nil
}

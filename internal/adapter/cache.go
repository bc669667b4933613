package adapter

import (
	"fmt"
	"sync"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/codecache"
	"github.com/tetratelabs/tiered/internal/logging"
)

type cacheKey struct {
	sig string
	dir Direction
}

// Cache generates each adapter once per signature and direction and installs it in the code cache.
type Cache struct {
	gen    Generator
	code   *codecache.Cache
	logger *logging.Logger

	adapters sync.Map // map[cacheKey]*Adapter
}

// NewCache returns a Cache placing the code produced by gen in code.
func NewCache(gen Generator, code *codecache.Cache, logger *logging.Logger) *Cache {
	return &Cache{gen: gen, code: code, logger: logger}
}

// Get returns the installed adapter for the signature and direction, generating it if needed. Concurrent callers
// may generate the same adapter, in which case all but the first one stored are discarded.
func (c *Cache) Get(sig *api.Signature, dir Direction) (*Adapter, error) {
	key := cacheKey{sig: sig.Key(), dir: dir}
	if a, ok := c.adapters.Load(key); ok {
		return a.(*Adapter), nil
	}

	a, err := c.gen.Generate(sig, dir)
	if err != nil {
		return nil, fmt.Errorf("generating %s adapter for %s: %w", dir, sig, err)
	}
	r, err := c.code.Allocate(len(a.Code), codecache.RegionKindAdapter, a.Name(), a)
	if err != nil {
		return nil, err
	}
	copy(r.Bytes(), a.Code)
	a.region = r

	if actual, loaded := c.adapters.LoadOrStore(key, a); loaded {
		c.code.Release(r)
		c.logger.Logf(logging.LogScopeAdapter, "discarded duplicate %s", a)
		return actual.(*Adapter), nil
	}
	c.logger.Logf(logging.LogScopeAdapter, "installed %s at %#x size=%d frame=%d", a, r.Start, len(a.Code), a.FrameSize)
	return a, nil
}

// ForPrologue returns the adapter called by the prologue of code of the given tier and signature.
func (c *Cache) ForPrologue(tier api.Tier, sig *api.Signature) (*Adapter, error) {
	return c.Get(sig, ForPrologue(tier))
}

// Len returns the number of adapters cached.
func (c *Cache) Len() (n int) {
	c.adapters.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return
}

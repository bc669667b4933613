// Package codecache owns the address space generated code lives in.
//
// Compiled methods, adapters and runtime stubs are each placed in a Region carved out of mmapped segments. Regions
// are indexed by start address so any instruction pointer can be mapped back to the code that contains it, which is
// what the stack walker and the call-site patcher rely on.
package codecache

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/google/btree"

	"github.com/tetratelabs/tiered/internal/platform"
	"github.com/tetratelabs/tiered/internal/stackwalk"
)

// RegionKind classifies the code in a Region.
type RegionKind byte

const (
	RegionKindArtifact RegionKind = iota
	RegionKindAdapter
	RegionKindStub
)

// String implements fmt.Stringer.
func (k RegionKind) String() string {
	switch k {
	case RegionKindArtifact:
		return "artifact"
	case RegionKindAdapter:
		return "adapter"
	case RegionKindStub:
		return "stub"
	}
	return fmt.Sprintf("<unknown region kind=%d>", byte(k))
}

// Alignment is the alignment of every Region's start address.
const Alignment = 16

// ErrFull is returned by Allocate when the capacity would be exceeded.
var ErrFull = errors.New("code cache is full")

// Region is a contiguous range of code.
type Region struct {
	// Start is the address of the first byte.
	Start uint64
	// Size is the number of bytes in the region.
	Size int
	Kind RegionKind
	// Name is used in perf maps and traces.
	Name string
	// Owner is the object the code belongs to. When it implements stackwalk.Unwinder, frames in this region are
	// walkable.
	Owner interface{}

	seg, off int
	code     []byte
}

// Bytes returns the writable code of the region.
func (r *Region) Bytes() []byte { return r.code }

// Contains returns true if addr lies in this region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.Start+uint64(r.Size)
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("%s %s [%#x, %#x)", r.Kind, r.Name, r.Start, r.Start+uint64(r.Size))
}

type span struct{ seg, off, size int }

// Cache allocates regions and maps addresses back to them. All methods are goroutine-safe.
type Cache struct {
	segmentSize int
	capacity    int64

	mux      sync.RWMutex
	segments [][]byte
	// bump is the allocation offset in the last segment.
	bump  int
	free  []span
	used  int64
	index *btree.BTreeG[*Region]
}

// New returns a Cache which maps segments of segmentSize bytes, up to capacity bytes in total.
func New(segmentSize int, capacity int64) *Cache {
	if segmentSize <= 0 || int64(segmentSize) > capacity {
		panic(fmt.Sprintf("BUG: invalid code cache geometry: segment=%d capacity=%d", segmentSize, capacity))
	}
	segmentSize = (segmentSize + Alignment - 1) &^ (Alignment - 1)
	return &Cache{
		segmentSize: segmentSize,
		capacity:    capacity,
		index: btree.NewG[*Region](8, func(a, b *Region) bool {
			return a.Start < b.Start
		}),
	}
}

// Allocate reserves a region of size bytes, zeroed.
func (c *Cache) Allocate(size int, kind RegionKind, name string, owner interface{}) (*Region, error) {
	if size <= 0 {
		panic("BUG: Allocate with zero length")
	}
	if size > c.segmentSize {
		return nil, fmt.Errorf("%w: %s of %s exceeds segment size %s", ErrFull, name,
			units.BytesSize(float64(size)), units.BytesSize(float64(c.segmentSize)))
	}
	aligned := (size + Alignment - 1) &^ (Alignment - 1)

	c.mux.Lock()
	defer c.mux.Unlock()

	sp, err := c.takeLocked(aligned)
	if err != nil {
		return nil, fmt.Errorf("%w: %s needs %s, %s", err, name, units.BytesSize(float64(size)), c.statsLocked())
	}
	seg := c.segments[sp.seg]
	code := seg[sp.off : sp.off+size : sp.off+aligned]
	for i := range code {
		code[i] = 0
	}
	r := &Region{
		Start: uint64(uintptr(unsafe.Pointer(&seg[sp.off]))),
		Size:  size,
		Kind:  kind,
		Name:  name,
		Owner: owner,
		seg:   sp.seg,
		off:   sp.off,
		code:  code,
	}
	c.index.ReplaceOrInsert(r)
	c.used += int64(aligned)
	return r, nil
}

func (c *Cache) takeLocked(size int) (span, error) {
	for i, f := range c.free {
		if f.size < size {
			continue
		}
		ret := span{seg: f.seg, off: f.off, size: size}
		if f.size == size {
			c.free = append(c.free[:i], c.free[i+1:]...)
		} else {
			c.free[i] = span{seg: f.seg, off: f.off + size, size: f.size - size}
		}
		return ret, nil
	}
	if n := len(c.segments); n == 0 || c.bump+size > c.segmentSize {
		if int64(n+1)*int64(c.segmentSize) > c.capacity {
			return span{}, ErrFull
		}
		seg, err := platform.MmapCodeSegment(c.segmentSize)
		if err != nil {
			return span{}, fmt.Errorf("mapping code segment: %w", err)
		}
		if n > 0 && c.bump < c.segmentSize {
			c.free = append(c.free, span{seg: n - 1, off: c.bump, size: c.segmentSize - c.bump})
		}
		c.segments = append(c.segments, seg)
		c.bump = 0
	}
	ret := span{seg: len(c.segments) - 1, off: c.bump, size: size}
	c.bump += size
	return ret, nil
}

// Release returns the region's space to the cache. The region must no longer be reachable from any frame or
// dispatch slot.
func (c *Cache) Release(r *Region) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if _, ok := c.index.Delete(r); !ok {
		return
	}
	aligned := (r.Size + Alignment - 1) &^ (Alignment - 1)
	c.free = append(c.free, span{seg: r.seg, off: r.off, size: aligned})
	c.used -= int64(aligned)
	r.code = nil
}

// Lookup returns the region containing addr.
func (c *Cache) Lookup(addr uint64) (*Region, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.lookupLocked(addr)
}

func (c *Cache) lookupLocked(addr uint64) (ret *Region, ok bool) {
	c.index.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		ret, ok = r, r.Contains(addr)
		return false
	})
	return
}

// UnwinderFor implements stackwalk.CodeLookup.
func (c *Cache) UnwinderFor(ip uint64) (stackwalk.Unwinder, bool) {
	r, ok := c.Lookup(ip)
	if !ok {
		return nil, false
	}
	u, ok := r.Owner.(stackwalk.Unwinder)
	return u, ok
}

// Load32 atomically reads the 4-byte aligned word at addr.
func (c *Cache) Load32(addr uint64) (uint32, error) {
	p, err := c.word32(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Store32 atomically writes the 4-byte aligned word at addr. A concurrent reader observes either the old or the new
// value, never a mix of both.
func (c *Cache) Store32(addr uint64, v uint32) error {
	p, err := c.word32(addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

// CompareAndSwap32 atomically replaces the 4-byte aligned word at addr if it still equals old.
func (c *Cache) CompareAndSwap32(addr uint64, old, new uint32) (bool, error) {
	p, err := c.word32(addr)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(p, old, new), nil
}

func (c *Cache) word32(addr uint64) (*uint32, error) {
	if addr%4 != 0 {
		return nil, fmt.Errorf("unaligned code word at %#x", addr)
	}
	c.mux.RLock()
	defer c.mux.RUnlock()
	r, ok := c.lookupLocked(addr)
	if !ok || addr+4 > r.Start+uint64(r.Size) {
		return nil, fmt.Errorf("no code at %#x", addr)
	}
	return (*uint32)(unsafe.Pointer(&r.code[addr-r.Start])), nil
}

// Regions returns a snapshot of the live regions ordered by address.
func (c *Cache) Regions() []*Region {
	c.mux.RLock()
	defer c.mux.RUnlock()
	ret := make([]*Region, 0, c.index.Len())
	c.index.Ascend(func(r *Region) bool {
		ret = append(ret, r)
		return true
	})
	return ret
}

// Used returns the number of bytes held by live regions, including alignment padding.
func (c *Cache) Used() int64 {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.used
}

// String implements fmt.Stringer.
func (c *Cache) String() string {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.statsLocked()
}

func (c *Cache) statsLocked() string {
	return fmt.Sprintf("code cache %s/%s in %d segment(s), %d region(s)",
		units.BytesSize(float64(c.used)), units.BytesSize(float64(c.capacity)), len(c.segments), c.index.Len())
}

// WritePerfMap writes the live regions in the perf map format, one "<start> <size> <name>" line per region, so that
// external profilers can symbolize generated code.
func (c *Cache) WritePerfMap(w io.Writer) error {
	for _, r := range c.Regions() {
		line := strconv.FormatUint(r.Start, 16) + " " + strconv.FormatUint(uint64(r.Size), 16) + " " + r.Kind.String() + ":" + r.Name + "\n"
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps every segment. Regions must not be used afterwards.
func (c *Cache) Close() (err error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, seg := range c.segments {
		if e := platform.MunmapCodeSegment(seg); e != nil && err == nil {
			err = e
		}
	}
	c.segments = nil
	c.free = nil
	c.used = 0
	c.index.Clear(false)
	return
}

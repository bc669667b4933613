// Package stackwalk walks the managed frames of a thread.
//
// The walk starts at an Anchor, which is the top frame a thread published at its last safepoint, and asks the code
// owning each frame's instruction pointer how to reach the caller. Compiled methods and adapters describe their own
// frames, so adapters stay walkable even while their frame is only partially built.
package stackwalk

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame is the state of one activation as seen by the walker.
type Frame struct {
	// IP is the instruction pointer. For every frame but the top one, this is a return address.
	IP uint64
	// SP is the stack pointer of the frame.
	SP uint64
	// FP is the frame pointer of the frame.
	FP uint64
	// Top is true for the innermost frame.
	Top bool
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("ip=%#x sp=%#x fp=%#x top=%v", f.IP, f.SP, f.FP, f.Top)
}

// Memory reads stack memory. Addresses are always 8-byte aligned.
type Memory interface {
	ReadWord(addr uint64) (uint64, bool)
}

// Anchor is the top frame of a thread plus the memory its stack lives in.
type Anchor struct {
	IP, SP, FP uint64
	Memory     Memory
}

// Visitor is called for each frame from the top of the stack down. Returning false stops the walk.
type Visitor func(f Frame) bool

// Walker walks the frames reachable from an anchor.
type Walker interface {
	Walk(a *Anchor, visit Visitor) error
}

// Unwinder computes the caller of a frame whose IP lies in the code the Unwinder describes.
type Unwinder interface {
	// ReturnAddressLocation returns the stack address holding the return address of the frame.
	ReturnAddressLocation(f Frame) uint64
	// Unwind returns the caller's frame.
	Unwind(f Frame, mem Memory) (caller Frame, err error)
	// Describe returns a human-readable description of the frame.
	Describe(f Frame) string
}

// CodeLookup finds the Unwinder for the code containing ip.
type CodeLookup interface {
	UnwinderFor(ip uint64) (Unwinder, bool)
}

// DefaultMaxFrames bounds a CodeWalker walk when MaxFrames is zero.
const DefaultMaxFrames = 1 << 12

// ErrUnreadable is returned when a walk needs a word the Memory cannot provide.
var ErrUnreadable = errors.New("stack memory unreadable")

// CodeWalker is the Walker over code registered in a CodeLookup. The walk ends at the first frame whose IP belongs
// to no managed code, which is where native or runtime frames start.
type CodeWalker struct {
	Code      CodeLookup
	MaxFrames int
}

// Walk implements Walker.Walk
func (w *CodeWalker) Walk(a *Anchor, visit Visitor) error {
	if a == nil {
		return nil
	}
	max := w.MaxFrames
	if max <= 0 {
		max = DefaultMaxFrames
	}
	f := Frame{IP: a.IP, SP: a.SP, FP: a.FP, Top: true}
	for i := 0; i < max; i++ {
		if !visit(f) {
			return nil
		}
		u, ok := w.Code.UnwinderFor(f.IP)
		if !ok {
			return nil
		}
		caller, err := u.Unwind(f, a.Memory)
		if err != nil {
			return fmt.Errorf("unwinding %s: %w", u.Describe(f), err)
		}
		if caller.IP == 0 {
			return nil
		}
		f = caller
	}
	return nil
}

// ReadWord reads a word or returns ErrUnreadable.
func ReadWord(mem Memory, addr uint64) (uint64, error) {
	if mem == nil {
		return 0, ErrUnreadable
	}
	v, ok := mem.ReadWord(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrUnreadable, addr)
	}
	return v, nil
}

// SliceMemory is a Memory over a byte slice mapped at Base. It is how simulated threads and tests describe a stack.
type SliceMemory struct {
	Base  uint64
	Bytes []byte
}

// NewSliceMemory allocates size bytes of stack whose highest address is top (exclusive).
func NewSliceMemory(top uint64, size int) *SliceMemory {
	return &SliceMemory{Base: top - uint64(size), Bytes: make([]byte, size)}
}

// ReadWord implements Memory.ReadWord
func (m *SliceMemory) ReadWord(addr uint64) (uint64, bool) {
	if addr < m.Base || addr+8 > m.Base+uint64(len(m.Bytes)) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Bytes[addr-m.Base:]), true
}

// WriteWord stores v at addr. It panics when addr is outside the memory.
func (m *SliceMemory) WriteWord(addr, v uint64) {
	if addr < m.Base || addr+8 > m.Base+uint64(len(m.Bytes)) {
		panic(fmt.Sprintf("BUG: %#x out of stack [%#x, %#x)", addr, m.Base, m.Base+uint64(len(m.Bytes))))
	}
	binary.LittleEndian.PutUint64(m.Bytes[addr-m.Base:], v)
}

// Top returns the exclusive upper bound of the memory.
func (m *SliceMemory) Top() uint64 { return m.Base + uint64(len(m.Bytes)) }

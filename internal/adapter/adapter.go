// Package adapter generates the code which lets code of one tier call code compiled for the other.
//
// Baseline and optimized code use different calling conventions (see Assign). Each compiled method embeds a call
// to an adapter in its prologue, so a caller of either convention can enter any method. An adapter is shared by
// every method of the same signature: it copies the arguments into the callee's convention, calls the method body
// through the return address left by the prologue call, and returns with the caller's convention.
package adapter

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/artifact"
	"github.com/tetratelabs/tiered/internal/codecache"
	"github.com/tetratelabs/tiered/internal/stackwalk"
)

// Direction is the pair of conventions an adapter bridges.
type Direction byte

const (
	// DirectionNone means the caller and callee agree on the convention.
	DirectionNone Direction = iota
	// DirectionBaselineToOptimized adapts a baseline caller to an optimized callee.
	DirectionBaselineToOptimized
	// DirectionOptimizedToBaseline adapts an optimized caller to a baseline callee.
	DirectionOptimizedToBaseline
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionBaselineToOptimized:
		return "b2o"
	case DirectionOptimizedToBaseline:
		return "o2b"
	}
	return fmt.Sprintf("<unknown direction=%d>", byte(d))
}

// Caller returns the convention of the code calling through the adapter.
func (d Direction) Caller() api.Tier {
	switch d {
	case DirectionBaselineToOptimized:
		return api.TierBaseline
	case DirectionOptimizedToBaseline:
		return api.TierOptimized
	}
	panic(fmt.Sprintf("BUG: no caller convention for direction %s", d))
}

// Callee returns the convention of the method body the adapter calls.
func (d Direction) Callee() api.Tier { return d.Caller().Opposite() }

// directions is indexed by caller tier, then callee tier.
var directions = [3][3]Direction{
	api.TierBaseline: {
		api.TierBaseline:  DirectionNone,
		api.TierOptimized: DirectionBaselineToOptimized,
	},
	api.TierOptimized: {
		api.TierBaseline:  DirectionOptimizedToBaseline,
		api.TierOptimized: DirectionNone,
	},
}

// Select returns the adapter needed for a caller of callerTier code to enter calleeTier code.
func Select(callerTier, calleeTier api.Tier) Direction {
	if callerTier == api.TierAny || calleeTier == api.TierAny || callerTier > api.TierOptimized || calleeTier > api.TierOptimized {
		panic(fmt.Sprintf("BUG: invalid tiers %s -> %s", callerTier, calleeTier))
	}
	return directions[callerTier][calleeTier]
}

// ForPrologue returns the direction of the adapter called by the prologue of code of the given tier.
func ForPrologue(tier api.Tier) Direction {
	return Select(tier.Opposite(), tier)
}

// SubRange is a part of an adapter across which the frame layout does not change.
type SubRange byte

const (
	// SubRangeEntry is before `push rbp` executes.
	SubRangeEntry SubRange = iota
	// SubRangeSetup is after `push rbp` and before `mov rbp, rsp` executes.
	SubRangeSetup
	// SubRangeFrame is while rbp addresses the adapter frame, including the call to the body.
	SubRangeFrame
	// SubRangeTeardown is after `pop rbp` and before the body address is dropped.
	SubRangeTeardown
	// SubRangeReturn is the return instruction.
	SubRangeReturn
)

// String implements fmt.Stringer.
func (s SubRange) String() string {
	switch s {
	case SubRangeEntry:
		return "entry"
	case SubRangeSetup:
		return "setup"
	case SubRangeFrame:
		return "frame"
	case SubRangeTeardown:
		return "teardown"
	case SubRangeReturn:
		return "return"
	}
	return fmt.Sprintf("<unknown subrange=%d>", byte(s))
}

// Adapter is the generated code for one signature and direction.
//
// Adapters are immutable and implement stackwalk.Unwinder, so a thread stopped anywhere inside one can be walked.
type Adapter struct {
	Signature *api.Signature
	Direction Direction
	Code      []byte
	// FrameSize is the size in bytes of the outgoing argument area below the saved rbp.
	FrameSize int
	// CallOffset and CallSize locate the call to the method body.
	CallOffset, CallSize int
	// ArgumentBytes is what the adapter pops off a baseline caller's stack on return.
	ArgumentBytes int
	// RootMap marks the slots of the outgoing argument area, counted from rsp, which hold references.
	RootMap artifact.RootMap

	// ends[s] is the offset at which SubRange s ends.
	ends [SubRangeReturn + 1]int
	prog *program
	// offsets[i] is the offset of prog.insts[i].
	offsets []int
	region  *codecache.Region
}

// Name returns the name of the adapter in perf maps and traces, e.g. "b2o(int,long)void".
func (a *Adapter) Name() string { return a.Direction.String() + a.Signature.String() }

// String implements fmt.Stringer.
func (a *Adapter) String() string { return "adapter " + a.Name() }

// Base returns the address the adapter is installed at, or zero if it is not.
func (a *Adapter) Base() uint64 {
	if a.region == nil {
		return 0
	}
	return a.region.Start
}

// Region returns the code cache region of the adapter or nil.
func (a *Adapter) Region() *codecache.Region { return a.region }

// SubRangeAt returns the sub-range containing the offset.
func (a *Adapter) SubRangeAt(offset int) SubRange {
	for s := SubRangeEntry; s < SubRangeReturn; s++ {
		if offset < a.ends[s] {
			return s
		}
	}
	return SubRangeReturn
}

// SubRangeBounds returns the offsets [start, end) of the sub-range.
func (a *Adapter) SubRangeBounds(s SubRange) (start, end int) {
	if s > SubRangeEntry {
		start = a.ends[s-1]
	}
	return start, a.ends[s]
}

func (a *Adapter) subRangeOf(f stackwalk.Frame) SubRange {
	return a.SubRangeAt(int(f.IP - a.Base()))
}

// ReturnAddressLocation implements stackwalk.Unwinder. The return address of an adapter frame is the one of the
// original caller, since the method body behind the adapter has not started yet.
func (a *Adapter) ReturnAddressLocation(f stackwalk.Frame) uint64 {
	switch a.subRangeOf(f) {
	case SubRangeEntry:
		return f.SP + bodyAddressSlotSize
	case SubRangeSetup:
		return f.SP + 8 + bodyAddressSlotSize
	case SubRangeFrame:
		return f.FP + callerReturnOffset
	case SubRangeTeardown:
		return f.SP + bodyAddressSlotSize
	default:
		return f.SP
	}
}

// BodyAddressLocation returns where the frame keeps the address of the method body the adapter enters. It returns
// false in SubRangeReturn, where the body has returned and its address was dropped.
func (a *Adapter) BodyAddressLocation(f stackwalk.Frame) (uint64, bool) {
	switch a.subRangeOf(f) {
	case SubRangeEntry, SubRangeTeardown:
		return f.SP, true
	case SubRangeSetup:
		return f.SP + 8, true
	case SubRangeFrame:
		return f.FP + bodyAddressOffset, true
	}
	return 0, false
}

// Unwind implements stackwalk.Unwinder.
func (a *Adapter) Unwind(f stackwalk.Frame, mem stackwalk.Memory) (stackwalk.Frame, error) {
	retLoc := a.ReturnAddressLocation(f)
	ip, err := stackwalk.ReadWord(mem, retLoc)
	if err != nil {
		return stackwalk.Frame{}, err
	}
	fp := f.FP
	switch a.subRangeOf(f) {
	case SubRangeSetup:
		fp, err = stackwalk.ReadWord(mem, f.SP)
	case SubRangeFrame:
		fp, err = stackwalk.ReadWord(mem, f.FP)
	}
	if err != nil {
		return stackwalk.Frame{}, err
	}
	return stackwalk.Frame{IP: ip, SP: retLoc + 8, FP: fp}, nil
}

// Describe implements stackwalk.Unwinder.
func (a *Adapter) Describe(f stackwalk.Frame) string {
	off := int(f.IP - a.Base())
	s := a.SubRangeAt(off)
	desc := fmt.Sprintf("%s +%#x (%s)", a, off, s)
	if s == SubRangeFrame {
		desc += fmt.Sprintf(" frame=%d refs=%s", a.FrameSize, a.RootMap.Format(a.FrameSize/SlotSize))
	}
	return desc
}

// Disassemble returns one line per instruction with its offset, for diagnostics.
func (a *Adapter) Disassemble() string {
	var b strings.Builder
	for i := range a.prog.insts {
		in := &a.prog.insts[i]
		start, end := a.offsets[i], a.offsets[i+1]
		fmt.Fprintf(&b, "%#04x %-24x %s\n", start, a.Code[start:end], in)
	}
	return b.String()
}

// Generator produces adapters for one architecture.
type Generator interface {
	// Arch returns the architecture name, e.g. "amd64".
	Arch() string
	// Generate returns a new, not installed, adapter.
	Generate(sig *api.Signature, dir Direction) (*Adapter, error)
}

// NewAMD64Generator returns the Generator for amd64.
func NewAMD64Generator() Generator { return amd64Generator{} }

type amd64Generator struct{}

// Arch implements Generator.Arch
func (amd64Generator) Arch() string { return "amd64" }

// Generate implements Generator.Generate
func (amd64Generator) Generate(sig *api.Signature, dir Direction) (*Adapter, error) {
	if dir == DirectionNone {
		panic("BUG: generating an adapter for matching conventions")
	}
	p := lower(sig, dir)
	code, offsets, err := assembleAMD64(p)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		Signature:     sig,
		Direction:     dir,
		Code:          code,
		FrameSize:     p.frameSize,
		ArgumentBytes: p.argBytes,
		RootMap:       artifact.NewRootMap(p.frameSize / SlotSize),
		prog:          p,
		offsets:       offsets,
	}
	for _, slot := range p.refSlots {
		a.RootMap.Set(slot)
	}
	for i := range p.insts {
		end := offsets[i+1]
		switch p.insts[i].op {
		case opPushFP:
			a.ends[SubRangeEntry] = end
		case opSetFP:
			a.ends[SubRangeSetup] = end
		case opCallBody:
			a.CallOffset, a.CallSize = offsets[i], end-offsets[i]
		case opPopFP:
			a.ends[SubRangeFrame] = end
		case opDropBodyAddress:
			a.ends[SubRangeTeardown] = end
		case opRet:
			a.ends[SubRangeReturn] = end
		}
	}
	return a, nil
}

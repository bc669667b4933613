// Package artifact defines the immutable output of one compilation and how it is laid out in the code cache.
package artifact

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/codecache"
	"github.com/tetratelabs/tiered/internal/stackwalk"
)

// CallKind is the kind of a call site in compiled code.
type CallKind byte

const (
	// CallKindDirect is a `call rel32` bound to one callee. Its displacement is patchable.
	CallKindDirect CallKind = iota
	// CallKindVirtual dispatches through a dispatch table slot and is never patched in code.
	CallKindVirtual
)

// CallSite describes one call instruction in the code of an Artifact.
type CallSite struct {
	// Offset is the offset of the call instruction from the start of the code.
	Offset int
	// Callee is the method called.
	Callee api.MethodID
	Kind   CallKind
}

// ReturnOffset returns the offset of the instruction following the call.
func (c *CallSite) ReturnOffset() int { return c.Offset + CallInstructionSize }

// Artifact is machine code plus metadata produced by compiling one method at one tier.
//
// Everything but the installed address is immutable once a backend returns it. An artifact superseded by a newer
// one stays mapped until no live frame references it.
type Artifact struct {
	// ID is unique for each artifact, including recompilations of the same method.
	ID uuid.UUID
	// Method is the method compiled.
	Method api.MethodID
	// Name is the method's name.
	Name string
	// Signature is the method's signature.
	Signature *api.Signature
	Tier      api.Tier
	// Backend is the name of the backend which produced this.
	Backend string
	// Code starts with the prologue described in prologue.go.
	Code []byte
	// FrameSize is the size in bytes of the body's frame below the saved frame pointer.
	FrameSize int
	// RootMap marks the slots of the body's frame that hold references.
	RootMap RootMap
	// CallSites is ordered by Offset.
	CallSites []CallSite
	// BodyEnd is the offset of the epilogue: `leave` then the return instruction.
	BodyEnd int
	// ArgumentBytes is what the body's return instruction pops off the caller's stack.
	ArgumentBytes int

	region atomic.Pointer[codecache.Region]
}

// String implements fmt.Stringer.
func (a *Artifact) String() string {
	return fmt.Sprintf("%s@%s[%s]", a.Name, a.Tier, a.Backend)
}

// Installed returns true once Install succeeded and until Uninstall.
func (a *Artifact) Installed() bool { return a.region.Load() != nil }

// Region returns the code cache region holding the installed code or nil.
func (a *Artifact) Region() *codecache.Region { return a.region.Load() }

// Base returns the address of the first byte of the installed code. It panics if not installed.
func (a *Artifact) Base() uint64 {
	r := a.region.Load()
	if r == nil {
		panic(fmt.Sprintf("BUG: %s is not installed", a))
	}
	return r.Start
}

// Entry returns the address callers using the given convention call into.
func (a *Artifact) Entry(convention api.Tier) uint64 {
	return a.Base() + uint64(EntryOffset(a.Tier, convention))
}

// Entries returns the entry addresses for both conventions, baseline first.
func (a *Artifact) Entries() [2]uint64 {
	return [2]uint64{a.Entry(api.TierBaseline), a.Entry(api.TierOptimized)}
}

// Contains returns true if addr lies in the installed code.
func (a *Artifact) Contains(addr uint64) bool {
	r := a.region.Load()
	return r != nil && r.Contains(addr)
}

// Relocator resolves the targets of the calls embedded in code at install time.
type Relocator interface {
	// PrologueAdapter returns the address of the adapter the prologue of a method of this tier and signature calls.
	PrologueAdapter(tier api.Tier, sig *api.Signature) (uint64, error)
	// CallTarget returns the address a direct call from code of the caller tier to the callee jumps to.
	CallTarget(callerTier api.Tier, callee api.MethodID) uint64
}

// Install copies the code into the cache and resolves the prologue adapter call and every direct call site.
func (a *Artifact) Install(cache *codecache.Cache, rel Relocator) error {
	if a.Installed() {
		panic(fmt.Sprintf("BUG: %s installed twice", a))
	}
	r, err := cache.Allocate(len(a.Code), codecache.RegionKindArtifact, a.Name+"@"+a.Tier.String(), a)
	if err != nil {
		return err
	}
	code := r.Bytes()
	copy(code, a.Code)

	adapterAddr, err := rel.PrologueAdapter(a.Tier, a.Signature)
	if err == nil {
		err = EncodeCall(code[PrologueCallOffset:], r.Start+PrologueCallOffset, adapterAddr)
	}
	for i := 0; err == nil && i < len(a.CallSites); i++ {
		cs := &a.CallSites[i]
		if cs.Kind != CallKindDirect {
			continue
		}
		at := r.Start + uint64(cs.Offset)
		err = EncodeCall(code[cs.Offset:], at, rel.CallTarget(a.Tier, cs.Callee))
	}
	if err != nil {
		cache.Release(r)
		return fmt.Errorf("installing %s: %w", a, err)
	}
	a.region.Store(r)
	return nil
}

// Uninstall releases the code. The caller guarantees that no frame or dispatch slot references it.
func (a *Artifact) Uninstall(cache *codecache.Cache) {
	if r := a.region.Swap(nil); r != nil {
		cache.Release(r)
	}
}

// DirectCallTarget returns the current target of the direct call site, read atomically from the installed code.
func (a *Artifact) DirectCallTarget(cache *codecache.Cache, cs *CallSite) (uint64, error) {
	at := a.Base() + uint64(cs.Offset)
	disp, err := cache.Load32(at + CallDisplacementOffset)
	if err != nil {
		return 0, err
	}
	return CallTarget(at, disp), nil
}

// CallSiteReturningTo returns the direct call site whose return address is addr.
func (a *Artifact) CallSiteReturningTo(addr uint64) (*CallSite, bool) {
	if !a.Contains(addr) {
		return nil, false
	}
	off := int(addr - a.Base())
	for i := range a.CallSites {
		if cs := &a.CallSites[i]; cs.ReturnOffset() == off {
			return cs, true
		}
	}
	return nil, false
}

// The frame of a method body:
//
//	          (high address)
//	    |    caller's args    |  (baseline callers only, popped by the body)
//	    |   return address    |
//	    |    saved rbp        |  <- rbp once the frame is built
//	    |    frame slots      |
//	    +---------------------+  <- rsp
//	          (low address)
//
// The body starts with `push rbp; mov rbp, rsp` and ends with `leave; ret`, so the frame is only fully built
// between those.
const (
	pushRbpSize    = 1
	movRbpRspSize  = 3
	frameBuiltFrom = PrologueSize + pushRbpSize + movRbpRspSize
)

// ReturnAddressLocation implements stackwalk.Unwinder.
func (a *Artifact) ReturnAddressLocation(f stackwalk.Frame) uint64 {
	switch off := int(f.IP - a.Base()); {
	case off < PrologueSize+pushRbpSize:
		return f.SP
	case off < frameBuiltFrom:
		return f.SP + 8
	case off <= a.BodyEnd:
		return f.FP + 8
	default:
		return f.SP
	}
}

// Unwind implements stackwalk.Unwinder. The caller's SP is its value at the call instruction, before the return
// address was pushed.
func (a *Artifact) Unwind(f stackwalk.Frame, mem stackwalk.Memory) (stackwalk.Frame, error) {
	retLoc := a.ReturnAddressLocation(f)
	ip, err := stackwalk.ReadWord(mem, retLoc)
	if err != nil {
		return stackwalk.Frame{}, err
	}
	fp := f.FP
	switch off := int(f.IP - a.Base()); {
	case off >= PrologueSize+pushRbpSize && off < frameBuiltFrom:
		fp, err = stackwalk.ReadWord(mem, f.SP)
	case off >= frameBuiltFrom && off <= a.BodyEnd:
		fp, err = stackwalk.ReadWord(mem, f.FP)
	}
	if err != nil {
		return stackwalk.Frame{}, err
	}
	return stackwalk.Frame{IP: ip, SP: retLoc + 8, FP: fp}, nil
}

// Describe implements stackwalk.Unwinder.
func (a *Artifact) Describe(f stackwalk.Frame) string {
	off := int(f.IP - a.Base())
	var where string
	switch {
	case off < PrologueSize:
		where = "prologue"
	case off < frameBuiltFrom:
		where = "frame setup"
	case off <= a.BodyEnd:
		where = "body"
	default:
		where = "return"
	}
	return fmt.Sprintf("%s +%#x (%s) frame=%d refs=%d", a, off, where, a.FrameSize, a.RootMap.Count())
}

// Builder lays out code the way Install and the stack walker expect. Backends use it for the parts of the code
// the runtime depends on: the prologue, the frame setup, direct call sites and the epilogue.
type Builder struct {
	tier      api.Tier
	sig       *api.Signature
	buf       []byte
	frameSize int
	rootMap   RootMap
	callSites []CallSite
}

// NewBuilder starts the code of a method of the given tier. frameSize is rounded up to 16 bytes.
func NewBuilder(tier api.Tier, sig *api.Signature, frameSize int) *Builder {
	b := &Builder{tier: tier, sig: sig, buf: make([]byte, PrologueSize, 64), frameSize: (frameSize + 15) &^ 15}
	WritePrologue(b.buf, tier)
	// push rbp; mov rbp, rsp
	b.buf = append(b.buf, 0x55, 0x48, 0x89, 0xe5)
	if b.frameSize > 0 {
		// sub rsp, imm32
		b.buf = append(b.buf, 0x48, 0x81, 0xec)
		b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(b.frameSize))
	}
	return b
}

// MarkReference records that frame slot i holds a reference.
func (b *Builder) MarkReference(slot int) *Builder {
	if slot*8 >= b.frameSize {
		panic(fmt.Sprintf("BUG: slot %d outside frame of %d bytes", slot, b.frameSize))
	}
	b.rootMap.Set(slot)
	return b
}

// Emit appends opaque body bytes.
func (b *Builder) Emit(code ...byte) *Builder {
	b.buf = append(b.buf, code...)
	return b
}

// DirectCall appends a direct call to callee whose displacement is 4-byte aligned.
func (b *Builder) DirectCall(callee api.MethodID) *Builder {
	for (len(b.buf)+CallDisplacementOffset)%4 != 0 {
		b.buf = append(b.buf, 0x90)
	}
	b.callSites = append(b.callSites, CallSite{Offset: len(b.buf), Callee: callee, Kind: CallKindDirect})
	b.buf = append(b.buf, opcodeCallRel32, 0, 0, 0, 0)
	return b
}

// VirtualCall records a call through dispatch table slot `slot` of the receiver in rdi.
func (b *Builder) VirtualCall(callee api.MethodID, slot int) *Builder {
	b.callSites = append(b.callSites, CallSite{Offset: len(b.buf), Callee: callee, Kind: CallKindVirtual})
	// mov rax, [rdi]; call [rax + slot*8]
	b.buf = append(b.buf, 0x48, 0x8b, 0x07, 0xff, 0x90)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(slot*8))
	return b
}

// Build finishes the code with the epilogue and returns the artifact. Baseline code pops its arguments on return.
func (b *Builder) Build(method api.MethodID, name, backend string) *Artifact {
	a := &Artifact{
		ID:        uuid.New(),
		Method:    method,
		Name:      name,
		Signature: b.sig,
		Tier:      b.tier,
		Backend:   backend,
		FrameSize: b.frameSize,
		RootMap:   b.rootMap,
		CallSites: b.callSites,
		BodyEnd:   len(b.buf),
	}
	if b.tier == api.TierBaseline && b.sig != nil {
		a.ArgumentBytes = 8 * len(b.sig.Params)
	}
	// leave
	code := append(b.buf, 0xc9)
	if a.ArgumentBytes > 0 {
		// ret imm16
		code = append(code, 0xc2, byte(a.ArgumentBytes), byte(a.ArgumentBytes>>8))
	} else {
		code = append(code, 0xc3)
	}
	a.Code = code
	return a
}

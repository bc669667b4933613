package artifact

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/tiered/api"
)

// Every compiled method starts with a prologue of exactly PrologueSize bytes which embeds a call to the adapter
// bridging the convention the method was not compiled for. The adapter is shared by all methods of the same
// signature: it finds the method body through the return address pushed by the prologue call, which is why the
// call always ends at the first byte of the body.
//
// Optimized method, hosting the baseline-to-optimized adapter call:
//
//	0: 0f 1f 00          nop3               <- baseline entry
//	3: e8 <rel32>        call adapter
//	8: ...               body               <- optimized entry
//
// Baseline method, hosting the optimized-to-baseline adapter call:
//
//	0: eb 06             jmp 8              <- baseline entry
//	2: 90                nop
//	3: e8 <rel32>        call adapter       <- optimized entry
//	8: ...               body
//
// The rel32 of the adapter call starts at offset 4 so it is 4-byte aligned and can be patched atomically.
const (
	PrologueSize = 8
	// PrologueCallOffset is the offset of the adapter call instruction.
	PrologueCallOffset = 3
	// CallInstructionSize is the size of a direct call with a 32-bit displacement.
	CallInstructionSize = 5
	// CallDisplacementOffset is the offset of the displacement inside a direct call.
	CallDisplacementOffset = 1

	opcodeCallRel32 = 0xe8
)

var (
	optimizedPrologue = [PrologueSize]byte{0x0f, 0x1f, 0x00, opcodeCallRel32}
	baselinePrologue  = [PrologueSize]byte{0xeb, 0x06, 0x90, opcodeCallRel32}
)

// EntryOffset returns the offset of the entry used by callers of the given convention into code of the given tier.
func EntryOffset(tier, convention api.Tier) int {
	switch {
	case tier == api.TierBaseline && convention == api.TierBaseline:
		return 0
	case tier == api.TierBaseline && convention == api.TierOptimized:
		return PrologueCallOffset
	case tier == api.TierOptimized && convention == api.TierBaseline:
		return 0
	case tier == api.TierOptimized && convention == api.TierOptimized:
		return PrologueSize
	}
	panic(fmt.Sprintf("BUG: no entry for %s code called with %s convention", tier, convention))
}

// WritePrologue writes the prologue for code of the given tier to the start of code, with a zero displacement.
func WritePrologue(code []byte, tier api.Tier) {
	switch tier {
	case api.TierBaseline:
		copy(code, baselinePrologue[:])
	case api.TierOptimized:
		copy(code, optimizedPrologue[:])
	default:
		panic(fmt.Sprintf("BUG: no prologue for tier %s", tier))
	}
}

// EncodeCall writes a direct call at code[0:5] whose target is `target` when the call is placed at address `at`.
func EncodeCall(code []byte, at, target uint64) error {
	code[0] = opcodeCallRel32
	disp, err := Displacement(at, target)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(code[CallDisplacementOffset:], disp)
	return nil
}

// Displacement returns the rel32 of a direct call placed at `at` which targets `target`.
func Displacement(at, target uint64) (uint32, error) {
	rel := int64(target) - int64(at+CallInstructionSize)
	if rel != int64(int32(rel)) {
		return 0, fmt.Errorf("call target %#x out of rel32 range of %#x", target, at)
	}
	return uint32(int32(rel)), nil
}

// CallTarget returns the target of a direct call placed at `at` with the given rel32.
func CallTarget(at uint64, disp uint32) uint64 {
	return uint64(int64(at+CallInstructionSize) + int64(int32(disp)))
}

// IsDirectCall returns true if code starts with a direct call.
func IsDirectCall(code []byte) bool {
	return len(code) >= CallInstructionSize && code[0] == opcodeCallRel32
}

package adapter

import (
	"fmt"

	"github.com/tetratelabs/tiered/api"
)

// opcode is the closed set of operations an adapter is made of.
type opcode byte

const (
	// opPushFP is `push rbp`.
	opPushFP opcode = iota
	// opSetFP is `mov rbp, rsp`.
	opSetFP
	// opAllocFrame is `sub rsp, imm`.
	opAllocFrame
	// opLoad is `reg <- [base+disp]`, extended from the width of kind.
	opLoad
	// opStore is `[base+disp] <- reg`, truncated to the width of kind.
	opStore
	// opCallBody is `call [rbp+8]`, which is the body address pushed by the prologue call.
	opCallBody
	// opFreeFrame is `mov rsp, rbp`.
	opFreeFrame
	// opPopFP is `pop rbp`.
	opPopFP
	// opDropBodyAddress is `add rsp, 8`.
	opDropBodyAddress
	// opRet is `ret` when imm is zero or `ret imm` otherwise.
	opRet
)

// inst is one instruction of an adapter.
type inst struct {
	op   opcode
	kind api.Kind
	reg  Register
	base Register
	disp int
	imm  int
}

// String implements fmt.Stringer.
func (i *inst) String() string {
	switch i.op {
	case opPushFP:
		return "push rbp"
	case opSetFP:
		return "mov rbp, rsp"
	case opAllocFrame:
		return fmt.Sprintf("sub rsp, %d", i.imm)
	case opLoad:
		return fmt.Sprintf("load.%s %s, [%s%+d]", i.kind, i.reg, i.base, i.disp)
	case opStore:
		return fmt.Sprintf("store.%s [%s%+d], %s", i.kind, i.base, i.disp, i.reg)
	case opCallBody:
		return "call [rbp+8]"
	case opFreeFrame:
		return "mov rsp, rbp"
	case opPopFP:
		return "pop rbp"
	case opDropBodyAddress:
		return "add rsp, 8"
	case opRet:
		if i.imm == 0 {
			return "ret"
		}
		return fmt.Sprintf("ret %d", i.imm)
	}
	panic(fmt.Sprintf("BUG: invalid opcode %d", i.op))
}

// The adapter frame once built:
//
//	    |    incoming args    |  <- rbp + incomingArgsOffset
//	    |  caller return addr |  <- rbp + 16
//	    |    body address     |  <- rbp + 8, pushed by the prologue call
//	    |    saved rbp        |  <- rbp
//	    |   outgoing args     |
//	    +---------------------+  <- rsp
const (
	bodyAddressOffset   = 8
	callerReturnOffset  = 16
	incomingArgsOffset  = 24
	frameAlignment      = 16
	bodyAddressSlotSize = 8
)

// program is the instruction list of an adapter before encoding.
type program struct {
	insts     []inst
	frameSize int
	argBytes  int
	refSlots  []int
}

// lower builds the instruction list copying the arguments of sig from the source to the destination convention
// of dir.
func lower(sig *api.Signature, dir Direction) *program {
	src, dst := dir.Caller(), dir.Callee()
	srcLocs, srcStack := Assign(src, sig)
	dstLocs, dstStack := Assign(dst, sig)

	p := &program{frameSize: (dstStack + frameAlignment - 1) &^ (frameAlignment - 1)}
	if src == api.TierBaseline {
		p.argBytes = srcStack
	}

	p.emit(inst{op: opPushFP})
	p.emit(inst{op: opSetFP})
	if p.frameSize > 0 {
		p.emit(inst{op: opAllocFrame, imm: p.frameSize})
	}
	for i, k := range sig.Params {
		from, to := srcLocs[i], dstLocs[i]
		reg := from.Reg
		if from.OnStack() {
			reg = to.Reg
			if to.OnStack() {
				reg = scratchFor(k)
			}
			p.emit(inst{op: opLoad, kind: k, reg: reg, base: RegRBP, disp: incomingArgsOffset + from.Offset})
		}
		if to.OnStack() {
			p.emit(inst{op: opStore, kind: k, reg: reg, base: RegRSP, disp: to.Offset})
			if k.IsReference() {
				p.refSlots = append(p.refSlots, to.Offset/SlotSize)
			}
		} else if !from.OnStack() {
			panic(fmt.Sprintf("BUG: %s argument %d passed in registers by both conventions", sig, i))
		}
	}
	p.emit(inst{op: opCallBody})
	p.emit(inst{op: opFreeFrame})
	p.emit(inst{op: opPopFP})
	p.emit(inst{op: opDropBodyAddress})
	p.emit(inst{op: opRet, imm: p.argBytes})
	return p
}

func (p *program) emit(i inst) { p.insts = append(p.insts, i) }

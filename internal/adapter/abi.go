package adapter

import (
	"fmt"

	"github.com/tetratelabs/tiered/api"
)

// Register is a machine register an adapter reads or writes.
type Register byte

const (
	RegNone Register = iota
	RegRDI
	RegRSI
	RegRDX
	RegRCX
	RegR8
	RegR9
	RegX0
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	// RegRAX holds integer results.
	RegRAX
	// RegR11 is the integer scratch register.
	RegR11
	// RegX15 is the floating point scratch register.
	RegX15
	RegRSP
	RegRBP
)

var registerNames = [...]string{
	RegNone: "none",
	RegRDI:  "rdi", RegRSI: "rsi", RegRDX: "rdx", RegRCX: "rcx", RegR8: "r8", RegR9: "r9",
	RegX0: "xmm0", RegX1: "xmm1", RegX2: "xmm2", RegX3: "xmm3", RegX4: "xmm4", RegX5: "xmm5", RegX6: "xmm6", RegX7: "xmm7",
	RegRAX: "rax", RegR11: "r11", RegX15: "xmm15", RegRSP: "rsp", RegRBP: "rbp",
}

// String implements fmt.Stringer.
func (r Register) String() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("<unknown reg=%d>", byte(r))
}

// IsFloat returns true for the xmm registers.
func (r Register) IsFloat() bool { return r >= RegX0 && r <= RegX7 || r == RegX15 }

var (
	optimizedIntArgs   = []Register{RegRDI, RegRSI, RegRDX, RegRCX, RegR8, RegR9}
	optimizedFloatArgs = []Register{RegX0, RegX1, RegX2, RegX3, RegX4, RegX5, RegX6, RegX7}
)

// Location is where one argument lives at the entry of a callee.
type Location struct {
	// Reg is valid if not RegNone.
	Reg Register
	// Offset is valid if Reg is RegNone. This is the offset from the first byte above the return address.
	Offset int
}

// OnStack returns true if the argument is passed in memory.
func (l Location) OnStack() bool { return l.Reg == RegNone }

// String implements fmt.Stringer.
func (l Location) String() string {
	if l.OnStack() {
		return fmt.Sprintf("stack+%d", l.Offset)
	}
	return l.Reg.String()
}

// SlotSize is the size of a stack slot in both conventions.
const SlotSize = 8

// Assign returns the location of each parameter of sig in the given convention and the size of the stack area
// the arguments occupy.
//
// Baseline code receives every argument on the stack, pushed in order so the first argument is the deepest.
// Optimized code receives integers and references in rdi, rsi, rdx, rcx, r8, r9 and floating point values in
// xmm0-xmm7. The rest goes to stack slots, the first of them nearest the return address.
func Assign(convention api.Tier, sig *api.Signature) (locs []Location, stackSize int) {
	locs = make([]Location, len(sig.Params))
	switch convention {
	case api.TierBaseline:
		n := len(sig.Params)
		for i := range sig.Params {
			locs[i] = Location{Offset: SlotSize * (n - 1 - i)}
		}
		stackSize = SlotSize * n
	case api.TierOptimized:
		intIndex, floatIndex := 0, 0
		for i, k := range sig.Params {
			loc := &locs[i]
			if k.IsFloat() {
				if floatIndex < len(optimizedFloatArgs) {
					loc.Reg = optimizedFloatArgs[floatIndex]
					floatIndex++
					continue
				}
			} else if intIndex < len(optimizedIntArgs) {
				loc.Reg = optimizedIntArgs[intIndex]
				intIndex++
				continue
			}
			loc.Offset = stackSize
			stackSize += SlotSize
		}
	default:
		panic(fmt.Sprintf("BUG: no calling convention for tier %s", convention))
	}
	return
}

// ResultRegister returns the register holding a result of the given kind in both conventions.
func ResultRegister(k api.Kind) Register {
	switch {
	case k == api.KindVoid:
		return RegNone
	case k.IsFloat():
		return RegX0
	default:
		return RegRAX
	}
}

// scratchFor returns the scratch register able to hold a value of kind k.
func scratchFor(k api.Kind) Register {
	if k.IsFloat() {
		return RegX15
	}
	return RegR11
}

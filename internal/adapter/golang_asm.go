package adapter

import (
	"fmt"

	"github.com/tetratelabs/tiered/api"
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

var castAsGolangAsmRegister = [...]int16{
	RegNone: obj.REG_NONE,
	RegRDI:  x86.REG_DI,
	RegRSI:  x86.REG_SI,
	RegRDX:  x86.REG_DX,
	RegRCX:  x86.REG_CX,
	RegR8:   x86.REG_R8,
	RegR9:   x86.REG_R9,
	RegX0:   x86.REG_X0,
	RegX1:   x86.REG_X1,
	RegX2:   x86.REG_X2,
	RegX3:   x86.REG_X3,
	RegX4:   x86.REG_X4,
	RegX5:   x86.REG_X5,
	RegX6:   x86.REG_X6,
	RegX7:   x86.REG_X7,
	RegRAX:  x86.REG_AX,
	RegR11:  x86.REG_R11,
	RegX15:  x86.REG_X15,
	RegRSP:  x86.REG_SP,
	RegRBP:  x86.REG_BP,
}

// loadInstruction returns the instruction loading a value of kind k, extended to 64 bits.
func loadInstruction(k api.Kind) obj.As {
	switch k {
	case api.KindBoolean:
		return x86.AMOVBQZX
	case api.KindByte:
		return x86.AMOVBQSX
	case api.KindChar:
		return x86.AMOVWQZX
	case api.KindShort:
		return x86.AMOVWQSX
	case api.KindInt:
		return x86.AMOVLQSX
	case api.KindLong, api.KindWord, api.KindReference:
		return x86.AMOVQ
	case api.KindFloat:
		return x86.AMOVSS
	case api.KindDouble:
		return x86.AMOVSD
	}
	panic(fmt.Sprintf("BUG: no load for kind %s", k))
}

// storeInstruction returns the instruction storing the low Width bytes of a value of kind k.
func storeInstruction(k api.Kind) obj.As {
	switch k {
	case api.KindBoolean, api.KindByte:
		return x86.AMOVB
	case api.KindChar, api.KindShort:
		return x86.AMOVW
	case api.KindInt:
		return x86.AMOVL
	case api.KindLong, api.KindWord, api.KindReference:
		return x86.AMOVQ
	case api.KindFloat:
		return x86.AMOVSS
	case api.KindDouble:
		return x86.AMOVSD
	}
	panic(fmt.Sprintf("BUG: no store for kind %s", k))
}

const (
	opcodeRet      = 0xc3
	opcodeRetImm16 = 0xc2
)

// assembleAMD64 encodes the program and returns the code plus the offset of each instruction, followed by the
// code length.
func assembleAMD64(p *program) (code []byte, offsets []int, err error) {
	b, err := asm.NewBuilder("amd64", len(p.insts)+4)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}

	firsts := make([]*obj.Prog, len(p.insts))
	for i := range p.insts {
		in := &p.insts[i]
		progs := encodeAMD64(b, in)
		firsts[i] = progs[0]
		for _, prog := range progs {
			b.AddInstruction(prog)
		}
	}

	code = b.Assemble()
	offsets = make([]int, len(firsts)+1)
	for i, prog := range firsts {
		offsets[i] = int(prog.Pc)
	}
	offsets[len(firsts)] = len(code)
	return code, offsets, nil
}

func encodeAMD64(b *asm.Builder, in *inst) []*obj.Prog {
	p := b.NewProg()
	switch in.op {
	case opPushFP:
		p.As = x86.APUSHQ
		p.From.Type = obj.TYPE_REG
		p.From.Reg = x86.REG_BP
	case opSetFP:
		p.As = x86.AMOVQ
		p.From.Type = obj.TYPE_REG
		p.From.Reg = x86.REG_SP
		p.To.Type = obj.TYPE_REG
		p.To.Reg = x86.REG_BP
	case opAllocFrame:
		p.As = x86.ASUBQ
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = int64(in.imm)
		p.To.Type = obj.TYPE_REG
		p.To.Reg = x86.REG_SP
	case opLoad:
		p.As = loadInstruction(in.kind)
		p.From.Type = obj.TYPE_MEM
		p.From.Reg = castAsGolangAsmRegister[in.base]
		p.From.Offset = int64(in.disp)
		p.To.Type = obj.TYPE_REG
		p.To.Reg = castAsGolangAsmRegister[in.reg]
	case opStore:
		p.As = storeInstruction(in.kind)
		p.From.Type = obj.TYPE_REG
		p.From.Reg = castAsGolangAsmRegister[in.reg]
		p.To.Type = obj.TYPE_MEM
		p.To.Reg = castAsGolangAsmRegister[in.base]
		p.To.Offset = int64(in.disp)
	case opCallBody:
		p.As = obj.ACALL
		p.To.Type = obj.TYPE_MEM
		p.To.Reg = x86.REG_BP
		p.To.Offset = bodyAddressOffset
	case opFreeFrame:
		p.As = x86.AMOVQ
		p.From.Type = obj.TYPE_REG
		p.From.Reg = x86.REG_BP
		p.To.Type = obj.TYPE_REG
		p.To.Reg = x86.REG_SP
	case opPopFP:
		p.As = x86.APOPQ
		p.To.Type = obj.TYPE_REG
		p.To.Reg = x86.REG_BP
	case opDropBodyAddress:
		p.As = x86.AADDQ
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = bodyAddressSlotSize
		p.To.Type = obj.TYPE_REG
		p.To.Reg = x86.REG_SP
	case opRet:
		// The assembler has no `ret imm16`, so returns are emitted as raw bytes.
		if in.imm == 0 {
			return []*obj.Prog{rawByte(p, opcodeRet)}
		}
		return []*obj.Prog{
			rawByte(p, opcodeRetImm16),
			rawByte(b.NewProg(), byte(in.imm)),
			rawByte(b.NewProg(), byte(in.imm>>8)),
		}
	default:
		panic(fmt.Sprintf("BUG: invalid opcode %d", in.op))
	}
	return []*obj.Prog{p}
}

func rawByte(p *obj.Prog, v byte) *obj.Prog {
	p.As = x86.ABYTE
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(v)
	return p
}

package adapter

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tiered/internal/stackwalk"
)

// machine executes the instruction list of an adapter. It stands in for the CPU so the adapter semantics can be
// checked on any host.
type machine struct {
	regs map[Register]uint64
	mem  *stackwalk.SliceMemory
}

func newMachine(sp, fp uint64) *machine {
	m := &machine{regs: map[Register]uint64{}, mem: stackwalk.NewSliceMemory(0x7fff_1000, 0x1000)}
	m.regs[RegRSP] = sp
	m.regs[RegRBP] = fp
	return m
}

func (m *machine) sp() uint64 { return m.regs[RegRSP] }
func (m *machine) fp() uint64 { return m.regs[RegRBP] }

func (m *machine) read(addr uint64, width int) uint64 {
	var buf [8]byte
	copy(buf[:width], m.mem.Bytes[addr-m.mem.Base:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *machine) write(addr uint64, width int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(m.mem.Bytes[addr-m.mem.Base:], buf[:width])
}

func (m *machine) push(v uint64) {
	m.regs[RegRSP] -= 8
	m.write(m.sp(), 8, v)
}

func (m *machine) pop() uint64 {
	v := m.read(m.sp(), 8)
	m.regs[RegRSP] += 8
	return v
}

// run executes a from its first instruction until it returns, and returns the address returned to. observe is
// called before every instruction with its offset. body is called with the return address pushed by the call to
// the method body, and must return like the body would.
func (m *machine) run(t *testing.T, a *Adapter, observe func(offset int), body func(m *machine)) uint64 {
	for i := range a.prog.insts {
		in := &a.prog.insts[i]
		observe(a.offsets[i])
		switch in.op {
		case opPushFP:
			m.push(m.fp())
		case opSetFP:
			m.regs[RegRBP] = m.sp()
		case opAllocFrame:
			m.regs[RegRSP] -= uint64(in.imm)
		case opLoad:
			m.regs[in.reg] = in.kind.Extend(m.read(m.regs[in.base]+uint64(in.disp), in.kind.Width()))
		case opStore:
			m.write(m.regs[in.base]+uint64(in.disp), in.kind.Width(), m.regs[in.reg])
		case opCallBody:
			ret := a.Base() + uint64(a.offsets[i+1])
			m.push(ret)
			body(m)
			require.Equal(t, ret, m.regs[ripKey], "body returned to the wrong address")
		case opFreeFrame:
			m.regs[RegRSP] = m.fp()
		case opPopFP:
			m.regs[RegRBP] = m.pop()
		case opDropBodyAddress:
			m.regs[RegRSP] += 8
		case opRet:
			ret := m.pop()
			m.regs[RegRSP] += uint64(in.imm)
			return ret
		}
	}
	t.Fatal("adapter did not return")
	return 0
}

// ripKey is where a simulated body leaves the address it returned to.
const ripKey = Register(0xff)

// bodyReturn pops the return address and argBytes of arguments, the way a method body returns.
func (m *machine) bodyReturn(argBytes int) {
	m.regs[ripKey] = m.pop()
	m.regs[RegRSP] += uint64(argBytes)
}

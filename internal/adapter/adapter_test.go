package adapter

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/stackwalk"
)

func mustSignature(t *testing.T, s string) *api.Signature {
	sig, err := api.ParseSignature(s)
	require.NoError(t, err)
	return sig
}

var roundTripSignatures = []string{
	"()void",
	"(int,long,ref)void",
	"(boolean,byte,char,short,int,long,float,double,word,ref)int",
	"(long,long,long,long,long,long,ref,int,byte,char,boolean,short)long",
	"(double,double,double,double,double,double,double,double,double,float,ref)double",
	"(ref,ref,ref,ref,ref,ref,ref,ref)ref",
}

func TestSelect(t *testing.T) {
	require.Equal(t, DirectionNone, Select(api.TierBaseline, api.TierBaseline))
	require.Equal(t, DirectionNone, Select(api.TierOptimized, api.TierOptimized))
	require.Equal(t, DirectionBaselineToOptimized, Select(api.TierBaseline, api.TierOptimized))
	require.Equal(t, DirectionOptimizedToBaseline, Select(api.TierOptimized, api.TierBaseline))
	require.Panics(t, func() { Select(api.TierAny, api.TierBaseline) })

	require.Equal(t, DirectionBaselineToOptimized, ForPrologue(api.TierOptimized))
	require.Equal(t, DirectionOptimizedToBaseline, ForPrologue(api.TierBaseline))

	require.Equal(t, api.TierBaseline, DirectionBaselineToOptimized.Caller())
	require.Equal(t, api.TierOptimized, DirectionBaselineToOptimized.Callee())
	require.Panics(t, func() { DirectionNone.Caller() })
}

func TestAssign(t *testing.T) {
	sig := mustSignature(t, "(int,double,long,long,long,long,long,ref,float)void")

	locs, size := Assign(api.TierBaseline, sig)
	require.Equal(t, 72, size)
	require.Equal(t, Location{Offset: 64}, locs[0])
	require.Equal(t, Location{Offset: 0}, locs[8])

	locs, size = Assign(api.TierOptimized, sig)
	require.Equal(t, 8, size)
	require.Equal(t, []Location{
		{Reg: RegRDI}, {Reg: RegX0}, {Reg: RegRSI}, {Reg: RegRDX}, {Reg: RegRCX}, {Reg: RegR8}, {Reg: RegR9},
		{Offset: 0}, {Reg: RegX1},
	}, locs)
	require.Equal(t, "stack+0", locs[7].String())
	require.Equal(t, "xmm1", locs[8].String())

	require.Panics(t, func() { Assign(api.TierAny, sig) })
}

func TestGenerate_Layout(t *testing.T) {
	gen := NewAMD64Generator()
	require.Equal(t, "amd64", gen.Arch())

	sig := mustSignature(t, "(int,long,ref)void")
	for _, tc := range []struct {
		dir      Direction
		ret      []byte
		argBytes int
	}{
		{dir: DirectionBaselineToOptimized, ret: []byte{0xc2, 24, 0}, argBytes: 24},
		{dir: DirectionOptimizedToBaseline, ret: []byte{0xc3}},
	} {
		tc := tc
		t.Run(tc.dir.String(), func(t *testing.T) {
			a, err := gen.Generate(sig, tc.dir)
			require.NoError(t, err)
			require.Equal(t, tc.dir.String()+"(int,long,ref)void", a.Name())
			require.Equal(t, tc.argBytes, a.ArgumentBytes)

			require.Equal(t, byte(0x55), a.Code[0]) // push rbp
			require.Equal(t, tc.ret, a.Code[len(a.Code)-len(tc.ret):])
			require.Equal(t, []byte{0xff, 0x55, 0x08}, a.Code[a.CallOffset:a.CallOffset+a.CallSize])

			// Sub-ranges tile the code in order and the body call lies in the frame.
			prev := 0
			for s := SubRangeEntry; s <= SubRangeReturn; s++ {
				start, end := a.SubRangeBounds(s)
				require.Equal(t, prev, start, s.String())
				require.True(t, end > start, s.String())
				require.Equal(t, s, a.SubRangeAt(start))
				prev = end
			}
			require.Equal(t, len(a.Code), prev)
			require.Equal(t, SubRangeFrame, a.SubRangeAt(a.CallOffset+a.CallSize))

			require.Contains(t, a.Disassemble(), "call [rbp+8]")
		})
	}

	require.Panics(t, func() { _, _ = gen.Generate(sig, DirectionNone) })
}

func TestGenerate_RootMap(t *testing.T) {
	gen := NewAMD64Generator()

	// Every argument goes to the stack, the references are the 1st and 3rd.
	a, err := gen.Generate(mustSignature(t, "(ref,int,ref)void"), DirectionOptimizedToBaseline)
	require.NoError(t, err)
	require.Equal(t, 32, a.FrameSize)
	require.Equal(t, "1010", a.RootMap.Format(4))

	// Only the seventh integer argument overflows to the stack.
	a, err = gen.Generate(mustSignature(t, "(ref,ref,ref,ref,ref,ref,ref)void"), DirectionBaselineToOptimized)
	require.NoError(t, err)
	require.Equal(t, 16, a.FrameSize)
	require.Equal(t, 1, a.RootMap.Count())
	require.True(t, a.RootMap.IsSet(0))

	a, err = gen.Generate(mustSignature(t, "(ref,long)void"), DirectionBaselineToOptimized)
	require.NoError(t, err)
	require.Equal(t, 0, a.FrameSize)
	require.Equal(t, 0, a.RootMap.Count())
}

// TestAdapter_RoundTrip runs adapters of both directions on the simulated machine and checks the callee observes
// each argument with the value the caller passed, extended per its kind, that the frame queries find the caller
// from every instruction, and that each side pops what its convention says.
func TestAdapter_RoundTrip(t *testing.T) {
	gen := NewAMD64Generator()
	const callerIP, callerFP, bodyAddr = 0x4000_1000, 0x7fff_0f80, 0x5000_0008

	for _, s := range roundTripSignatures {
		sig := mustSignature(t, s)
		rnd := rand.New(rand.NewSource(int64(len(s))))
		raw := make([]uint64, len(sig.Params))
		for i := range raw {
			raw[i] = rnd.Uint64()
		}
		// Sign bits set in the narrow part exercise sign extension.
		if len(raw) > 1 {
			raw[1] |= 0x8080_8080
		}

		for _, dir := range []Direction{DirectionBaselineToOptimized, DirectionOptimizedToBaseline} {
			dir := dir
			t.Run(dir.String()+s, func(t *testing.T) {
				a, err := gen.Generate(sig, dir)
				require.NoError(t, err)

				m := newMachine(0x7fff_0f00, callerFP)
				srcLocs, srcStack := Assign(dir.Caller(), sig)
				if dir.Caller() == api.TierBaseline {
					for i := range sig.Params {
						m.push(raw[i])
					}
				} else {
					m.regs[RegRSP] -= uint64(srcStack)
					for i, loc := range srcLocs {
						if loc.OnStack() {
							m.write(m.sp()+uint64(loc.Offset), 8, raw[i])
						} else {
							m.regs[loc.Reg] = raw[i]
						}
					}
				}
				callerSP := m.sp()
				m.push(callerIP)
				m.push(bodyAddr)

				expectedCaller := stackwalk.Frame{IP: callerIP, SP: callerSP, FP: callerFP}
				observe := func(offset int) {
					f := stackwalk.Frame{IP: a.Base() + uint64(offset), SP: m.sp(), FP: m.fp()}
					caller, err := a.Unwind(f, m.mem)
					require.NoError(t, err, a.Describe(f))
					require.Equal(t, expectedCaller, caller, a.Describe(f))
					require.Equal(t, callerSP-8, a.ReturnAddressLocation(f))
					if loc, ok := a.BodyAddressLocation(f); ok {
						require.Equal(t, uint64(bodyAddr), m.read(loc, 8), a.Describe(f))
					} else {
						require.Equal(t, SubRangeReturn, a.SubRangeAt(offset))
					}
				}

				called := false
				body := func(m *machine) {
					called = true
					require.Equal(t, uint64(bodyAddr), m.read(m.fp()+8, 8))

					dstLocs, _ := Assign(dir.Callee(), sig)
					refs := 0
					for i, k := range sig.Params {
						loc := dstLocs[i]
						var got uint64
						if loc.OnStack() {
							got = k.Extend(m.read(m.sp()+8+uint64(loc.Offset), 8))
							if k.IsReference() {
								refs++
								require.True(t, a.RootMap.IsSet(loc.Offset/SlotSize), "arg %d", i)
							}
						} else {
							got = m.regs[loc.Reg]
						}
						require.Equal(t, k.Extend(raw[i]), got, "arg %d %s at %s", i, k, loc)
					}
					require.Equal(t, refs, a.RootMap.Count())

					if r := ResultRegister(sig.Result); r != RegNone {
						m.regs[r] = 42
					}
					if dir.Callee() == api.TierBaseline {
						m.bodyReturn(8 * len(sig.Params))
					} else {
						m.bodyReturn(0)
					}
				}

				ret := m.run(t, a, observe, body)
				require.True(t, called)
				require.Equal(t, uint64(callerIP), ret)
				require.Equal(t, uint64(callerFP), m.fp())
				if dir.Caller() == api.TierBaseline {
					require.Equal(t, callerSP+uint64(8*len(sig.Params)), m.sp())
				} else {
					require.Equal(t, callerSP, m.sp())
				}
				if r := ResultRegister(sig.Result); r != RegNone {
					require.Equal(t, uint64(42), m.regs[r])
				}
			})
		}
	}
}

func TestAdapter_Describe(t *testing.T) {
	a, err := NewAMD64Generator().Generate(mustSignature(t, "(ref,int)void"), DirectionOptimizedToBaseline)
	require.NoError(t, err)

	require.Equal(t, "adapter o2b(ref,int)void +0x0 (entry)", a.Describe(stackwalk.Frame{}))
	f := stackwalk.Frame{IP: uint64(a.CallOffset)}
	require.Equal(t, fmt.Sprintf("adapter o2b(ref,int)void %+#x (frame) frame=16 refs=01", a.CallOffset), a.Describe(f))
}

// TestAssembleAMD64_LoadStoreWidths checks the machine code of each load and store, so the extension the simulated
// machine applies is the one the encoded instruction performs.
func TestAssembleAMD64_LoadStoreWidths(t *testing.T) {
	for _, tc := range []struct {
		kind        api.Kind
		reg         Register
		load, store []byte
	}{
		// movsx rax, byte [rbp+24]; mov [rsp+8], al
		{kind: api.KindByte, reg: RegRAX, load: []byte{0x48, 0x0f, 0xbe, 0x45, 0x18}, store: []byte{0x88, 0x44, 0x24, 0x08}},
		// movzx rax, byte [rbp+24]
		{kind: api.KindBoolean, reg: RegRAX, load: []byte{0x48, 0x0f, 0xb6, 0x45, 0x18}, store: []byte{0x88, 0x44, 0x24, 0x08}},
		// movsx rax, word [rbp+24]; mov [rsp+8], ax
		{kind: api.KindShort, reg: RegRAX, load: []byte{0x48, 0x0f, 0xbf, 0x45, 0x18}, store: []byte{0x66, 0x89, 0x44, 0x24, 0x08}},
		// movzx rax, word [rbp+24]
		{kind: api.KindChar, reg: RegRAX, load: []byte{0x48, 0x0f, 0xb7, 0x45, 0x18}, store: []byte{0x66, 0x89, 0x44, 0x24, 0x08}},
		// movsxd rax, dword [rbp+24]; mov [rsp+8], eax
		{kind: api.KindInt, reg: RegRAX, load: []byte{0x48, 0x63, 0x45, 0x18}, store: []byte{0x89, 0x44, 0x24, 0x08}},
		{kind: api.KindLong, reg: RegRAX, load: []byte{0x48, 0x8b, 0x45, 0x18}, store: []byte{0x48, 0x89, 0x44, 0x24, 0x08}},
		{kind: api.KindWord, reg: RegRAX, load: []byte{0x48, 0x8b, 0x45, 0x18}, store: []byte{0x48, 0x89, 0x44, 0x24, 0x08}},
		{kind: api.KindReference, reg: RegRAX, load: []byte{0x48, 0x8b, 0x45, 0x18}, store: []byte{0x48, 0x89, 0x44, 0x24, 0x08}},
		{kind: api.KindFloat, reg: RegX0, load: []byte{0xf3, 0x0f, 0x10, 0x45, 0x18}, store: []byte{0xf3, 0x0f, 0x11, 0x44, 0x24, 0x08}},
		{kind: api.KindDouble, reg: RegX0, load: []byte{0xf2, 0x0f, 0x10, 0x45, 0x18}, store: []byte{0xf2, 0x0f, 0x11, 0x44, 0x24, 0x08}},
	} {
		tc := tc
		t.Run(tc.kind.String(), func(t *testing.T) {
			code, offsets, err := assembleAMD64(&program{insts: []inst{
				{op: opLoad, kind: tc.kind, reg: tc.reg, base: RegRBP, disp: incomingArgsOffset},
				{op: opStore, kind: tc.kind, reg: tc.reg, base: RegRSP, disp: 8},
			}})
			require.NoError(t, err)
			require.Equal(t, tc.load, code[offsets[0]:offsets[1]])
			require.Equal(t, tc.store, code[offsets[1]:offsets[2]])
		})
	}
}

// TestAdapter_Chained enters an optimized body through a b2o adapter, which passes its arguments on through an
// o2b adapter to a baseline body. The baseline body must see the low bytes of every argument the baseline caller
// stored, whatever the upper bytes of each slot held.
func TestAdapter_Chained(t *testing.T) {
	gen := NewAMD64Generator()
	const callerIP, innerIP, callerFP, bodyAddr = 0x4000_1000, 0x4000_2000, 0x7fff_0f80, 0x5000_0008

	for _, s := range roundTripSignatures {
		s := s
		t.Run(s, func(t *testing.T) {
			sig := mustSignature(t, s)
			b2o, err := gen.Generate(sig, DirectionBaselineToOptimized)
			require.NoError(t, err)
			o2b, err := gen.Generate(sig, DirectionOptimizedToBaseline)
			require.NoError(t, err)

			rnd := rand.New(rand.NewSource(int64(len(s)) * 31))
			raw := make([]uint64, len(sig.Params))
			for i := range raw {
				raw[i] = rnd.Uint64() | 0x8080_8080_8080_8080
			}

			m := newMachine(0x7fff_0f00, callerFP)
			for i := range sig.Params {
				m.push(raw[i])
			}
			callerSP := m.sp()
			m.push(callerIP)
			m.push(bodyAddr)

			called := false
			optimizedBody := func(m *machine) {
				// Pass the incoming stack arguments on as outgoing ones, and the register arguments as they are.
				optLocs, optStack := Assign(api.TierOptimized, sig)
				incoming := m.sp() + 8
				m.regs[RegRSP] -= uint64(optStack)
				for _, loc := range optLocs {
					if loc.OnStack() {
						m.write(m.sp()+uint64(loc.Offset), 8, m.read(incoming+uint64(loc.Offset), 8))
					}
				}
				m.push(innerIP)
				m.push(bodyAddr)

				baselineBody := func(m *machine) {
					called = true
					baseLocs, _ := Assign(api.TierBaseline, sig)
					for i, k := range sig.Params {
						width := k.Width()
						got := m.read(m.sp()+8+uint64(baseLocs[i].Offset), width)
						want := raw[i]
						if width < 8 {
							want &= uint64(1)<<(8*width) - 1
						}
						require.Equal(t, want, got, "arg %d %s", i, k)
					}
					m.bodyReturn(8 * len(sig.Params))
				}
				require.Equal(t, uint64(innerIP), m.run(t, o2b, func(int) {}, baselineBody))
				m.regs[RegRSP] += uint64(optStack)
				m.bodyReturn(0)
			}

			require.Equal(t, uint64(callerIP), m.run(t, b2o, func(int) {}, optimizedBody))
			require.Equal(t, callerSP+uint64(8*len(sig.Params)), m.sp())
			require.Equal(t, uint64(callerFP), m.fp())
			require.True(t, called)
		})
	}
}

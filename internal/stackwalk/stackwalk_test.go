package stackwalk

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fpCode is managed code in [start, end) with classic rbp-chained frames.
type fpCode struct{ start, end uint64 }

func (c *fpCode) ReturnAddressLocation(f Frame) uint64 { return f.FP + 8 }

func (c *fpCode) Unwind(f Frame, mem Memory) (Frame, error) {
	ip, err := ReadWord(mem, c.ReturnAddressLocation(f))
	if err != nil {
		return Frame{}, err
	}
	fp, err := ReadWord(mem, f.FP)
	if err != nil {
		return Frame{}, err
	}
	return Frame{IP: ip, SP: f.FP + 16, FP: fp}, nil
}

func (c *fpCode) Describe(f Frame) string { return fmt.Sprintf("code+%#x", f.IP-c.start) }

type lookup []*fpCode

func (l lookup) UnwinderFor(ip uint64) (Unwinder, bool) {
	for _, c := range l {
		if ip >= c.start && ip < c.end {
			return c, true
		}
	}
	return nil, false
}

// pushFrame writes a frame record at fp: the saved fp of the caller and the return address into it.
func pushFrame(mem *SliceMemory, fp, callerFP, ret uint64) {
	mem.WriteWord(fp, callerFP)
	mem.WriteWord(fp+8, ret)
}

func TestCodeWalker_Walk(t *testing.T) {
	code := lookup{{start: 0x1000, end: 0x2000}}
	mem := NewSliceMemory(0x8000, 0x1000)

	// top (0x1010) <- 0x1020 <- 0x1030 <- native (0x9999)
	pushFrame(mem, 0x7f00, 0x7f40, 0x1020)
	pushFrame(mem, 0x7f40, 0x7f80, 0x1030)
	pushFrame(mem, 0x7f80, 0x7fc0, 0x9999)

	a := &Anchor{IP: 0x1010, SP: 0x7ef0, FP: 0x7f00, Memory: mem}
	w := &CodeWalker{Code: code}

	var frames []Frame
	require.NoError(t, w.Walk(a, func(f Frame) bool {
		frames = append(frames, f)
		return true
	}))
	require.Equal(t, []Frame{
		{IP: 0x1010, SP: 0x7ef0, FP: 0x7f00, Top: true},
		{IP: 0x1020, SP: 0x7f10, FP: 0x7f40},
		{IP: 0x1030, SP: 0x7f50, FP: 0x7f80},
		{IP: 0x9999, SP: 0x7f90, FP: 0x7fc0},
	}, frames)

	t.Run("visitor stops", func(t *testing.T) {
		var n int
		require.NoError(t, w.Walk(a, func(Frame) bool {
			n++
			return n < 2
		}))
		require.Equal(t, 2, n)
	})

	t.Run("max frames", func(t *testing.T) {
		var n int
		require.NoError(t, (&CodeWalker{Code: code, MaxFrames: 3}).Walk(a, func(Frame) bool {
			n++
			return true
		}))
		require.Equal(t, 3, n)
	})

	t.Run("nil anchor", func(t *testing.T) {
		require.NoError(t, w.Walk(nil, func(Frame) bool {
			t.Fatal("visited")
			return false
		}))
	})
}

func TestCodeWalker_Walk_ZeroReturnAddress(t *testing.T) {
	mem := NewSliceMemory(0x8000, 0x100)
	pushFrame(mem, 0x7f80, 0, 0)

	var n int
	w := &CodeWalker{Code: lookup{{start: 0x1000, end: 0x2000}}}
	require.NoError(t, w.Walk(&Anchor{IP: 0x1000, FP: 0x7f80, Memory: mem}, func(Frame) bool {
		n++
		return true
	}))
	require.Equal(t, 1, n)
}

func TestCodeWalker_Walk_Unreadable(t *testing.T) {
	mem := NewSliceMemory(0x8000, 0x100)
	w := &CodeWalker{Code: lookup{{start: 0x1000, end: 0x2000}}}

	err := w.Walk(&Anchor{IP: 0x1004, FP: 0x100, Memory: mem}, func(Frame) bool { return true })
	require.True(t, errors.Is(err, ErrUnreadable))
	require.Contains(t, err.Error(), "unwinding code+0x4")
}

func TestSliceMemory(t *testing.T) {
	mem := NewSliceMemory(0x2000, 0x100)
	require.Equal(t, uint64(0x1f00), mem.Base)
	require.Equal(t, uint64(0x2000), mem.Top())

	mem.WriteWord(0x1ff8, 0xdead_beef)
	v, ok := mem.ReadWord(0x1ff8)
	require.True(t, ok)
	require.Equal(t, uint64(0xdead_beef), v)

	_, ok = mem.ReadWord(0x1ffc)
	require.False(t, ok)
	_, ok = mem.ReadWord(0x1ef8)
	require.False(t, ok)
	require.Panics(t, func() { mem.WriteWord(0x2000, 1) })

	_, err := ReadWord(nil, 0x1ff8)
	require.Equal(t, ErrUnreadable, err)
}

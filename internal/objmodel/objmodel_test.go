package objmodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tiered/api"
)

func TestUniverse(t *testing.T) {
	u := NewUniverse(func(m api.MethodID) uint64 { return 0x1000 + uint64(m) })

	a, err := u.Define("A", []api.MethodID{1, 2}, map[string][]api.MethodID{"I": {2}, "H": {3}})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1001), a.Dispatch(0))
	entry, err := a.InterfaceDispatch("I", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1002), entry)
	_, err = a.InterfaceDispatch("J", 0)
	require.EqualError(t, err, "A does not implement J")

	_, err = u.Define("A", nil, nil)
	require.EqualError(t, err, "type A already defined")

	b, err := u.Define("B", []api.MethodID{2}, nil)
	require.NoError(t, err)
	got, ok := u.Lookup("B")
	require.True(t, ok)
	require.Same(t, b, got)
	require.Equal(t, []*Type{a, b}, u.Types())

	var methods []api.MethodID
	u.EachSlot(func(_ *Type, s *Slot) bool {
		methods = append(methods, s.Method)
		return true
	})
	require.Equal(t, []api.MethodID{1, 2, 3, 2, 2}, methods)

	n := 0
	u.EachSlot(func(*Type, *Slot) bool {
		n++
		return n < 2
	})
	require.Equal(t, 2, n)
}

func TestSlot_CompareAndSwap(t *testing.T) {
	u := NewUniverse(func(api.MethodID) uint64 { return 0x10 })
	a, err := u.Define("A", []api.MethodID{1}, nil)
	require.NoError(t, err)

	require.False(t, a.VTable[0].CompareAndSwap(0x20, 0x30))
	require.True(t, a.VTable[0].CompareAndSwap(0x10, 0x30))
	require.Equal(t, uint64(0x30), a.Dispatch(0))
}

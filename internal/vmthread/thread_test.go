package vmthread

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tiered/internal/stackwalk"
)

func TestRegistry_NewThread(t *testing.T) {
	r := NewRegistry()
	a, b := r.NewThread("a"), r.NewThread("b")
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, "a", a.Name())
	require.Regexp(t, `^thread\(\d+:b\)$`, b.String())
	require.Equal(t, "thread(nil)", (*Thread)(nil).String())
	require.ElementsMatch(t, []*Thread{a, b}, r.Threads())

	r.Release(a)
	require.Equal(t, []*Thread{b}, r.Threads())
}

func TestRegistry_Attach(t *testing.T) {
	r := NewRegistry()
	outer, inner := r.NewThread("outer"), r.NewThread("inner")
	require.Nil(t, r.Current())

	r.Attach(outer, func() {
		require.Equal(t, outer, r.Current())
		r.Attach(inner, func() {
			require.Equal(t, inner, r.Current())
		})
		require.Equal(t, outer, r.Current())
	})
	require.Nil(t, r.Current())

	t.Run("registries are independent", func(t *testing.T) {
		other := NewRegistry()
		r.Attach(outer, func() {
			require.Nil(t, other.Current())
		})
	})
}

func TestRegistry_Go(t *testing.T) {
	r := NewRegistry()
	th := r.NewThread("worker")

	var wg sync.WaitGroup
	wg.Add(1)
	var seen *Thread
	r.Go(th, func() {
		defer wg.Done()
		seen = r.Current()
	})
	wg.Wait()
	require.Equal(t, th, seen)
}

func TestRegistry_CurrentOrAttach(t *testing.T) {
	r := NewRegistry()

	var temp *Thread
	r.CurrentOrAttach("temp", func(th *Thread) {
		temp = th
		require.Equal(t, th, r.Current())
		require.Equal(t, []*Thread{th}, r.Threads())
	})
	require.Equal(t, "temp", temp.Name())
	require.Empty(t, r.Threads())

	th := r.NewThread("main")
	r.Attach(th, func() {
		r.CurrentOrAttach("temp", func(got *Thread) {
			require.Equal(t, th, got)
		})
	})
}

func TestThread_State(t *testing.T) {
	th := NewRegistry().NewThread("t")

	require.True(t, th.CanAllocate())
	th.SetAllocationEnabled(false)
	require.False(t, th.CanAllocate())
	th.SetAllocationEnabled(true)
	require.True(t, th.CanAllocate())

	require.False(t, th.IsCompiling())
	exitOuter := th.EnterCompile()
	exitInner := th.EnterCompile()
	exitInner()
	require.True(t, th.IsCompiling())
	exitOuter()
	require.False(t, th.IsCompiling())

	require.Nil(t, th.Anchor())
	a := &stackwalk.Anchor{IP: 0x1000, SP: 0x7f00}
	th.RecordAnchor(a)
	require.Equal(t, a, th.Anchor())
	th.RecordAnchor(nil)
	require.Nil(t, th.Anchor())
}

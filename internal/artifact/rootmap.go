package artifact

import (
	"math/bits"
	"strings"
)

// RootMap has one bit per 8-byte frame slot, set when the slot holds a managed reference. Slot 0 is the lowest
// address of the frame.
type RootMap []uint64

// NewRootMap returns a RootMap able to hold slots bits.
func NewRootMap(slots int) RootMap {
	return make(RootMap, (slots+63)/64)
}

// Set marks slot i as holding a reference, growing the map if needed.
func (m *RootMap) Set(i int) {
	for len(*m) <= i/64 {
		*m = append(*m, 0)
	}
	(*m)[i/64] |= 1 << (uint(i) % 64)
}

// IsSet returns true if slot i holds a reference.
func (m RootMap) IsSet(i int) bool {
	if i < 0 || i/64 >= len(m) {
		return false
	}
	return m[i/64]&(1<<(uint(i)%64)) != 0
}

// Count returns the number of reference slots.
func (m RootMap) Count() (n int) {
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return
}

// Slots calls fn for each reference slot in increasing order.
func (m RootMap) Slots(fn func(i int)) {
	for wi, w := range m {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			fn(wi*64 + b)
			w &^= 1 << uint(b)
		}
	}
}

// Format renders the first n slots as a string of '0' and '1', slot 0 first.
func (m RootMap) Format(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if m.IsSet(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

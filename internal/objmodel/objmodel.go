// Package objmodel holds the dispatch tables of loaded types.
//
// Each slot of a virtual or interface table is bound to one method and holds the entry address virtual calls jump
// to. Entries use the optimized calling convention. Slots are single words updated atomically, so a reader sees
// either the old or the new entry and never a torn value.
package objmodel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/tiered/api"
)

// Slot is one entry of a dispatch table.
type Slot struct {
	// Method is the method bound to this slot.
	Method api.MethodID
	entry  atomic.Uint64
}

// Entry returns the address a call through this slot jumps to.
func (s *Slot) Entry() uint64 { return s.entry.Load() }

// CompareAndSwap replaces the entry with new if it still is old.
func (s *Slot) CompareAndSwap(old, new uint64) bool { return s.entry.CompareAndSwap(old, new) }

// Table is a virtual table or the table of one implemented interface.
type Table []*Slot

// Type is a loaded type and its dispatch tables.
type Type struct {
	Name string
	// VTable is indexed by virtual slot index.
	VTable Table
	// ITables is keyed by interface name.
	ITables map[string]Table
}

// Dispatch returns the entry of the virtual slot index, like a virtual call would read it.
func (t *Type) Dispatch(index int) uint64 { return t.VTable[index].Entry() }

// InterfaceDispatch returns the entry of slot index of the interface table iface.
func (t *Type) InterfaceDispatch(iface string, index int) (uint64, error) {
	table, ok := t.ITables[iface]
	if !ok {
		return 0, fmt.Errorf("%s does not implement %s", t.Name, iface)
	}
	return table[index].Entry(), nil
}

// EntryResolver returns the entry a slot bound to the method starts with.
type EntryResolver func(api.MethodID) uint64

// Universe is the set of loaded types.
type Universe struct {
	resolve EntryResolver

	mux    sync.RWMutex
	types  []*Type
	byName map[string]*Type
}

// NewUniverse returns an empty Universe. resolve gives the initial entry of new slots.
func NewUniverse(resolve EntryResolver) *Universe {
	return &Universe{resolve: resolve, byName: map[string]*Type{}}
}

// Define loads a type whose virtual table slots are bound to vtable and whose interface tables are bound to
// itables.
func (u *Universe) Define(name string, vtable []api.MethodID, itables map[string][]api.MethodID) (*Type, error) {
	t := &Type{Name: name, VTable: u.newTable(vtable)}
	if len(itables) > 0 {
		t.ITables = make(map[string]Table, len(itables))
		for iface, methods := range itables {
			t.ITables[iface] = u.newTable(methods)
		}
	}

	u.mux.Lock()
	defer u.mux.Unlock()
	if _, ok := u.byName[name]; ok {
		return nil, fmt.Errorf("type %s already defined", name)
	}
	u.types = append(u.types, t)
	u.byName[name] = t
	return t, nil
}

func (u *Universe) newTable(methods []api.MethodID) Table {
	table := make(Table, len(methods))
	for i, m := range methods {
		s := &Slot{Method: m}
		s.entry.Store(u.resolve(m))
		table[i] = s
	}
	return table
}

// Lookup returns the type of the given name.
func (u *Universe) Lookup(name string) (*Type, bool) {
	u.mux.RLock()
	defer u.mux.RUnlock()
	t, ok := u.byName[name]
	return t, ok
}

// Types returns a snapshot of the loaded types in load order.
func (u *Universe) Types() []*Type {
	u.mux.RLock()
	defer u.mux.RUnlock()
	return append([]*Type(nil), u.types...)
}

// EachSlot calls fn for every slot of every loaded type, virtual tables first, then interface tables in name
// order. Returning false stops the iteration.
func (u *Universe) EachSlot(fn func(t *Type, s *Slot) bool) {
	for _, t := range u.Types() {
		for _, s := range t.VTable {
			if !fn(t, s) {
				return
			}
		}
		ifaces := make([]string, 0, len(t.ITables))
		for iface := range t.ITables {
			ifaces = append(ifaces, iface)
		}
		sort.Strings(ifaces)
		for _, iface := range ifaces {
			for _, s := range t.ITables[iface] {
				if !fn(t, s) {
					return
				}
			}
		}
	}
}

// Package pagetable implements the hardware-format page table that the
// address space layer drives: a 4-level tree of 512-entry tables,
// exactly as biscuit's mem.Pmap_t lays them out, with intermediate
// tables created on demand and freed once their last leaf is unmapped.
package pagetable

import (
	"errors"

	"hypercore/internal/frame"
)

// PTE bits, named and valued identically to biscuit's mem package so a
// reader who knows one knows the other.
const (
	PTE_P   = 1 << 0 // present
	PTE_W   = 1 << 1 // writable
	PTE_U   = 1 << 2 // user-accessible
	PTE_PCD = 1 << 4 // cache disable
	PTE_A   = 1 << 5 // accessed
	PTE_D   = 1 << 6 // dirty
	PTE_PS  = 1 << 7 // large page
	// PTE_SHARED is an OS-available bit (ignored by hardware, bits 9-11
	// are software-defined): set on entries installed with
	// Options.Shared so Clone can tell a shared mapping from a private
	// one without out-of-band bookkeeping.
	PTE_SHARED = 1 << 9
	PTE_NX     = 1 << 63
)

const (
	pgshift  = 12
	pgoffset = 0xfff
	entbits  = 9
	entmask  = (1 << entbits) - 1
)

var (
	// ErrAlreadyMapped is returned by MapPage when a mapping already
	// exists and options.DiscardAlreadyMapped is not set.
	ErrAlreadyMapped = errors.New("pagetable: already mapped")
	// ErrNotMapped is returned by UnmapPage/SetPagePerms when no
	// mapping exists at the address.
	ErrNotMapped = errors.New("pagetable: not mapped")
	// ErrOutOfMemory is returned when the frame pool cannot supply a
	// frame for a new intermediate table.
	ErrOutOfMemory = errors.New("pagetable: out of memory")
)

// Perm is the {read, write, exec} triple from spec §3. The all-false
// value is representable and distinct from "unmapped": it denotes a
// mapped-but-inaccessible guard page.
type Perm struct {
	Read, Write, Exec bool
}

// Options captures the caller flags from spec §3 "Mapping options",
// derived into page-table-entry bits alongside Perm before each write.
type Options struct {
	UserAccessible bool
	Shared         bool
	DiscardAlreadyMapped bool
}

func bitsFor(perm Perm, opt Options) uint64 {
	var b uint64 = PTE_P
	if perm.Write {
		b |= PTE_W
	}
	if opt.UserAccessible {
		b |= PTE_U
	}
	if !perm.Exec {
		b |= PTE_NX
	}
	if opt.Shared {
		b |= PTE_SHARED
	}
	return b
}

// entry is one slot of a hardware table: a physical frame number plus
// flag bits, matching biscuit's Pa_t-typed Pmap_t entries.
type entry uint64

func (e entry) frame() frame.Num { return frame.Num((uint64(e) &^ flagMask) >> pgshift) }
func (e entry) present() bool    { return uint64(e)&PTE_P != 0 }
const flagMask = PTE_P | PTE_W | PTE_U | PTE_PCD | PTE_A | PTE_D | PTE_PS | PTE_SHARED | PTE_NX

func mkentry(f frame.Num, bits uint64) entry {
	return entry(uint64(f)<<pgshift | bits&flagMask)
}

// table is one level of the tree: 512 entries, arena-allocated from the
// frame pool so its address is a real guest physical address.
type table struct {
	ents    [1 << entbits]entry
	leaves  int // count of present entries in this table, for on-demand free
	self    frame.Num
	parent  *table
	parentI int
}

// Table is the root of one guest address space's page tables.
type Table struct {
	pool *frame.Pool
	root *table
	arena map[frame.Num]*table
}

func indices(va uint64) (l4, l3, l2, l1 int) {
	return int((va >> 39) & entmask),
		int((va >> 30) & entmask),
		int((va >> 21) & entmask),
		int((va >> 12) & entmask)
}

// New allocates an empty root table backed by pool.
func New(pool *frame.Pool) (*Table, error) {
	t := &Table{pool: pool, arena: map[frame.Num]*table{}}
	root, err := t.newTable()
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

func (t *Table) newTable() (*table, error) {
	n, ok := t.pool.AllocNoZero()
	if !ok {
		return nil, ErrOutOfMemory
	}
	t.pool.Refup(n)
	tb := &table{self: n}
	t.arena[n] = tb
	return tb, nil
}

func (t *Table) walk(l4, l3, l2 int, create bool) (*table, error) {
	cur := t.root
	for _, idx := range []int{l4, l3, l2} {
		e := cur.ents[idx]
		if !e.present() {
			if !create {
				return nil, nil
			}
			child, err := t.newTable()
			if err != nil {
				return nil, err
			}
			child.parent = cur
			child.parentI = idx
			cur.ents[idx] = mkentry(child.self, PTE_P|PTE_W|PTE_U)
			cur.leaves++
			cur = child
			continue
		}
		cur = t.arena[e.frame()]
	}
	return cur, nil
}

// MapPage installs a mapping of va to f with the given permissions and
// options. va must be page-aligned. See spec §4.1 for the
// AlreadyMapped/discard semantics.
func (t *Table) MapPage(va uint64, f frame.Num, perm Perm, opt Options) error {
	if va&pgoffset != 0 {
		panic("pagetable: unaligned va")
	}
	l4, l3, l2, l1 := indices(va)
	leaf, err := t.walk(l4, l3, l2, true)
	if err != nil {
		return err
	}
	cur := leaf.ents[l1]
	if cur.present() {
		if !opt.DiscardAlreadyMapped {
			return ErrAlreadyMapped
		}
		old := cur.frame()
		if !opt.Shared {
			t.pool.Refdown(old)
		}
		leaf.leaves-- // the replace below re-increments
	}
	bits := bitsFor(perm, opt)
	if perm == (Perm{}) {
		// guard page: reserve the slot as present-but-inaccessible so
		// Lookup can distinguish it from "nothing here" while still
		// faulting on every real access. We encode it with PTE_P set
		// and no R/W/X/U bits, matching spec §3's "mapped but
		// inaccessible" guard semantics.
		bits = PTE_P
	}
	leaf.ents[l1] = mkentry(f, bits)
	leaf.leaves++
	return nil
}

// UnmapPage removes the mapping at va, returning the previous frame to
// the caller for pool release (the caller decides refup/refdown policy
// since shared pages aren't owned 1:1 by a single entry).
func (t *Table) UnmapPage(va uint64) (frame.Num, error) {
	if va&pgoffset != 0 {
		panic("pagetable: unaligned va")
	}
	l4, l3, l2, l1 := indices(va)
	leaf, err := t.walk(l4, l3, l2, false)
	if err != nil {
		return frame.Nil, err
	}
	if leaf == nil || !leaf.ents[l1].present() {
		return frame.Nil, ErrNotMapped
	}
	f := leaf.ents[l1].frame()
	leaf.ents[l1] = 0
	leaf.leaves--
	t.freeEmptyChain(leaf)
	return f, nil
}

// freeEmptyChain releases intermediate tables once their last leaf is
// gone, walking up toward the root, never touching a table with a
// sibling still present (spec §4.1 tie-break).
func (t *Table) freeEmptyChain(tb *table) {
	for tb.parent != nil && tb.leaves == 0 {
		p := tb.parent
		idx := tb.parentI
		p.ents[idx] = 0
		p.leaves--
		delete(t.arena, tb.self)
		t.pool.Refdown(tb.self)
		tb = p
	}
}

// SetPagePerms changes the permissions of an existing mapping.
func (t *Table) SetPagePerms(va uint64, perm Perm, userAccessible bool) error {
	if va&pgoffset != 0 {
		panic("pagetable: unaligned va")
	}
	l4, l3, l2, l1 := indices(va)
	leaf, err := t.walk(l4, l3, l2, false)
	if err != nil {
		return err
	}
	if leaf == nil || !leaf.ents[l1].present() {
		return ErrNotMapped
	}
	f := leaf.ents[l1].frame()
	bits := bitsFor(perm, Options{UserAccessible: userAccessible})
	if perm == (Perm{}) {
		bits = PTE_P
	}
	leaf.ents[l1] = mkentry(f, bits)
	return nil
}

// Lookup returns the frame mapped at va and whether it is present.
func (t *Table) Lookup(va uint64) (frame.Num, bool) {
	l4, l3, l2, l1 := indices(va)
	leaf, err := t.walk(l4, l3, l2, false)
	if err != nil || leaf == nil || !leaf.ents[l1].present() {
		return frame.Nil, false
	}
	return leaf.ents[l1].frame(), true
}

// Clone produces an independent table tree. Entries installed with
// Options.Shared keep referring to the same frame (Refup'd, not copied)
// so writes through either address space remain visible to both;
// every other present leaf gets an eager, private-page deep copy,
// matching spec §4.1's "choice is internal provided observable
// semantics match eager copy".
func (t *Table) Clone() (*Table, error) {
	nt, err := New(t.pool)
	if err != nil {
		return nil, err
	}
	if err := t.cloneInto(nt); err != nil {
		return nil, err
	}
	return nt, nil
}

func (t *Table) cloneInto(dst *Table) error {
	return t.walkLeaves(func(va uint64, f frame.Num, bits uint64) error {
		perm := Perm{
			Read:  true,
			Write: bits&PTE_W != 0,
			Exec:  bits&PTE_NX == 0,
		}
		if bits == PTE_P {
			perm = Perm{}
		}
		shared := bits&PTE_SHARED != 0
		opt := Options{UserAccessible: bits&PTE_U != 0, Shared: shared}
		if shared {
			t.pool.Refup(f)
			return dst.MapPage(va, f, perm, opt)
		}
		nf, ok := t.pool.AllocNoZero()
		if !ok {
			return ErrOutOfMemory
		}
		copy(t.pool.Bytes(nf), t.pool.Bytes(f))
		t.pool.Refup(nf)
		return dst.MapPage(va, nf, perm, opt)
	})
}

// walkLeaves calls fn for every present leaf entry in address order.
func (t *Table) walkLeaves(fn func(va uint64, f frame.Num, bits uint64) error) error {
	for i4 := range t.root.ents {
		e4 := t.root.ents[i4]
		if !e4.present() {
			continue
		}
		t3 := t.arena[e4.frame()]
		for i3 := range t3.ents {
			e3 := t3.ents[i3]
			if !e3.present() {
				continue
			}
			t2 := t.arena[e3.frame()]
			for i2 := range t2.ents {
				e2 := t2.ents[i2]
				if !e2.present() {
					continue
				}
				t1 := t.arena[e2.frame()]
				for i1 := range t1.ents {
					e1 := t1.ents[i1]
					if !e1.present() {
						continue
					}
					va := uint64(i4)<<39 | uint64(i3)<<30 | uint64(i2)<<21 | uint64(i1)<<12
					if err := fn(va, e1.frame(), uint64(e1)&flagMask); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

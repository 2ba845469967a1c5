// Package frame owns guest physical memory, handed out in fixed 4KiB
// units to the page-table engine. A frame is free-listed until mapped;
// once mapped it is refcounted so a shared mapping (fork) and a private
// mapping (ordinary allocation) can share the same free/refdown path.
package frame

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrOutOfMemory is returned when the pool has no free frame to hand out.
var ErrOutOfMemory = errors.New("frame: out of memory")

// PGSHIFT is the base-2 exponent for the frame size.
const PGSHIFT = 12

// PGSIZE is the size of a single frame in bytes.
const PGSIZE = 1 << PGSHIFT

// Num identifies a frame by its index into the pool's backing arena.
// It is not a host or guest virtual address.
type Num uint32

// Nil is the zero value of Num and never a valid allocated frame.
const Nil Num = ^Num(0)

type slot struct {
	refcnt int32
	nexti  Num
}

// Pool is the frame pool: a fixed arena of frames plus a free list
// threaded through unused slots. Modeled on biscuit's Physmem_t, with
// the per-CPU free-list fast path dropped since this hypervisor runs a
// single cooperative vCPU (see DESIGN.md).
//
// The arena itself is one contiguous anonymous mmap, the same way a
// real KVM backend allocates guest physical memory before registering
// it with KVM_SET_USER_MEMORY_REGION; a host-mapped page-aligned
// region is what Num ultimately slices into, even though the VM
// container that would register it is out of scope here.
type Pool struct {
	mu      sync.Mutex
	slots   []slot
	backing []byte
	freei   Num
	freelen int
}

// NewPool creates a pool of n frames, all initially free, backed by one
// mmap'd anonymous region of n*PGSIZE bytes.
func NewPool(n int) *Pool {
	backing, err := unix.Mmap(-1, 0, n*PGSIZE, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(fmt.Sprintf("frame: mmap %d bytes of guest memory: %v", n*PGSIZE, err))
	}
	p := &Pool{
		slots:   make([]slot, n),
		backing: backing,
		freei:   Nil,
	}
	for i := n - 1; i >= 0; i-- {
		p.slots[i].nexti = p.freei
		p.freei = Num(i)
	}
	p.freelen = n
	return p
}

// Close releases the pool's backing mmap. Callers that let a Pool be
// garbage collected without calling Close leak the mapping, same as
// any unclosed mmap.
func (p *Pool) Close() error {
	return unix.Munmap(p.backing)
}

// Alloc removes a frame from the free list, zeroes it, and returns its
// number with a refcount of zero. The caller is expected to Refup it
// before installing it in a page table (mirrors biscuit's Refpg_new,
// whose callers immediately take ownership via a PTE write).
func (p *Pool) Alloc() (Num, bool) {
	n, ok := p.allocRaw()
	if !ok {
		return Nil, false
	}
	b := p.Bytes(n)
	for i := range b {
		b[i] = 0
	}
	return n, true
}

// AllocNoZero is like Alloc but skips zeroing, for callers that are
// about to overwrite the whole frame (e.g. the page copy in a page-table
// Clone).
func (p *Pool) AllocNoZero() (Num, bool) {
	return p.allocRaw()
}

func (p *Pool) allocRaw() (Num, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == Nil {
		return Nil, false
	}
	n := p.freei
	p.freei = p.slots[n].nexti
	p.freelen--
	if p.slots[n].refcnt != 0 {
		panic("frame: allocated a frame with nonzero refcount")
	}
	return n, true
}

// Refup increments a frame's reference count.
func (p *Pool) Refup(n Num) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[n].refcnt++
}

// Refdown decrements a frame's reference count, returning it to the
// free list and reporting true when the count reaches zero.
func (p *Pool) Refdown(n Num) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[n].refcnt--
	if p.slots[n].refcnt < 0 {
		panic("frame: refcount went negative")
	}
	if p.slots[n].refcnt == 0 {
		p.slots[n].nexti = p.freei
		p.freei = n
		p.freelen++
		return true
	}
	return false
}

// Refcnt reports the current reference count of a frame, for tests and
// invariant checks.
func (p *Pool) Refcnt(n Num) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.slots[n].refcnt)
}

// Bytes returns the backing storage for a frame as a byte slice into
// the pool's mmap'd arena.
func (p *Pool) Bytes(n Num) []byte {
	off := int(n) * PGSIZE
	return p.backing[off : off+PGSIZE]
}

// Free reports how many frames remain unallocated.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelen
}

// Cap reports the total number of frames in the pool.
func (p *Pool) Cap() int {
	return len(p.slots)
}

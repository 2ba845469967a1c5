// Package aspace implements the per-guest-process address space: the
// region manager and page table held together under one lock, enforcing
// page-aligned, non-overlapping user-range mappings above the raw
// page-table engine.
//
// Grounded on biscuit's vm.Vm_t (biscuit/src/vm/as.go): the
// mutex-guarded struct, the Lock_pmap/Unlock_pmap/Lockassert_pmap
// pattern, and the checked-user-pointer accessors (Userdmap8_inner and
// friends) that back the bridge's checked-pointer contract.
package aspace

import (
	"sync"

	"hypercore/internal/defs"
	"hypercore/internal/frame"
	"hypercore/internal/pagetable"
	"hypercore/internal/region"
)

const pageSize = uint64(frame.PGSIZE)

// Space is one guest process's address space.
type Space struct {
	mu sync.Mutex

	regions *region.Manager
	pt      *pagetable.Table
	pool    *frame.Pool

	userStart, userEnd uint64

	pgfltaken bool // set while the address-space lock is held, diagnostic only
}

// New creates an address space over the half-open user window
// [userStart, userEnd), backed by pool.
func New(pool *frame.Pool, userStart, userEnd uint64) (*Space, error) {
	pt, err := pagetable.New(pool)
	if err != nil {
		return nil, err
	}
	return &Space{
		regions:   region.New(userStart, userEnd),
		pt:        pt,
		pool:      pool,
		userStart: userStart,
		userEnd:   userEnd,
	}, nil
}

func (s *Space) lock() {
	s.mu.Lock()
	s.pgfltaken = true
}

func (s *Space) unlock() {
	s.pgfltaken = false
	s.mu.Unlock()
}

func (s *Space) lockassert() {
	if !s.pgfltaken {
		panic("aspace: lock must be held")
	}
}

func checkRange(addr, length uint64) bool {
	if addr%pageSize != 0 || length == 0 || length%pageSize != 0 {
		return false
	}
	end := addr + length
	return end > addr // non-overflowing
}

// Flags are mmap-style caller flags.
type Flags struct {
	Shared bool
}

// MapRange reserves [addr, addr+length) in the region manager, allocates
// length/PGSIZE frames, and maps each page with perms/flags. On
// AlreadyMapped partway through, the region manager is left reflecting
// the whole requested range as mapped (an mmap-contract exception: a
// colliding range is a caller bug, not a state this call should try to
// partially repair); any other per-page failure rolls the range back to
// unmapped and releases unconsumed frames.
func (s *Space) MapRange(addr, length uint64, perm pagetable.Perm, flags Flags) error {
	if !checkRange(addr, length) {
		return region.ErrNotUserRange
	}
	s.lock()
	defer s.unlock()

	if err := s.regions.SetMapped(addr, addr+length); err != nil {
		return err
	}

	npages := int(length / pageSize)
	mapped := 0
	for i := 0; i < npages; i++ {
		va := addr + uint64(i)*pageSize
		f, ok := s.pool.Alloc()
		if !ok {
			s.unwindPartial(addr, length, mapped)
			return frame.ErrOutOfMemory
		}
		s.pool.Refup(f)
		opt := pagetable.Options{UserAccessible: true, Shared: flags.Shared}
		if err := s.pt.MapPage(va, f, perm, opt); err != nil {
			s.pool.Refdown(f)
			if err == pagetable.ErrAlreadyMapped {
				// Leave the region manager marked mapped for the
				// whole range; don't unwind it.
				return err
			}
			s.unwindPartial(addr, length, mapped)
			return err
		}
		mapped++
	}
	return nil
}

// unwindPartial releases the first n mapped pages of a failed MapRange
// call and restores the region manager to unmapped across the whole
// originally requested [addr, addr+length) range.
func (s *Space) unwindPartial(addr, length uint64, n int) {
	for i := 0; i < n; i++ {
		va := addr + uint64(i)*pageSize
		if f, err := s.pt.UnmapPage(va); err == nil {
			s.pool.Refdown(f)
		}
	}
	s.regions.SetNotMapped(addr, addr+length)
}

// MapRangeAnywhere picks an unused run of length bytes (first-fit within
// the user window) and delegates to MapRange. A region-manager
// inconsistency that would make this fail with AlreadyMapped or
// NotUserRange is an internal bug: it crashes the hypervisor.
func (s *Space) MapRangeAnywhere(length uint64, perm pagetable.Perm, flags Flags) (uint64, error) {
	s.lock()
	addr, ok := s.regions.FindNotMapped(length, pageSize)
	s.unlock()
	if !ok {
		return 0, frame.ErrOutOfMemory
	}
	if err := s.MapRange(addr, length, perm, flags); err != nil {
		if err == region.ErrAlreadyMapped || err == region.ErrNotUserRange || err == pagetable.ErrAlreadyMapped {
			panic("aspace: region manager inconsistent with itself: " + err.Error())
		}
		return 0, err
	}
	return addr, nil
}

// UnmapRange marks [addr, addr+length) unmapped, then unmaps each page.
// If any page was already unmapped, the rest still proceed and
// ErrNotMapped is returned at the end.
func (s *Space) UnmapRange(addr, length uint64) error {
	if !checkRange(addr, length) {
		return region.ErrNotUserRange
	}
	s.lock()
	defer s.unlock()

	s.regions.SetNotMapped(addr, addr+length)

	npages := int(length / pageSize)
	var firstErr error
	for i := 0; i < npages; i++ {
		va := addr + uint64(i)*pageSize
		f, err := s.pt.UnmapPage(va)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.pool.Refdown(f)
	}
	return firstErr
}

// SetRangePerms applies perm to every page in [addr, addr+length),
// stopping and surfacing the first error.
func (s *Space) SetRangePerms(addr, length uint64, perm pagetable.Perm) error {
	if !checkRange(addr, length) {
		return region.ErrNotUserRange
	}
	s.lock()
	defer s.unlock()

	npages := int(length / pageSize)
	for i := 0; i < npages; i++ {
		va := addr + uint64(i)*pageSize
		if err := s.pt.SetPagePerms(va, perm, true); err != nil {
			return err
		}
	}
	return nil
}

// Clone forks the page table and region manager into a new, independent
// address space.
func (s *Space) Clone() (*Space, error) {
	s.lock()
	defer s.unlock()

	npt, err := s.pt.Clone()
	if err != nil {
		return nil, err
	}
	return &Space{
		regions:   s.regions.Clone(),
		pt:        npt,
		pool:      s.pool,
		userStart: s.userStart,
		userEnd:   s.userEnd,
	}, nil
}

// Userdmap8 returns a slice over guest memory at va, long enough to
// reach the end of the containing frame, after validating that va falls
// within a mapped user range. write requests the slice for a host-to-
// guest write; it does not change what's returned (no demand paging is
// performed) but is kept for symmetry with the bridge's
// read/write call sites and future permission enforcement.
func (s *Space) Userdmap8(va uint64, write bool) ([]byte, defs.Err_t) {
	s.lock()
	defer s.unlock()
	return s.userdmap8Inner(va, write)
}

func (s *Space) userdmap8Inner(va uint64, write bool) ([]byte, defs.Err_t) {
	s.lockassert()
	voff := va % pageSize
	f, ok := s.pt.Lookup(va &^ (pageSize - 1))
	if !ok {
		return nil, defs.EFAULT
	}
	if !s.regions.Lookup(va) {
		return nil, defs.EFAULT
	}
	b := s.pool.Bytes(f)
	return b[voff:], 0
}

// Userreadn reads n (<=8) bytes at va and returns them as an integer.
func (s *Space) Userreadn(va uint64, n int) (uint64, defs.Err_t) {
	if n > 8 {
		panic("aspace: large n")
	}
	s.lock()
	defer s.unlock()
	var ret uint64
	for i := 0; i < n; {
		src, err := s.userdmap8Inner(va+uint64(i), false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		for j := 0; j < l; j++ {
			ret |= uint64(src[j]) << (8 * uint(i+j))
		}
		i += l
	}
	return ret, 0
}

// Userwriten writes the low n bytes of val to va.
func (s *Space) Userwriten(va uint64, n int, val uint64) defs.Err_t {
	if n > 8 {
		panic("aspace: large n")
	}
	s.lock()
	defer s.unlock()
	for i := 0; i < n; {
		dst, err := s.userdmap8Inner(va+uint64(i), true)
		if err != 0 {
			return err
		}
		l := n - i
		if len(dst) < l {
			l = len(dst)
		}
		for j := 0; j < l; j++ {
			dst[j] = byte(val >> (8 * uint(i+j)))
		}
		i += l
	}
	return 0
}

// Userstr copies a NUL-terminated string from guest memory at va, up to
// lenmax bytes, and returns it. ENAMETOOLONG is returned if no NUL byte
// is found within lenmax bytes.
func (s *Space) Userstr(va uint64, lenmax int) (string, defs.Err_t) {
	s.lock()
	defer s.unlock()

	var out []byte
	i := 0
	for {
		chunk, err := s.userdmap8Inner(va+uint64(i), false)
		if err != 0 {
			return "", err
		}
		for j, c := range chunk {
			if i+j >= lenmax {
				return "", defs.ENAMETOOLONG
			}
			if c == 0 {
				out = append(out, chunk[:j]...)
				return string(out), 0
			}
		}
		out = append(out, chunk...)
		i += len(chunk)
		if len(out) >= lenmax {
			return "", defs.ENAMETOOLONG
		}
	}
}

// K2user copies src into guest memory starting at uva.
func (s *Space) K2user(src []byte, uva uint64) defs.Err_t {
	s.lock()
	defer s.unlock()
	cnt := 0
	for cnt != len(src) {
		dst, err := s.userdmap8Inner(uva+uint64(cnt), true)
		if err != 0 {
			return err
		}
		n := copy(dst, src[cnt:])
		if n == 0 {
			return defs.EFAULT
		}
		cnt += n
	}
	return 0
}

// User2k copies len(dst) bytes from guest memory at uva into dst.
func (s *Space) User2k(dst []byte, uva uint64) defs.Err_t {
	s.lock()
	defer s.unlock()
	cnt := 0
	for cnt != len(dst) {
		src, err := s.userdmap8Inner(uva+uint64(cnt), false)
		if err != 0 {
			return err
		}
		n := copy(dst[cnt:], src)
		if n == 0 {
			return defs.EFAULT
		}
		cnt += n
	}
	return 0
}

// InUserRange reports whether [addr, addr+length) lies fully within the
// configured user window, without checking whether it is mapped.
func (s *Space) InUserRange(addr, length uint64) bool {
	if length == 0 {
		return addr >= s.userStart && addr <= s.userEnd
	}
	end := addr + length
	return end > addr && addr >= s.userStart && end <= s.userEnd
}

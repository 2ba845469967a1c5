// Package region tracks which user-virtual ranges of an address space
// are in use, independent of the hardware page table. It is a sorted,
// disjoint set of half-open intervals with binary-search lookup.
//
// biscuit's own region manager (vm.Vmregion_t) was not present in the
// retrieved source, only call sites referencing a clone path that is a
// known TODO copying by value. This package implements a correct
// deep-copying Clone instead: two address spaces must never alias the
// same interval bookkeeping after a fork (see DESIGN.md).
package region

import (
	"errors"
	"sort"

	"hypercore/internal/align"
)

// ErrAlreadyMapped is returned by SetMapped when the requested interval
// overlaps one already marked in use.
var ErrAlreadyMapped = errors.New("region: already mapped")

// ErrNotUserRange is returned when a requested interval falls outside
// the configured user window.
var ErrNotUserRange = errors.New("region: not in user range")

type interval struct {
	lo, hi uint64 // half-open [lo, hi)
}

// Manager is a per-address-space interval set over [userStart, userEnd).
type Manager struct {
	userStart, userEnd uint64
	ivals              []interval // sorted, disjoint; adjacent intervals are not merged
}

// New creates a manager over the half-open window [userStart, userEnd).
func New(userStart, userEnd uint64) *Manager {
	return &Manager{userStart: userStart, userEnd: userEnd}
}

func (m *Manager) inWindow(lo, hi uint64) bool {
	return lo >= m.userStart && hi <= m.userEnd && lo <= hi
}

// searchIdx returns the index of the first interval whose hi is > lo,
// i.e. the first interval that could overlap or follow [lo, hi).
func (m *Manager) searchIdx(lo uint64) int {
	return sort.Search(len(m.ivals), func(i int) bool {
		return m.ivals[i].hi > lo
	})
}

// SetMapped marks [lo, hi) in use. It fails with ErrAlreadyMapped if any
// part of the interval is already in use, and ErrNotUserRange if the
// interval falls outside the user window.
func (m *Manager) SetMapped(lo, hi uint64) error {
	if !m.inWindow(lo, hi) {
		return ErrNotUserRange
	}
	i := m.searchIdx(lo)
	if i < len(m.ivals) && m.ivals[i].lo < hi {
		return ErrAlreadyMapped
	}
	m.ivals = append(m.ivals, interval{})
	copy(m.ivals[i+1:], m.ivals[i:])
	m.ivals[i] = interval{lo, hi}
	return nil
}

// SetNotMapped marks [lo, hi) free, tolerating any prior state
// (overlapping mapped/unmapped regions are all accepted) and coalescing
// adjacent free neighbors implicitly by removing/trimming intervals.
func (m *Manager) SetNotMapped(lo, hi uint64) {
	var out []interval
	for _, iv := range m.ivals {
		if iv.hi <= lo || iv.lo >= hi {
			out = append(out, iv)
			continue
		}
		if iv.lo < lo {
			out = append(out, interval{iv.lo, lo})
		}
		if iv.hi > hi {
			out = append(out, interval{hi, iv.hi})
		}
	}
	m.ivals = out
}

// FindNotMapped returns the lowest page-aligned address a such that
// [a, a+length) is entirely free and inside the window, and false if no
// such address exists. pageSize must be a power of two.
func (m *Manager) FindNotMapped(length, pageSize uint64) (uint64, bool) {
	cand := align.Up(m.userStart, pageSize)
	for _, iv := range m.ivals {
		if cand+length <= iv.lo {
			return cand, true
		}
		if iv.hi > cand {
			cand = align.Up(iv.hi, pageSize)
		}
	}
	if cand+length <= m.userEnd && cand+length > cand {
		return cand, true
	}
	return 0, false
}

// Lookup reports whether addr falls within a mapped interval.
func (m *Manager) Lookup(addr uint64) bool {
	i := m.searchIdx(addr)
	return i < len(m.ivals) && m.ivals[i].lo <= addr
}

// Clear empties the manager, releasing every tracked interval.
func (m *Manager) Clear() {
	m.ivals = nil
}

// Clone returns an independent deep copy of the manager's interval set.
func (m *Manager) Clone() *Manager {
	nm := &Manager{userStart: m.userStart, userEnd: m.userEnd}
	nm.ivals = make([]interval, len(m.ivals))
	copy(nm.ivals, m.ivals)
	return nm
}

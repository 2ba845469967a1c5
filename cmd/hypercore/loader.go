// Loader wiring: elfview → aspace, mapping each parsed ELF segment into
// the guest address space before entry. Grounded on gokvm's
// machine.LoadLinux, which
// walks ELF program headers and copies each one into guest memory
// (other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go);
// here each PT_LOAD segment is instead routed through internal/aspace's
// checked mapping calls instead of a raw byte-slice copy, since guest
// memory here is paged rather than one flat host-backed slice.
package main

import (
	"fmt"

	"hypercore/internal/aspace"
	"hypercore/internal/elfview"
	"hypercore/internal/pagetable"
)

// stackTop is the initial guest RSP. It equals the top of the user
// window run configures (userEnd in main.go); no stack pages are mapped
// below it here, and argv/envp go wherever writeArgvEnvp's
// MapRangeAnywhere finds room.
const stackTop = 0x7ffffffff000

// loadSegments maps every PT_LOAD segment of view into as, page-aligned,
// copying file bytes and zero-filling the filesz..memsz tail (bss).
func loadSegments(as *aspace.Space, view *elfview.View) error {
	for _, seg := range view.Segments() {
		if seg.Type != elfview.SegLoad {
			continue
		}
		lo := alignDown(seg.Vaddr, pageSizeConst)
		hi := alignUp(seg.Vaddr+seg.Memsz, pageSizeConst)
		perm := pagetable.Perm{Read: seg.Read, Write: true, Exec: seg.Exec}
		if err := as.MapRange(lo, hi-lo, perm, aspace.Flags{}); err != nil {
			return fmt.Errorf("mapping segment at %#x: %w", seg.Vaddr, err)
		}
		if len(seg.Data) > 0 {
			if ferr := as.K2user(seg.Data, seg.Vaddr); ferr != 0 {
				return fmt.Errorf("copying segment data at %#x: %v", seg.Vaddr, ferr)
			}
		}
		if !seg.Write {
			if err := as.SetRangePerms(lo, hi-lo, pagetable.Perm{Read: seg.Read, Write: false, Exec: seg.Exec}); err != nil {
				return fmt.Errorf("locking down segment perms at %#x: %w", seg.Vaddr, err)
			}
		}
	}
	return nil
}

const pageSizeConst = 1 << 12

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }

// writeArgvEnvp copies argv and envp string tables into a freshly mapped
// guest range, returning the guest addresses of the argv/envp arrays
// themselves (an array of guest pointers, NUL-terminated by a trailing
// zero entry) for VmInfo.
func writeArgvEnvp(as *aspace.Space, argv, envp []string) (argvOff, envpOff uint64, argvCount uint32, err error) {
	total := stringTableSize(argv) + stringTableSize(envp)
	if total == 0 {
		total = pageSizeConst
	}
	base, err := as.MapRangeAnywhere(alignUp(uint64(total), pageSizeConst), pagetable.Perm{Read: true, Write: true}, aspace.Flags{})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("mapping argv/envp table: %w", err)
	}

	cursor := base
	argvOff, cursor, err = writeStringArray(as, cursor, argv)
	if err != nil {
		return 0, 0, 0, err
	}
	envpOff, _, err = writeStringArray(as, cursor, envp)
	if err != nil {
		return 0, 0, 0, err
	}
	return argvOff, envpOff, uint32(len(argv)), nil
}

func stringTableSize(strs []string) int {
	n := 8 // NULL terminator pointer slot
	for _, s := range strs {
		n += 8 + len(s) + 1
	}
	return n
}

// writeStringArray lays out a NULL-terminated array of guest pointers
// followed by the string bytes themselves, starting at addr, and
// returns the address of the pointer array.
func writeStringArray(as *aspace.Space, addr uint64, strs []string) (arrayAddr, next uint64, err error) {
	arrayAddr = addr
	ptrsEnd := addr + uint64(len(strs)+1)*8
	dataCursor := ptrsEnd
	for i, s := range strs {
		if ferr := as.K2user(append([]byte(s), 0), dataCursor); ferr != 0 {
			return 0, 0, fmt.Errorf("writing string %q: %v", s, ferr)
		}
		if ferr := as.Userwriten(addr+uint64(i)*8, 8, dataCursor); ferr != 0 {
			return 0, 0, fmt.Errorf("writing pointer slot %d: %v", i, ferr)
		}
		dataCursor += uint64(len(s)) + 1
	}
	if ferr := as.Userwriten(addr+uint64(len(strs))*8, 8, 0); ferr != 0 {
		return 0, 0, fmt.Errorf("writing NULL terminator: %v", ferr)
	}
	return arrayAddr, dataCursor, nil
}

// Package elfview parses an ELF file once and exposes a base-relative
// view of it: segments, sections, symbols, and the interpreter path, the
// same view biscuit's loader would build if it targeted a hosted ELF
// binary rather than a multiboot kernel image.
//
// The parse follows debug/elf the way gokvm's machine.LoadLinux does
// (other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go):
// open once, walk elf.File.Progs for PT_LOAD/PT_INTERP, walk Symbols for
// the symbol table.
package elfview

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"

	"hypercore/internal/align"
)

// ErrInvalid is returned when the file fails acceptance: 64-bit
// little-endian, matching machine, EXEC or DYN type, at least one
// PT_LOAD segment.
var ErrInvalid = errors.New("elfview: invalid ELF file")

// SegType distinguishes the two program-header types the loader cares
// about; every other PT_* type is parsed but otherwise ignored.
type SegType int

const (
	SegOther SegType = iota
	SegLoad
	SegInterp
)

// Segment is one parsed program-header entry. Addresses are absolute,
// relative to the view's current base.
type Segment struct {
	Type       SegType
	Read       bool
	Write      bool
	Exec       bool
	FileOffset int64
	Vaddr      uint64
	Paddr      uint64
	Filesz     uint64
	Memsz      uint64
	Align      uint64
	Data       []byte // only populated for LOAD and INTERP segments
}

// Section mirrors an ELF section header, named via the section-header
// string table.
type Section struct {
	Name string
	Addr uint64
	Size uint64
}

// Symbol is one entry from a SYMTAB or DYNSYM section.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// ObjType distinguishes a non-relocatable executable (ET_EXEC) from a
// position-independent one (ET_DYN).
type ObjType int

const (
	TypeExec ObjType = iota
	TypeDyn
)

// View is the host-side product of parsing one ELF file. Construction
// parses the file exactly once; SetBase is the only permitted mutation
// afterward.
//
// Internally every *Rel field keeps the file's own link-time address;
// base is a pure additive shift applied only by the accessors below,
// avoiding a bulk rewrite of every absolute address on each SetBase
// call.
type View struct {
	base        uint64
	loadAddrRel uint64 // file's own lowest LOAD vaddr
	entryRel    uint64
	brkRel      uint64

	typ         ObjType
	phoff       uint64
	phentsize   int
	phnum       int
	interpreter string

	segs []segRel
	secs []secRel
	syms []symRel
}

type segRel struct {
	typ              SegType
	read, write, exec bool
	fileOffset       int64
	vaddrRel         uint64
	paddrRel         uint64
	filesz, memsz    uint64
	align            uint64
	data             []byte
}

type secRel struct {
	name     string
	addrRel  uint64
	size     uint64
}

type symRel struct {
	name     string
	valueRel uint64
	size     uint64
}

// Parse reads and validates r, producing a View with base 0 (i.e. every
// address equal to the file's own link-time addresses).
func Parse(r io.ReaderAt, wantMachine elf.Machine) (*View, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, ErrInvalid
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, ErrInvalid
	}
	if f.Machine != wantMachine {
		return nil, ErrInvalid
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, ErrInvalid
	}

	v := &View{}
	switch f.Type {
	case elf.ET_EXEC:
		v.typ = TypeExec
	case elf.ET_DYN:
		v.typ = TypeDyn
	}
	v.entryRel = f.Entry

	haveLoad := false
	minVaddr := ^uint64(0)
	maxBrk := uint64(0)

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			haveLoad = true
			data := make([]byte, p.Filesz)
			if p.Filesz > 0 {
				if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
					return nil, ErrInvalid
				}
			}
			v.segs = append(v.segs, segRel{
				typ:        SegLoad,
				read:       p.Flags&elf.PF_R != 0,
				write:      p.Flags&elf.PF_W != 0,
				exec:       p.Flags&elf.PF_X != 0,
				fileOffset: int64(p.Off),
				vaddrRel:   p.Vaddr,
				paddrRel:   p.Paddr,
				filesz:     p.Filesz,
				memsz:      p.Memsz,
				align:      p.Align,
				data:       data,
			})
			if p.Vaddr < minVaddr {
				minVaddr = p.Vaddr
			}
			end := align.Up(p.Vaddr+p.Memsz, 0x1000)
			if end > maxBrk {
				maxBrk = end
			}
		case elf.PT_INTERP:
			data := make([]byte, p.Filesz)
			if p.Filesz > 0 {
				if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
					return nil, ErrInvalid
				}
			}
			v.interpreter = cstr(data)
			v.segs = append(v.segs, segRel{
				typ:        SegInterp,
				fileOffset: int64(p.Off),
				vaddrRel:   p.Vaddr,
				paddrRel:   p.Paddr,
				filesz:     p.Filesz,
				memsz:      p.Memsz,
				align:      p.Align,
				data:       data,
			})
		}
	}
	if !haveLoad {
		return nil, ErrInvalid
	}
	// Every *Rel field keeps the file's own link-time vaddr unchanged;
	// "base" is a pure additive shift applied only by the accessors
	// below. ET_EXEC files are non-relocatable and already carry their
	// final addresses, so set_base(0) leaves them untouched; ET_DYN
	// files are typically linked from vaddr 0, so set_base(chosen)
	// produces the final absolute addresses.
	v.loadAddrRel = minVaddr
	v.brkRel = maxBrk
	v.phoff, v.phentsize, v.phnum = phinfo(r, f)

	v.secs, v.syms, err = parseSections(f)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func phinfo(r io.ReaderAt, f *elf.File) (off uint64, entsize, num int) {
	// debug/elf doesn't expose e_phoff directly on FileHeader; read it
	// from byte offset 32 of the ELF64 header Parse has already accepted.
	var b [8]byte
	if _, err := r.ReadAt(b[:], 32); err == nil {
		off = binary.LittleEndian.Uint64(b[:])
	}
	return off, 56, len(f.Progs) // ELF64 Phdr size is fixed at 56 bytes
}

func parseSections(f *elf.File) ([]secRel, []symRel, error) {
	var secs []secRel
	for _, s := range f.Sections {
		secs = append(secs, secRel{name: s.Name, addrRel: s.Addr, size: s.Size})
	}
	var syms []symRel
	if ss, err := f.Symbols(); err == nil {
		for _, s := range ss {
			syms = append(syms, symRel{name: s.Name, valueRel: s.Value, size: s.Size})
		}
	}
	if ss, err := f.DynamicSymbols(); err == nil {
		for _, s := range ss {
			syms = append(syms, symRel{name: s.Name, valueRel: s.Value, size: s.Size})
		}
	}
	return secs, syms, nil
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetBase shifts every absolute address reported by the view by
// b-previousBase. ET_EXEC loaders call this only with 0; ET_DYN loaders
// choose a base and call it exactly once before mapping.
func (v *View) SetBase(b uint64) {
	v.base = b
}

// Base returns the current base.
func (v *View) Base() uint64 { return v.base }

// Entry returns the absolute entry point.
func (v *View) Entry() uint64 { return v.base + v.entryRel }

// LoadAddr returns the lowest LOAD segment's absolute vaddr.
func (v *View) LoadAddr() uint64 { return v.base + v.loadAddrRel }

// InitialBrk returns the page-aligned end of the loaded image.
func (v *View) InitialBrk() uint64 { return v.base + v.brkRel }

// Type reports ET_EXEC vs ET_DYN.
func (v *View) Type() ObjType { return v.typ }

// Interpreter returns the PT_INTERP payload, if any, and whether one was
// present.
func (v *View) Interpreter() (string, bool) {
	return v.interpreter, v.interpreter != ""
}

// Phinfo returns the (offset, entry size, count) triple the guest needs
// to build its own auxv.
func (v *View) Phinfo() (off uint64, entsize, num int) {
	return v.phoff, v.phentsize, v.phnum
}

// Segments returns every parsed segment, with addresses shifted by the
// current base.
func (v *View) Segments() []Segment {
	out := make([]Segment, len(v.segs))
	for i, s := range v.segs {
		out[i] = Segment{
			Type:       s.typ,
			Read:       s.read,
			Write:      s.write,
			Exec:       s.exec,
			FileOffset: s.fileOffset,
			Vaddr:      v.base + s.vaddrRel,
			Paddr:      v.base + s.paddrRel,
			Filesz:     s.filesz,
			Memsz:      s.memsz,
			Align:      s.align,
			Data:       s.data,
		}
	}
	return out
}

// Sections returns every parsed section, with addresses shifted by base.
func (v *View) Sections() []Section {
	out := make([]Section, len(v.secs))
	for i, s := range v.secs {
		out[i] = Section{Name: s.name, Addr: v.base + s.addrRel, Size: s.size}
	}
	return out
}

// Symbols returns every parsed symbol, with values shifted by base.
func (v *View) Symbols() []Symbol {
	out := make([]Symbol, len(v.syms))
	for i, s := range v.syms {
		out[i] = Symbol{Name: s.name, Value: v.base + s.valueRel, Size: s.size}
	}
	return out
}

// Package symbols resolves addresses against an ELF view's symbol
// table and formats stack frame lines for hypercall 9
// (PrintStacktrace); DisassembleOne decodes a single x86-64 instruction.
//
// Grounded on gokvm's GetReg/x86asm.Reg register mapping and its
// show/showone register-dump helpers
// (other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go):
// this package reuses the same "walk a fixed register set, format one
// line per entry" shape for a symbol-annotated stack frame instead of
// a raw register dump. C++ names are demangled with
// github.com/ianlancetaylor/demangle before formatting.
package symbols

import (
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ianlancetaylor/demangle"

	"hypercore/internal/elfview"
)

// Table is a sorted-by-address symbol table built from one ELF view,
// used to resolve a raw instruction pointer to the enclosing function.
type Table struct {
	syms []elfview.Symbol
}

// FromView builds a Table from view's current (base-shifted) symbols.
func FromView(view *elfview.View) *Table {
	syms := append([]elfview.Symbol(nil), view.Symbols()...)
	sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
	return &Table{syms: syms}
}

// Resolve finds the symbol whose [Value, Value+Size) range contains
// addr, demangling its name if it looks like a mangled C++ symbol. A
// symbol with Size 0 covers every address from its Value up to the next
// symbol. Returns ok=false if no symbol covers addr.
func (t *Table) Resolve(addr uint64) (name string, offset uint64, ok bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Value > addr }) - 1
	if i < 0 || i >= len(t.syms) {
		return "", 0, false
	}
	s := t.syms[i]
	if s.Size != 0 && addr >= s.Value+s.Size {
		return "", 0, false
	}
	return Demangle(s.Name), addr - s.Value, true
}

// Demangle returns the demangled form of a mangled C++ symbol name, or
// name unchanged if it does not demangle (e.g. a plain C symbol).
func Demangle(name string) string {
	if d, err := demangle.ToString(name); err == nil {
		return d
	}
	return name
}

// Frame is one resolved entry in a stack trace.
type Frame struct {
	RIP        uint64
	Symbol     string
	Offset     uint64
	Resolved   bool
	Disasm     string
}

// Unwind walks a stack frame chain starting at (rip, rbp) using a
// simple frame-pointer walk: *(rbp) is the saved rbp, *(rbp+8) is the
// return address. readWord reads one 8-byte little-endian word from
// guest memory at the given address; it returns ok=false on any
// unreadable address, which ends the walk.
func Unwind(t *Table, rip, rbp uint64, readWord func(addr uint64) (uint64, bool), maxFrames int) []Frame {
	var frames []Frame
	cur := rip
	curbp := rbp
	for i := 0; i < maxFrames; i++ {
		name, off, ok := t.Resolve(cur)
		frames = append(frames, Frame{RIP: cur, Symbol: name, Offset: off, Resolved: ok})
		if curbp == 0 {
			break
		}
		savedRbp, ok1 := readWord(curbp)
		retAddr, ok2 := readWord(curbp + 8)
		if !ok1 || !ok2 || retAddr == 0 {
			break
		}
		cur = retAddr
		curbp = savedRbp
	}
	return frames
}

// FormatFrame renders one stack frame line, in the style of gokvm's
// show/showone one-line-per-field register dump.
func FormatFrame(indent string, f Frame) string {
	if !f.Resolved {
		return fmt.Sprintf("%s%#016x <unknown>\n", indent, f.RIP)
	}
	if f.Offset == 0 {
		return fmt.Sprintf("%s%#016x %s\n", indent, f.RIP, f.Symbol)
	}
	return fmt.Sprintf("%s%#016x %s+%#x\n", indent, f.RIP, f.Symbol, f.Offset)
}

// DisassembleOne decodes a single x86-64 instruction at code[0:] and
// renders it in GNU syntax relative to pc.
func DisassembleOne(code []byte, pc uint64) (x86asm.Inst, string, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return x86asm.Inst{}, "", err
	}
	return inst, x86asm.GNUSyntax(inst, pc, nil), nil
}

package elfview

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// buildMinimalELF assembles a minimal valid ELF64 little-endian image
// with one PT_LOAD segment, no sections, for exercising Parse without
// needing a real compiled binary on disk.
func buildMinimalELF(t *testing.T, typ elf.Type, vaddr, entry uint64, data []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phsize = 56
	phoff := uint64(ehsize)
	dataOff := phoff + phsize

	var b bytes.Buffer
	// e_ident
	b.Write([]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0})
	b.Write(make([]byte, 8)) // pad to 16

	le := binary.LittleEndian
	write16 := func(v uint16) { var x [2]byte; le.PutUint16(x[:], v); b.Write(x[:]) }
	write32 := func(v uint32) { var x [4]byte; le.PutUint32(x[:], v); b.Write(x[:]) }
	write64 := func(v uint64) { var x [8]byte; le.PutUint64(x[:], v); b.Write(x[:]) }

	write16(uint16(typ))               // e_type
	write16(uint16(elf.EM_X86_64))     // e_machine
	write32(1)                         // e_version
	write64(entry)                     // e_entry
	write64(phoff)                     // e_phoff
	write64(0)                         // e_shoff
	write32(0)                         // e_flags
	write16(ehsize)                    // e_ehsize
	write16(phsize)                    // e_phentsize
	write16(1)                         // e_phnum
	write16(0)                         // e_shentsize
	write16(0)                         // e_shnum
	write16(0)                         // e_shstrndx

	// program header: PT_LOAD
	write32(uint32(elf.PT_LOAD))
	write32(uint32(elf.PF_R | elf.PF_X))
	write64(dataOff)
	write64(vaddr)
	write64(vaddr)
	write64(uint64(len(data)))
	write64(uint64(len(data)))
	write64(0x1000)

	b.Write(data)
	return b.Bytes()
}

func TestParseAcceptsMinimalExec(t *testing.T) {
	raw := buildMinimalELF(t, elf.ET_EXEC, 0x400000, 0x400050, []byte{0x90, 0x90, 0xc3})
	v, err := Parse(bytes.NewReader(raw), elf.EM_X86_64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v.Type() != TypeExec {
		t.Fatalf("want TypeExec, got %v", v.Type())
	}
	segs := v.Segments()
	if len(segs) != 1 || segs[0].Type != SegLoad {
		t.Fatalf("want one LOAD segment, got %+v", segs)
	}
}

func TestParseRejectsWrongMachine(t *testing.T) {
	raw := buildMinimalELF(t, elf.ET_EXEC, 0x400000, 0x400050, []byte{0x90})
	if _, err := Parse(bytes.NewReader(raw), elf.EM_AARCH64); err != ErrInvalid {
		t.Fatalf("want ErrInvalid for machine mismatch, got %v", err)
	}
}

func TestSetBasePreservesEntryMinusLoadAddr(t *testing.T) {
	raw := buildMinimalELF(t, elf.ET_DYN, 0, 0x1050, []byte{0x90, 0x90, 0xc3})
	v, err := Parse(bytes.NewReader(raw), elf.EM_X86_64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	diffBefore := v.Entry() - v.LoadAddr()

	v.SetBase(0x400000)
	if v.Entry() != 0x401050 {
		t.Fatalf("want entry 0x401050, got %#x", v.Entry())
	}
	diffAfter := v.Entry() - v.LoadAddr()
	if diffBefore != diffAfter {
		t.Fatalf("entry-load_addr difference not invariant: before=%#x after=%#x", diffBefore, diffAfter)
	}

	segs := v.Segments()
	if segs[0].Vaddr != 0x400000 {
		t.Fatalf("segment vaddr not shifted: got %#x", segs[0].Vaddr)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse(bytes.NewReader([]byte("not an elf file")), elf.EM_X86_64); err != ErrInvalid {
		t.Fatalf("want ErrInvalid for garbage input, got %v", err)
	}
}

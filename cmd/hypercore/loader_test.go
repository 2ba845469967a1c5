package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"hypercore/internal/aspace"
	"hypercore/internal/elfview"
	"hypercore/internal/frame"
)

func buildMinimalELF(t *testing.T, vaddr uint64, data []byte) []byte {
	t.Helper()
	const ehsize = 64
	const phsize = 56
	phoff := uint64(ehsize)
	dataOff := phoff + phsize

	var b bytes.Buffer
	b.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	b.Write(make([]byte, 8))
	le := binary.LittleEndian
	write16 := func(v uint16) { var x [2]byte; le.PutUint16(x[:], v); b.Write(x[:]) }
	write32 := func(v uint32) { var x [4]byte; le.PutUint32(x[:], v); b.Write(x[:]) }
	write64 := func(v uint64) { var x [8]byte; le.PutUint64(x[:], v); b.Write(x[:]) }

	write16(uint16(elf.ET_EXEC))
	write16(uint16(elf.EM_X86_64))
	write32(1)
	write64(vaddr)
	write64(phoff)
	write64(0)
	write32(0)
	write16(ehsize)
	write16(phsize)
	write16(1)
	write16(0)
	write16(0)
	write16(0)

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

func TestLoadSegmentsCopiesDataIntoGuest(t *testing.T) {
	code := []byte{0x90, 0x90, 0xc3}
	raw := buildMinimalELF(t, 0x400000, code)
	view, err := elfview.Parse(bytes.NewReader(raw), elf.EM_X86_64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	view.SetBase(0)

	pool := frame.NewPool(64)
	as, err := aspace.New(pool, 0x10000, 0x800000000)
	if err != nil {
		t.Fatalf("aspace.New: %v", err)
	}
	if err := loadSegments(as, view); err != nil {
		t.Fatalf("loadSegments: %v", err)
	}

	got := make([]byte, len(code))
	if ferr := as.User2k(got, 0x400000); ferr != 0 {
		t.Fatalf("User2k: %v", ferr)
	}
	if !bytes.Equal(got, code) {
		t.Fatalf("got %v, want %v", got, code)
	}
}

func TestWriteArgvEnvpLaysOutNulTerminatedStrings(t *testing.T) {
	pool := frame.NewPool(64)
	as, err := aspace.New(pool, 0x10000, 0x800000000)
	if err != nil {
		t.Fatalf("aspace.New: %v", err)
	}
	argvOff, envpOff, argvCount, err := writeArgvEnvp(as, []string{"prog", "-x"}, []string{"HOME=/"})
	if err != nil {
		t.Fatalf("writeArgvEnvp: %v", err)
	}
	if argvCount != 2 {
		t.Fatalf("want argvCount 2, got %d", argvCount)
	}

	p0, ferr := as.Userreadn(argvOff, 8)
	if ferr != 0 {
		t.Fatalf("Userreadn argv[0] ptr: %v", ferr)
	}
	s0, ferr := as.Userstr(p0, 64)
	if ferr != 0 || s0 != "prog" {
		t.Fatalf("argv[0] = %q, err=%v", s0, ferr)
	}

	pEnv0, ferr := as.Userreadn(envpOff, 8)
	if ferr != 0 {
		t.Fatalf("Userreadn envp[0] ptr: %v", ferr)
	}
	sEnv0, ferr := as.Userstr(pEnv0, 64)
	if ferr != 0 || sEnv0 != "HOME=/" {
		t.Fatalf("envp[0] = %q, err=%v", sEnv0, ferr)
	}
}

// Package abi defines the frozen wire contract between host and guest:
// the hypercall dispatch table, the packed VmInfo/FaultInfo structs, and
// the hypercall port number. Any change here is a breaking ABI change.
//
// The packed layouts follow hand-laid-out structs found across the
// retrieved corpus: biscuit's mem.Physpg_t carries an explicit Cpumask
// bitmask field, and gokvm's Translate struct
// (other_examples/fdceebca...) carries an explicit padding field, both
// structs shaped for a fixed binary contract rather than Go's natural
// field packing.
package abi

import "encoding/binary"

// Port is the frozen I/O port used for every hypercall VM-exit.
const Port = 16

// Dispatch numbers: the frozen hypercall table.
const (
	Test            = 0
	Print           = 1
	GetMemInfo      = 2
	GetKernelBrk    = 3
	GetInfo         = 4
	GetFileLen      = 5
	GetFileName     = 6
	SetFileBuf      = 7
	Fault           = 8
	PrintStacktrace = 9
	EndRun          = 10
)

// FaultKind classifies an unrecoverable guest state.
type FaultKind uint32

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExec
	FaultUncategorized
	FaultBadAddress
	FaultAssertFailed
)

func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "Read"
	case FaultWrite:
		return "Write"
	case FaultExec:
		return "Exec"
	case FaultUncategorized:
		return "Uncategorized"
	case FaultBadAddress:
		return "BadAddress"
	case FaultAssertFailed:
		return "AssertFailed"
	default:
		return "Unknown"
	}
}

// VmInfoSize is the packed, little-endian byte length of VmInfo: five
// leading uint64 fields, three uint32 fields plus one uint32 of padding
// to keep ArgvOff/EnvpOff 8-byte aligned, then two trailing uint64
// fields.
const VmInfoSize = 8*5 + 4*4 + 8*2

// VmInfo announces the guest's environment, written by the host in
// response to hypercall 4 (GetInfo). Field order and width are the wire
// contract: do not reorder.
type VmInfo struct {
	MemBase    uint64
	MemLen     uint64
	InitialBrk uint64
	Entry      uint64
	PhOff      uint64
	PhEntsize  uint32
	PhNum      uint32
	ArgvCount  uint32
	_          uint32 // padding to keep the trailing fields 8-byte aligned
	ArgvOff    uint64
	EnvpOff    uint64
}

// MarshalBinary packs VmInfo into its wire representation.
func (v VmInfo) MarshalBinary() []byte {
	b := make([]byte, VmInfoSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], v.MemBase)
	le.PutUint64(b[8:], v.MemLen)
	le.PutUint64(b[16:], v.InitialBrk)
	le.PutUint64(b[24:], v.Entry)
	le.PutUint64(b[32:], v.PhOff)
	le.PutUint32(b[40:], v.PhEntsize)
	le.PutUint32(b[44:], v.PhNum)
	le.PutUint32(b[48:], v.ArgvCount)
	le.PutUint64(b[56:], v.ArgvOff)
	le.PutUint64(b[64:], v.EnvpOff)
	return b
}

// FaultInfoSize is the packed, little-endian byte length of FaultInfo.
const FaultInfoSize = 4 + 4 + 8 + 8 + 8

// FaultInfo is the payload the guest hands back via hypercall 8 (Fault)
// when it cannot continue.
type FaultInfo struct {
	Kind            FaultKind
	_               uint32 // padding
	FaultingRip     uint64
	FaultingAddress uint64
	Extra           uint64
}

// UnmarshalFaultInfo unpacks a FaultInfo from its wire representation.
func UnmarshalFaultInfo(b []byte) FaultInfo {
	le := binary.LittleEndian
	return FaultInfo{
		Kind:            FaultKind(le.Uint32(b[0:])),
		FaultingRip:     le.Uint64(b[8:]),
		FaultingAddress: le.Uint64(b[16:]),
		Extra:           le.Uint64(b[24:]),
	}
}

// MarshalBinary packs FaultInfo into its wire representation, mainly
// used by tests that construct a guest-side payload by hand.
func (f FaultInfo) MarshalBinary() []byte {
	b := make([]byte, 32)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(f.Kind))
	le.PutUint64(b[8:], f.FaultingRip)
	le.PutUint64(b[16:], f.FaultingAddress)
	le.PutUint64(b[24:], f.Extra)
	return b
}

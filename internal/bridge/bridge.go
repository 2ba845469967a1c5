// Package bridge implements the hypercall/syscall bridge: the single
// dispatch point the host runs in response to a guest VM-exit on the
// frozen I/O port.
//
// The dispatch-by-register-value idiom is narrowed from gokvm's
// Machine.ioportHandlers[0x10000][2] port/direction table
// (other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go):
// where gokvm indexes handlers by port number, this bridge has exactly
// one live port (abi.Port) and instead indexes by the dispatch number
// the guest loaded into the result register.
//
// Argument marshalling is grounded on biscuit's vm.Vm_t.Userdmap8_inner
// family (biscuit/src/vm/as.go), reached here through internal/aspace.
package bridge

import (
	"errors"
	"fmt"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"hypercore/internal/abi"
	"hypercore/internal/aspace"
	"hypercore/internal/defs"
	"hypercore/internal/guestio"
	"hypercore/internal/symbols"
	"hypercore/internal/vcpu"
)

// maxUnwindFrames bounds how many frames PrintStacktrace walks, so a
// corrupt frame-pointer chain that happens to avoid an unreadable
// address still terminates.
const maxUnwindFrames = 64

// sanitizeGuestText replaces ill-formed UTF-8 in guest-supplied strings
// with utf8.RuneError before they reach the print buffer or any host log
// line: the guest is untrusted and its Print payload is arbitrary bytes
// reinterpreted as a string, not a program this bridge controls.
var sanitizeGuestText = runes.ReplaceIllFormed()

func sanitize(s string) string {
	out, _, err := transform.String(sanitizeGuestText, s)
	if err != nil {
		return s
	}
	return out
}

// MaxString bounds every guest string read by a hypercall to a
// documented cap.
const MaxString = 4096

// FileSource answers the Get/SetFile* hypercalls (dispatch 5/6/7) with a
// host-side view of the run's file-backed inputs. internal/inputfile
// implements this for production use; tests use a map-backed stub.
type FileSource interface {
	FileLen(index int) (int64, bool)
	FileName(index int) (string, bool)
	// SetFileBuf records that the host should stage file index's bytes
	// into the guest buffer at guestAddr, length bytes.
	SetFileBuf(index int, guestAddr uint64, length uint64) error
}

// Stager is implemented by a FileSource that needs the bridge to drive
// the actual copy into guest memory once SetFileBuf has bound a buffer.
// internal/inputfile.Set implements it; a FileSource that stages
// eagerly inside SetFileBuf itself need not implement Stager at all.
type Stager interface {
	Stage(as *aspace.Space, index int) error
}

// Scheduler is the minimal hook the bridge needs into the in-guest
// kernel scheduler to implement blocking syscalls such as wait4; the
// scheduler itself is out of scope here. Production wiring supplies a
// real scheduler; tests supply a stub that can force the documented
// deadlock.
type Scheduler struct {
	// Park marks pid as blocked and returns the pid the scheduler next
	// chooses to run. A scheduler with no other runnable work may select
	// the same pid back.
	Park func(pid int) (next int)
	// Runnable reports whether pid's wait condition is now satisfied.
	Runnable func(pid int) bool
}

// Outcome is how a run concluded, reported up to internal/fuzzsvc.
type Outcome struct {
	EndRun bool
	Fault  *abi.FaultInfo
}

// ErrUnknownDispatch is returned for a dispatch number outside the
// frozen table.
var ErrUnknownDispatch = errors.New("bridge: unknown dispatch number")

// Bridge holds everything one hypercall dispatch needs: the address
// space to marshal guest pointers through, the vCPU whose registers
// carry arguments and results, the guest-side print buffer model, file
// inputs, and the scheduler hook for blocking syscalls.
type Bridge struct {
	AS    *aspace.Space
	VC    vcpu.VCPU
	Files FileSource
	Sched Scheduler

	// Symbols resolves PrintStacktrace addresses; when nil,
	// PrintStacktrace emits no output at all. The Fault case does not
	// consult it.
	Symbols *symbols.Table

	print guestio.PrintBuffer

	MemBase, MemLen, InitialBrk, Entry uint64
	PhOff                              uint64
	PhEntsize, PhNum                   uint32
	ArgvOff, EnvpOff                   uint64
	ArgvCount                          uint32

	OnPrintLine func(line []byte)
}

// New constructs a bridge bound to an address space and vCPU. printed
// lines are delivered to onPrintLine as they flush.
func New(as *aspace.Space, vc vcpu.VCPU, files FileSource, onPrintLine func([]byte)) *Bridge {
	b := &Bridge{AS: as, VC: vc, Files: files, OnPrintLine: onPrintLine}
	b.print.Flush = func(line []byte) {
		if b.OnPrintLine != nil {
			b.OnPrintLine(line)
		}
	}
	return b
}

// Dispatch handles one hypercall VM-exit: regs holds the guest's
// register frame at the moment of the port-16 OUT, with the dispatch
// number in RAX and arguments in the SysV argument registers. It
// returns the value to write back into RAX before resuming the guest,
// and a non-nil Outcome if the run has concluded.
func (b *Bridge) Dispatch(regs *vcpu.Regs) (result uint64, outcome *Outcome, err error) {
	args := regs.ArgRegs()
	switch regs.RAX {
	case abi.Test:
		return args[0], nil, nil

	case abi.Print:
		s, ferr := b.AS.Userstr(args[0], MaxString)
		if ferr != 0 {
			return 0, b.badAddressFault(regs.RIP, args[0]), nil
		}
		b.print.PutString(sanitize(s))
		return 0, nil, nil

	case abi.GetMemInfo:
		if ferr := b.AS.Userwriten(args[0], 8, b.MemBase); ferr != 0 {
			return 0, b.badAddressFault(regs.RIP, args[0]), nil
		}
		if ferr := b.AS.Userwriten(args[1], 8, b.MemLen); ferr != 0 {
			return 0, b.badAddressFault(regs.RIP, args[1]), nil
		}
		return 0, nil, nil

	case abi.GetKernelBrk:
		return b.InitialBrk, nil, nil

	case abi.GetInfo:
		info := abi.VmInfo{
			MemBase:    b.MemBase,
			MemLen:     b.MemLen,
			InitialBrk: b.InitialBrk,
			Entry:      b.Entry,
			PhOff:      b.PhOff,
			PhEntsize:  b.PhEntsize,
			PhNum:      b.PhNum,
			ArgvCount:  b.ArgvCount,
			ArgvOff:    b.ArgvOff,
			EnvpOff:    b.EnvpOff,
		}
		if ferr := b.AS.K2user(info.MarshalBinary(), args[0]); ferr != 0 {
			return 0, b.badAddressFault(regs.RIP, args[0]), nil
		}
		return 0, nil, nil

	case abi.GetFileLen:
		n, ok := b.Files.FileLen(int(args[0]))
		if !ok {
			return uint64(defs.EINVAL), nil, nil
		}
		return uint64(n), nil, nil

	case abi.GetFileName:
		name, ok := b.Files.FileName(int(args[0]))
		if !ok {
			return uint64(defs.EINVAL), nil, nil
		}
		if ferr := b.AS.K2user(append([]byte(name), 0), args[1]); ferr != 0 {
			return 0, b.badAddressFault(regs.RIP, args[1]), nil
		}
		return 0, nil, nil

	case abi.SetFileBuf:
		index := int(args[0])
		if err := b.Files.SetFileBuf(index, args[1], args[2]); err != nil {
			return uint64(defs.EINVAL), nil, nil
		}
		// Hypercall 7's contract is a buffer the host stages the file's
		// bytes into; if Files can stage, do it now so the guest's next
		// read of that buffer sees real data rather than whatever was
		// there before.
		if stager, ok := b.Files.(Stager); ok {
			if err := stager.Stage(b.AS, index); err != nil {
				return uint64(defs.EINVAL), nil, nil
			}
		}
		return 0, nil, nil

	case abi.Fault:
		buf, ferr := b.AS.Userdmap8(args[0], false)
		if ferr != 0 || len(buf) < abi.FaultInfoSize {
			return 0, b.badAddressFault(regs.RIP, args[0]), nil
		}
		fi := abi.UnmarshalFaultInfo(buf)
		b.print.Teardown()
		return 0, &Outcome{Fault: &fi}, nil

	case abi.PrintStacktrace:
		// args[0] is the guest's rsp, args[1] its rip at the point of the
		// call; the frame-pointer chain itself is walked from the current
		// rbp in regs, which the VM-exit already gives us directly.
		rip := args[1]
		b.printStacktrace(rip, regs.RBP)
		return 0, nil, nil

	case abi.EndRun:
		b.print.Teardown()
		return 0, &Outcome{EndRun: true}, nil

	default:
		return 0, nil, ErrUnknownDispatch
	}
}

// printStacktrace walks the guest's frame-pointer chain starting at
// (rip, rbp) and emits one formatted line per frame through the print
// buffer, the same sink Print hypercalls use. With no symbol table
// wired it emits nothing: PrintStacktrace without a loaded binary's
// symbols has no addresses to resolve.
func (b *Bridge) printStacktrace(rip, rbp uint64) {
	if b.Symbols == nil {
		return
	}
	readWord := func(addr uint64) (uint64, bool) {
		v, ferr := b.AS.Userreadn(addr, 8)
		return v, ferr == 0
	}
	frames := symbols.Unwind(b.Symbols, rip, rbp, readWord, maxUnwindFrames)
	for _, f := range frames {
		b.print.PutString(symbols.FormatFrame("", f))
	}
}

// badAddressFault builds the Outcome for a marshalling failure: a bad
// guest pointer turns the hypercall into a Fault with kind BadAddress.
func (b *Bridge) badAddressFault(rip, addr uint64) *Outcome {
	return &Outcome{Fault: &abi.FaultInfo{
		Kind:            abi.FaultBadAddress,
		FaultingRip:     rip,
		FaultingAddress: addr,
	}}
}

// Wait4 emulates the blocking wait4 syscall for pid: it marks the
// caller waiting and asks the scheduler to pick the next process to
// run. If the scheduler has other runnable work, it selects some other
// pid and this call returns normally; the guest kernel's run loop will
// come back to pid once its wait condition is met. If the scheduler
// selects pid again immediately, the wait condition must already be
// satisfied (e.g. the child already exited); if it is not, this is the
// already-reaped-child race, and the bridge panics "deadlock" rather
// than silently looping forever. That panic is intentional, not a bug
// to route around.
func (b *Bridge) Wait4(pid int) {
	next := b.Sched.Park(pid)
	if next != pid {
		return
	}
	if b.Sched.Runnable(pid) {
		return
	}
	panic(fmt.Sprintf("deadlock: pid %d rescheduled while still waiting", pid))
}

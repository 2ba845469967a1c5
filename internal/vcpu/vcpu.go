// Package vcpu defines the boundary to the raw virtual-machine
// container: only the interface it exposes ("create vCPU, set
// registers, run until VM-exit"), with its real implementation out of
// scope. This package is that interface, typed the way gokvm's
// kvm.Regs/kvm.RunData/kvm.ExitType are typed
// (other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go,
// other_examples/86a3f1e9_bobuhiro11-gokvm__machine-state.go.go), plus
// an in-memory Sim implementation used by tests in place of /dev/kvm.
package vcpu

import "context"

// Regs mirrors the platform SysV register frame: the first six
// general-purpose argument registers, a result register, and a
// dispatch register shared by hypercalls and syscalls.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	R8, R9, R10        uint64
	RSP, RBP, RIP      uint64
	RFLAGS             uint64
}

// ArgRegs returns the six SysV argument registers in order.
func (r *Regs) ArgRegs() [6]uint64 {
	return [6]uint64{r.RDI, r.RSI, r.RDX, r.R10, r.R8, r.R9}
}

// ExitReason is why Run returned control to the host.
type ExitReason int

const (
	ExitIO ExitReason = iota
	ExitHalt
	ExitShutdown
	ExitUnknown
)

// VCPU is the boundary interface to one virtual CPU inside the
// out-of-scope container. The real backing implementation (KVM ioctls
// against /dev/kvm, matching gokvm's Machine type) is not part of this
// repo.
type VCPU interface {
	GetRegs() (Regs, error)
	SetRegs(Regs) error
	// Run executes the guest until the next VM-exit and returns why it
	// exited; the port and direction of an ExitIO are not reported.
	Run(ctx context.Context) (ExitReason, error)
}

// Sim is an in-memory VCPU used by tests: it has no guest code to
// actually execute, so Run reports the ExitReason a test arms via
// Trigger, once per Trigger, and ExitUnknown when nothing is armed,
// letting bridge tests drive hypercalls without a real container.
type Sim struct {
	regs    Regs
	pending bool
	reason  ExitReason
}

// NewSim creates a simulated vCPU with zeroed registers.
func NewSim() *Sim { return &Sim{} }

func (s *Sim) GetRegs() (Regs, error) { return s.regs, nil }
func (s *Sim) SetRegs(r Regs) error   { s.regs = r; return nil }

// Trigger arms the next Run call to report reason.
func (s *Sim) Trigger(reason ExitReason) {
	s.pending = true
	s.reason = reason
}

func (s *Sim) Run(ctx context.Context) (ExitReason, error) {
	if !s.pending {
		return ExitUnknown, nil
	}
	s.pending = false
	return s.reason, nil
}

package fuzzsvc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"hypercore/internal/abi"
	"hypercore/internal/aspace"
	"hypercore/internal/bridge"
	"hypercore/internal/config"
	"hypercore/internal/frame"
	"hypercore/internal/pagetable"
	"hypercore/internal/vcpu"
)

func newTestSpace(t *testing.T) *aspace.Space {
	t.Helper()
	pool := frame.NewPool(64)
	as, err := aspace.New(pool, 0x10000, 0x800000000)
	if err != nil {
		t.Fatalf("aspace.New: %v", err)
	}
	return as
}

type noFiles struct{}

func (noFiles) FileLen(int) (int64, bool)            { return 0, false }
func (noFiles) FileName(int) (string, bool)          { return "", false }
func (noFiles) SetFileBuf(int, uint64, uint64) error { return nil }

func TestDriverRunStopsOnShutdownExit(t *testing.T) {
	as := newTestSpace(t)
	sim := vcpu.NewSim()
	b := bridge.New(as, sim, noFiles{}, nil)
	drv := &Driver{VC: sim, Bridge: b}

	sim.Trigger(vcpu.ExitShutdown)
	out, err := drv.Run(context.Background(), config.Run{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != Normal {
		t.Fatalf("want Normal, got %v", out.Status)
	}
}

func TestDriverRunDispatchesEndRunHypercall(t *testing.T) {
	as := newTestSpace(t)
	sim := vcpu.NewSim()
	b := bridge.New(as, sim, noFiles{}, nil)
	drv := &Driver{VC: sim, Bridge: b}

	if err := sim.SetRegs(vcpu.Regs{RAX: abi.EndRun}); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}
	sim.Trigger(vcpu.ExitIO)
	out, err := drv.Run(context.Background(), config.Run{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != Normal {
		t.Fatalf("want Normal, got %v", out.Status)
	}
}

func TestDriverRunReportsFaultHypercall(t *testing.T) {
	as := newTestSpace(t)
	sim := vcpu.NewSim()
	b := bridge.New(as, sim, noFiles{}, nil)
	drv := &Driver{VC: sim, Bridge: b}

	addr, err := as.MapRangeAnywhere(frame.PGSIZE, pagetable.Perm{Read: true, Write: true}, aspace.Flags{})
	if err != nil {
		t.Fatalf("MapRangeAnywhere: %v", err)
	}
	fi := abi.FaultInfo{Kind: abi.FaultWrite, FaultingAddress: 0xbadc0de}
	if ferr := as.K2user(fi.MarshalBinary(), addr); ferr != 0 {
		t.Fatalf("K2user: %v", ferr)
	}
	if err := sim.SetRegs(vcpu.Regs{RAX: abi.Fault, RDI: addr}); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}
	sim.Trigger(vcpu.ExitIO)

	out, err := drv.Run(context.Background(), config.Run{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != Faulted || out.Fault == nil || out.Fault.Kind != abi.FaultWrite {
		t.Fatalf("want Faulted/Write, got %+v", out)
	}
	if out.Fault.FaultingAddress != 0xbadc0de {
		t.Fatalf("fault address mismatch: %+v", out.Fault)
	}
}

func TestDriverRunHonorsContextTimeout(t *testing.T) {
	as := newTestSpace(t)
	sim := vcpu.NewSim()
	b := bridge.New(as, sim, noFiles{}, nil)
	drv := &Driver{VC: sim, Bridge: b}

	// sim.Run never reports a triggered exit (ExitUnknown forever), so the
	// loop only terminates via ctx cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	out, err := drv.Run(ctx, config.Run{})
	if out.Status != TimedOut {
		t.Fatalf("want TimedOut, got %v (err=%v)", out.Status, err)
	}
}

func TestCampaignWriteProfileProducesOutput(t *testing.T) {
	c := NewCampaign(nil)
	c.Record(0x401000)
	c.Record(0x401000)
	c.Record(0x402000)

	var buf bytes.Buffer
	if err := c.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("want non-empty gzip-compressed profile bytes")
	}
}

func TestCampaignRecordIsConcurrencySafe(t *testing.T) {
	c := NewCampaign(nil)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.Record(0x401000)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	c.mu.Lock()
	n := c.counts[0x401000]
	c.mu.Unlock()
	if n != 800 {
		t.Fatalf("want 800 recorded faults, got %d", n)
	}
}

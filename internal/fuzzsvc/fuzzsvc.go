// Package fuzzsvc is the thin API surface a fuzzing harness drives. The
// harness itself is out of scope here; this package only wraps one run
// end to end and aggregates repeated-run fault data into a pprof
// profile for "which code region keeps crashing" triage across a
// campaign.
package fuzzsvc

import (
	"context"
	"io"
	"sync"

	"github.com/google/pprof/profile"

	"hypercore/internal/abi"
	"hypercore/internal/bridge"
	"hypercore/internal/config"
	"hypercore/internal/symbols"
	"hypercore/internal/vcpu"
)

// Status classifies how a run concluded.
type Status int

const (
	Normal Status = iota
	Faulted
	TimedOut
)

// Outcome is the result of one Run call.
type Outcome struct {
	Status Status
	Fault  *abi.FaultInfo
}

// Driver runs one guest to completion, dispatching hypercalls through
// b until EndRun or Fault, or until ctx is cancelled (the host-side
// wall-clock timeout from config.Run.Timeout).
type Driver struct {
	VC     vcpu.VCPU
	Bridge *bridge.Bridge
}

// Run drives the guest vCPU loop: run to the next VM-exit, dispatch the
// hypercall, repeat until the bridge reports a terminal Outcome or ctx
// is done.
func (d *Driver) Run(ctx context.Context, cfg config.Run) (Outcome, error) {
	cfg = cfg.WithDefaults()
	for {
		select {
		case <-ctx.Done():
			return Outcome{Status: TimedOut}, ctx.Err()
		default:
		}

		reason, err := d.VC.Run(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if reason == vcpu.ExitShutdown {
			return Outcome{Status: Normal}, nil
		}
		if reason != vcpu.ExitIO {
			continue
		}

		regs, err := d.VC.GetRegs()
		if err != nil {
			return Outcome{}, err
		}
		result, bOutcome, err := d.Bridge.Dispatch(&regs)
		if err != nil {
			return Outcome{}, err
		}
		regs.RAX = result
		if err := d.VC.SetRegs(regs); err != nil {
			return Outcome{}, err
		}
		if bOutcome == nil {
			continue
		}
		if bOutcome.Fault != nil {
			return Outcome{Status: Faulted, Fault: bOutcome.Fault}, nil
		}
		if bOutcome.EndRun {
			return Outcome{Status: Normal}, nil
		}
	}
}

// Campaign aggregates fault locations across many runs of the same
// binary into a pprof profile keyed by the faulting RIP, resolved to a
// symbol name through a shared Table, so a harness can emit one
// profile.proto showing which functions fault most often.
type Campaign struct {
	mu      sync.Mutex
	symbols *symbols.Table
	counts  map[uint64]int64
}

// NewCampaign starts an aggregation against tbl (nil is allowed; RIPs
// just won't resolve to names).
func NewCampaign(tbl *symbols.Table) *Campaign {
	return &Campaign{symbols: tbl, counts: make(map[uint64]int64)}
}

// Record adds one faulting RIP observation.
func (c *Campaign) Record(rip uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[rip]++
}

// WriteProfile emits a gzip-compressed pprof profile.proto to w, with
// one sample per distinct faulting RIP and its observed fault count.
func (c *Campaign) WriteProfile(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "faults", Unit: "count"}},
	}
	funcID := uint64(1)
	locID := uint64(1)
	for rip, n := range c.counts {
		name := "unknown"
		if c.symbols != nil {
			if resolved, _, ok := c.symbols.Resolve(rip); ok {
				name = resolved
			}
		}
		fn := &profile.Function{ID: funcID, Name: name, SystemName: name}
		loc := &profile.Location{
			ID:      locID,
			Address: rip,
			Line:    []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{n},
		})
		funcID++
		locID++
	}
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}

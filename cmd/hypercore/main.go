// Command hypercore is the CLI entrypoint: it wires internal/config,
// internal/elfview, internal/aspace, internal/vcpu, and internal/bridge
// together to run one guest ELF binary to completion and report the
// outcome.
//
// The raw virtual-machine container (the real /dev/kvm-backed vCPU) is
// out of scope here; this binary runs against internal/vcpu.Sim, a
// host-only stand-in, and a production build plugs in a real backend
// behind the same vcpu.VCPU interface without touching anything else
// wired here.
package main

import (
	"context"
	"debug/elf"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"reflect"

	"hypercore/internal/aspace"
	"hypercore/internal/bridge"
	"hypercore/internal/config"
	"hypercore/internal/elfview"
	"hypercore/internal/frame"
	"hypercore/internal/fuzzsvc"
	"hypercore/internal/inputfile"
	"hypercore/internal/obslog"
	"hypercore/internal/symbols"
	"hypercore/internal/vcpu"
)

func main() {
	binary := flag.String("binary", "", "path to the guest ELF binary")
	memMB := flag.Int("mem-mb", 64, "guest physical memory size, in MiB")
	timeout := flag.Duration("timeout", config.DefaultTimeout, "wall-clock run timeout")
	flag.Parse()

	if *binary == "" {
		fmt.Fprintln(os.Stderr, "usage: hypercore -binary <path> [-mem-mb N] [-timeout D]")
		os.Exit(2)
	}

	cfg := config.Run{
		Binary:  *binary,
		MemSize: uint64(*memMB) << 20,
		Timeout: *timeout,
	}.WithDefaults()

	log := obslog.Default()
	outcome, err := run(context.Background(), cfg, log)
	if err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}

	switch outcome.Status {
	case fuzzsvc.Normal:
		log.RunEnd("normal")
	case fuzzsvc.Faulted:
		log.RunEnd("fault", "kind", outcome.Fault.Kind.String(), "rip", fmt.Sprintf("%#x", outcome.Fault.FaultingRip),
			"addr", fmt.Sprintf("%#x", outcome.Fault.FaultingAddress))
		os.Exit(1)
	case fuzzsvc.TimedOut:
		log.RunEnd("timeout")
		os.Exit(124)
	}
}

func run(ctx context.Context, cfg config.Run, log obslog.Logger) (fuzzsvc.Outcome, error) {
	f, err := os.Open(cfg.Binary)
	if err != nil {
		return fuzzsvc.Outcome{}, fmt.Errorf("opening %s: %w", cfg.Binary, err)
	}
	defer f.Close()

	view, err := elfview.Parse(f, elf.EM_X86_64)
	if err != nil {
		return fuzzsvc.Outcome{}, fmt.Errorf("parsing ELF: %w", err)
	}
	if view.Type() == elfview.TypeDyn {
		view.SetBase(0x400000)
	} else {
		view.SetBase(0)
	}

	log.RunStart(cfg.Binary, cfg.MemSize)

	const userStart, userEnd = 0x10000, 0x7ffffffff000
	pool := frame.NewPool(int(cfg.MemSize / frame.PGSIZE))
	defer pool.Close()
	as, err := aspace.New(pool, userStart, userEnd)
	if err != nil {
		return fuzzsvc.Outcome{}, fmt.Errorf("creating address space: %w", err)
	}

	if err := loadSegments(as, view); err != nil {
		return fuzzsvc.Outcome{}, err
	}
	argvOff, envpOff, argvCount, err := writeArgvEnvp(as, cfg.Argv, cfg.Envp)
	if err != nil {
		return fuzzsvc.Outcome{}, err
	}

	files := inputfile.NewSet(loadInputFiles(cfg.InputFiles))

	vc := vcpu.NewSim()
	if err := vc.SetRegs(vcpu.Regs{RIP: view.Entry(), RSP: stackTop}); err != nil {
		return fuzzsvc.Outcome{}, err
	}

	phOff, phEntsize, phNum := view.Phinfo()
	b := bridge.New(as, vc, files, func(line []byte) {
		fmt.Fprint(os.Stdout, string(line))
	})
	b.MemBase, b.MemLen = userStart, cfg.MemSize
	b.Entry, b.InitialBrk = view.Entry(), view.InitialBrk()
	b.PhOff, b.PhEntsize, b.PhNum = phOff, uint32(phEntsize), uint32(phNum)
	b.ArgvOff, b.EnvpOff, b.ArgvCount = argvOff, envpOff, argvCount
	b.Symbols = symbols.FromView(view)

	drv := &fuzzsvc.Driver{VC: vc, Bridge: b}
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	log.Info("initial registers", "regs", showRegs(mustRegs(vc)))

	return drv.Run(runCtx, cfg)
}

func mustRegs(vc vcpu.VCPU) vcpu.Regs {
	r, _ := vc.GetRegs()
	return r
}

func loadInputFiles(paths []string) []inputfile.File {
	var files []inputfile.File
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("skipping unreadable input file", "path", p, "error", err)
			continue
		}
		files = append(files, inputfile.File{Name: p, Data: data})
	}
	return files
}

// showRegs formats a register frame one field per line, in the style
// of gokvm's show/showone register-dump helpers.
func showRegs(r vcpu.Regs) string {
	s := reflect.ValueOf(&r).Elem()
	typ := s.Type()
	out := ""
	for i := 0; i < s.NumField(); i++ {
		out += fmt.Sprintf("%s=%#x ", typ.Field(i).Name, s.Field(i).Interface())
	}
	return out
}

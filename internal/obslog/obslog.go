// Package obslog is the structured logging wrapper used across the
// host side of the hypervisor. biscuit's kernel console writes direct,
// terse one-line startup messages with fmt.Printf ("Reserved %v pages
// (%vMB)" in mem.Phys_init, "dmap: %v pages" in dmap.Dmap_init); this
// package keeps that one-line-per-event terseness but routes it through
// log/slog, since host-side Go has a real structured-logging story that
// freestanding guest-side Go does not.
package obslog

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a thin handle around an *slog.Logger, kept as its own type
// so call sites read "obslog.Logger" rather than the generic stdlib
// type.
type Logger struct {
	*slog.Logger
}

// New builds a text-handler logger writing to w.
func New(w io.Writer, level slog.Level) Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return Logger{slog.New(h)}
}

// Default is a ready-to-use logger writing to stderr at Info level,
// for callers that don't need a custom sink.
func Default() Logger {
	return New(os.Stderr, slog.LevelInfo)
}

// RunStart logs the one-line run announcement, in the spirit of
// biscuit's "Reserved %v pages (%vMB)" startup line.
func (l Logger) RunStart(binary string, memBytes uint64) {
	l.Info("starting run", "binary", binary, "mem_mb", memBytes>>20)
}

// RunEnd logs the one-line run conclusion.
func (l Logger) RunEnd(reason string, args ...any) {
	l.Info("run ended", append([]any{"reason", reason}, args...)...)
}

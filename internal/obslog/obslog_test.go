package obslog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRunStartLogsBinaryAndMemMB(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)
	log.RunStart("/bin/true", 64<<20)

	out := buf.String()
	if !strings.Contains(out, "starting run") || !strings.Contains(out, "/bin/true") || !strings.Contains(out, "mem_mb=64") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestRunEndLogsReasonAndExtraArgs(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)
	log.RunEnd("fault", "kind", "write")

	out := buf.String()
	if !strings.Contains(out, "run ended") || !strings.Contains(out, "reason=fault") || !strings.Contains(out, "kind=write") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

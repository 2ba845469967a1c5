package config

import "testing"

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	r := Run{Binary: "/bin/true"}.WithDefaults()
	if r.MemSize != DefaultMemSize {
		t.Fatalf("want default MemSize, got %d", r.MemSize)
	}
	if r.Timeout != DefaultTimeout {
		t.Fatalf("want default Timeout, got %v", r.Timeout)
	}
}

func TestWithDefaultsPreservesExplicitValues(t *testing.T) {
	r := Run{MemSize: 1 << 20, Timeout: 1}.WithDefaults()
	if r.MemSize != 1<<20 {
		t.Fatalf("want explicit MemSize preserved, got %d", r.MemSize)
	}
	if r.Timeout != 1 {
		t.Fatalf("want explicit Timeout preserved, got %v", r.Timeout)
	}
}

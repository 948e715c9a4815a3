package hv

import "testing"

func TestComputeConfigHashDeterministic(t *testing.T) {
	cfg := VgicConfig{
		DistAddr:    0x08000000,
		DistSize:    0x10000,
		RedistsAddr: 0x080a0000,
		RedistsSize: 0x40000,
		VcpuCount:   2,
	}

	a := ComputeConfigHash(BackendKvm, 2, cfg)
	b := ComputeConfigHash(BackendKvm, 2, cfg)
	if a != b {
		t.Fatal("hash must be deterministic")
	}
}

func TestComputeConfigHashDiscriminates(t *testing.T) {
	cfg := VgicConfig{DistAddr: 0x08000000, VcpuCount: 2}
	base := ComputeConfigHash(BackendKvm, 2, cfg)

	if ComputeConfigHash(BackendMshv, 2, cfg) == base {
		t.Fatal("backend must affect the hash")
	}
	if ComputeConfigHash(BackendKvm, 4, cfg) == base {
		t.Fatal("vCPU count must affect the hash")
	}

	moved := cfg
	moved.DistAddr = 0x09000000
	if ComputeConfigHash(BackendKvm, 2, moved) == base {
		t.Fatal("GIC placement must affect the hash")
	}
}

func TestConfigHashString(t *testing.T) {
	h := ComputeConfigHash(BackendKvm, 1, VgicConfig{VcpuCount: 1})
	s := h.String()
	if len(s) != 64 {
		t.Fatalf("hex form is %d chars, want 64", len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("unexpected character %q in hash", c)
		}
	}
}

func TestSnapshotBackendEncoding(t *testing.T) {
	for _, backend := range []Backend{BackendKvm, BackendMshv} {
		if got := SnapshotBackendToBackend(BackendToSnapshotBackend(backend)); got != backend {
			t.Fatalf("backend %s encoded to %s", backend, got)
		}
	}

	if SnapshotBackendToBackend(99) != BackendInvalid {
		t.Fatal("unknown encodings must map to the invalid backend")
	}
}

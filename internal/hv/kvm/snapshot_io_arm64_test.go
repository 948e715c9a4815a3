//go:build linux && arm64

package kvm

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/tinyrange/hvlite/internal/hv"
)

func testSnapshot() *Snapshot {
	core := testRegisters()

	return &Snapshot{
		ConfigHash: hv.ComputeConfigHash(hv.BackendKvm, 2, hv.VgicConfig{
			DistAddr:  0x08000000,
			VcpuCount: 2,
		}),
		CpuStates: map[int]VcpuState{
			0: {
				Mp:   MpState{State: kvmMpStateRunnable},
				Core: core,
				SysRegs: []hv.Register{
					{ID: arm64SysRegMpidrEl1, Value: 0x80000000},
					{ID: arm64SysReg(3, 0, 1, 0, 0), Value: 0xC50838},
				},
			},
			1: {
				Mp:   MpState{State: kvmMpStateStopped},
				Core: core,
				SysRegs: []hv.Register{
					{ID: arm64SysRegMpidrEl1, Value: 0x80000001},
				},
			},
		},
		Clock: &ClockData{Clock: 123456789, Flags: 1},
		Gic: &GicState{
			GicrTypers: []uint64{0x1000000, 0x1000110},
			DistRegs:   []uint32{0x37, 0, 1, 2},
			RedistRegs: []uint32{4, 5, 6},
			IccRegs:    []uint64{7, 8, 9},
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	want := testSnapshot()

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, want); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	got, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatal("snapshot did not round-trip")
	}
}

func TestSnapshotRoundTripWithoutClockOrGic(t *testing.T) {
	want := testSnapshot()
	want.Clock = nil
	want.Gic = nil

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, want); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	got, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}

	if got.Clock != nil {
		t.Fatal("clock must stay absent")
	}
	if got.Gic != nil {
		t.Fatal("GIC state must stay absent")
	}
	if !reflect.DeepEqual(got.CpuStates, want.CpuStates) {
		t.Fatal("vCPU states did not round-trip")
	}
}

func TestReadSnapshotBadMagic(t *testing.T) {
	if _, err := ReadSnapshot(bytes.NewReader([]byte{0, 1, 2, 3, 4, 5, 6, 7})); err == nil {
		t.Fatal("expected an error for a bad magic")
	}
}

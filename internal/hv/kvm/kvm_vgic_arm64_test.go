//go:build linux && arm64

package kvm

import (
	"errors"
	"testing"

	"github.com/tinyrange/hvlite/internal/hv"
)

type foreignVm struct{}

func (foreignVm) Close() error                                  { return nil }
func (foreignVm) Backend() hv.Backend                           { return hv.BackendMshv }
func (foreignVm) CreateVcpu(int) (hv.Vcpu, error)               { return nil, nil }
func (foreignVm) PreferredTarget() (hv.VcpuInit, error)         { return hv.VcpuInit{}, nil }
func (foreignVm) SetUserMemoryRegion(hv.UserMemoryRegion) error { return nil }
func (foreignVm) Clock() (hv.ClockData, error)                  { return nil, nil }
func (foreignVm) SetClock(hv.ClockData) error                   { return nil }

func TestNewGicV3ItsWrongBackend(t *testing.T) {
	cfg := hv.VgicConfig{
		DistAddr:    0x08000000,
		DistSize:    0x10000,
		RedistsAddr: 0x080a0000,
		RedistsSize: 0x40000,
		VcpuCount:   2,
	}

	_, err := NewGicV3Its(foreignVm{}, cfg)

	var wrongBackend *hv.WrongBackendError
	if !errors.As(err, &wrongBackend) {
		t.Fatalf("expected WrongBackendError, got %v", err)
	}
	if wrongBackend.Got != hv.BackendMshv || wrongBackend.Want != hv.BackendKvm {
		t.Fatalf("wrong error detail: %+v", wrongBackend)
	}
}

func TestValidateVgicConfig(t *testing.T) {
	good := hv.VgicConfig{
		DistAddr:    0x08000000,
		RedistsAddr: 0x080a0000,
		VcpuCount:   1,
	}
	if err := validateVgicConfig(good); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	misaligned := good
	misaligned.DistAddr = 0x08000800
	if err := validateVgicConfig(misaligned); err == nil {
		t.Fatal("expected an alignment error")
	}

	noCpus := good
	noCpus.VcpuCount = 0
	if err := validateVgicConfig(noCpus); err == nil {
		t.Fatal("expected an error for zero vCPUs")
	}
}

func TestConstructGicrTypers(t *testing.T) {
	t.Run("singleVcpu", func(t *testing.T) {
		typers := constructGicrTypers([]uint64{0})
		want := uint64(1<<24 | 1<<4)
		if typers[0] != want {
			t.Fatalf("typer 0x%016x, want 0x%016x", typers[0], want)
		}
	})

	t.Run("affinityPacking", func(t *testing.T) {
		// Aff3 lives at bits 39:32 of MPIDR and packs down next to Aff2.
		mpidr := uint64(0xAB<<32 | 0xCD)
		typers := constructGicrTypers([]uint64{mpidr})

		wantAffinity := uint64(0xAB0000CD) << 32
		if typers[0]&0xFFFFFFFF00000000 != wantAffinity {
			t.Fatalf("affinity 0x%016x, want 0x%016x", typers[0]&0xFFFFFFFF00000000, wantAffinity)
		}
	})

	t.Run("indexAndLastBit", func(t *testing.T) {
		typers := constructGicrTypers([]uint64{0, 1, 2})

		for i, typer := range typers {
			if got := (typer >> 8) & 0xFFFF; got != uint64(i) {
				t.Fatalf("typer %d has processor number %d", i, got)
			}

			last := typer&(1<<4) != 0
			if last != (i == 2) {
				t.Fatalf("typer %d has last=%v", i, last)
			}

			if typer&(1<<24) == 0 {
				t.Fatalf("typer %d missing CommonLPIAff", i)
			}
		}
	})
}

func TestVgicRegOffsets(t *testing.T) {
	ctlr := vgicReg{offset: 0x0000, length: 4}
	if got := ctlr.regOffsets(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("GICD_CTLR offsets: %#x", got)
	}

	propbaser := vgicReg{offset: 0x0070, length: 8}
	if got := propbaser.regOffsets(); len(got) != 2 || got[0] != 0x70 || got[1] != 0x74 {
		t.Fatalf("GICR_PROPBASER offsets: %#x", got)
	}

	// replicated registers cover only the SPI range
	prio := vgicReg{offset: 0x0400, bpi: 8}
	got := prio.regOffsets()
	if len(got) != 56 {
		t.Fatalf("GICD_IPRIORITYR yields %d words, want 56", len(got))
	}
	if got[0] != 0x420 || got[len(got)-1] != 0x4fc {
		t.Fatalf("GICD_IPRIORITYR range [0x%x, 0x%x]", got[0], got[len(got)-1])
	}

	router := vgicReg{offset: 0x6000, bpi: 64}
	got = router.regOffsets()
	if len(got) != 448 {
		t.Fatalf("GICD_IROUTER yields %d words, want 448", len(got))
	}
	if got[0] != 0x6100 {
		t.Fatalf("GICD_IROUTER starts at 0x%x, want 0x6100", got[0])
	}
}

func TestIccRegsForCtlr(t *testing.T) {
	// priority bits field is ((ctlr >> 8) & 7) + 1
	fiveBits := uint64(4) << 8
	if got := len(iccRegsForCtlr(fiveBits)); got != 9 {
		t.Fatalf("5 priority bits: %d registers, want 9", got)
	}

	sixBits := uint64(5) << 8
	if got := len(iccRegsForCtlr(sixBits)); got != 11 {
		t.Fatalf("6 priority bits: %d registers, want 11", got)
	}

	sevenBits := uint64(6) << 8
	if got := len(iccRegsForCtlr(sevenBits)); got != 15 {
		t.Fatalf("7 priority bits: %d registers, want 15", got)
	}
}

func TestSetGicrTypersWrongBackendState(t *testing.T) {
	g := &GicV3Its{gicFd: -1, itsFd: -1}

	err := g.SetGicrTypers([]hv.CpuState{foreignCpuState{}})

	var wrongBackend *hv.WrongBackendError
	if !errors.As(err, &wrongBackend) {
		t.Fatalf("expected WrongBackendError, got %v", err)
	}
}

type foreignCpuState struct{}

func (foreignCpuState) Backend() hv.Backend { return hv.BackendMshv }

func TestSetGicrTypersFromStates(t *testing.T) {
	g := &GicV3Its{gicFd: -1, itsFd: -1}

	states := []hv.CpuState{
		VcpuState{SysRegs: []hv.Register{{ID: arm64SysRegMpidrEl1, Value: 0}}},
		VcpuState{SysRegs: []hv.Register{{ID: arm64SysRegMpidrEl1, Value: 1}}},
	}
	if err := g.SetGicrTypers(states); err != nil {
		t.Fatalf("SetGicrTypers failed: %v", err)
	}

	if len(g.gicrTypers) != 2 {
		t.Fatalf("expected 2 typers, got %d", len(g.gicrTypers))
	}
	if g.gicrTypers[1]&(1<<4) == 0 {
		t.Fatal("second redistributor must carry the last bit")
	}

	noMpidr := []hv.CpuState{VcpuState{}}
	if err := g.SetGicrTypers(noMpidr); err == nil {
		t.Fatal("expected an error for a state without MPIDR_EL1")
	}
}

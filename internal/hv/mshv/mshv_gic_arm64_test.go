//go:build linux && arm64

package mshv

import (
	"errors"
	"testing"

	"github.com/tinyrange/hvlite/internal/hv"
)

type foreignVm struct{}

func (foreignVm) Close() error                                  { return nil }
func (foreignVm) Backend() hv.Backend                           { return hv.BackendKvm }
func (foreignVm) CreateVcpu(int) (hv.Vcpu, error)               { return nil, nil }
func (foreignVm) PreferredTarget() (hv.VcpuInit, error)         { return hv.VcpuInit{}, nil }
func (foreignVm) SetUserMemoryRegion(hv.UserMemoryRegion) error { return nil }
func (foreignVm) Clock() (hv.ClockData, error)                  { return nil, nil }
func (foreignVm) SetClock(hv.ClockData) error                   { return nil }

func testVgicConfig() hv.VgicConfig {
	return hv.VgicConfig{
		DistAddr:    0x08000000,
		DistSize:    0x10000,
		RedistsAddr: 0x080a0000,
		RedistsSize: 0x40000,
		MsiAddr:     0x08020000,
		MsiSize:     0x10000,
		VcpuCount:   2,
	}
}

func TestNewGicV3ItsWrongBackend(t *testing.T) {
	_, err := NewGicV3Its(foreignVm{}, testVgicConfig())

	var wrongBackend *hv.WrongBackendError
	if !errors.As(err, &wrongBackend) {
		t.Fatalf("expected WrongBackendError, got %v", err)
	}
	if wrongBackend.Got != hv.BackendKvm || wrongBackend.Want != hv.BackendMshv {
		t.Fatalf("wrong error detail: %+v", wrongBackend)
	}
}

func TestGicV3ItsProperties(t *testing.T) {
	gic, err := NewGicV3Its(&Vm{fd: -1}, testVgicConfig())
	if err != nil {
		t.Fatalf("NewGicV3Its failed: %v", err)
	}

	if gic.FdtCompatibility() != "arm,gic-v3" {
		t.Fatalf("wrong distributor compatibility: %s", gic.FdtCompatibility())
	}
	if !gic.MsiCompatible() {
		t.Fatal("config has an MSI frame")
	}
	if gic.MsiCompatibility() != "arm,gic-v2m-frame" {
		t.Fatalf("wrong MSI compatibility: %s", gic.MsiCompatibility())
	}
	if gic.FdtMaintIrq() != 9 {
		t.Fatalf("wrong maintenance IRQ: %d", gic.FdtMaintIrq())
	}

	props := gic.DeviceProperties()
	if props != [4]uint64{0x08000000, 0x10000, 0x080a0000, 0x40000} {
		t.Fatalf("wrong device properties: %#x", props)
	}
	if gic.MsiProperties() != [2]uint64{0x08020000, 0x10000} {
		t.Fatalf("wrong MSI properties: %#x", gic.MsiProperties())
	}
}

func TestGicV3ItsUnsupportedOperations(t *testing.T) {
	gic, err := NewGicV3Its(&Vm{fd: -1}, testVgicConfig())
	if err != nil {
		t.Fatalf("NewGicV3Its failed: %v", err)
	}

	if err := gic.SetGicrTypers(nil); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("SetGicrTypers: expected ErrNotSupported, got %v", err)
	}
	if _, err := gic.State(); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("State: expected ErrNotSupported, got %v", err)
	}
	if err := gic.SetState(nil); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("SetState: expected ErrNotSupported, got %v", err)
	}
	if err := gic.SaveDataTables(); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("SaveDataTables: expected ErrNotSupported, got %v", err)
	}
}

//go:build linux && arm64

package mshv

import (
	"fmt"

	"github.com/tinyrange/hvlite/internal/hv"
)

// GicV3Its is the MSHV view of the guest interrupt controller. The
// hypervisor owns the GIC itself; this side only reports placement for
// device-tree construction. MSIs are delivered through a GICv2m frame
// rather than an ITS, so the MSI compatibility string differs from the
// KVM implementation.
type GicV3Its struct {
	cfg hv.VgicConfig
}

func NewGicV3Its(vm hv.Vm, cfg hv.VgicConfig) (*GicV3Its, error) {
	if _, ok := vm.(*Vm); !ok {
		return nil, &hv.WrongBackendError{Got: vm.Backend(), Want: hv.BackendMshv}
	}

	if cfg.VcpuCount == 0 {
		return nil, fmt.Errorf("mshv: GIC config needs at least one vCPU")
	}

	return &GicV3Its{cfg: cfg}, nil
}

func (g *GicV3Its) FdtCompatibility() string { return "arm,gic-v3" }

func (g *GicV3Its) MsiCompatible() bool { return g.cfg.MsiSize > 0 }

func (g *GicV3Its) MsiCompatibility() string { return "arm,gic-v2m-frame" }

func (g *GicV3Its) FdtMaintIrq() uint32 { return 9 }

func (g *GicV3Its) VcpuCount() uint64 { return g.cfg.VcpuCount }

func (g *GicV3Its) DeviceProperties() [4]uint64 {
	return [4]uint64{g.cfg.DistAddr, g.cfg.DistSize, g.cfg.RedistsAddr, g.cfg.RedistsSize}
}

func (g *GicV3Its) MsiProperties() [2]uint64 {
	return [2]uint64{g.cfg.MsiAddr, g.cfg.MsiSize}
}

// SetGicrTypers reports hv.ErrNotSupported; redistributor topology is
// not visible through the driver.
func (g *GicV3Its) SetGicrTypers([]hv.CpuState) error {
	return fmt.Errorf("mshv: set GICR typers: %w", hv.ErrNotSupported)
}

// State reports hv.ErrNotSupported; the hypervisor does not expose GIC
// register state.
func (g *GicV3Its) State() (hv.GicState, error) {
	return nil, fmt.Errorf("mshv: get GIC state: %w", hv.ErrNotSupported)
}

func (g *GicV3Its) SetState(hv.GicState) error {
	return fmt.Errorf("mshv: set GIC state: %w", hv.ErrNotSupported)
}

func (g *GicV3Its) SaveDataTables() error {
	return fmt.Errorf("mshv: save GIC data tables: %w", hv.ErrNotSupported)
}

var _ hv.Vgic = &GicV3Its{}

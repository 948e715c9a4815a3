//go:build linux && arm64

package kvm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/hvlite/internal/hv"
	"golang.org/x/sys/unix"
)

const (
	vgicNumIrqs = 256

	vgicRegionAlign = 0x10000 // 64 KiB frames
)

var errVgicUnsupported = errors.New("kvm: VGIC device unsupported")

// GicV3Its is an in-kernel GICv3 distributor/redistributor pair with an
// optional ITS frame for MSIs.
type GicV3Its struct {
	vm    *Vm
	gicFd int
	itsFd int

	cfg hv.VgicConfig

	gicrTypers []uint64
}

// NewGicV3Its creates the in-kernel GICv3 (and ITS when the config
// carries an MSI frame) and programs its placement. Finalize must be
// called after all vCPUs exist.
func NewGicV3Its(vm hv.Vm, cfg hv.VgicConfig) (*GicV3Its, error) {
	kvmVm, ok := vm.(*Vm)
	if !ok {
		return nil, &hv.WrongBackendError{Got: vm.Backend(), Want: hv.BackendKvm}
	}

	if err := validateVgicConfig(cfg); err != nil {
		return nil, err
	}

	g := &GicV3Its{vm: kvmVm, gicFd: -1, itsFd: -1, cfg: cfg}

	dev := kvmCreateDeviceArgs{Type: kvmDevTypeArmVgicV3}
	if err := createDevice(kvmVm.fd, &dev); err != nil {
		if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EOPNOTSUPP) {
			return nil, errVgicUnsupported
		}
		return nil, fmt.Errorf("kvm: create VGIC device: %w", err)
	}
	g.gicFd = int(dev.Fd)

	if err := setDeviceAttrU32(g.gicFd, kvmDevArmVgicGrpNrIrqs, 0, vgicNumIrqs); err != nil {
		g.Close()
		return nil, fmt.Errorf("kvm: set VGIC IRQ count: %w", err)
	}

	if err := setDeviceAttrU64(g.gicFd, kvmDevArmVgicGrpAddr, kvmVgicV3AddrTypeDist, cfg.DistAddr); err != nil {
		g.Close()
		return nil, fmt.Errorf("kvm: set VGIC distributor address: %w", err)
	}

	if err := setDeviceAttrU64(g.gicFd, kvmDevArmVgicGrpAddr, kvmVgicV3AddrTypeRedist, cfg.RedistsAddr); err != nil {
		g.Close()
		return nil, fmt.Errorf("kvm: set VGIC redistributor address: %w", err)
	}

	if cfg.MsiSize > 0 {
		its := kvmCreateDeviceArgs{Type: kvmDevTypeArmVgicIts}
		if err := createDevice(kvmVm.fd, &its); err != nil {
			g.Close()
			return nil, fmt.Errorf("kvm: create ITS device: %w", err)
		}
		g.itsFd = int(its.Fd)

		if err := setDeviceAttrU64(g.itsFd, kvmDevArmVgicGrpAddr, kvmVgicItsAddrType, cfg.MsiAddr); err != nil {
			g.Close()
			return nil, fmt.Errorf("kvm: set ITS address: %w", err)
		}
	}

	return g, nil
}

func validateVgicConfig(cfg hv.VgicConfig) error {
	if cfg.VcpuCount == 0 {
		return fmt.Errorf("kvm: VGIC config needs at least one vCPU")
	}

	for _, addr := range []uint64{cfg.DistAddr, cfg.RedistsAddr, cfg.MsiAddr} {
		if addr%vgicRegionAlign != 0 {
			return fmt.Errorf("kvm: VGIC region address 0x%x not 64KiB aligned", addr)
		}
	}

	return nil
}

// Finalize completes GIC initialization. The kernel requires every vCPU
// to exist before this runs.
func (g *GicV3Its) Finalize() error {
	if err := setDeviceAttr(g.gicFd, &kvmDeviceAttr{Group: kvmDevArmVgicGrpCtrl, Attr: kvmDevArmVgicCtrlInit}); err != nil {
		return fmt.Errorf("kvm: finalize VGIC: %w", err)
	}

	if g.itsFd >= 0 {
		if err := setDeviceAttr(g.itsFd, &kvmDeviceAttr{Group: kvmDevArmVgicGrpCtrl, Attr: kvmDevArmVgicCtrlInit}); err != nil {
			return fmt.Errorf("kvm: finalize ITS: %w", err)
		}
	}

	return nil
}

func (g *GicV3Its) Close() error {
	var firstErr error
	if g.itsFd >= 0 {
		if err := unix.Close(g.itsFd); err != nil && firstErr == nil {
			firstErr = err
		}
		g.itsFd = -1
	}
	if g.gicFd >= 0 {
		if err := unix.Close(g.gicFd); err != nil && firstErr == nil {
			firstErr = err
		}
		g.gicFd = -1
	}
	return firstErr
}

func (g *GicV3Its) FdtCompatibility() string { return "arm,gic-v3" }

func (g *GicV3Its) MsiCompatible() bool { return g.cfg.MsiSize > 0 }

func (g *GicV3Its) MsiCompatibility() string { return "arm,gic-v3-its" }

func (g *GicV3Its) FdtMaintIrq() uint32 { return 9 }

func (g *GicV3Its) VcpuCount() uint64 { return g.cfg.VcpuCount }

func (g *GicV3Its) DeviceProperties() [4]uint64 {
	return [4]uint64{g.cfg.DistAddr, g.cfg.DistSize, g.cfg.RedistsAddr, g.cfg.RedistsSize}
}

func (g *GicV3Its) MsiProperties() [2]uint64 {
	return [2]uint64{g.cfg.MsiAddr, g.cfg.MsiSize}
}

// constructGicrTypers derives the GICR_TYPER value of each
// redistributor from the vCPU MPIDRs. The affinity fields pack into the
// upper word, CommonLPIAff is fixed at 0b01, the processor number is the
// vCPU index and the last redistributor in the region sets the Last bit.
func constructGicrTypers(mpidrs []uint64) []uint64 {
	typers := make([]uint64, len(mpidrs))
	for i, mpidr := range mpidrs {
		aff := mpidr & 0xff00ffffff
		aff = ((aff & 0xff00000000) >> 8) | (aff & 0xffffff)

		var last uint64
		if i == len(mpidrs)-1 {
			last = 1
		}

		typers[i] = (aff << 32) | (1 << 24) | (uint64(i) << 8) | (last << 4)
	}
	return typers
}

// SetGicrTypers caches the redistributor topology from captured vCPU
// states. Must run before State or SetState.
func (g *GicV3Its) SetGicrTypers(states []hv.CpuState) error {
	mpidrs := make([]uint64, 0, len(states))
	for i, state := range states {
		s, ok := state.(VcpuState)
		if !ok {
			return &hv.WrongBackendError{Got: state.Backend(), Want: hv.BackendKvm}
		}

		mpidr, ok := s.Mpidr()
		if !ok {
			return fmt.Errorf("kvm: vCPU state %d has no MPIDR_EL1", i)
		}
		mpidrs = append(mpidrs, mpidr)
	}

	g.gicrTypers = constructGicrTypers(mpidrs)
	return nil
}

// GicState is a snapshot of the in-kernel GICv3: the distributor and
// per-redistributor register files as 32-bit words and the ICC system
// registers per vCPU, plus the redistributor topology they were captured
// under.
type GicState struct {
	GicrTypers []uint64
	DistRegs   []uint32
	RedistRegs []uint32
	IccRegs    []uint64
}

func (GicState) Backend() hv.Backend { return hv.BackendKvm }

// Distributor register map. bpi registers replicate per interrupt and
// are walked over the SPI range; plain registers are walked over their
// byte length.
type vgicReg struct {
	offset uint32
	bpi    uint32
	length uint32
}

var vgicDistRegs = []vgicReg{
	{offset: 0x0000, length: 4},  // GICD_CTLR
	{offset: 0x0010, length: 4},  // GICD_STATUSR
	{offset: 0x0180, bpi: 1},     // GICD_ICENABLER
	{offset: 0x0100, bpi: 1},     // GICD_ISENABLER
	{offset: 0x0080, bpi: 1},     // GICD_IGROUPR
	{offset: 0x6000, bpi: 64},    // GICD_IROUTER
	{offset: 0x0c00, bpi: 2},     // GICD_ICFGR
	{offset: 0x0280, bpi: 1},     // GICD_ICPENDR
	{offset: 0x0200, bpi: 1},     // GICD_ISPENDR
	{offset: 0x0380, bpi: 1},     // GICD_ICACTIVER
	{offset: 0x0300, bpi: 1},     // GICD_ISACTIVER
	{offset: 0x0400, bpi: 8},     // GICD_IPRIORITYR
}

var vgicRedistRegs = []vgicReg{
	{offset: 0x00000, length: 4},  // GICR_CTLR
	{offset: 0x00010, length: 4},  // GICR_STATUSR
	{offset: 0x00014, length: 4},  // GICR_WAKER
	{offset: 0x00070, length: 8},  // GICR_PROPBASER
	{offset: 0x00078, length: 8},  // GICR_PENDBASER
	{offset: 0x10080, length: 4},  // GICR_IGROUPR0
	{offset: 0x10180, length: 4},  // GICR_ICENABLER0
	{offset: 0x10100, length: 4},  // GICR_ISENABLER0
	{offset: 0x10c00, length: 8},  // GICR_ICFGR0
	{offset: 0x10380, length: 4},  // GICR_ICACTIVER0
	{offset: 0x10300, length: 4},  // GICR_ISACTIVER0
	{offset: 0x10400, length: 32}, // GICR_IPRIORITYR
}

// regOffsets expands a register map entry into the 32-bit word offsets
// the device attr interface accesses.
func (r vgicReg) regOffsets() []uint32 {
	var offsets []uint32
	if r.bpi > 0 {
		// replicated registers cover the SPI range [32, vgicNumIrqs)
		start := r.offset + 32*r.bpi/8
		end := r.offset + vgicNumIrqs*r.bpi/8
		for off := start; off < end; off += 4 {
			offsets = append(offsets, off)
		}
		return offsets
	}

	for off := r.offset; off < r.offset+r.length; off += 4 {
		offsets = append(offsets, off)
	}
	return offsets
}

// ICC system register encodings in device attr form (op0/op1/crn/crm/op2
// packed like one-reg system register IDs, without the arch tags).
func iccAttrReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return (op0 << kvmRegArm64SysRegOp0Shift) |
		(op1 << kvmRegArm64SysRegOp1Shift) |
		(crn << kvmRegArm64SysRegCrnShift) |
		(crm << kvmRegArm64SysRegCrmShift) |
		(op2 << kvmRegArm64SysRegOp2Shift)
}

var (
	iccRegSreEl1     = iccAttrReg(3, 0, 12, 12, 5)
	iccRegCtlrEl1    = iccAttrReg(3, 0, 12, 12, 4)
	iccRegIgrpen0El1 = iccAttrReg(3, 0, 12, 12, 6)
	iccRegIgrpen1El1 = iccAttrReg(3, 0, 12, 12, 7)
	iccRegPmrEl1     = iccAttrReg(3, 0, 4, 6, 0)
	iccRegBpr0El1    = iccAttrReg(3, 0, 12, 8, 3)
	iccRegBpr1El1    = iccAttrReg(3, 0, 12, 12, 3)
)

func iccRegAp0rEl1(n uint64) uint64 { return iccAttrReg(3, 0, 12, 8, 4+n) }
func iccRegAp1rEl1(n uint64) uint64 { return iccAttrReg(3, 0, 12, 9, n) }

// iccRegsForCtlr returns the per-vCPU ICC register list. The number of
// active priority registers depends on the priority bits the host
// implements, read out of ICC_CTLR_EL1.
func iccRegsForCtlr(ctlr uint64) []uint64 {
	regs := []uint64{
		iccRegSreEl1,
		iccRegCtlrEl1,
		iccRegIgrpen0El1,
		iccRegIgrpen1El1,
		iccRegPmrEl1,
		iccRegBpr0El1,
		iccRegBpr1El1,
	}

	priBits := ((ctlr >> 8) & 7) + 1
	var apCount uint64
	switch priBits {
	case 7:
		apCount = 4
	case 6:
		apCount = 2
	default:
		apCount = 1
	}

	for n := uint64(0); n < apCount; n++ {
		regs = append(regs, iccRegAp0rEl1(n))
	}
	for n := uint64(0); n < apCount; n++ {
		regs = append(regs, iccRegAp1rEl1(n))
	}

	return regs
}

func mpidrAttr(typer uint64, reg uint64) uint64 {
	return (typer & kvmDevArmVgicV3MpidrMask) | reg
}

// State captures the GIC register files. SetGicrTypers must have run
// first so per-redistributor and per-CPU accesses can be addressed.
func (g *GicV3Its) State() (hv.GicState, error) {
	if len(g.gicrTypers) == 0 {
		return nil, fmt.Errorf("kvm: GIC state requested before SetGicrTypers")
	}

	state := GicState{
		GicrTypers: append([]uint64(nil), g.gicrTypers...),
	}

	for _, reg := range vgicDistRegs {
		for _, off := range reg.regOffsets() {
			val, err := getDeviceAttrU32(g.gicFd, kvmDevArmVgicGrpDistRegs, uint64(off))
			if err != nil {
				return nil, fmt.Errorf("kvm: get GICD register 0x%x: %w", off, err)
			}
			state.DistRegs = append(state.DistRegs, val)
		}
	}

	for _, typer := range g.gicrTypers {
		for _, reg := range vgicRedistRegs {
			for _, off := range reg.regOffsets() {
				val, err := getDeviceAttrU32(g.gicFd, kvmDevArmVgicGrpRedistRegs, mpidrAttr(typer, uint64(off)))
				if err != nil {
					return nil, fmt.Errorf("kvm: get GICR register 0x%x: %w", off, err)
				}
				state.RedistRegs = append(state.RedistRegs, val)
			}
		}
	}

	for _, typer := range g.gicrTypers {
		ctlr, err := getDeviceAttrU64(g.gicFd, kvmDevArmVgicGrpCpuSysRegs, mpidrAttr(typer, iccRegCtlrEl1))
		if err != nil {
			return nil, fmt.Errorf("kvm: get ICC_CTLR_EL1: %w", err)
		}

		for _, reg := range iccRegsForCtlr(ctlr) {
			val, err := getDeviceAttrU64(g.gicFd, kvmDevArmVgicGrpCpuSysRegs, mpidrAttr(typer, reg))
			if err != nil {
				return nil, fmt.Errorf("kvm: get ICC register 0x%x: %w", reg, err)
			}
			state.IccRegs = append(state.IccRegs, val)
		}
	}

	return state, nil
}

// SetState restores a captured GIC register file. The state must have
// been captured under the same topology.
func (g *GicV3Its) SetState(state hv.GicState) error {
	s, ok := state.(GicState)
	if !ok {
		return &hv.WrongBackendError{Got: state.Backend(), Want: hv.BackendKvm}
	}

	if len(g.gicrTypers) == 0 {
		g.gicrTypers = append([]uint64(nil), s.GicrTypers...)
	}

	idx := 0
	for _, reg := range vgicDistRegs {
		for _, off := range reg.regOffsets() {
			if idx >= len(s.DistRegs) {
				return fmt.Errorf("kvm: truncated GICD state")
			}
			if err := setDeviceAttrU32(g.gicFd, kvmDevArmVgicGrpDistRegs, uint64(off), s.DistRegs[idx]); err != nil {
				return fmt.Errorf("kvm: set GICD register 0x%x: %w", off, err)
			}
			idx++
		}
	}

	idx = 0
	for _, typer := range s.GicrTypers {
		for _, reg := range vgicRedistRegs {
			for _, off := range reg.regOffsets() {
				if idx >= len(s.RedistRegs) {
					return fmt.Errorf("kvm: truncated GICR state")
				}
				if err := setDeviceAttrU32(g.gicFd, kvmDevArmVgicGrpRedistRegs, mpidrAttr(typer, uint64(off)), s.RedistRegs[idx]); err != nil {
					return fmt.Errorf("kvm: set GICR register 0x%x: %w", off, err)
				}
				idx++
			}
		}
	}

	idx = 0
	for _, typer := range s.GicrTypers {
		ctlr, err := getDeviceAttrU64(g.gicFd, kvmDevArmVgicGrpCpuSysRegs, mpidrAttr(typer, iccRegCtlrEl1))
		if err != nil {
			return fmt.Errorf("kvm: get ICC_CTLR_EL1: %w", err)
		}

		for _, reg := range iccRegsForCtlr(ctlr) {
			if idx >= len(s.IccRegs) {
				return fmt.Errorf("kvm: truncated ICC state")
			}
			if err := setDeviceAttrU64(g.gicFd, kvmDevArmVgicGrpCpuSysRegs, mpidrAttr(typer, reg), s.IccRegs[idx]); err != nil {
				return fmt.Errorf("kvm: set ICC register 0x%x: %w", reg, err)
			}
			idx++
		}
	}

	return nil
}

// SaveDataTables flushes pending interrupt bits and ITS translation
// tables into guest memory so a memory snapshot captures them.
func (g *GicV3Its) SaveDataTables() error {
	if err := setDeviceAttr(g.gicFd, &kvmDeviceAttr{Group: kvmDevArmVgicGrpCtrl, Attr: kvmDevArmVgicSavePendingTables}); err != nil {
		return fmt.Errorf("kvm: save pending tables: %w", err)
	}

	if g.itsFd >= 0 {
		if err := setDeviceAttr(g.itsFd, &kvmDeviceAttr{Group: kvmDevArmVgicGrpCtrl, Attr: kvmDevArmItsSaveTables}); err != nil {
			return fmt.Errorf("kvm: save ITS tables: %w", err)
		}
	}

	return nil
}

var _ hv.Vgic = &GicV3Its{}

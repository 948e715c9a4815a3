//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/hvlite/internal/hv"
)

// KVM_ARM_VCPU_* feature bits for VcpuInit.SetFeature.
const (
	VcpuFeaturePowerOff = 0
	VcpuFeaturePsci02   = 2
)

// PreferredTarget returns the vCPU reset descriptor the host kernel
// recommends for this VM.
func (v *Vm) PreferredTarget() (hv.VcpuInit, error) {
	init, err := armPreferredTarget(v.fd)
	if err != nil {
		return hv.VcpuInit{}, fmt.Errorf("kvm: get preferred target: %w", err)
	}
	return vcpuInitFromKvm(init), nil
}

// Init resets the vCPU with the given target and features. Must run
// before the first register access.
func (v *Vcpu) Init(init hv.VcpuInit) error {
	ki := vcpuInitToKvm(init)
	if err := armVcpuInit(v.fd, &ki); err != nil {
		return fmt.Errorf("kvm: init vCPU %d: %w", v.id, err)
	}
	return nil
}

func (v *Vcpu) getRegs(regs *kvmRegs) error {
	for i := range regs.Regs.Regs {
		if err := getOneReg(v.fd, arm64GprRegID(i), unsafe.Pointer(&regs.Regs.Regs[i])); err != nil {
			return fmt.Errorf("get x%d: %w", i, err)
		}
	}

	named := []struct {
		name string
		id   uint64
		out  *uint64
	}{
		{"sp", arm64RegIDSp, &regs.Regs.Sp},
		{"pc", arm64RegIDPc, &regs.Regs.Pc},
		{"pstate", arm64RegIDPstate, &regs.Regs.Pstate},
		{"sp_el1", arm64RegIDSpEl1, &regs.SpEl1},
		{"elr_el1", arm64RegIDElrEl1, &regs.ElrEl1},
	}
	for _, r := range named {
		if err := getOneReg(v.fd, r.id, unsafe.Pointer(r.out)); err != nil {
			return fmt.Errorf("get %s: %w", r.name, err)
		}
	}

	for i := range regs.Spsr {
		if err := getOneReg(v.fd, arm64SpsrRegID(i), unsafe.Pointer(&regs.Spsr[i])); err != nil {
			return fmt.Errorf("get spsr[%d]: %w", i, err)
		}
	}

	for i := range regs.FpRegs.Vregs {
		if err := getOneReg(v.fd, arm64VregRegID(i), unsafe.Pointer(&regs.FpRegs.Vregs[i])); err != nil {
			return fmt.Errorf("get v%d: %w", i, err)
		}
	}

	if err := getOneReg(v.fd, arm64RegIDFpsr, unsafe.Pointer(&regs.FpRegs.Fpsr)); err != nil {
		return fmt.Errorf("get fpsr: %w", err)
	}
	if err := getOneReg(v.fd, arm64RegIDFpcr, unsafe.Pointer(&regs.FpRegs.Fpcr)); err != nil {
		return fmt.Errorf("get fpcr: %w", err)
	}

	return nil
}

func (v *Vcpu) setRegs(regs *kvmRegs) error {
	for i := range regs.Regs.Regs {
		if err := setOneReg(v.fd, arm64GprRegID(i), unsafe.Pointer(&regs.Regs.Regs[i])); err != nil {
			return fmt.Errorf("set x%d: %w", i, err)
		}
	}

	named := []struct {
		name string
		id   uint64
		in   *uint64
	}{
		{"sp", arm64RegIDSp, &regs.Regs.Sp},
		{"pc", arm64RegIDPc, &regs.Regs.Pc},
		{"pstate", arm64RegIDPstate, &regs.Regs.Pstate},
		{"sp_el1", arm64RegIDSpEl1, &regs.SpEl1},
		{"elr_el1", arm64RegIDElrEl1, &regs.ElrEl1},
	}
	for _, r := range named {
		if err := setOneReg(v.fd, r.id, unsafe.Pointer(r.in)); err != nil {
			return fmt.Errorf("set %s: %w", r.name, err)
		}
	}

	for i := range regs.Spsr {
		if err := setOneReg(v.fd, arm64SpsrRegID(i), unsafe.Pointer(&regs.Spsr[i])); err != nil {
			return fmt.Errorf("set spsr[%d]: %w", i, err)
		}
	}

	for i := range regs.FpRegs.Vregs {
		if err := setOneReg(v.fd, arm64VregRegID(i), unsafe.Pointer(&regs.FpRegs.Vregs[i])); err != nil {
			return fmt.Errorf("set v%d: %w", i, err)
		}
	}

	if err := setOneReg(v.fd, arm64RegIDFpsr, unsafe.Pointer(&regs.FpRegs.Fpsr)); err != nil {
		return fmt.Errorf("set fpsr: %w", err)
	}
	if err := setOneReg(v.fd, arm64RegIDFpcr, unsafe.Pointer(&regs.FpRegs.Fpcr)); err != nil {
		return fmt.Errorf("set fpcr: %w", err)
	}

	return nil
}

func (v *Vcpu) StandardRegisters() (hv.StandardRegisters, error) {
	var regs kvmRegs
	if err := v.getRegs(&regs); err != nil {
		return hv.StandardRegisters{}, fmt.Errorf("kvm: vCPU %d: %w", v.id, err)
	}
	return fromKvmRegs(&regs), nil
}

func (v *Vcpu) SetStandardRegisters(regs *hv.StandardRegisters) error {
	kr := toKvmRegs(regs)
	if err := v.setRegs(&kr); err != nil {
		return fmt.Errorf("kvm: vCPU %d: %w", v.id, err)
	}
	return nil
}

// VcpuState is the full architectural state of a KVM vCPU: MP state,
// the core register file and every extended system register the kernel
// exposes.
type VcpuState struct {
	Mp      MpState
	Core    hv.StandardRegisters
	SysRegs []hv.Register
}

func (VcpuState) Backend() hv.Backend { return hv.BackendKvm }

// Mpidr returns the vCPU's MPIDR_EL1 value from the captured system
// registers.
func (s VcpuState) Mpidr() (uint64, bool) {
	for _, reg := range s.SysRegs {
		if reg.ID == arm64SysRegMpidrEl1 {
			return reg.Value, true
		}
	}
	return 0, false
}

func (v *Vcpu) getSysReg(id uint64) (uint64, error) {
	if id&kvmRegSizeMask == kvmRegSizeU32 {
		var val uint32
		if err := getOneReg(v.fd, id, unsafe.Pointer(&val)); err != nil {
			return 0, err
		}
		return uint64(val), nil
	}

	var val uint64
	if err := getOneReg(v.fd, id, unsafe.Pointer(&val)); err != nil {
		return 0, err
	}
	return val, nil
}

func (v *Vcpu) setSysReg(id uint64, value uint64) error {
	if id&kvmRegSizeMask == kvmRegSizeU32 {
		val := uint32(value)
		return setOneReg(v.fd, id, unsafe.Pointer(&val))
	}

	val := value
	return setOneReg(v.fd, id, unsafe.Pointer(&val))
}

// State captures the full vCPU state. The system register set comes from
// the kernel's own register list, so it tracks whatever the host CPU
// exposes.
func (v *Vcpu) State() (hv.CpuState, error) {
	var state VcpuState

	mp, err := v.MpState()
	if err != nil {
		return nil, err
	}
	state.Mp = mp.(MpState)

	state.Core, err = v.StandardRegisters()
	if err != nil {
		return nil, err
	}

	ids, err := getRegList(v.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get register list for vCPU %d: %w", v.id, err)
	}

	for _, id := range ids {
		if !IsSystemRegister(id) {
			continue
		}
		val, err := v.getSysReg(id)
		if err != nil {
			return nil, fmt.Errorf("kvm: get system register 0x%016x for vCPU %d: %w", id, v.id, err)
		}
		state.SysRegs = append(state.SysRegs, hv.Register{ID: id, Value: val})
	}

	return state, nil
}

// SetState restores a previously captured vCPU state.
func (v *Vcpu) SetState(state hv.CpuState) error {
	s, ok := state.(VcpuState)
	if !ok {
		return &hv.WrongBackendError{Got: state.Backend(), Want: hv.BackendKvm}
	}

	if err := v.SetStandardRegisters(&s.Core); err != nil {
		return err
	}

	for _, reg := range s.SysRegs {
		if err := v.setSysReg(reg.ID, reg.Value); err != nil {
			return fmt.Errorf("kvm: set system register 0x%016x for vCPU %d: %w", reg.ID, v.id, err)
		}
	}

	if err := v.SetMpState(s.Mp); err != nil {
		return err
	}

	return nil
}

var (
	_ hv.Vm   = &Vm{}
	_ hv.Vcpu = &Vcpu{}
)

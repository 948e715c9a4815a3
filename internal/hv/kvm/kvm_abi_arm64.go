//go:build linux && arm64

package kvm

import "unsafe"

// Kernel struct layouts from asm/kvm.h and asm/ptrace.h. One-reg IDs
// for core registers are derived from byte offsets into kvmRegs, so the
// layouts here must match the kernel bit for bit.

type userPtRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// userFpsimdState's vregs are __uint128_t in the kernel, which forces
// 16-byte alignment of the whole struct inside kvm_regs. Go has no
// 128-bit type, so the alignment is reproduced with an explicit pad in
// kvmRegs instead.
type userFpsimdState struct {
	Vregs [32][2]uint64
	Fpsr  uint32
	Fpcr  uint32
	_     [2]uint32
}

type kvmRegs struct {
	Regs   userPtRegs
	SpEl1  uint64
	ElrEl1 uint64
	Spsr   [5]uint64
	_      [8]byte // aligns FpRegs to 16, matching __uint128_t vregs
	FpRegs userFpsimdState
}

const kvmArmVcpuInitFeatureWords = 7

type kvmVcpuInit struct {
	Target   uint32
	Features [kvmArmVcpuInitFeatureWords]uint32
}

func armPreferredTarget(vmFd int) (kvmVcpuInit, error) {
	var init kvmVcpuInit
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init)))
	if err != nil {
		return kvmVcpuInit{}, err
	}
	return init, nil
}

func armVcpuInit(vcpuFd int, init *kvmVcpuInit) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(init)))
	return err
}

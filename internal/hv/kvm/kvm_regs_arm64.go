//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/hvlite/internal/hv"
)

const (
	kvmRegArm64 uint64 = 0x6000000000000000

	kvmRegSizeMask uint64 = 0x00f0000000000000
	kvmRegSizeU32  uint64 = 0x0020000000000000
	kvmRegSizeU64  uint64 = 0x0030000000000000
	kvmRegSizeU128 uint64 = 0x0040000000000000

	kvmRegArmCoprocMask uint64 = 0x0fff0000
	kvmRegArmCoproShift        = 16
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
	kvmRegArm64SysReg   uint64 = 0x0013 << kvmRegArmCoproShift

	kvmRegArm64SysRegOp0Mask  uint64 = 0x000000000000c000
	kvmRegArm64SysRegOp0Shift        = 14
	kvmRegArm64SysRegOp1Mask  uint64 = 0x0000000000003800
	kvmRegArm64SysRegOp1Shift        = 11
	kvmRegArm64SysRegCrnMask  uint64 = 0x0000000000000780
	kvmRegArm64SysRegCrnShift        = 7
	kvmRegArm64SysRegCrmMask  uint64 = 0x0000000000000078
	kvmRegArm64SysRegCrmShift        = 3
	kvmRegArm64SysRegOp2Mask  uint64 = 0x0000000000000007
	kvmRegArm64SysRegOp2Shift        = 0
)

func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		((op0 << kvmRegArm64SysRegOp0Shift) & kvmRegArm64SysRegOp0Mask) |
		((op1 << kvmRegArm64SysRegOp1Shift) & kvmRegArm64SysRegOp1Mask) |
		((crn << kvmRegArm64SysRegCrnShift) & kvmRegArm64SysRegCrnMask) |
		((crm << kvmRegArm64SysRegCrmShift) & kvmRegArm64SysRegCrmMask) |
		((op2 << kvmRegArm64SysRegOp2Shift) & kvmRegArm64SysRegOp2Mask)
}

var arm64SysRegMpidrEl1 = arm64SysReg(3, 0, 0, 0, 5)

// Core register IDs encode a word offset into kvmRegs.
func arm64CoreReg(size uint64, offsetBytes uintptr) uint64 {
	return kvmRegArm64 | size | kvmRegArmCore | uint64(offsetBytes/4)
}

// Byte offsets into kvmRegs. Offsetof on a nested selector is relative
// to the innermost struct, so outer and inner offsets are added
// explicitly.
var (
	arm64OffGprBase = unsafe.Offsetof(kvmRegs{}.Regs) + unsafe.Offsetof(userPtRegs{}.Regs)
	arm64OffSp      = unsafe.Offsetof(kvmRegs{}.Regs) + unsafe.Offsetof(userPtRegs{}.Sp)
	arm64OffPc      = unsafe.Offsetof(kvmRegs{}.Regs) + unsafe.Offsetof(userPtRegs{}.Pc)
	arm64OffPstate  = unsafe.Offsetof(kvmRegs{}.Regs) + unsafe.Offsetof(userPtRegs{}.Pstate)
	arm64OffSpEl1   = unsafe.Offsetof(kvmRegs{}.SpEl1)
	arm64OffElrEl1  = unsafe.Offsetof(kvmRegs{}.ElrEl1)
	arm64OffSpsr    = unsafe.Offsetof(kvmRegs{}.Spsr)
	arm64OffVregs   = unsafe.Offsetof(kvmRegs{}.FpRegs) + unsafe.Offsetof(userFpsimdState{}.Vregs)
	arm64OffFpsr    = unsafe.Offsetof(kvmRegs{}.FpRegs) + unsafe.Offsetof(userFpsimdState{}.Fpsr)
	arm64OffFpcr    = unsafe.Offsetof(kvmRegs{}.FpRegs) + unsafe.Offsetof(userFpsimdState{}.Fpcr)
)

func arm64GprRegID(i int) uint64 {
	return arm64CoreReg(kvmRegSizeU64, arm64OffGprBase+uintptr(i)*8)
}

func arm64SpsrRegID(i int) uint64 {
	return arm64CoreReg(kvmRegSizeU64, arm64OffSpsr+uintptr(i)*8)
}

func arm64VregRegID(i int) uint64 {
	return arm64CoreReg(kvmRegSizeU128, arm64OffVregs+uintptr(i)*16)
}

var (
	arm64RegIDSp     = arm64CoreReg(kvmRegSizeU64, arm64OffSp)
	arm64RegIDPc     = arm64CoreReg(kvmRegSizeU64, arm64OffPc)
	arm64RegIDPstate = arm64CoreReg(kvmRegSizeU64, arm64OffPstate)
	arm64RegIDSpEl1  = arm64CoreReg(kvmRegSizeU64, arm64OffSpEl1)
	arm64RegIDElrEl1 = arm64CoreReg(kvmRegSizeU64, arm64OffElrEl1)
	arm64RegIDFpsr   = arm64CoreReg(kvmRegSizeU32, arm64OffFpsr)
	arm64RegIDFpcr   = arm64CoreReg(kvmRegSizeU32, arm64OffFpcr)
)

// IsSystemRegister reports whether a one-reg ID names an extended system
// register rather than a core register. Non-core IDs must carry a 32- or
// 64-bit size tag; anything else means the host kernel broke the one-reg
// contract and there is no safe way to continue.
func IsSystemRegister(id uint64) bool {
	if id&kvmRegArmCoprocMask == kvmRegArmCore {
		return false
	}

	switch id & kvmRegSizeMask {
	case kvmRegSizeU32, kvmRegSizeU64:
		return true
	default:
		panic(fmt.Sprintf("kvm: unexpected size tag in register ID 0x%016x", id))
	}
}

// fromKvmRegs converts the kernel register file to the neutral form.
// Pure and total; fpsr/fpcr widen with zero extension.
func fromKvmRegs(regs *kvmRegs) hv.StandardRegisters {
	out := hv.StandardRegisters{
		Sp:     regs.Regs.Sp,
		Pc:     regs.Regs.Pc,
		Pstate: regs.Regs.Pstate,
		SpEl1:  regs.SpEl1,
		ElrEl1: regs.ElrEl1,
		Spsr:   regs.Spsr,
		Vregs:  regs.FpRegs.Vregs,
		Fpsr:   uint64(regs.FpRegs.Fpsr),
		Fpcr:   uint64(regs.FpRegs.Fpcr),
	}
	out.Gpr = regs.Regs.Regs
	return out
}

// toKvmRegs converts the neutral register file to the kernel layout.
// fpsr/fpcr narrow by truncation; the neutral form only ever holds
// zero-extended values there.
func toKvmRegs(regs *hv.StandardRegisters) kvmRegs {
	out := kvmRegs{
		SpEl1:  regs.SpEl1,
		ElrEl1: regs.ElrEl1,
		Spsr:   regs.Spsr,
	}
	out.Regs.Regs = regs.Gpr
	out.Regs.Sp = regs.Sp
	out.Regs.Pc = regs.Pc
	out.Regs.Pstate = regs.Pstate
	out.FpRegs.Vregs = regs.Vregs
	out.FpRegs.Fpsr = uint32(regs.Fpsr)
	out.FpRegs.Fpcr = uint32(regs.Fpcr)
	return out
}

func vcpuInitToKvm(init hv.VcpuInit) kvmVcpuInit {
	return kvmVcpuInit{Target: init.Target, Features: init.Features}
}

func vcpuInitFromKvm(init kvmVcpuInit) hv.VcpuInit {
	return hv.VcpuInit{Target: init.Target, Features: init.Features}
}

//go:build linux && arm64

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetClock            = 0x8030ae7c
	kvmSetClock            = 0x4030ae7b
	kvmSetGsiRouting       = 0x4008ae6a
	kvmGetOneReg           = 0x4010aeab
	kvmSetOneReg           = 0x4010aeac
	kvmGetRegList          = 0xc008aeb0
	kvmGetMpState          = 0x8004ae98
	kvmSetMpState          = 0x4004ae99
	kvmArmVcpuInitIoctl    = 0x4020aeae
	kvmArmPreferredTarget  = 0x8020aeaf
	kvmCreateDevice        = 0xc00caee0
	kvmSetDeviceAttr       = 0x4018aee1
	kvmGetDeviceAttr       = 0x4018aee2
	kvmHasDeviceAttr       = 0x4018aee3
)

const (
	kvmCapIrqchip       = 0
	kvmCapUserMemory    = 3
	kvmCapMpState       = 14
	kvmCapIrqRouting    = 25
	kvmCapIrqfd         = 32
	kvmCapIoeventfd     = 36
	kvmCapSetGuestDebug = 23
	kvmCapOneReg        = 70
	kvmCapImmediateExit = 136
	kvmCapArmVmIpaSize  = 165
)

const (
	kvmDevTypeArmVgicV2  = 5
	kvmDevTypeArmVgicV3  = 7
	kvmDevTypeArmVgicIts = 8
)

const (
	kvmDevArmVgicGrpAddr       = 0
	kvmDevArmVgicGrpDistRegs   = 1
	kvmDevArmVgicGrpCpuRegs    = 2
	kvmDevArmVgicGrpNrIrqs     = 3
	kvmDevArmVgicGrpCtrl       = 4
	kvmDevArmVgicGrpRedistRegs = 5
	kvmDevArmVgicGrpCpuSysRegs = 6
	kvmDevArmVgicGrpLevelInfo  = 7
	kvmDevArmVgicGrpItsRegs    = 8
)

const (
	kvmDevArmVgicCtrlInit          = 0
	kvmDevArmItsSaveTables         = 1
	kvmDevArmItsRestoreTables      = 2
	kvmDevArmVgicSavePendingTables = 3
)

const (
	kvmVgicV3AddrTypeDist   = 2
	kvmVgicV3AddrTypeRedist = 3
	kvmVgicItsAddrType      = 4
)

// MPIDR selector in the upper word of redistributor/sys-reg device attrs.
const (
	kvmDevArmVgicV3MpidrShift = 32
	kvmDevArmVgicV3MpidrMask  = uint64(0xffffffff) << kvmDevArmVgicV3MpidrShift
)

// Memory slot flags
const (
	kvmMemLogDirtyPages = 1
	kvmMemReadonly      = 2
)

// IRQ routing entry types (asm-generic/kvm.h)
const (
	kvmIrqRoutingIrqchip = 1
	kvmIrqRoutingMsi     = 2
)

// KVM_MP_STATE values used on arm64.
const (
	kvmMpStateRunnable = 0
	kvmMpStateStopped  = 5
)

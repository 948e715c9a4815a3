//go:build linux && arm64

package mshv

import "unsafe"

// ioctl requests for the /dev/mshv driver, composed the same way the
// kernel's _IO macros compose them.
const (
	mshvIoctlMagic = 0xB8

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func mshvIo(nr uint64) uint64 {
	return iocNone<<iocDirShift | mshvIoctlMagic<<iocTypeShift | nr<<iocNrShift
}

func mshvIow(nr uint64, size uintptr) uint64 {
	return iocWrite<<iocDirShift | uint64(size)<<iocSizeShift | mshvIoctlMagic<<iocTypeShift | nr<<iocNrShift
}

func mshvIowr(nr uint64, size uintptr) uint64 {
	return (iocWrite|iocRead)<<iocDirShift | uint64(size)<<iocSizeShift | mshvIoctlMagic<<iocTypeShift | nr<<iocNrShift
}

type mshvCreatePartitionArgs struct {
	PtFlags     uint64
	PtIsolation uint64
}

type mshvCreateVpArgs struct {
	VpIndex uint32
}

// Memory region flag bit numbers.
const (
	mshvSetMemBitWritable   = 0
	mshvSetMemBitExecutable = 1
	mshvSetMemBitUnmap      = 2
)

type mshvUserMemRegion struct {
	Size          uint64
	GuestPfn      uint64
	UserspaceAddr uint64
	Flags         uint8
	_             [7]byte
}

type mshvVpRegisters struct {
	Count uint32
	_     uint32
	Regs  uint64 // pointer to []hvRegisterAssoc
}

// hvRegisterAssoc matches the hypervisor ABI: a register name and a
// 128-bit value slot. Value[0] holds the low quadword.
type hvRegisterAssoc struct {
	Name  uint32
	_     uint32
	_     uint64
	Value [2]uint64
}

var (
	mshvCreatePartition = mshvIow(0x00, unsafe.Sizeof(mshvCreatePartitionArgs{}))

	mshvInitializePartition = mshvIo(0x00)
	mshvCreateVp            = mshvIow(0x01, unsafe.Sizeof(mshvCreateVpArgs{}))
	mshvSetGuestMemory      = mshvIow(0x02, unsafe.Sizeof(mshvUserMemRegion{}))

	mshvGetVpRegisters = mshvIowr(0x05, unsafe.Sizeof(mshvVpRegisters{}))
	mshvSetVpRegisters = mshvIow(0x06, unsafe.Sizeof(mshvVpRegisters{}))
)

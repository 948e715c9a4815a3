//go:build linux && arm64

// Package mshv implements the hv interfaces on top of the Microsoft
// Hypervisor's Linux driver (/dev/mshv). Partitions map to VMs and
// virtual processors to vCPUs. Several VM-wide operations KVM offers
// have no MSHV equivalent and report hv.ErrNotSupported.
package mshv

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/hvlite/internal/hv"
	"golang.org/x/sys/unix"
)

const mshvDevicePath = "/dev/mshv"

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
		if err == unix.EINTR {
			continue
		}
		if err != 0 {
			return 0, err
		}
		return v1, nil
	}
}

// Hypervisor is an open handle to /dev/mshv.
type Hypervisor struct {
	fd int
}

func Open() (*Hypervisor, error) {
	fd, err := unix.Open(mshvDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV) {
			return nil, fmt.Errorf("mshv: open %s: %w", mshvDevicePath, hv.ErrHypervisorUnsupported)
		}
		return nil, fmt.Errorf("mshv: open %s: %w", mshvDevicePath, err)
	}
	return &Hypervisor{fd: fd}, nil
}

func (h *Hypervisor) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

func (h *Hypervisor) Backend() hv.Backend { return hv.BackendMshv }

// CreateVm creates and initializes a partition.
func (h *Hypervisor) CreateVm() (hv.Vm, error) {
	args := mshvCreatePartitionArgs{}
	fd, err := ioctl(uintptr(h.fd), mshvCreatePartition, uintptr(unsafe.Pointer(&args)))
	if err != nil {
		return nil, fmt.Errorf("mshv: create partition: %w", err)
	}

	vm := &Vm{fd: int(fd)}
	if _, err := ioctl(uintptr(vm.fd), mshvInitializePartition, 0); err != nil {
		vm.Close()
		return nil, fmt.Errorf("mshv: initialize partition: %w", err)
	}

	return vm, nil
}

// Vm is a created MSHV partition.
type Vm struct {
	fd int
}

func (v *Vm) Close() error {
	if v.fd < 0 {
		return nil
	}
	err := unix.Close(v.fd)
	v.fd = -1
	return err
}

func (v *Vm) Backend() hv.Backend { return hv.BackendMshv }

func (v *Vm) CreateVcpu(id int) (hv.Vcpu, error) {
	args := mshvCreateVpArgs{VpIndex: uint32(id)}
	fd, err := ioctl(uintptr(v.fd), mshvCreateVp, uintptr(unsafe.Pointer(&args)))
	if err != nil {
		return nil, fmt.Errorf("mshv: create VP %d: %w", id, err)
	}
	return &Vcpu{fd: int(fd), id: id}, nil
}

// PreferredTarget reports hv.ErrNotSupported; MSHV has no negotiated
// vCPU target, VPs come up in a fixed state.
func (v *Vm) PreferredTarget() (hv.VcpuInit, error) {
	return hv.VcpuInit{}, fmt.Errorf("mshv: preferred target: %w", hv.ErrNotSupported)
}

const pageShift = 12

// SetUserMemoryRegion maps a guest-physical memory region. MSHV regions
// carry explicit write/execute bits; addresses and sizes must be page
// aligned because the driver works in frame numbers.
func (v *Vm) SetUserMemoryRegion(region hv.UserMemoryRegion) error {
	if region.GuestPhysAddr%(1<<pageShift) != 0 || region.MemorySize%(1<<pageShift) != 0 {
		return fmt.Errorf("mshv: memory region %d not page aligned", region.Slot)
	}

	var flags uint8
	if region.Flags&hv.UserMemoryRegionWrite != 0 {
		flags |= 1 << mshvSetMemBitWritable
	}
	if region.Flags&hv.UserMemoryRegionExecute != 0 {
		flags |= 1 << mshvSetMemBitExecutable
	}
	if region.MemorySize == 0 {
		flags |= 1 << mshvSetMemBitUnmap
	}

	mr := mshvUserMemRegion{
		Size:          region.MemorySize,
		GuestPfn:      region.GuestPhysAddr >> pageShift,
		UserspaceAddr: region.UserspaceAddr,
		Flags:         flags,
	}

	if _, err := ioctl(uintptr(v.fd), mshvSetGuestMemory, uintptr(unsafe.Pointer(&mr))); err != nil {
		return fmt.Errorf("mshv: set guest memory region %d: %w", region.Slot, err)
	}
	return nil
}

// Clock reports hv.ErrNotSupported; the MSHV driver has no VM clock
// ioctl.
func (v *Vm) Clock() (hv.ClockData, error) {
	return nil, fmt.Errorf("mshv: get clock: %w", hv.ErrNotSupported)
}

func (v *Vm) SetClock(hv.ClockData) error {
	return fmt.Errorf("mshv: set clock: %w", hv.ErrNotSupported)
}

// Vcpu is a created MSHV virtual processor.
type Vcpu struct {
	fd int
	id int
}

func (v *Vcpu) Backend() hv.Backend { return hv.BackendMshv }

func (v *Vcpu) ID() int { return v.id }

// Init reports hv.ErrNotSupported; VPs need no reset descriptor.
func (v *Vcpu) Init(hv.VcpuInit) error {
	return fmt.Errorf("mshv: init VP %d: %w", v.id, hv.ErrNotSupported)
}

// MpState reports hv.ErrNotSupported; VP run state is not exposed by
// the driver.
func (v *Vcpu) MpState() (hv.MpState, error) {
	return nil, fmt.Errorf("mshv: get MP state: %w", hv.ErrNotSupported)
}

func (v *Vcpu) SetMpState(hv.MpState) error {
	return fmt.Errorf("mshv: set MP state: %w", hv.ErrNotSupported)
}

func (v *Vcpu) getRegisters(regs []hvRegisterAssoc) error {
	if len(regs) == 0 {
		return nil
	}
	args := mshvVpRegisters{
		Count: uint32(len(regs)),
		Regs:  uint64(uintptr(unsafe.Pointer(&regs[0]))),
	}
	_, err := ioctl(uintptr(v.fd), mshvGetVpRegisters, uintptr(unsafe.Pointer(&args)))
	return err
}

func (v *Vcpu) setRegisters(regs []hvRegisterAssoc) error {
	if len(regs) == 0 {
		return nil
	}
	args := mshvVpRegisters{
		Count: uint32(len(regs)),
		Regs:  uint64(uintptr(unsafe.Pointer(&regs[0]))),
	}
	_, err := ioctl(uintptr(v.fd), mshvSetVpRegisters, uintptr(unsafe.Pointer(&args)))
	return err
}

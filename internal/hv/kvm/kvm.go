//go:build linux && arm64

// Package kvm implements the hv interfaces on top of the Linux KVM API.
package kvm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvlite/internal/hv"
	"golang.org/x/sys/unix"
)

const kvmDevicePath = "/dev/kvm"

// preferredIpaBits is requested at VM creation on hosts that let
// userspace size the guest physical address space.
const preferredIpaBits = 40

// Hypervisor is an open handle to /dev/kvm. Opening includes the API
// version handshake and the required-capability probe; a handle that
// opens successfully supports everything this layer depends on.
type Hypervisor struct {
	fd int
}

// Open opens /dev/kvm and negotiates capabilities.
func Open() (*Hypervisor, error) {
	fd, err := unix.Open(kvmDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV) {
			return nil, fmt.Errorf("kvm: open %s: %w", kvmDevicePath, hv.ErrHypervisorUnsupported)
		}
		return nil, fmt.Errorf("kvm: open %s: %w", kvmDevicePath, err)
	}

	h := &Hypervisor{fd: fd}

	version, err := getApiVersion(fd)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("kvm: get API version: %w", err)
	}
	if version != kvmApiVersion {
		h.Close()
		return nil, fmt.Errorf("kvm: unexpected API version %d, want %d", version, kvmApiVersion)
	}

	if err := checkRequiredCapabilities(h); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

func (h *Hypervisor) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

func (h *Hypervisor) Backend() hv.Backend { return hv.BackendKvm }

func (h *Hypervisor) checkExtension(cap Capability) (int, error) {
	v, err := ioctlWithRetry(uintptr(h.fd), uint64(kvmCheckExtension), uintptr(cap))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// CheckExtension reports the raw KVM_CHECK_EXTENSION value for a
// capability. Zero means unsupported.
func (h *Hypervisor) CheckExtension(cap Capability) (int, error) {
	return h.checkExtension(cap)
}

// ApiVersion reports the kernel's KVM API version. Open already
// verified it, so this is informational.
func (h *Hypervisor) ApiVersion() (int, error) {
	return getApiVersion(h.fd)
}

// CreateVm creates a VM, sizing the guest physical address space on
// hosts that support a configurable IPA size.
func (h *Hypervisor) CreateVm() (hv.Vm, error) {
	machineType := 0
	if maxIpa, err := h.checkExtension(CapArmVmIpaSize); err == nil && maxIpa > 0 {
		ipa := preferredIpaBits
		if maxIpa < ipa {
			ipa = maxIpa
		}
		machineType = ipa
	}

	fd, err := ioctlWithRetry(uintptr(h.fd), uint64(kvmCreateVm), uintptr(machineType))
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	slog.Debug("kvm: created VM", "ipaBits", machineType)

	return &Vm{hv: h, fd: int(fd)}, nil
}

// Vm is a created KVM virtual machine.
type Vm struct {
	hv *Hypervisor
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

func (v *Vm) Backend() hv.Backend { return hv.BackendKvm }

func (v *Vm) CreateVcpu(id int) (hv.Vcpu, error) {
	fd, err := ioctlWithRetry(uintptr(v.fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", id, err)
	}
	return &Vcpu{fd: int(fd), id: id}, nil
}

// SetUserMemoryRegion installs a guest-physical memory slot. Only the
// dirty-logging flag translates to a kernel flag; the access bits exist
// for backends with finer-grained slots and are accepted here.
func (v *Vm) SetUserMemoryRegion(region hv.UserMemoryRegion) error {
	var flags uint32
	if region.Flags&hv.UserMemoryRegionLogDirty != 0 {
		flags |= kvmMemLogDirtyPages
	}
	if region.Flags&hv.UserMemoryRegionWrite == 0 {
		flags |= kvmMemReadonly
	}

	kr := kvmUserspaceMemoryRegion{
		Slot:          region.Slot,
		Flags:         flags,
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    region.MemorySize,
		UserspaceAddr: region.UserspaceAddr,
	}

	if err := setUserMemoryRegion(v.fd, &kr); err != nil {
		return fmt.Errorf("kvm: set user memory region %d: %w", region.Slot, err)
	}
	return nil
}

// ClockData is the KVM virtual clock state.
type ClockData struct {
	Clock uint64
	Flags uint32
}

func (ClockData) Backend() hv.Backend { return hv.BackendKvm }

// ResetFlags zeroes the flags so a captured value can be passed back
// to KVM_SET_CLOCK, which rejects read-side flag bits.
func (c *ClockData) ResetFlags() { c.Flags = 0 }

// Clock reads the VM clock. Hosts without the ioctl report
// hv.ErrNotSupported.
func (v *Vm) Clock() (hv.ClockData, error) {
	var data kvmClockData
	if err := getClock(v.fd, &data); err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return nil, fmt.Errorf("kvm: get clock: %w", hv.ErrNotSupported)
		}
		return nil, fmt.Errorf("kvm: get clock: %w", err)
	}
	return &ClockData{Clock: data.Clock, Flags: data.Flags}, nil
}

func (v *Vm) SetClock(data hv.ClockData) error {
	cd, ok := data.(*ClockData)
	if !ok {
		return &hv.WrongBackendError{Got: data.Backend(), Want: hv.BackendKvm}
	}

	kd := kvmClockData{Clock: cd.Clock, Flags: cd.Flags}
	if err := setClock(v.fd, &kd); err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("kvm: set clock: %w", hv.ErrNotSupported)
		}
		return fmt.Errorf("kvm: set clock: %w", err)
	}
	return nil
}

// Vcpu is a created KVM virtual CPU.
type Vcpu struct {
	fd int
	id int
}

func (v *Vcpu) Backend() hv.Backend { return hv.BackendKvm }

func (v *Vcpu) ID() int { return v.id }

// MpState is the KVM multiprocessor state of a vCPU.
type MpState struct {
	State uint32
}

func (MpState) Backend() hv.Backend { return hv.BackendKvm }

// Runnable reports whether the vCPU is in the runnable state.
func (m MpState) Runnable() bool { return m.State == kvmMpStateRunnable }

func (v *Vcpu) MpState() (hv.MpState, error) {
	var state kvmMpState
	if err := getMpState(v.fd, &state); err != nil {
		return nil, fmt.Errorf("kvm: get MP state for vCPU %d: %w", v.id, err)
	}
	return MpState{State: state.State}, nil
}

func (v *Vcpu) SetMpState(state hv.MpState) error {
	ms, ok := state.(MpState)
	if !ok {
		return &hv.WrongBackendError{Got: state.Backend(), Want: hv.BackendKvm}
	}

	ks := kvmMpState{State: ms.State}
	if err := setMpState(v.fd, &ks); err != nil {
		return fmt.Errorf("kvm: set MP state for vCPU %d: %w", v.id, err)
	}
	return nil
}

var (
	_ hv.Hypervisor = &Hypervisor{}
	_ capChecker    = &Hypervisor{}
)

//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/hvlite/internal/hv"
)

// MsiRoutingEntry routes one GSI to an MSI doorbell. DevID carries the
// ITS device ID and is required whenever the VM has an ITS.
type MsiRoutingEntry struct {
	Gsi    uint32
	AddrLo uint32
	AddrHi uint32
	Data   uint32
	DevID  uint32
}

func (MsiRoutingEntry) Backend() hv.Backend { return hv.BackendKvm }

const kvmMsiValidDevid = 1 << 0

// KVM irq routing structures adapted from asm-generic/kvm.h. The union
// in kvm_irq_routing_entry is 32 bytes; entries are packed inline after
// the 8-byte header.
type kvmIrqRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	_     uint32
	u     [32]byte
}

type kvmMsiRoute struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	DevID     uint32
}

type kvmIrqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

// SetGsiRouting replaces the VM's interrupt routing table. Every entry
// must be a KVM MsiRoutingEntry.
func (v *Vm) SetGsiRouting(entries []hv.IrqRoutingEntry) error {
	raw := make([]kvmIrqRoutingEntry, 0, len(entries))
	for _, entry := range entries {
		msi, ok := entry.(MsiRoutingEntry)
		if !ok {
			return &hv.WrongBackendError{Got: entry.Backend(), Want: hv.BackendKvm}
		}

		ent := kvmIrqRoutingEntry{
			GSI:  msi.Gsi,
			Type: kvmIrqRoutingMsi,
		}
		if msi.DevID != 0 {
			ent.Flags = kvmMsiValidDevid
		}
		*(*kvmMsiRoute)(unsafe.Pointer(&ent.u[0])) = kvmMsiRoute{
			AddressLo: msi.AddrLo,
			AddressHi: msi.AddrHi,
			Data:      msi.Data,
			DevID:     msi.DevID,
		}
		raw = append(raw, ent)
	}

	if err := setIrqRouting(v.fd, raw); err != nil {
		return fmt.Errorf("kvm: set GSI routing: %w", err)
	}
	return nil
}

func setIrqRouting(vmFd int, entries []kvmIrqRoutingEntry) error {
	// KVM_SET_GSI_ROUTING expects the entries inline after the header.
	headerSize := int(unsafe.Sizeof(kvmIrqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(kvmIrqRoutingEntry{}))
	buf := make([]byte, headerSize+len(entries)*entrySize)

	header := (*kvmIrqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))

	for i, ent := range entries {
		offset := headerSize + i*entrySize
		*(*kvmIrqRoutingEntry)(unsafe.Pointer(&buf[offset])) = ent
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetGsiRouting), uintptr(unsafe.Pointer(&buf[0])))
	return err
}

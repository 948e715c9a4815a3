// Package hv defines the backend-neutral model of the hardware
// virtualization layer: hypervisor/VM/vCPU handles, the neutral register
// file, backend-tagged state snapshots, and the virtual interrupt
// controller contract. Each supported hypervisor driver implements these
// interfaces in its own package (kvm, mshv).
package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrNotSupported marks an operation that a backend does not implement.
	// It is a stable capability signal, not a transient failure: callers
	// must branch on it up front rather than retry.
	ErrNotSupported = errors.New("not supported by this backend")
)

// Backend identifies which hypervisor driver produced a handle or a
// state value. Exactly one backend is active per VM; mixing values across
// backends is a programming error surfaced as WrongBackendError.
type Backend string

const (
	BackendInvalid Backend = "invalid"
	BackendKvm     Backend = "kvm"
	BackendMshv    Backend = "mshv"
)

// WrongBackendError reports an operation invoked against a handle or
// state value belonging to a different backend.
type WrongBackendError struct {
	Got  Backend
	Want Backend
}

func (e *WrongBackendError) Error() string {
	return fmt.Sprintf("hv: wrong backend: got %s, want %s", e.Got, e.Want)
}

// Hypervisor is an open handle to the host hypervisor device. Opening a
// hypervisor includes capability negotiation: a handle that opens
// successfully supports everything the rest of this layer depends on.
type Hypervisor interface {
	io.Closer

	Backend() Backend

	CreateVm() (Vm, error)
}

// Vm is a created virtual machine. The run loop, memory allocation policy
// and device models live outside this layer; Vm only carries the handles
// and state plumbing they need.
type Vm interface {
	io.Closer

	Backend() Backend

	CreateVcpu(id int) (Vcpu, error)

	// PreferredTarget returns the reset descriptor the host recommends for
	// new vCPUs. Backends without a negotiated target return ErrNotSupported.
	PreferredTarget() (VcpuInit, error)

	// SetUserMemoryRegion installs a guest-physical memory slot backed by
	// host memory. Slot values must be unique for the region's lifetime.
	SetUserMemoryRegion(UserMemoryRegion) error

	// Clock and SetClock access the VM-wide virtual clock. Backends (or
	// hosts) without a controllable clock return ErrNotSupported.
	Clock() (ClockData, error)
	SetClock(ClockData) error
}

// Vcpu is a single virtual CPU. All methods are called from the thread
// that owns the vCPU; no method locks.
type Vcpu interface {
	Backend() Backend

	ID() int

	// Init resets the vCPU with the given target and feature set.
	Init(VcpuInit) error

	StandardRegisters() (StandardRegisters, error)
	SetStandardRegisters(*StandardRegisters) error

	MpState() (MpState, error)
	SetMpState(MpState) error

	// State and SetState snapshot and restore the full architectural
	// state of the vCPU as a backend-tagged value.
	State() (CpuState, error)
	SetState(CpuState) error
}

// MMIOHandler is the VM-wide memory-mapped I/O callback consumed by the
// trapped-instruction emulator. The buffer length equals the access size
// (1, 2, 4 or 8 bytes). The handler may block; errors are propagated to
// the fault-handling caller verbatim.
type MMIOHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// SimpleMMIOHandler adapts plain functions to MMIOHandler.
type SimpleMMIOHandler struct {
	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (h SimpleMMIOHandler) ReadMMIO(addr uint64, data []byte) error {
	if h.ReadFunc != nil {
		return h.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}

func (h SimpleMMIOHandler) WriteMMIO(addr uint64, data []byte) error {
	if h.WriteFunc != nil {
		return h.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}

var (
	_ MMIOHandler = SimpleMMIOHandler{}
)

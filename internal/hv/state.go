package hv

// Backend-tagged state values. These mirror the tagged-union design of
// the layer: each backend package provides exactly one concrete type per
// interface, the Backend method is the tag, and consumers match on the
// concrete type. A mismatch is a logic error reported as
// WrongBackendError, never a recoverable condition.

// CpuState is a snapshot of one vCPU's full architectural state:
// multiprocessor state, core registers and the extended system-register
// list. Produced by Vcpu.State, consumed by Vcpu.SetState.
type CpuState interface {
	Backend() Backend
}

// MpState is the multiprocessor (runnable/stopped) state of a vCPU.
type MpState interface {
	Backend() Backend
}

// ClockData is the VM-wide virtual clock state, captured and restored
// only at snapshot boundaries.
type ClockData interface {
	Backend() Backend

	// ResetFlags zeroes transient clock flags so a captured value can be
	// fed back to the host on restore.
	ResetFlags()
}

// GicState is an opaque, backend-specific snapshot of the virtual
// interrupt controller.
type GicState interface {
	Backend() Backend
}

// IrqRoutingEntry is one entry of the VM interrupt routing table.
type IrqRoutingEntry interface {
	Backend() Backend
}

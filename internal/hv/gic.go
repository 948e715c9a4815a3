package hv

// VgicConfig is the placement of the virtual GICv3 and its optional MSI
// (ITS) frame in guest physical memory, plus the vCPU count the
// redistributor region must cover. All addresses are 64 KiB aligned by
// the caller; implementations validate before touching the kernel.
type VgicConfig struct {
	DistAddr    uint64
	DistSize    uint64
	RedistsAddr uint64
	RedistsSize uint64
	MsiAddr     uint64
	MsiSize     uint64
	VcpuCount   uint64
}

// Vgic is a created virtual interrupt controller. The FDT/device-tree
// reporting methods are pure and callable at any time; the state methods
// follow the backend's snapshot rules.
type Vgic interface {
	// FdtCompatibility is the device-tree "compatible" string of the
	// distributor node.
	FdtCompatibility() string

	// MsiCompatible reports whether the controller carries an MSI frame.
	MsiCompatible() bool

	// MsiCompatibility is the device-tree "compatible" string of the MSI
	// node. Meaningful only when MsiCompatible is true.
	MsiCompatibility() string

	// FdtMaintIrq is the maintenance interrupt number for the device tree.
	FdtMaintIrq() uint32

	VcpuCount() uint64

	// DeviceProperties is {dist addr, dist size, redists addr, redists size}.
	DeviceProperties() [4]uint64

	// MsiProperties is {msi addr, msi size}.
	MsiProperties() [2]uint64

	// SetGicrTypers derives and caches the per-redistributor GICR_TYPER
	// values from the given vCPU states. Must run before State so the
	// snapshot carries the redistributor topology.
	SetGicrTypers(states []CpuState) error

	// State and SetState snapshot and restore the controller as a
	// backend-tagged value.
	State() (GicState, error)
	SetState(GicState) error

	// SaveDataTables flushes pending interrupt state and ITS tables to
	// guest memory so they are captured by a memory snapshot.
	SaveDataTables() error
}

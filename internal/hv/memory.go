package hv

// Flags for UserMemoryRegion. Each bit is independent and combinable.
const (
	UserMemoryRegionRead       uint32 = 1
	UserMemoryRegionWrite      uint32 = 1 << 1
	UserMemoryRegionExecute    uint32 = 1 << 2
	UserMemoryRegionLogDirty   uint32 = 1 << 3
	UserMemoryRegionAdjustable uint32 = 1 << 4
)

// UserMemoryRegion describes a guest-physical memory slot backed by host
// memory. Slot values are unique within a VM for the region's lifetime.
// Allocation policy belongs to the caller; this layer only translates
// the descriptor into the active backend's ioctl form.
type UserMemoryRegion struct {
	Slot          uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	Flags         uint32
}

package hv

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

// Backend encoding for snapshot files
const (
	SnapshotBackendInvalid uint32 = 0
	SnapshotBackendKvm     uint32 = 1
	SnapshotBackendMshv    uint32 = 2
)

// Snapshot header flag bits
const (
	SnapshotFlagHasClock uint32 = 1
	SnapshotFlagHasGic   uint32 = 1 << 1
)

// BackendToSnapshotBackend converts a Backend to its snapshot file encoding.
func BackendToSnapshotBackend(b Backend) uint32 {
	switch b {
	case BackendKvm:
		return SnapshotBackendKvm
	case BackendMshv:
		return SnapshotBackendMshv
	default:
		return SnapshotBackendInvalid
	}
}

// SnapshotBackendToBackend converts a snapshot file backend encoding to a Backend.
func SnapshotBackendToBackend(b uint32) Backend {
	switch b {
	case SnapshotBackendKvm:
		return BackendKvm
	case SnapshotBackendMshv:
		return BackendMshv
	default:
		return BackendInvalid
	}
}

package hv

import (
	"crypto/sha256"
	"encoding/binary"
)

// VMConfigHash is a hash of the VM configuration a snapshot was taken
// under. Two snapshots can only be restored against each other if their
// config hashes match.
type VMConfigHash [32]byte

// ComputeConfigHash computes a deterministic hash of the configuration
// parameters that shape snapshot contents: the backend, the vCPU count
// and the interrupt controller placement.
func ComputeConfigHash(backend Backend, vcpuCount int, gic VgicConfig) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(backend))
	h.Write([]byte{0}) // null terminator

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(vcpuCount))
	h.Write(buf[:])

	for _, v := range []uint64{
		gic.DistAddr, gic.DistSize,
		gic.RedistsAddr, gic.RedistsSize,
		gic.MsiAddr, gic.MsiSize,
		gic.VcpuCount,
	} {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h VMConfigHash) String() string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, 64)
	for i, b := range h {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0f]
	}
	return string(result)
}

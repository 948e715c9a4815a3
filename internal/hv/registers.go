package hv

// StandardRegisters is the backend-neutral arm64 register file: the
// general-purpose registers, stack/program counters, processor state,
// the EL1 exception context and the FP/SIMD block. Conversions to and
// from a backend's native layout are pure structural field mappings and
// round-trip bit-for-bit; this type sits on the hot exit path and any
// loss would silently corrupt guest execution.
//
// Fpsr and Fpcr are 32-bit in the kernel ABIs; they are held widened to
// 64 bits here and are zero-extended (never sign-extended) across the
// conversion.
type StandardRegisters struct {
	Gpr    [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
	SpEl1  uint64
	ElrEl1 uint64
	Spsr   [5]uint64
	Vregs  [32][2]uint64
	Fpsr   uint64
	Fpcr   uint64
}

// Register is a single extended system register: a 64-bit identifier in
// the host kernel's encoding and the register's value. Constructed
// transiently per access.
type Register struct {
	ID    uint64
	Value uint64
}

const vcpuInitFeatureWords = 7

// VcpuInit is the reset descriptor for a vCPU: the target CPU type and
// the feature bitset to enable. Created once and consumed at vCPU reset.
type VcpuInit struct {
	Target   uint32
	Features [vcpuInitFeatureWords]uint32
}

// SetFeature enables a single feature bit in the descriptor. Feature
// numbers beyond the descriptor's capacity are ignored.
func (v *VcpuInit) SetFeature(feature uint32) {
	word := feature / 32
	bit := feature % 32

	if word >= vcpuInitFeatureWords {
		return
	}

	v.Features[word] |= 1 << bit
}

// HasFeature reports whether a feature bit is set in the descriptor.
func (v *VcpuInit) HasFeature(feature uint32) bool {
	word := feature / 32
	bit := feature % 32

	if word >= vcpuInitFeatureWords {
		return false
	}

	return v.Features[word]&(1<<bit) != 0
}

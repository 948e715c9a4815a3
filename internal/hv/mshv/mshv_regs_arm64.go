//go:build linux && arm64

package mshv

import (
	"fmt"

	"github.com/tinyrange/hvlite/internal/hv"
)

// Hypervisor register names for arm64, from the TLFS register name
// space. General-purpose and PC/PSTATE live in the 0x0002xxxx block,
// FP/SIMD in 0x0003xxxx and EL1 system context in 0x0004xxxx.
const (
	hvArm64RegisterX0     uint32 = 0x00020000
	hvArm64RegisterFp     uint32 = 0x0002001D
	hvArm64RegisterLr     uint32 = 0x0002001E
	hvArm64RegisterSpEl0  uint32 = 0x00020020
	hvArm64RegisterSpEl1  uint32 = 0x00020021
	hvArm64RegisterPc     uint32 = 0x00020022
	hvArm64RegisterPstate uint32 = 0x00020023

	hvArm64RegisterQ0 uint32 = 0x00030000

	hvArm64RegisterFpcr    uint32 = 0x00040012
	hvArm64RegisterFpsr    uint32 = 0x00040013
	hvArm64RegisterSpsrEl1 uint32 = 0x00040014
	hvArm64RegisterElrEl1  uint32 = 0x00040015
)

func hvArm64RegisterX(n int) uint32 { return hvArm64RegisterX0 + uint32(n) }
func hvArm64RegisterQ(n int) uint32 { return hvArm64RegisterQ0 + uint32(n) }

// standardRegisterNames is the fixed assoc-list order used by the
// register file codec. x29 and x30 travel under their Fp/Lr names, and
// only SPSR_EL1 of the neutral Spsr bank exists here; the EL2/ABT/UND/
// FIQ slots have no MSHV register and do not round-trip.
var standardRegisterNames = func() []uint32 {
	names := make([]uint32, 0, 31+6+32+2)
	for i := 0; i <= 28; i++ {
		names = append(names, hvArm64RegisterX(i))
	}
	names = append(names,
		hvArm64RegisterFp,
		hvArm64RegisterLr,
		hvArm64RegisterSpEl0,
		hvArm64RegisterPc,
		hvArm64RegisterPstate,
		hvArm64RegisterSpEl1,
		hvArm64RegisterElrEl1,
		hvArm64RegisterSpsrEl1,
	)
	for i := 0; i < 32; i++ {
		names = append(names, hvArm64RegisterQ(i))
	}
	names = append(names, hvArm64RegisterFpsr, hvArm64RegisterFpcr)
	return names
}()

// toAssocs converts the neutral register file into a full assoc list in
// standardRegisterNames order.
func toAssocs(regs *hv.StandardRegisters) []hvRegisterAssoc {
	assocs := make([]hvRegisterAssoc, 0, len(standardRegisterNames))

	push := func(name uint32, lo, hi uint64) {
		assocs = append(assocs, hvRegisterAssoc{Name: name, Value: [2]uint64{lo, hi}})
	}

	for i := 0; i <= 28; i++ {
		push(hvArm64RegisterX(i), regs.Gpr[i], 0)
	}
	push(hvArm64RegisterFp, regs.Gpr[29], 0)
	push(hvArm64RegisterLr, regs.Gpr[30], 0)
	push(hvArm64RegisterSpEl0, regs.Sp, 0)
	push(hvArm64RegisterPc, regs.Pc, 0)
	push(hvArm64RegisterPstate, regs.Pstate, 0)
	push(hvArm64RegisterSpEl1, regs.SpEl1, 0)
	push(hvArm64RegisterElrEl1, regs.ElrEl1, 0)
	push(hvArm64RegisterSpsrEl1, regs.Spsr[0], 0)
	for i := 0; i < 32; i++ {
		push(hvArm64RegisterQ(i), regs.Vregs[i][0], regs.Vregs[i][1])
	}
	push(hvArm64RegisterFpsr, regs.Fpsr, 0)
	push(hvArm64RegisterFpcr, regs.Fpcr, 0)

	return assocs
}

// fromAssocs converts an assoc list back into the neutral register
// file. Unknown names are rejected so a driver regression cannot leak
// silently truncated state.
func fromAssocs(assocs []hvRegisterAssoc) (hv.StandardRegisters, error) {
	var regs hv.StandardRegisters

	for _, assoc := range assocs {
		lo, hi := assoc.Value[0], assoc.Value[1]

		switch {
		case assoc.Name >= hvArm64RegisterX0 && assoc.Name <= hvArm64RegisterX(28):
			regs.Gpr[assoc.Name-hvArm64RegisterX0] = lo
		case assoc.Name == hvArm64RegisterFp:
			regs.Gpr[29] = lo
		case assoc.Name == hvArm64RegisterLr:
			regs.Gpr[30] = lo
		case assoc.Name == hvArm64RegisterSpEl0:
			regs.Sp = lo
		case assoc.Name == hvArm64RegisterPc:
			regs.Pc = lo
		case assoc.Name == hvArm64RegisterPstate:
			regs.Pstate = lo
		case assoc.Name == hvArm64RegisterSpEl1:
			regs.SpEl1 = lo
		case assoc.Name == hvArm64RegisterElrEl1:
			regs.ElrEl1 = lo
		case assoc.Name == hvArm64RegisterSpsrEl1:
			regs.Spsr[0] = lo
		case assoc.Name >= hvArm64RegisterQ0 && assoc.Name <= hvArm64RegisterQ(31):
			regs.Vregs[assoc.Name-hvArm64RegisterQ0] = [2]uint64{lo, hi}
		case assoc.Name == hvArm64RegisterFpsr:
			regs.Fpsr = lo
		case assoc.Name == hvArm64RegisterFpcr:
			regs.Fpcr = lo
		default:
			return regs, fmt.Errorf("mshv: unexpected register name 0x%08x", assoc.Name)
		}
	}

	return regs, nil
}

func (v *Vcpu) StandardRegisters() (hv.StandardRegisters, error) {
	assocs := make([]hvRegisterAssoc, len(standardRegisterNames))
	for i, name := range standardRegisterNames {
		assocs[i].Name = name
	}

	if err := v.getRegisters(assocs); err != nil {
		return hv.StandardRegisters{}, fmt.Errorf("mshv: get VP %d registers: %w", v.id, err)
	}

	regs, err := fromAssocs(assocs)
	if err != nil {
		return hv.StandardRegisters{}, err
	}
	return regs, nil
}

func (v *Vcpu) SetStandardRegisters(regs *hv.StandardRegisters) error {
	assocs := toAssocs(regs)
	if err := v.setRegisters(assocs); err != nil {
		return fmt.Errorf("mshv: set VP %d registers: %w", v.id, err)
	}
	return nil
}

// VcpuState is the captured state of an MSHV VP: the standard register
// file. The driver exposes no further per-VP state to save.
type VcpuState struct {
	Core hv.StandardRegisters
}

func (VcpuState) Backend() hv.Backend { return hv.BackendMshv }

func (v *Vcpu) State() (hv.CpuState, error) {
	core, err := v.StandardRegisters()
	if err != nil {
		return nil, err
	}
	return VcpuState{Core: core}, nil
}

func (v *Vcpu) SetState(state hv.CpuState) error {
	s, ok := state.(VcpuState)
	if !ok {
		return &hv.WrongBackendError{Got: state.Backend(), Want: hv.BackendMshv}
	}
	return v.SetStandardRegisters(&s.Core)
}

var (
	_ hv.Hypervisor = &Hypervisor{}
	_ hv.Vm         = &Vm{}
	_ hv.Vcpu       = &Vcpu{}
)

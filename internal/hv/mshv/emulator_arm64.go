//go:build linux && arm64

package mshv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/hvlite/internal/hv"
	"golang.org/x/arch/arm64/arm64asm"
)

// ErrInterruptionPending means the fault arrived with an interruption
// already pending. Emulating in that window would need a model of
// architectural interrupt-delivery ordering, so it is treated as
// fatal instead.
var ErrInterruptionPending = errors.New("mshv: instruction emulation with pending interruption")

// RegisterBank is the slice of a vCPU the emulator needs: the standard
// register file, fetched once per fault and written back once.
type RegisterBank interface {
	StandardRegisters() (hv.StandardRegisters, error)
	SetStandardRegisters(*hv.StandardRegisters) error
}

// EmulatorContext is the per-fault state handed back by the hypervisor
// for an unhandled guest memory access.
type EmulatorContext struct {
	Vcpu RegisterBank

	// Gva and Gpa are the faulting guest-virtual address and its
	// guest-physical translation. MMIO dispatches on Gpa.
	Gva uint64
	Gpa uint64

	// Syndrome is the ESR-style fault syndrome.
	Syndrome uint64

	// InstructionBytes holds up to InstructionByteCount raw bytes of the
	// faulting instruction, used only for diagnostics when the syndrome
	// alone cannot describe the access.
	InstructionBytes     [4]byte
	InstructionByteCount uint8

	InterruptionPending bool

	// Pc is the faulting program counter.
	Pc uint64
}

// Exception class field of the syndrome.
const (
	esrEcShift = 26
	esrEcMask  = 0x3f

	esrEcDataAbortLowerEl   = 0x24
	esrEcDataAbortCurrentEl = 0x25

	esrIlBit = 1 << 25

	esrIssMask = 0x1ffffff
)

// Instruction-specific syndrome fields for data aborts.
const (
	issIsvBit   = 1 << 24
	issSasShift = 22
	issSseBit   = 1 << 21
	issSrtShift = 16
	issSrtMask  = 0x1f
	issSfBit    = 1 << 15
	issWnrBit   = 1 << 6
)

// Emulate decodes the fault syndrome and, when it describes a data
// abort with a valid instruction syndrome, replays the guest's load or
// store against the MMIO handler. It returns false with a nil error
// when the fault is not decodable from the syndrome; the caller must
// fall back to another strategy.
//
// Register mutations (destination register and PC) commit as a single
// write-back after the MMIO access succeeds, so a failed handler leaves
// the vCPU untouched.
func (ctx *EmulatorContext) Emulate(ops hv.MMIOHandler) (bool, error) {
	if ctx.InterruptionPending {
		return false, ErrInterruptionPending
	}

	ec := (ctx.Syndrome >> esrEcShift) & esrEcMask
	if ec != esrEcDataAbortLowerEl && ec != esrEcDataAbortCurrentEl {
		ctx.logNotDecodable("exception class is not a data abort", ec)
		return false, nil
	}

	iss := ctx.Syndrome & esrIssMask
	if iss&issIsvBit == 0 {
		ctx.logNotDecodable("instruction syndrome not valid", ec)
		return false, nil
	}

	size := 1 << ((iss >> issSasShift) & 3)
	signExtendResult := iss&issSseBit != 0
	// srt is 5 bits; 0..30 name a GPR and 31 is the zero register, so
	// every encodable value has defined behavior.
	srt := int((iss >> issSrtShift) & issSrtMask)
	sixtyFour := iss&issSfBit != 0
	isWrite := iss&issWnrBit != 0

	regs, err := ctx.Vcpu.StandardRegisters()
	if err != nil {
		return false, fmt.Errorf("mshv: fetch registers for emulation: %w", err)
	}

	if isWrite {
		// srt 31 is the zero register on the store path
		var value uint64
		if srt < 31 {
			value = regs.Gpr[srt]
		}

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)
		if err := ops.WriteMMIO(ctx.Gpa, buf[:size]); err != nil {
			return false, err
		}
	} else {
		buf := make([]byte, 8)
		if err := ops.ReadMMIO(ctx.Gpa, buf[:size]); err != nil {
			return false, err
		}

		value := binary.LittleEndian.Uint64(buf)
		if signExtendResult {
			value = signExtend(value, size)
			if !sixtyFour {
				value &= 0xffffffff
			}
		}

		// srt 31 discards the loaded value
		if srt < 31 {
			regs.Gpr[srt] = value
		}
	}

	if ctx.Syndrome&esrIlBit != 0 {
		regs.Pc = ctx.Pc + 4
	} else {
		regs.Pc = ctx.Pc + 2
	}

	if err := ctx.Vcpu.SetStandardRegisters(&regs); err != nil {
		return false, fmt.Errorf("mshv: commit registers after emulation: %w", err)
	}

	return true, nil
}

// signExtend widens the low size bytes of value to a signed 64-bit
// value.
func signExtend(value uint64, size int) uint64 {
	shift := uint(64 - size*8)
	return uint64(int64(value<<shift) >> shift)
}

func (ctx *EmulatorContext) logNotDecodable(reason string, ec uint64) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	slog.Debug("mshv: fault not decodable from syndrome",
		"reason", reason,
		"ec", fmt.Sprintf("0x%02x", ec),
		"syndrome", fmt.Sprintf("0x%016x", ctx.Syndrome),
		"pc", fmt.Sprintf("0x%016x", ctx.Pc),
		"instruction", ctx.describeInstruction())
}

// describeInstruction disassembles the captured instruction bytes for
// diagnostics.
func (ctx *EmulatorContext) describeInstruction() string {
	if ctx.InstructionByteCount < 4 {
		return fmt.Sprintf("% x", ctx.InstructionBytes[:ctx.InstructionByteCount])
	}

	inst, err := arm64asm.Decode(ctx.InstructionBytes[:])
	if err != nil {
		return fmt.Sprintf("% x", ctx.InstructionBytes[:])
	}
	return inst.String()
}

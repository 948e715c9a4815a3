//go:build linux && arm64

package mshv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/hvlite/internal/hv"
)

type fakeBank struct {
	regs     hv.StandardRegisters
	setCalls int
}

func (b *fakeBank) StandardRegisters() (hv.StandardRegisters, error) {
	return b.regs, nil
}

func (b *fakeBank) SetStandardRegisters(regs *hv.StandardRegisters) error {
	b.regs = *regs
	b.setCalls++
	return nil
}

type syndromeSpec struct {
	ec  uint64
	il  bool
	isv bool
	sas uint64
	sse bool
	srt uint64
	sf  bool
	wnr bool
}

func (s syndromeSpec) build() uint64 {
	syndrome := s.ec << esrEcShift
	if s.il {
		syndrome |= esrIlBit
	}
	if s.isv {
		syndrome |= issIsvBit
	}
	syndrome |= s.sas << issSasShift
	if s.sse {
		syndrome |= issSseBit
	}
	syndrome |= s.srt << issSrtShift
	if s.sf {
		syndrome |= issSfBit
	}
	if s.wnr {
		syndrome |= issWnrBit
	}
	return syndrome
}

type mmioRecorder struct {
	readData   []byte
	writes     [][]byte
	reads      int
	addrs      []uint64
	failReads  bool
	failWrites bool
}

func (m *mmioRecorder) ReadMMIO(addr uint64, data []byte) error {
	m.reads++
	m.addrs = append(m.addrs, addr)
	if m.failReads {
		return errors.New("device read failed")
	}
	copy(data, m.readData)
	return nil
}

func (m *mmioRecorder) WriteMMIO(addr uint64, data []byte) error {
	m.addrs = append(m.addrs, addr)
	if m.failWrites {
		return errors.New("device write failed")
	}
	m.writes = append(m.writes, append([]byte(nil), data...))
	return nil
}

func TestEmulateWrite(t *testing.T) {
	bank := &fakeBank{}
	bank.regs.Gpr[5] = 0xAABBCCDD11223344

	ctx := &EmulatorContext{
		Vcpu:     bank,
		Gpa:      0x9000000,
		Pc:       0x80000,
		Syndrome: syndromeSpec{ec: esrEcDataAbortLowerEl, il: true, isv: true, sas: 2, srt: 5, wnr: true}.build(),
	}

	mmio := &mmioRecorder{}
	handled, err := ctx.Emulate(mmio)
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}
	if !handled {
		t.Fatal("expected fault to be handled")
	}

	if len(mmio.writes) != 1 {
		t.Fatalf("expected 1 MMIO write, got %d", len(mmio.writes))
	}
	if !bytes.Equal(mmio.writes[0], []byte{0x44, 0x33, 0x22, 0x11}) {
		t.Fatalf("wrong bytes written: % x", mmio.writes[0])
	}
	if mmio.addrs[0] != 0x9000000 {
		t.Fatalf("wrong MMIO address: 0x%x", mmio.addrs[0])
	}

	if bank.regs.Pc != 0x80004 {
		t.Fatalf("expected PC 0x80004, got 0x%x", bank.regs.Pc)
	}
	if bank.setCalls != 1 {
		t.Fatalf("expected a single register commit, got %d", bank.setCalls)
	}
}

func TestEmulateWriteNarrowInstruction(t *testing.T) {
	bank := &fakeBank{}

	ctx := &EmulatorContext{
		Vcpu:     bank,
		Pc:       0x80000,
		Syndrome: syndromeSpec{ec: esrEcDataAbortCurrentEl, il: false, isv: true, sas: 2, srt: 1, wnr: true}.build(),
	}

	if _, err := ctx.Emulate(&mmioRecorder{}); err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}

	if bank.regs.Pc != 0x80002 {
		t.Fatalf("expected PC 0x80002, got 0x%x", bank.regs.Pc)
	}
}

func TestEmulateReadSignExtend(t *testing.T) {
	for _, tc := range []struct {
		name string
		sse  bool
		sf   bool
		want uint64
	}{
		{"signExtend32", true, false, 0xFFFFFFFF},
		{"signExtend64", true, true, 0xFFFFFFFFFFFFFFFF},
		{"zeroExtend", false, false, 0xFF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bank := &fakeBank{}
			ctx := &EmulatorContext{
				Vcpu:     bank,
				Pc:       0x1000,
				Syndrome: syndromeSpec{ec: esrEcDataAbortLowerEl, il: true, isv: true, sas: 0, sse: tc.sse, sf: tc.sf, srt: 7}.build(),
			}

			mmio := &mmioRecorder{readData: []byte{0xFF}}
			handled, err := ctx.Emulate(mmio)
			if err != nil {
				t.Fatalf("Emulate failed: %v", err)
			}
			if !handled {
				t.Fatal("expected fault to be handled")
			}

			if bank.regs.Gpr[7] != tc.want {
				t.Fatalf("expected x7 = 0x%x, got 0x%x", tc.want, bank.regs.Gpr[7])
			}
		})
	}
}

func TestEmulateNotDataAbort(t *testing.T) {
	bank := &fakeBank{}
	ctx := &EmulatorContext{
		Vcpu:     bank,
		Syndrome: syndromeSpec{ec: 0x20, il: true, isv: true, sas: 2, srt: 3, wnr: true}.build(),
	}

	mmio := &mmioRecorder{}
	handled, err := ctx.Emulate(mmio)
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}
	if handled {
		t.Fatal("instruction abort must not be handled")
	}
	if mmio.reads != 0 || len(mmio.writes) != 0 {
		t.Fatal("no MMIO access expected")
	}
	if bank.setCalls != 0 {
		t.Fatal("registers must be untouched")
	}
}

func TestEmulateSyndromeNotValid(t *testing.T) {
	bank := &fakeBank{}
	ctx := &EmulatorContext{
		Vcpu:     bank,
		Syndrome: syndromeSpec{ec: esrEcDataAbortLowerEl, il: true, isv: false, sas: 2, wnr: true}.build(),
	}

	handled, err := ctx.Emulate(&mmioRecorder{})
	if err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}
	if handled {
		t.Fatal("fault without instruction syndrome must not be handled")
	}
	if bank.setCalls != 0 {
		t.Fatal("registers must be untouched")
	}
}

func TestEmulateZeroRegister(t *testing.T) {
	t.Run("write", func(t *testing.T) {
		bank := &fakeBank{}
		ctx := &EmulatorContext{
			Vcpu:     bank,
			Pc:       0x2000,
			Syndrome: syndromeSpec{ec: esrEcDataAbortLowerEl, il: true, isv: true, sas: 3, srt: 31, wnr: true}.build(),
		}

		mmio := &mmioRecorder{}
		handled, err := ctx.Emulate(mmio)
		if err != nil {
			t.Fatalf("Emulate failed: %v", err)
		}
		if !handled {
			t.Fatal("the maximum register operand must be handled")
		}
		if !bytes.Equal(mmio.writes[0], make([]byte, 8)) {
			t.Fatalf("xzr store must write zeros, got % x", mmio.writes[0])
		}
	})

	t.Run("read", func(t *testing.T) {
		bank := &fakeBank{}
		before := bank.regs.Gpr

		ctx := &EmulatorContext{
			Vcpu:     bank,
			Pc:       0x2000,
			Syndrome: syndromeSpec{ec: esrEcDataAbortLowerEl, il: true, isv: true, sas: 2, srt: 31}.build(),
		}

		mmio := &mmioRecorder{readData: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
		handled, err := ctx.Emulate(mmio)
		if err != nil {
			t.Fatalf("Emulate failed: %v", err)
		}
		if !handled {
			t.Fatal("the maximum register operand must be handled")
		}

		if bank.regs.Gpr != before {
			t.Fatal("xzr load must discard the value")
		}
		if bank.regs.Pc != 0x2004 {
			t.Fatalf("expected PC advance even for xzr load, got 0x%x", bank.regs.Pc)
		}
	})
}

func TestEmulateMmioErrorLeavesRegisters(t *testing.T) {
	bank := &fakeBank{}
	bank.regs.Pc = 0x3000

	ctx := &EmulatorContext{
		Vcpu:     bank,
		Pc:       0x3000,
		Syndrome: syndromeSpec{ec: esrEcDataAbortLowerEl, il: true, isv: true, sas: 2, srt: 4}.build(),
	}

	mmio := &mmioRecorder{failReads: true}
	if _, err := ctx.Emulate(mmio); err == nil {
		t.Fatal("expected the device error to propagate")
	}

	if bank.setCalls != 0 {
		t.Fatal("a failed MMIO access must not commit registers")
	}
	if bank.regs.Pc != 0x3000 {
		t.Fatalf("PC must be unchanged, got 0x%x", bank.regs.Pc)
	}
}

func TestEmulateInterruptionPending(t *testing.T) {
	bank := &fakeBank{}
	ctx := &EmulatorContext{
		Vcpu:                bank,
		InterruptionPending: true,
		Syndrome:            syndromeSpec{ec: esrEcDataAbortLowerEl, il: true, isv: true, sas: 2, wnr: true}.build(),
	}

	_, err := ctx.Emulate(&mmioRecorder{})
	if !errors.Is(err, ErrInterruptionPending) {
		t.Fatalf("expected ErrInterruptionPending, got %v", err)
	}
	if bank.setCalls != 0 {
		t.Fatal("registers must be untouched")
	}
}

func TestSignExtend(t *testing.T) {
	for _, tc := range []struct {
		value uint64
		size  int
		want  uint64
	}{
		{0xFF, 1, 0xFFFFFFFFFFFFFFFF},
		{0x7F, 1, 0x7F},
		{0x8000, 2, 0xFFFFFFFFFFFF8000},
		{0x80000000, 4, 0xFFFFFFFF80000000},
		{0x123456789ABCDEF0, 8, 0x123456789ABCDEF0},
	} {
		if got := signExtend(tc.value, tc.size); got != tc.want {
			t.Errorf("signExtend(0x%x, %d) = 0x%x, want 0x%x", tc.value, tc.size, got, tc.want)
		}
	}
}

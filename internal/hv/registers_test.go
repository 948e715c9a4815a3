package hv

import "testing"

func TestVcpuInitFeatures(t *testing.T) {
	var init VcpuInit

	init.SetFeature(0)
	init.SetFeature(33)
	if !init.HasFeature(0) || !init.HasFeature(33) {
		t.Fatal("set features must read back")
	}
	if init.HasFeature(1) {
		t.Fatal("unset feature reads as set")
	}
	if init.Features[1] != 1<<1 {
		t.Fatalf("feature 33 must land in word 1 bit 1, got %#x", init.Features[1])
	}

	// out of range bits are ignored, not wrapped
	init.SetFeature(7 * 32)
	if init.HasFeature(7 * 32) {
		t.Fatal("out-of-range feature must not be stored")
	}
}

func TestSimpleMMIOHandlerDefaults(t *testing.T) {
	var h SimpleMMIOHandler

	if err := h.ReadMMIO(0x1000, make([]byte, 4)); err == nil {
		t.Fatal("expected an error for an unhandled read")
	}
	if err := h.WriteMMIO(0x1000, make([]byte, 4)); err == nil {
		t.Fatal("expected an error for an unhandled write")
	}

	called := false
	h.WriteFunc = func(addr uint64, data []byte) error {
		called = true
		return nil
	}
	if err := h.WriteMMIO(0x1000, make([]byte, 4)); err != nil || !called {
		t.Fatal("write func must be dispatched")
	}
}

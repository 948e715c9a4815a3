//go:build linux && arm64

package kvm

import (
	"errors"
	"testing"
)

type fakeChecker struct {
	missing map[Capability]bool
}

func (f fakeChecker) checkExtension(cap Capability) (int, error) {
	if f.missing[cap] {
		return 0, nil
	}
	return 1, nil
}

func TestCheckRequiredCapabilitiesAllPresent(t *testing.T) {
	if err := checkRequiredCapabilities(fakeChecker{}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestCheckRequiredCapabilitiesEachMissing(t *testing.T) {
	for _, cap := range RequiredCapabilities {
		err := checkRequiredCapabilities(fakeChecker{missing: map[Capability]bool{cap: true}})

		var missing *MissingCapabilityError
		if !errors.As(err, &missing) {
			t.Fatalf("%s: expected MissingCapabilityError, got %v", cap, err)
		}
		if missing.Cap != cap {
			t.Fatalf("expected %s to be reported, got %s", cap, missing.Cap)
		}
	}
}

func TestCheckRequiredCapabilitiesFirstMissingReported(t *testing.T) {
	// Ioeventfd precedes MpState in the declared order.
	err := checkRequiredCapabilities(fakeChecker{missing: map[Capability]bool{
		CapMpState:   true,
		CapIoeventfd: true,
	}})

	var missing *MissingCapabilityError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingCapabilityError, got %v", err)
	}
	if missing.Cap != CapIoeventfd {
		t.Fatalf("expected the first missing capability in order, got %s", missing.Cap)
	}
}

func TestGuestDebugNotProbed(t *testing.T) {
	// A host hiding KVM_CAP_SET_GUEST_DEBUG must still open.
	err := checkRequiredCapabilities(fakeChecker{missing: map[Capability]bool{
		CapSetGuestDebug: true,
	}})
	if err != nil {
		t.Fatalf("guest-debug must not be part of the open-time probe: %v", err)
	}

	for _, cap := range RequiredCapabilities {
		if cap == CapSetGuestDebug {
			t.Fatal("guest-debug must not appear in the required list")
		}
	}
}

//go:build linux && arm64

package kvm

import "fmt"

// Capability is a KVM extension number probed through KVM_CHECK_EXTENSION.
type Capability int

const (
	CapImmediateExit Capability = kvmCapImmediateExit
	CapIoeventfd     Capability = kvmCapIoeventfd
	CapIrqchip       Capability = kvmCapIrqchip
	CapIrqfd         Capability = kvmCapIrqfd
	CapIrqRouting    Capability = kvmCapIrqRouting
	CapMpState       Capability = kvmCapMpState
	CapOneReg        Capability = kvmCapOneReg
	CapUserMemory    Capability = kvmCapUserMemory

	// CapArmVmIpaSize reports the maximum configurable guest physical
	// address size in bits, or zero when the host fixes it.
	CapArmVmIpaSize Capability = kvmCapArmVmIpaSize

	// CapSetGuestDebug is required for guest debugging but is deliberately
	// never probed at open time: some otherwise-usable hosts report it
	// inconsistently, and failing open would make them unusable. Callers
	// that enable debugging discover the missing capability at use time.
	CapSetGuestDebug Capability = kvmCapSetGuestDebug
)

func (c Capability) String() string {
	switch c {
	case CapImmediateExit:
		return "KVM_CAP_IMMEDIATE_EXIT"
	case CapIoeventfd:
		return "KVM_CAP_IOEVENTFD"
	case CapIrqchip:
		return "KVM_CAP_IRQCHIP"
	case CapIrqfd:
		return "KVM_CAP_IRQFD"
	case CapIrqRouting:
		return "KVM_CAP_IRQ_ROUTING"
	case CapMpState:
		return "KVM_CAP_MP_STATE"
	case CapOneReg:
		return "KVM_CAP_ONE_REG"
	case CapSetGuestDebug:
		return "KVM_CAP_SET_GUEST_DEBUG"
	case CapUserMemory:
		return "KVM_CAP_USER_MEMORY"
	default:
		return fmt.Sprintf("KVM_CAP_???(%d)", int(c))
	}
}

// RequiredCapabilities is the fixed-order list probed when the hypervisor
// is opened. A handle that opens successfully supports all of them.
var RequiredCapabilities = []Capability{
	CapImmediateExit,
	CapIoeventfd,
	CapIrqchip,
	CapIrqfd,
	CapIrqRouting,
	CapMpState,
	CapOneReg,
	CapUserMemory,
}

// MissingCapabilityError reports the first required capability the host
// kernel does not advertise.
type MissingCapabilityError struct {
	Cap Capability
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("kvm: missing required capability %s", e.Cap)
}

// capChecker is the probe seam; the real implementation issues
// KVM_CHECK_EXTENSION against the system fd.
type capChecker interface {
	checkExtension(cap Capability) (int, error)
}

// checkRequiredCapabilities probes RequiredCapabilities in order and
// reports the first one missing.
func checkRequiredCapabilities(c capChecker) error {
	for _, cap := range RequiredCapabilities {
		v, err := c.checkExtension(cap)
		if err != nil {
			return fmt.Errorf("kvm: check capability %s: %w", cap, err)
		}
		if v == 0 {
			return &MissingCapabilityError{Cap: cap}
		}
	}
	return nil
}
